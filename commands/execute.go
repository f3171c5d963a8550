package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newExecuteCmd(opts *Options, factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <todolist.json>",
		Short: "Run a todo list to completion through the agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, factory, func(app *App) error {
				workflowID, err := app.Orchestrator.CreateWorkflow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "workflow %s started\n", workflowID)

				execErr := app.Orchestrator.Execute(cmd.Context(), workflowID)
				state, statusErr := app.Orchestrator.Status(workflowID)
				if statusErr == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "workflow %s finished: %s\n", workflowID, state.Status)
				}
				return execErr
			})
		},
	}
}
