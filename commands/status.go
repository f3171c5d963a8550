package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *Options, factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Print the state of one workflow as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, factory, func(app *App) error {
				state, err := app.Orchestrator.Status(args[0])
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(state, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}
}

func newListCmd(opts *Options, factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, factory, func(app *App) error {
				states := app.Orchestrator.List()
				if len(states) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no workflows")
					return nil
				}
				for _, state := range states {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d tasks\t%s\n",
						state.WorkflowID, state.Status, len(state.Tasks), state.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
}
