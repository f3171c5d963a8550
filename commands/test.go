package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/workflow"
)

func newTestCmd(opts *Options, factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "test <code-file>...",
		Short: "Run the acceptance pipeline over generated code files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, factory, func(app *App) error {
				runID := "manual_" + uuid.New().String()[:8]
				req := bus.TaskRequest{
					TaskID:         "task_" + runID,
					TaskTitle:      "Manual test run",
					AgentRole:      workflow.RoleTester,
					CorrelationID:  runID,
					WorkflowID:     runID,
					InputArtifacts: args,
				}
				result, err := app.Registry.Dispatch(cmd.Context(), req)
				if err != nil {
					return err
				}
				for _, artifact := range result.Artifacts {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", artifact.Type, artifact.Path)
				}
				if result.Status != "completed" {
					return fmt.Errorf("test pipeline failed: %s", result.Error)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "all checks passed")
				return nil
			})
		},
	}
}
