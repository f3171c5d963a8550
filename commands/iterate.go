package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newIterateCmd(opts *Options, factory Factory) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "iterate <workflow-id> [max-iterations]",
		Short: "Run the test-and-fix loop over recently generated code",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			budget := 0
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil || n < 1 {
					return fmt.Errorf("max-iterations must be a positive integer, got %q", args[1])
				}
				budget = n
			}
			return withApp(opts, factory, func(app *App) error {
				cutoff := time.Now().Add(-since)
				report, err := app.Loop.RunBudget(cmd.Context(), args[0], cutoff, budget)
				if err != nil {
					return err
				}
				for _, iter := range report.Iterations {
					fmt.Fprintf(cmd.OutOrStdout(), "iteration %d: %d files tested, %d failures (%.1fs)\n",
						iter.Iteration, iter.TestedFiles, len(iter.Failures), iter.DurationSeconds)
				}
				if !report.Green {
					return fmt.Errorf("loop did not converge after %d iterations", len(report.Iterations))
				}
				fmt.Fprintln(cmd.OutOrStdout(), "all tests green")
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Only test code files generated within this window")
	return cmd
}
