package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd(opts *Options, factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report key pool, Redis and secret backend health as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, factory, func(app *App) error {
				if app.Health == nil {
					return fmt.Errorf("no health probes wired")
				}
				data, err := json.MarshalIndent(app.Health(cmd.Context()), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}
}
