package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgeloop/forgeloop/workflow"
)

func newSubmitCmd(opts *Options, factory Factory) *cobra.Command {
	var contextNotes []string

	cmd := &cobra.Command{
		Use:   "submit <request>",
		Short: "Turn a natural-language request into a validated todo list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, factory, func(app *App) error {
				request := strings.Join(args, " ")
				notes := parseNotes(contextNotes)

				list, err := app.Planner.Plan(cmd.Context(), request, notes)
				if err != nil {
					return err
				}
				path, err := workflow.SaveTodoList(app.Config.Workspace, list)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "todo list %s with %d tasks (%d planner attempts)\n%s\n",
					list.TodoListID, len(list.Items), app.Planner.LastAttempts(), path)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&contextNotes, "note", nil, "Context note as key=value, repeatable")
	return cmd
}

func parseNotes(raw []string) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	notes := make(map[string]string, len(raw))
	for _, entry := range raw {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			notes[entry] = ""
			continue
		}
		notes[key] = value
	}
	return notes
}
