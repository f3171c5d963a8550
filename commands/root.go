// Package commands implements the forgeloop CLI subcommands. Construction
// of the runtime (stores, router, agents, orchestrator) is injected by the
// binary so commands stay testable with fakes.
package commands

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/forgeloop/forgeloop/agents"
	"github.com/forgeloop/forgeloop/artifacts"
	"github.com/forgeloop/forgeloop/config"
	"github.com/forgeloop/forgeloop/loop"
	"github.com/forgeloop/forgeloop/orchestrator"
	"github.com/forgeloop/forgeloop/planner"
)

// App bundles the wired runtime the commands operate on.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Planner      *planner.Planner
	Orchestrator *orchestrator.Orchestrator
	Loop         *loop.Loop
	Registry     *agents.Registry
	Store        *artifacts.Store

	// Health aggregates backend reachability (key pool, Redis, secret
	// store). May be nil when the factory wires no backends.
	Health func(ctx context.Context) map[string]any

	// Close releases connections (Redis, NATS). May be nil.
	Close func()
}

// Options carry the global flags into the app factory.
type Options struct {
	ConfigPath string
	Workspace  string
	LogLevel   string
}

// Factory builds the runtime for one command invocation.
type Factory func(opts Options) (*App, error)

// NewRoot assembles the root command with all subcommands.
func NewRoot(version string, factory Factory) *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:           "forgeloop",
		Short:         "Plan, generate, test and iteratively fix code with LLM agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVarP(&opts.Workspace, "workspace", "w", "", "Workspace root (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSubmitCmd(opts, factory),
		newExecuteCmd(opts, factory),
		newTestCmd(opts, factory),
		newIterateCmd(opts, factory),
		newStatusCmd(opts, factory),
		newListCmd(opts, factory),
		newHealthCmd(opts, factory),
	)
	return cmd
}

// withApp builds the app, runs fn and tears the app down again.
func withApp(opts *Options, factory Factory, fn func(app *App) error) error {
	app, err := factory(*opts)
	if err != nil {
		return err
	}
	if app.Close != nil {
		defer app.Close()
	}
	return fn(app)
}
