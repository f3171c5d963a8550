package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeloop/forgeloop/agents"
	"github.com/forgeloop/forgeloop/artifacts"
	"github.com/forgeloop/forgeloop/bus"
	"github.com/forgeloop/forgeloop/commands"
	"github.com/forgeloop/forgeloop/config"
	"github.com/forgeloop/forgeloop/convo"
	"github.com/forgeloop/forgeloop/keys"
	"github.com/forgeloop/forgeloop/llm"
	"github.com/forgeloop/forgeloop/loop"
	"github.com/forgeloop/forgeloop/orchestrator"
	"github.com/forgeloop/forgeloop/planner"
	"github.com/forgeloop/forgeloop/ratestore"
	"github.com/forgeloop/forgeloop/sandbox"
	"github.com/forgeloop/forgeloop/secrets"
)

// buildApp wires the full runtime in dependency order: secret and rate
// stores feed the key manager, the key manager and conversation store feed
// the request router, and the router feeds the planner and agents.
func buildApp(opts commands.Options) (*commands.App, error) {
	logger := newLogger(opts.LogLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Workspace != "" {
		cfg.Workspace = opts.Workspace
	}

	secretStore, err := secrets.New()
	if err != nil {
		return nil, fmt.Errorf("secret store: %w", err)
	}

	var closers []func()

	// The rate store fails open when Redis is unreachable, so it is always
	// constructed; disabling the multi-key router just trims the pool to
	// its first key.
	rates, err := ratestore.NewFromURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("rate store: %w", err)
	}

	keyManager := keys.NewManager(rates, secretStore, keys.WithLogger(logger))
	keyPool := cfg.Keys
	if !cfg.LLM.MultiKeyEnabled && len(keyPool) > 1 {
		keyPool = keyPool[:1]
	}
	keyManager.Load(keyPool)

	router := llm.NewRouter(keyManager, convo.NewInMemory(),
		llm.WithLogger(logger),
		llm.WithRouterConfig(llm.RouterConfig{
			MaxAttempts:    cfg.LLM.MaxRetries,
			BaseBackoff:    cfg.LLM.BaseBackoff,
			MaxBackoff:     cfg.LLM.MaxBackoff,
			RequestTimeout: cfg.LLM.RequestTimeout,
		}),
		llm.WithCallLog(llm.NewCallLog(0)),
	)

	var messageBus bus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATS(cfg.NATS.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("nats bus: %w", err)
		}
		messageBus = natsBus
	} else {
		messageBus = bus.NewInProcess(logger)
	}
	closers = append(closers, func() { _ = messageBus.Close() })

	store, err := artifacts.NewStore(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	runner := sandbox.NewRunner(cfg.Workspace, logger)

	registry := agents.NewRegistry()
	deps := agents.Deps{
		Router: router,
		Bus:    messageBus,
		Store:  store,
		Runner: runner,
		Logger: logger,
	}
	registry.Register(agents.NewArchitect(deps))
	registry.Register(agents.NewCoder(deps))
	registry.Register(agents.NewTester(deps))
	registry.Register(agents.NewDebugger(deps))
	registry.Register(agents.NewOptimizer(deps))

	orch, err := orchestrator.New(registry, messageBus, cfg.Workspace, orchestrator.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	fixLoop := loop.New(store, runner, orch,
		loop.WithLogger(logger),
		loop.WithMaxIterations(cfg.Loop.MaxIterations),
	)

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	return &commands.App{
		Config:       cfg,
		Logger:       logger,
		Planner:      planner.New(router, logger),
		Orchestrator: orch,
		Loop:         fixLoop,
		Registry:     registry,
		Store:        store,
		Health: func(ctx context.Context) map[string]any {
			return map[string]any{
				"keys":         keyManager.Health(ctx),
				"secret_store": secretStore.Name(),
				"workspace":    cfg.Workspace,
				"bus":          busKind(cfg),
			}
		},
		Close: func() {
			for _, closeFn := range closers {
				closeFn()
			}
		},
	}, nil
}

func busKind(cfg *config.Config) string {
	if cfg.NATS.URL != "" {
		return "nats"
	}
	return "in-process"
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener stopped", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
