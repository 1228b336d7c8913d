package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/config"
	"github.com/lucasnoah/agentfactory/internal/db"
	"github.com/lucasnoah/agentfactory/internal/events"
	"github.com/lucasnoah/agentfactory/internal/logging"
	"github.com/lucasnoah/agentfactory/internal/metrics"
	"github.com/lucasnoah/agentfactory/internal/orchestrator"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
	"github.com/lucasnoah/agentfactory/internal/shutdown"
	"github.com/lucasnoah/agentfactory/internal/telemetry"
)

// app bundles everything a command needs. Optional services are only set
// up when the command asks for them and the config enables them.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *pipeline.Store
	journal  *db.DB
	events   *events.Publisher
	metrics  *metrics.Metrics
	tracing  *telemetry.Provider
	shutdown *shutdown.Coordinator
	orch     *orchestrator.Orchestrator

	closers []func()
}

type appOpts struct {
	// journal opens the Postgres journal when database_url is set.
	journal bool
	// runner wires events, tracing and signal handling for driving pipelines.
	runner bool
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

func storeFor(cfg *config.Config) (*pipeline.Store, error) {
	dir := filepath.Join(cfg.StateDir, "pipelines")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return pipeline.NewStore(dir), nil
}

func newApp(cmd *cobra.Command, opts appOpts) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cmd.ErrOrStderr()})
	if err != nil {
		return nil, err
	}
	store, err := storeFor(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: store, metrics: metrics.New()}
	a.closers = append(a.closers, func() { _ = log.Sync() })
	ctx := cmd.Context()

	if opts.journal && cfg.DatabaseURL != "" {
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.closers = append(a.closers, d.Close)
		if err := d.Migrate(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		a.journal = d
	}

	if opts.runner {
		if cfg.NATS.URL != "" {
			p, err := events.Connect(cfg.NATS.URL, cfg.NATS.Subject, log)
			if err != nil {
				a.close()
				return nil, err
			}
			a.closers = append(a.closers, p.Close)
			a.events = p
		}

		tp, err := telemetry.Setup(telemetry.Config{Enabled: cfg.Tracing.Enabled, Output: cmd.ErrOrStderr(), Version: version})
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = tp.Shutdown(context.Background()) })
		a.tracing = tp

		a.shutdown = shutdown.New(ctx, cfg.Pipeline.GracePeriodDuration(), log.Named("shutdown"))
		a.shutdown.Install()
		a.closers = append(a.closers, a.shutdown.Close)
	}

	deps := orchestrator.Deps{
		Store:    store,
		Config:   cfg,
		Metrics:  a.metrics,
		Logger:   log,
		Shutdown: a.shutdown,
		Progress: cmd.OutOrStdout(),
	}
	if a.journal != nil {
		deps.Journal = a.journal
	}
	if a.events != nil {
		deps.Events = a.events
	}
	if a.tracing != nil {
		deps.Tracer = a.tracing.Tracer()
	}
	orch, err := orchestrator.New(deps)
	if err != nil {
		a.close()
		return nil, err
	}
	a.orch = orch
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
