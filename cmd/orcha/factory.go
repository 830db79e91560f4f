package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ShayCichocki/orcha/internal/artifact"
	"github.com/ShayCichocki/orcha/internal/config"
	"github.com/ShayCichocki/orcha/internal/exec"
	"github.com/ShayCichocki/orcha/internal/orchestrator"
	"github.com/ShayCichocki/orcha/internal/runner"
	"github.com/ShayCichocki/orcha/internal/signals"
	"github.com/ShayCichocki/orcha/internal/state"
	"github.com/ShayCichocki/orcha/internal/template"
	"github.com/ShayCichocki/orcha/internal/tui"
)

var _ tui.Controller = (*orchestrator.Service)(nil)

// app bundles the service with the resources it was built from.
type app struct {
	cfg       *config.Config
	svc       *orchestrator.Service
	templates *template.Registry
	metrics   *orchestrator.Metrics
	nc        *nats.Conn
	closers   []func() error
}

// newApp wires storage, runner, and event sinks from cfg and restores
// persisted sessions. extra options are applied last.
func newApp(ctx context.Context, cfg *config.Config, extra ...orchestrator.Option) (*app, error) {
	a := &app{cfg: cfg, metrics: orchestrator.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	reg, err := template.NewRegistry(cfg.Templates.Dir)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	a.templates = reg

	opts := []orchestrator.Option{
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithMaxConcurrentNodesPerGraph(cfg.Scheduler.MaxConcurrentNodesPerGraph),
		orchestrator.WithWorkers(cfg.Scheduler.Workers),
		orchestrator.WithBackoffMax(cfg.Scheduler.BackoffMax),
		orchestrator.WithHoldOpen(cfg.Scheduler.HoldOpen),
	}

	if cfg.Log.Debug {
		path := cfg.Log.Path
		if path == "" {
			path = orchestrator.DefaultLogPath()
		}
		logger, err := orchestrator.NewDebugLogger(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, logger.Close)
		opts = append(opts, orchestrator.WithLogger(logger))
	}

	storeOpts, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts, storeOpts...)

	if cfg.NATS.Events {
		nc, err := a.natsConn()
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestrator.WithEventSink(orchestrator.NewNATSEventSink(nc, cfg.NATS.EventsPrefix)))
	}

	r, err := a.newRunner(ctx)
	if err != nil {
		return nil, err
	}

	a.svc = orchestrator.NewService(r, append(opts, extra...)...)
	if _, err := a.svc.Load(ctx); err != nil {
		a.svc.Close()
		return nil, fmt.Errorf("restore sessions: %w", err)
	}
	ok = true
	return a, nil
}

// openStorage returns the repository and artifact store options for the
// configured backend. Artifacts live in SQLite for both persistent
// backends.
func (a *app) openStorage(ctx context.Context) ([]orchestrator.Option, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageMemory:
		return []orchestrator.Option{orchestrator.WithArtifactStore(artifact.NewMemoryStore())}, nil

	case config.StorageSQLite, config.StorageNATS:
		db, err := a.openDB()
		if err != nil {
			return nil, err
		}
		opts := []orchestrator.Option{orchestrator.WithArtifactStore(artifact.NewSQLiteStore(db))}
		if a.cfg.Storage.Backend == config.StorageSQLite {
			return append(opts, orchestrator.WithRepository(state.NewRepository(db))), nil
		}

		nc, err := a.natsConn()
		if err != nil {
			return nil, err
		}
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		kv, err := state.NewNATSKV(ctx, js, a.cfg.NATS.Bucket)
		if err != nil {
			return nil, err
		}
		return append(opts, orchestrator.WithRepository(state.NewRepository(kv))), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
}

func (a *app) openDB() (*state.DB, error) {
	path := a.cfg.Storage.Path
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path = state.ProjectDBPath(cwd)
	}
	db, err := state.Open(path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func (a *app) natsConn() (*nats.Conn, error) {
	if a.nc != nil {
		return a.nc, nil
	}
	if a.cfg.NATS.URL == "" {
		return nil, errors.New("nats.url is not set")
	}
	nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("orcha"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	a.nc = nc
	a.closers = append(a.closers, func() error { nc.Close(); return nil })
	return nc, nil
}

func (a *app) newRunner(ctx context.Context) (runner.Runner, error) {
	switch a.cfg.Runner.Kind {
	case config.RunnerScripted:
		s := runner.NewScripted(a.cfg.Runner.Step, a.cfg.Runner.Delay)
		for _, t := range a.templates.All() {
			s.SetPlans(t.ScopedPlans())
		}
		return s, nil

	case config.RunnerCommand:
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		return runner.NewCommandRunner(exec.NewRunner(), a.cfg.Runner.Command, cwd), nil

	case config.RunnerClaude:
		key, err := config.GetAPIKey(a.cfg)
		if err != nil {
			return nil, err
		}
		return runner.NewClaudeRunner(ctx, runner.ClaudeConfig{
			Model:         anthropic.Model(a.cfg.Anthropic.Model),
			APIKey:        key,
			UseAWSBedrock: a.cfg.Anthropic.UseBedrock,
			AWSRegion:     a.cfg.Anthropic.AWSRegion,
			AWSProfile:    a.cfg.Anthropic.AWSProfile,
			MaxTokens:     a.cfg.Anthropic.MaxTokens,
		})
	}
	return nil, fmt.Errorf("unknown runner kind %q", a.cfg.Runner.Kind)
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	if a.svc != nil {
		a.svc.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openApp loads the config and builds the app.
func openApp(ctx context.Context, extra ...orchestrator.Option) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, extra...)
}

// signalsDir is where `orcha signal` drops files for `orcha serve`.
func signalsDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return signals.DefaultDir(cwd)
}
