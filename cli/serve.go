package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/infra/monitoring"
	"github.com/sagaflow/sagaflow/engine/infra/postgres"
	"github.com/sagaflow/sagaflow/engine/infra/server"
	"github.com/sagaflow/sagaflow/engine/orchestrator"
	"github.com/sagaflow/sagaflow/engine/store"
	"github.com/sagaflow/sagaflow/engine/systask"
	"github.com/sagaflow/sagaflow/engine/worker"
	"github.com/sagaflow/sagaflow/pkg/config"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine and admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogOverrides(cfg)
	log := logger.NewLogger(&logger.Config{
		Level: logger.LogLevel(cfg.Log.Level),
		JSON:  cfg.Log.Format == "json",
	})
	ctx = logger.ContextWithLogger(ctx, log)

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	engineBus, timerPoller, err := buildBus(ctx, cfg)
	if err != nil {
		return err
	}

	metrics, err := monitoring.New(otel.Meter("sagaflow"))
	if err != nil {
		return err
	}
	orch := orchestrator.New(st)
	exec := systask.NewExecutor()
	pipeline := worker.NewPipeline(engineBus, orch, exec, metrics, &worker.Config{
		BatchSize:       cfg.Worker.BatchSize,
		BlockTimeout:    cfg.Worker.BlockTimeout,
		PublishAttempts: cfg.Worker.PublishAttempts,
		PublishBackoff:  cfg.Worker.PublishBackoff,
	})
	api := server.New(&server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, st, engineBus)

	log.Info("starting sagaflow engine",
		"store", cfg.Store.Driver,
		"bus", cfg.Bus.Driver,
		"partitions", engineBus.Partitions())
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return pipeline.Run(ctx) })
	group.Go(func() error { return api.Run(ctx) })
	if timerPoller != nil {
		group.Go(func() error { return timerPoller.Run(ctx) })
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func applyLogOverrides(cfg *config.Config) {
	if rootFlags.logLevel != "" {
		cfg.Log.Level = rootFlags.logLevel
	}
	if rootFlags.logFormat != "" {
		cfg.Log.Format = rootFlags.logFormat
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.Postgres.AutoMigrate {
			if err := postgres.ApplyMigrations(ctx, cfg.Store.Postgres.DSN); err != nil {
				return nil, nil, err
			}
		}
		pg, err := postgres.NewStore(ctx, &postgres.Config{
			DSN:            cfg.Store.Postgres.DSN,
			MaxConns:       cfg.Store.Postgres.MaxConns,
			MinConns:       cfg.Store.Postgres.MinConns,
			ConnectTimeout: cfg.Store.Postgres.ConnectTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		st := pg.Repos()
		if err := wrapDefinitionCache(st, cfg); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return st, pg.Close, nil
	default:
		st := store.NewMemoryStore()
		if err := wrapDefinitionCache(st, cfg); err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	}
}

func wrapDefinitionCache(st *store.Store, cfg *config.Config) error {
	if cfg.Cache.DefinitionCacheSize <= 0 {
		return nil
	}
	cached, err := store.NewCachedWorkflowDefs(st.WorkflowDefs, cfg.Cache.DefinitionCacheSize)
	if err != nil {
		return fmt.Errorf("creating definition cache: %w", err)
	}
	st.WorkflowDefs = cached
	return nil
}

func buildBus(ctx context.Context, cfg *config.Config) (bus.Bus, *bus.TimerPoller, error) {
	switch cfg.Bus.Driver {
	case "redis":
		opts, err := redis.ParseURL(cfg.Bus.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		redisBus, err := bus.NewRedisBus(ctx, client, &bus.Config{
			KeyPrefix:         cfg.Bus.Redis.KeyPrefix,
			Partitions:        cfg.Bus.Redis.Partitions,
			Group:             cfg.Bus.Redis.Group,
			Consumer:          cfg.Bus.Redis.Consumer,
			EventStreamMaxLen: cfg.Bus.Redis.EventStreamMaxLen,
		})
		if err != nil {
			return nil, nil, err
		}
		poller := bus.NewTimerPoller(redisBus, cfg.Bus.Timer.PollInterval, cfg.Bus.Timer.Batch)
		return redisBus, poller, nil
	default:
		return bus.NewMemoryBus(cfg.Bus.Redis.Partitions), nil, nil
	}
}
