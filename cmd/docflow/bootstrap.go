package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/docflow/config"
	"github.com/songzhibin97/docflow/definition"
	"github.com/songzhibin97/docflow/directory"
	"github.com/songzhibin97/docflow/events"
	"github.com/songzhibin97/docflow/resolver"
	"github.com/songzhibin97/docflow/rules"
	"github.com/songzhibin97/docflow/storage"
	"github.com/songzhibin97/docflow/workflow"
)

// app is everything a command needs to drive the engine.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  storage.Storage
	dir    *directory.StaticDirectory
	docs   *directory.MemoryDocuments
	bus    *events.EventBus
	engine *workflow.Engine
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case config.DriverRedis:
		r := cfg.Storage.Redis
		return storage.NewRedisStorage(storage.RedisOptions{
			Addr:         r.Addr,
			Password:     r.Password,
			DB:           r.DB,
			PoolSize:     r.PoolSize,
			MinIdleConns: r.MinIdleConns,
			IdleTimeout:  r.IdleTimeout,
			KeyPrefix:    r.KeyPrefix,
		})
	case config.DriverPostgres:
		pg, err := storage.OpenPostgres(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, err
			}
		}
		return pg, nil
	default:
		return storage.NewMemoryStorage(), nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}

	dir, docs := directory.NewStaticDirectory(), directory.NewMemoryDocuments()
	if cfg.Fixtures != "" {
		if dir, docs, err = directory.LoadFixtures(cfg.Fixtures); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	bus := events.NewEventBus(events.WithLogger(logger))
	bus.SubscribeFunc(events.AnyEvent, func(_ context.Context, e events.Event) error {
		logger.Info("notification",
			zap.String("kind", e.Type),
			zap.String("event_id", e.ID),
			zap.Uint64("instance_id", e.InstanceID),
			zap.Int("step", e.StepOrder),
			zap.Strings("recipients", e.Recipients))
		return nil
	})

	eval := rules.NewExprEvaluator()
	engine, err := workflow.New(
		generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		store, dir, docs,
		workflow.WithLogger(logger),
		workflow.WithNotifier(events.NewBusNotifier(bus, cfg.Engine.NotifyTimeout)),
		workflow.WithExprEvaluator(eval),
		workflow.WithScriptRunner(resolver.NewExprScriptRunner(eval, cfg.Engine.ScriptTimeout)),
		workflow.WithRegisterer(reg),
		workflow.WithNotifyTimeout(cfg.Engine.NotifyTimeout),
		workflow.WithEscalationRole(cfg.Engine.EscalationRole),
	)
	if err != nil {
		bus.Stop()
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		dir:    dir,
		docs:   docs,
		bus:    bus,
		engine: engine,
	}, nil
}

// importFiles imports each file as one batch. Definitions already active in
// storage are reported and skipped.
func (a *app) importFiles(ctx context.Context, paths []string) (int, error) {
	total := 0
	for _, path := range paths {
		defs, err := definition.LoadFile(path)
		if err != nil {
			return total, err
		}
		imported, err := a.engine.ImportDefinitions(ctx, defs)
		if errors.Is(err, workflow.ErrDefinitionImmutable) {
			a.logger.Warn("definitions already active, skipped", zap.String("file", path), zap.Error(err))
			continue
		}
		if err != nil {
			return total, fmt.Errorf("import %s: %w", path, err)
		}
		for _, def := range imported {
			a.logger.Info("definition imported",
				zap.String("file", path),
				zap.Uint64("definition_id", def.ID),
				zap.String("name", def.Name),
				zap.Bool("active", def.IsActive))
		}
		total += len(imported)
	}
	return total, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.engine.Stop(ctx); err != nil {
		a.logger.Warn("engine stop", zap.Error(err))
	}
	a.bus.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("storage close", zap.Error(err))
	}
}
