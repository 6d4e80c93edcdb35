package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/satlog/config"
	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/projection"
	"github.com/mohammad-safakhou/satlog/internal/runtime"
	"github.com/mohammad-safakhou/satlog/internal/store"
	"github.com/mohammad-safakhou/satlog/internal/store/memstore"
)

// backend is a store serving both history and derived state.
type backend interface {
	store.EventStore
	projection.Store
}

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	store   backend
	locker  projection.Locker
	rdb     *redis.Client
	closers []func() error
}

func openApp(ctx context.Context, cfgPath, prefix string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: runtime.NewLogger(cfg.General, prefix)}

	switch cfg.Storage.Driver {
	case "postgres":
		dsn, err := runtime.BuildPostgresDSN(cfg)
		if err != nil {
			return nil, err
		}
		st, err := store.NewWithDSN(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.store = st
		a.locker = st.Locker()
		a.closers = append(a.closers, st.Close)
	case "memory":
		a.logger.Warn("memory storage selected; history is lost on exit")
		a.store = memstore.New()
	}

	rdb, err := runtime.OpenRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if rdb != nil {
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}
	return a, nil
}

// engine builds the projection engine. Replay exclusivity is cross-process when
// Redis is configured or storage is Postgres.
func (a *app) engine() (*projection.Engine, error) {
	reg, err := envelope.DefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("payload schemas: %w", err)
	}
	locker := a.locker
	switch {
	case a.rdb != nil:
		locker = projection.NewRedisLocker(a.rdb, a.cfg.Replay.LockTTL)
	case locker == nil:
		locker = projection.NewLocalLocker()
	}
	g := a.cfg.Governance
	return projection.NewEngine(a.store,
		projection.WithRules(projection.Rules{
			ConfidenceThreshold: g.ConfidenceThreshold,
			MinReferences:       g.MinReferences,
			Window:              g.ReferenceWindow,
			EphemeralTTL:        g.EphemeralTTL,
		}),
		projection.WithRegistry(reg),
		projection.WithLocker(locker),
		projection.WithLogger(a.logger.WithPrefix("projection")),
	), nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
