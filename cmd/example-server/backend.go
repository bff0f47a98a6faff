package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manenim/window-limiter/internal/config"
	"github.com/manenim/window-limiter/pkg/limiter"
	"github.com/manenim/window-limiter/pkg/limiter/sqlstore"
)

// backend is the configured store plus the handles the commands need beyond
// limiter.Store.
type backend struct {
	store limiter.Store
	// memory is set for the in-process driver so serve can sweep it.
	memory *limiter.MemoryStore
	// sql is set for the sqlite and postgres drivers.
	sql   *sqlstore.Store
	close func() error
}

type deleter interface {
	Delete(ctx context.Context, id limiter.Identity) error
}

func (b *backend) Delete(ctx context.Context, id limiter.Identity) error {
	d, ok := b.store.(deleter)
	if !ok {
		return fmt.Errorf("store %T cannot delete state", b.store)
	}
	return d.Delete(ctx, id)
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	sc := cfg.Store
	var aligner limiter.Aligner
	if sc.Align > 0 {
		aligner = limiter.TruncateTo(sc.Align)
	}

	switch sc.Driver {
	case "memory":
		m := limiter.NewMemoryStore(limiter.WithAligner(aligner))
		return &backend{store: m, memory: m, close: func() error { return nil }}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		store, err := limiter.NewRedisStore(client,
			limiter.WithPrefix(sc.Prefix),
			limiter.WithTimeout(sc.Timeout),
			limiter.WithTTL(sc.TTL),
			limiter.WithAligner(aligner),
		)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &backend{store: store, close: client.Close}, nil

	case "sqlite", "postgres":
		dialect, err := sqlstore.ParseDialect(sc.Driver)
		if err != nil {
			return nil, err
		}
		db, err := sqlstore.Open(dialect, sc.SQL.DSN)
		if err != nil {
			return nil, err
		}
		store := sqlstore.New(db, dialect,
			sqlstore.WithTimeout(sc.Timeout),
			sqlstore.WithAligner(aligner),
			sqlstore.WithLogger(logger),
		)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &backend{store: store, sql: store, close: db.Close}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
}

func limitFromConfig(cfg *config.Config) limiter.Limit {
	return limiter.Limit{Rate: cfg.Limit.Rate, Period: cfg.Limit.Period}
}

func clockFromConfig(cfg *config.Config) limiter.Clock {
	return limiter.UnixClock{Unit: cfg.Clock.Unit}
}
