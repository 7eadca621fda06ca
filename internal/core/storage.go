package core

import (
	"context"
	"fmt"

	"register/internal/config"
	"register/internal/infra/persistence/memory"
	"register/internal/infra/persistence/mongo"
	"register/internal/infra/persistence/postgres"
	"register/internal/infra/persistence/sqlite"
	"register/pkg/domain"
)

// OpenRecordStore connects the engine selected by cfg.Driver. SQL schemas are
// applied on open; MongoDB indexes are left to Migrate.
func OpenRecordStore(ctx context.Context, cfg config.Storage) (domain.RecordStore, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return memory.NewStore(), nil
	case config.StorageSQLite:
		var opts []sqlite.Option
		if cfg.SQLite.Retention > 0 {
			opts = append(opts, sqlite.WithRetention(cfg.SQLite.Retention))
		}
		if cfg.SQLite.PollInterval > 0 {
			opts = append(opts, sqlite.WithPollInterval(cfg.SQLite.PollInterval))
		}
		store, err := sqlite.Open(ctx, cfg.SQLite.Path, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoragePostgres:
		var opts []postgres.Option
		if cfg.Postgres.IdleTimeout > 0 {
			opts = append(opts, postgres.WithIdleTimeout(cfg.Postgres.IdleTimeout))
		}
		store, err := postgres.Open(ctx, cfg.Postgres.DSN, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StorageMongo:
		store, err := mongo.Open(ctx, mongo.Config{
			URI:          cfg.Mongo.URI,
			Database:     cfg.Mongo.Database,
			Collection:   cfg.Mongo.Collection,
			MaxAwaitTime: cfg.Mongo.MaxAwaitTime,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// Migrate opens the configured engine, ensures its schema or indexes and
// closes it again.
func Migrate(ctx context.Context, cfg config.Storage) (err error) {
	store, err := OpenRecordStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(ctx); err == nil {
			err = cerr
		}
	}()
	if m, ok := store.(migrator); ok {
		return m.Migrate(ctx)
	}
	return nil
}
