// Package app wires configuration into a ready ledger for the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/mcclellann/remitledger/pkg/config"
	"github.com/mcclellann/remitledger/pkg/ledger"
	"github.com/mcclellann/remitledger/pkg/lock"
	"github.com/mcclellann/remitledger/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// App owns the storage, optional Redis client and ledger built from a Config.
type App struct {
	Config  *config.Config
	Storage store.Storage
	Ledger  *ledger.Ledger
	Log     logrus.FieldLogger

	redis *redis.Client
}

// OpenStorage opens the database selected by cfg.Database and applies the
// schema.
func OpenStorage(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (store.Storage, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Database.DSN, log)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Database.DSN, log)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// New opens storage, connects Redis when enabled and builds the ledger.
// Without Redis the ledger serializes organizations in process only.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	s, err := OpenStorage(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &App{Config: cfg, Storage: s, Log: log}
	opts := []ledger.Option{
		ledger.WithLogger(log),
		ledger.WithInterestRate(cfg.InterestRate()),
		ledger.WithLockTimeout(cfg.Ledger.LockTimeout),
	}

	if cfg.Redis.Enabled {
		a.redis, err = lock.ConnectRedis(ctx, lock.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			s.Close()
			return nil, err
		}
		opts = append(opts, ledger.WithLocker(lock.NewRedisLocker(a.redis, cfg.Redis.LockTTL, log)))
	} else {
		log.Warn("Redis disabled; organization locks are process-local")
	}

	a.Ledger = ledger.NewLedger(s, opts...)
	return a, nil
}

// Close releases the Redis client and storage.
func (a *App) Close() error {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Log.WithError(err).Warn("Failed to close Redis client")
		}
	}
	return a.Storage.Close()
}
