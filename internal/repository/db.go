package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/invoice-extractor/internal/common"
)

type Config struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ConfigFromStorage maps the storage section of the app config.
func ConfigFromStorage(sc common.StorageConfig) Config {
	return Config{
		DSN:             sc.DSN,
		MaxConns:        sc.MaxConns,
		MinConns:        sc.MinConns,
		MaxConnLifetime: sc.MaxConnLifetime,
		MaxConnIdleTime: 5 * time.Minute,
		DialTimeout:     sc.DialTimeout,
	}
}

// OpenPool creates a pgx pool.
func OpenPool(ctx context.Context, cfg Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	logger.Info("connecting to database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database url", "error", err)
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "invoice-extractor"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprint(cfg.StatementTimeout.Milliseconds())
	}

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	logger.Info("successfully connected to database", "max_conns", pc.MaxConns)
	return pool, nil
}

// HealthCheck pings the pool to catch DSN issues early.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, logger *slog.Logger) error {
	logger.Debug("pinging database")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Debug("database ping successful")
	return nil
}

// Open returns the Store selected by sc.Driver. The "none" driver keeps
// runs in memory for the life of the process.
func Open(ctx context.Context, sc common.StorageConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch sc.Driver {
	case "postgres":
		pool, err := OpenPool(ctx, ConfigFromStorage(sc), logger)
		if err != nil {
			return nil, err
		}
		if err := HealthCheck(ctx, pool, sc.DialTimeout, logger); err != nil {
			pool.Close()
			return nil, err
		}
		store := NewPostgresStore(pool, logger)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	case "sqlite":
		return OpenSQLite(ctx, sc.SQLitePath, logger)
	case "none", "":
		return NewMemoryStore(), nil
	default:
		return nil, common.NewAppError(common.CodeConfig, "unknown storage driver "+sc.Driver, common.ErrInvalidInput)
	}
}
