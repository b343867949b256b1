package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver (dev/test)
	"github.com/redis/go-redis/v9"

	"gitlab.com/secp/services/keysync/config"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

type DB struct {
	SQL   *sql.DB
	Redis *redis.Client
}

// New opens the SQL store and, when enabled, Redis. Redis being down is
// not fatal: presence and rate limiting degrade, the core does not.
func New(cfg *config.Config, log *logger.Logger) (*DB, error) {
	sqlDB, err := sql.Open(cfg.Postgres.Driver, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Postgres.Driver, err)
	}

	sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Postgres.Driver, err)
	}
	log.Info("sql connection established", "driver", cfg.Postgres.Driver)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, continuing without it", "err", err)
			rdb = nil
		} else {
			log.Info("redis connection established", "addr", cfg.Redis.Addr)
		}
	}

	return &DB{SQL: sqlDB, Redis: rdb}, nil
}

func (db *DB) Close() error {
	var errs []error
	if db.SQL != nil {
		if err := db.SQL.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sql close error: %w", err))
		}
	}
	if db.Redis != nil {
		if err := db.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing databases: %v", errs)
	}
	return nil
}

// Health checks store health. Redis is best-effort.
func (db *DB) Health(ctx context.Context) error {
	if err := db.SQL.PingContext(ctx); err != nil {
		return fmt.Errorf("sql health check failed: %w", err)
	}
	return nil
}
