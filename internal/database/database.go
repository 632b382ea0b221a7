package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-ticket-inventory/internal/config"
	"ms-ticket-inventory/internal/logger"
)

// DB wraps the bun handle together with the transaction policy every
// service in this module shares.
type DB struct {
	Bun    *bun.DB
	Logger *logger.Logger

	// LockTimeout is applied with SET LOCAL on PostgreSQL transactions.
	LockTimeout time.Duration
	// MaxRetries bounds retries of transient transaction failures.
	MaxRetries int
}

func New(bunDB *bun.DB, log *logger.Logger) *DB {
	if log == nil {
		log = logger.NewNop()
	}
	return &DB{Bun: bunDB, Logger: log, MaxRetries: 3}
}

// Open connects to PostgreSQL through lib/pq, retrying while the database
// container comes up.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.DSN())
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = sqldb.PingContext(pingCtx)
			cancel()
			if err == nil {
				break
			}
			sqldb.Close()
		}
		log.Error("DATABASE", fmt.Sprintf("PostgreSQL not reachable: %v", err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to postgres after %d attempts: %w", maxRetries, err)
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "Connected to PostgreSQL")

	db := New(bun.NewDB(sqldb, pgdialect.New()), log)
	db.LockTimeout = cfg.LockTimeout
	db.MaxRetries = cfg.MaxTxRetries
	return db, nil
}

func (d *DB) Close() error {
	return d.Bun.Close()
}
