// Package database opens the Postgres pool and runs transactions that are
// retried when Postgres aborts them for serialization or deadlock reasons.
package database

import (
	"context"
	"fmt"

	"blueprint-backend/internal/config"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg config.Database, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connected",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return db, nil
}

// PolicyFromConfig builds the transaction retry policy from configuration.
func PolicyFromConfig(cfg config.Database) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.TxMaxRetries,
		Delay:      cfg.TxRetryDelay,
	}
}
