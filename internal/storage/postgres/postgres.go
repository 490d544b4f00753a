// Package postgres opens the shared connection pool and applies the schema.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var Schema string

const connectAttempts = 30

// Connect opens a pgx pool and waits until the database answers a ping.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := waitReady(ctx, pool.Ping, logger); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to database")
	return pool, nil
}

func waitReady(ctx context.Context, ping func(context.Context) error, logger *slog.Logger) error {
	var err error
	for i := 0; i < connectAttempts; i++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		logger.Info("waiting for database", "attempt", i+1, "of", connectAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("failed to connect to database after %d attempts: %w", connectAttempts, err)
}

// Migrate applies the embedded schema through database/sql. Every statement is
// idempotent, so running it against an up to date database is a no-op.
func Migrate(ctx context.Context, dsn string, logger *slog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	if err := waitReady(ctx, db.PingContext, logger); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	logger.Info("schema applied")
	return nil
}
