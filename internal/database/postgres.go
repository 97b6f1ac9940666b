// Package database opens the Postgres pool and applies schema migrations.
package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partyline/relaybank/internal/config"
)

const applicationName = "relaybank"

// NewPostgresPool opens a pool and pings it once. The ledger store runs every
// unit of work at SERIALIZABLE, so MaxConns bounds concurrent ledger writers.
func NewPostgresPool(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	slog.Info("postgres pool ready", "db", cfg.Name, "max_conns", poolCfg.MaxConns)
	return pool, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func HealthCheck(ctx context.Context, db pinger) error {
	return db.Ping(ctx)
}
