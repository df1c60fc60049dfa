// Package db stores the trigger message history in Postgres.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const maxConns = 4

// DB is the history store
type DB struct {
	pool *pgxpool.Pool
}

// NewDB connects to the history database and checks it is reachable
func NewDB(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("db: parse url: %w", err)
	}
	// One writer sink plus the occasional history query.
	cfg.MaxConns = maxConns
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "ohbridge"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (d *DB) Close() {
	d.pool.Close()
}

// Purge drops every history entry of a node
func (d *DB) Purge(ctx context.Context, node string) (int64, error) {
	tag, err := d.pool.Exec(ctx, "DELETE FROM trigger_history WHERE node = $1", node)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
