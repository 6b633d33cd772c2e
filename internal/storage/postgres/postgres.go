// Package postgres stores price series and executed trades in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS price_bars (
	symbol TEXT             NOT NULL,
	ts     TIMESTAMPTZ      NOT NULL,
	price  DOUBLE PRECISION NOT NULL CHECK (price > 0),
	PRIMARY KEY (symbol, ts)
);

CREATE TABLE IF NOT EXISTS trades (
	id            TEXT        PRIMARY KEY,
	event_type    TEXT        NOT NULL,
	instrument    TEXT        NOT NULL,
	bar_time      TIMESTAMPTZ NOT NULL,
	label         TEXT        NOT NULL,
	from_position SMALLINT    NOT NULL,
	to_position   SMALLINT    NOT NULL,
	order_id      TEXT        NOT NULL,
	filled_at     TIMESTAMPTZ NOT NULL,
	units         NUMERIC     NOT NULL,
	fill_price    NUMERIC     NOT NULL,
	realized_pl   NUMERIC     NOT NULL,
	cumulative_pl NUMERIC     NOT NULL
);

CREATE INDEX IF NOT EXISTS trades_instrument_filled_at ON trades (instrument, filled_at);
`

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// NewPool creates a connection pool and verifies it with a ping. A
// non-positive maxConns keeps the pgxpool default.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (p *Pool) EnsureSchema(ctx context.Context) error {
	if _, err := p.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
