package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"cashbridge/internal/observability"
	"cashbridge/internal/storage"
)

// Pool is the ledger's connection pool.
type Pool struct {
	*pgxpool.Pool
}

// PoolOption tunes the pool before it connects.
type PoolOption func(*pgxpool.Config)

// WithMaxConns caps open connections. Non-positive values keep the default.
func WithMaxConns(n int32) PoolOption {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// WithApplicationName tags sessions in pg_stat_activity.
func WithApplicationName(name string) PoolOption {
	return func(c *pgxpool.Config) {
		c.ConnConfig.RuntimeParams["application_name"] = name
	}
}

// NewPool connects to the ledger database and pings it.
func NewPool(ctx context.Context, dsn string, opts ...PoolOption) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.ConnConfig.RuntimeParams["application_name"] = "cashbridge"
	for _, opt := range opts {
		opt(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

// withTx runs fn in a transaction and commits when fn returns nil.
func (p *Pool) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// parseDecimal parses a NUMERIC column selected as ::text.
func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", column, s, err)
	}
	return d, nil
}

// observe records the duration of operation and returns err unchanged.
// Storage sentinels are expected outcomes and are not counted as errors.
func observe(operation string, start time.Time, err error) error {
	failed := err
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrStatusConflict),
		errors.Is(err, storage.ErrSettlementClaimed),
		errors.Is(err, storage.ErrDuplicateKey),
		errors.Is(err, storage.ErrInvalidInput):
		failed = nil
	}
	observability.RecordDBQuery("postgres", operation, time.Since(start).Seconds(), failed)
	return err
}
