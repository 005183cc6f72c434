// Package postgres provides the Postgres-backed dedupe ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/ledger"
)

// Config controls the Postgres connection pool used for ledger rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Ledger stores ledger rows in Postgres.
type Ledger struct {
	pool  pool
	table string
}

var _ codesearch.Ledger = (*Ledger)(nil)

// New creates a Postgres-backed Ledger using the provided config.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	table, err := ledger.TableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: p, table: table}, nil
}

// NewWithPool constructs a ledger from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := ledger.TableName(table)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: p, table: name}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Ensure creates the ledger table if it does not exist.
func (l *Ledger) Ensure(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	partition_key TEXT NOT NULL,
	row_key TEXT NOT NULL,
	id TEXT NOT NULL,
	value TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partition_key, row_key)
)`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// Get looks a row up by key.
func (l *Ledger) Get(ctx context.Context, key codesearch.LedgerKey) (codesearch.LedgerRow, bool, error) {
	query := fmt.Sprintf(`SELECT id, value, created_at FROM %s WHERE partition_key = $1 AND row_key = $2`, l.table)
	row := codesearch.LedgerRow{Key: key}
	err := l.pool.QueryRow(ctx, query, key.PartitionKey, key.RowKey).Scan(&row.ID, &row.Value, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return codesearch.LedgerRow{}, false, nil
	}
	if err != nil {
		return codesearch.LedgerRow{}, false, fmt.Errorf("select ledger row: %w", err)
	}
	return row, true, nil
}

// Insert adds a row; a key already present yields codesearch.ErrRowExists.
func (l *Ledger) Insert(ctx context.Context, row codesearch.LedgerRow) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	partition_key,
	row_key,
	id,
	value,
	created_at
) VALUES (
	$1,$2,$3,$4,$5
) ON CONFLICT (partition_key, row_key) DO NOTHING`, l.table)

	tag, err := l.pool.Exec(ctx, query, row.Key.PartitionKey, row.Key.RowKey, row.ID, row.Value, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return codesearch.ErrRowExists
	}
	return nil
}
