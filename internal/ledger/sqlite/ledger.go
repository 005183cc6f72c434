// Package sqlite provides a single-file ledger for one-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/ledger"
)

// Ledger stores ledger rows in a SQLite database file.
type Ledger struct {
	db    *sql.DB
	table string
}

var _ codesearch.Ledger = (*Ledger)(nil)

// Open opens (creating if needed) the database at path.
func Open(path, table string) (*Ledger, error) {
	name, err := ledger.TableName(table)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("ledger.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer keeps insert-if-absent free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &Ledger{db: db, table: name}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ensure creates the ledger table if it does not exist.
func (l *Ledger) Ensure(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		partition_key TEXT NOT NULL,
		row_key TEXT NOT NULL,
		id TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (partition_key, row_key)
	);`, l.table)
	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// Get looks a row up by key.
func (l *Ledger) Get(ctx context.Context, key codesearch.LedgerKey) (codesearch.LedgerRow, bool, error) {
	query := fmt.Sprintf(`SELECT id, value, created_at FROM %s WHERE partition_key = ? AND row_key = ?`, l.table)
	var (
		row     = codesearch.LedgerRow{Key: key}
		created string
	)
	err := l.db.QueryRowContext(ctx, query, key.PartitionKey, key.RowKey).Scan(&row.ID, &row.Value, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return codesearch.LedgerRow{}, false, nil
	}
	if err != nil {
		return codesearch.LedgerRow{}, false, fmt.Errorf("select ledger row: %w", err)
	}
	if row.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return codesearch.LedgerRow{}, false, fmt.Errorf("parse created_at: %w", err)
	}
	return row, true, nil
}

// Insert adds a row; a key already present yields codesearch.ErrRowExists.
func (l *Ledger) Insert(ctx context.Context, row codesearch.LedgerRow) error {
	query := fmt.Sprintf(`INSERT INTO %s (partition_key, row_key, id, value, created_at)
	VALUES (?, ?, ?, ?, ?) ON CONFLICT (partition_key, row_key) DO NOTHING`, l.table)
	res, err := l.db.ExecContext(ctx, query,
		row.Key.PartitionKey, row.Key.RowKey, row.ID, row.Value,
		row.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	if n == 0 {
		return codesearch.ErrRowExists
	}
	return nil
}
