// Package memory provides an in-process ledger for local runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/codesearch/internal/codesearch"
)

// Ledger is a map-backed codesearch.Ledger safe for concurrent use.
type Ledger struct {
	mu   sync.RWMutex
	rows map[codesearch.LedgerKey]codesearch.LedgerRow
}

var _ codesearch.Ledger = (*Ledger)(nil)

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{rows: make(map[codesearch.LedgerKey]codesearch.LedgerRow)}
}

// Ensure is a no-op.
func (l *Ledger) Ensure(context.Context) error {
	return nil
}

// Get returns the row stored under key.
func (l *Ledger) Get(_ context.Context, key codesearch.LedgerKey) (codesearch.LedgerRow, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	row, ok := l.rows[key]
	return row, ok, nil
}

// Insert stores row unless its key is taken.
func (l *Ledger) Insert(_ context.Context, row codesearch.LedgerRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rows[row.Key]; ok {
		return codesearch.ErrRowExists
	}
	l.rows[row.Key] = row
	return nil
}

// Len returns the number of rows.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}
