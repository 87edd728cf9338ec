// Package storage defines persistence interfaces for the ledger service.
package storage

import (
	"context"

	ledger "github.com/eugener/tokenledger/internal"
)

// LedgerStore persists per-subject quota rows keyed by (subject id, scope).
//
// Every mutation is a single all-or-nothing statement: a cancelled or failed
// call leaves the row exactly as it was. Operational failures wrap
// ledger.ErrStoreOperation; EnsureSchema failures wrap ledger.ErrStoreInit.
type LedgerStore interface {
	// EnsureSchema idempotently creates the ledger schema.
	EnsureSchema(ctx context.Context) error
	// Read returns the available balance; found is false if the row was never initialized.
	Read(ctx context.Context, subjectID string, scope ledger.Scope) (available int64, found bool, err error)
	// Get returns the full row or ledger.ErrNotFound.
	Get(ctx context.Context, subjectID string, scope ledger.Scope) (*ledger.Row, error)
	// InitializeIfAbsent atomically inserts a row with available = initial unless one exists.
	InitializeIfAbsent(ctx context.Context, subjectID string, scope ledger.Scope, initial int64) (created bool, err error)
	// ConsumeAtomic decrements available by amount only if available >= amount.
	ConsumeAtomic(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) (applied bool, err error)
	// AddDelta unconditionally adds amount to available.
	AddDelta(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) error
	// SetAbsolute unconditionally sets available and stamps the reset time.
	SetAbsolute(ctx context.Context, subjectID string, scope ledger.Scope, value int64) error
	// ListSubjects returns every subject id initialized under scope.
	ListSubjects(ctx context.Context, scope ledger.Scope) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// UsageStore persists token usage history.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []ledger.UsageRecord) error
	// SumUsage returns the total tokens recorded for a subject under scope.
	SumUsage(ctx context.Context, subjectID string, scope ledger.Scope) (int64, error)
}
