// Package memory implements storage.LedgerStore in process memory.
// Balances do not survive restarts; use it for tests and single-process setups.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/storage"
)

var _ storage.LedgerStore = (*Store)(nil)

type key struct {
	subjectID string
	scope     ledger.Scope
}

// Store is a mutex-guarded map of ledger rows.
type Store struct {
	mu   sync.Mutex
	rows map[key]*ledger.Row
}

// New creates an empty Store.
func New() *Store {
	return &Store{rows: make(map[key]*ledger.Row)}
}

// EnsureSchema is a no-op.
func (s *Store) EnsureSchema(context.Context) error { return nil }

// Read returns the available balance for subjectID under scope.
func (s *Store) Read(ctx context.Context, subjectID string, scope ledger.Scope) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, opErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[key{subjectID, scope}]
	if !ok {
		return 0, false, nil
	}
	return r.Available, true, nil
}

// Get returns a copy of the row.
func (s *Store) Get(ctx context.Context, subjectID string, scope ledger.Scope) (*ledger.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, opErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[key{subjectID, scope}]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// InitializeIfAbsent creates the row unless it exists.
func (s *Store) InitializeIfAbsent(ctx context.Context, subjectID string, scope ledger.Scope, initial int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, opErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{subjectID, scope}
	if _, ok := s.rows[k]; ok {
		return false, nil
	}
	s.rows[k] = &ledger.Row{
		SubjectID:  subjectID,
		Scope:      scope,
		QuotaLimit: initial,
		Available:  initial,
		RevokedAt:  time.Now().UTC(),
	}
	return true, nil
}

// ConsumeAtomic decrements available under the lock if it covers amount.
func (s *Store) ConsumeAtomic(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, opErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[key{subjectID, scope}]
	if !ok || r.Available < amount {
		return false, nil
	}
	r.Available -= amount
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AddDelta adds amount to available.
func (s *Store) AddDelta(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) error {
	if err := ctx.Err(); err != nil {
		return opErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[key{subjectID, scope}]
	if !ok {
		return ledger.ErrNotFound
	}
	r.Available += amount
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SetAbsolute sets available to value and stamps the reset time.
func (s *Store) SetAbsolute(ctx context.Context, subjectID string, scope ledger.Scope, value int64) error {
	if err := ctx.Err(); err != nil {
		return opErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[key{subjectID, scope}]
	if !ok {
		return ledger.ErrNotFound
	}
	now := time.Now().UTC()
	r.Available = value
	r.UpdatedAt = now
	r.RevokedAt = now
	return nil
}

// ListSubjects returns the subject ids under scope, sorted.
func (s *Store) ListSubjects(ctx context.Context, scope ledger.Scope) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, opErr(err)
	}
	s.mu.Lock()
	out := make([]string, 0, len(s.rows))
	for k := range s.rows {
		if k.scope == scope {
			out = append(out, k.subjectID)
		}
	}
	s.mu.Unlock()
	slices.Sort(out)
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func opErr(err error) error {
	return errors.Join(ledger.ErrStoreOperation, err)
}
