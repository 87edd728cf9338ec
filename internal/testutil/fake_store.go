// Package testutil provides test doubles shared across package tests.
package testutil

import (
	"context"
	"sync"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/storage"
	"github.com/eugener/tokenledger/internal/storage/memory"
)

// Store operation names accepted by FakeStore.FailOn.
const (
	OpEnsureSchema = "ensure_schema"
	OpRead         = "read"
	OpInitialize   = "initialize"
	OpConsume      = "consume"
	OpAddDelta     = "add_delta"
	OpSetAbsolute  = "set_absolute"
	OpListSubjects = "list_subjects"
	OpPing         = "ping"
)

var (
	_ storage.LedgerStore = (*FakeStore)(nil)
	_ storage.UsageStore  = (*FakeStore)(nil)
)

// FakeStore is an in-memory ledger store with per-operation failure injection
// and call counting. Injected errors are returned as-is, so tests choose
// whether they wrap ledger.ErrStoreOperation.
type FakeStore struct {
	*memory.Store

	mu       sync.Mutex
	failures map[string]error
	calls    map[string]int
	usage    []ledger.UsageRecord
}

// NewFakeStore returns a FakeStore with no rows and no injected failures.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Store:    memory.New(),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (s *FakeStore) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op was invoked.
func (s *FakeStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Usage returns the usage records inserted so far.
func (s *FakeStore) Usage() []ledger.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

func (s *FakeStore) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.failures[op]
}

// EnsureSchema records the call.
func (s *FakeStore) EnsureSchema(ctx context.Context) error {
	if err := s.enter(OpEnsureSchema); err != nil {
		return err
	}
	return s.Store.EnsureSchema(ctx)
}

// Read records the call.
func (s *FakeStore) Read(ctx context.Context, subjectID string, scope ledger.Scope) (int64, bool, error) {
	if err := s.enter(OpRead); err != nil {
		return 0, false, err
	}
	return s.Store.Read(ctx, subjectID, scope)
}

// InitializeIfAbsent records the call.
func (s *FakeStore) InitializeIfAbsent(ctx context.Context, subjectID string, scope ledger.Scope, initial int64) (bool, error) {
	if err := s.enter(OpInitialize); err != nil {
		return false, err
	}
	return s.Store.InitializeIfAbsent(ctx, subjectID, scope, initial)
}

// ConsumeAtomic records the call.
func (s *FakeStore) ConsumeAtomic(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) (bool, error) {
	if err := s.enter(OpConsume); err != nil {
		return false, err
	}
	return s.Store.ConsumeAtomic(ctx, subjectID, scope, amount)
}

// AddDelta records the call.
func (s *FakeStore) AddDelta(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) error {
	if err := s.enter(OpAddDelta); err != nil {
		return err
	}
	return s.Store.AddDelta(ctx, subjectID, scope, amount)
}

// SetAbsolute records the call.
func (s *FakeStore) SetAbsolute(ctx context.Context, subjectID string, scope ledger.Scope, value int64) error {
	if err := s.enter(OpSetAbsolute); err != nil {
		return err
	}
	return s.Store.SetAbsolute(ctx, subjectID, scope, value)
}

// ListSubjects records the call.
func (s *FakeStore) ListSubjects(ctx context.Context, scope ledger.Scope) ([]string, error) {
	if err := s.enter(OpListSubjects); err != nil {
		return nil, err
	}
	return s.Store.ListSubjects(ctx, scope)
}

// Ping records the call.
func (s *FakeStore) Ping(ctx context.Context) error {
	if err := s.enter(OpPing); err != nil {
		return err
	}
	return s.Store.Ping(ctx)
}

// InsertUsage appends records.
func (s *FakeStore) InsertUsage(_ context.Context, records []ledger.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, records...)
	return nil
}

// SumUsage totals recorded tokens for a subject.
func (s *FakeStore) SumUsage(_ context.Context, subjectID string, scope ledger.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, r := range s.usage {
		if r.SubjectID == subjectID && r.Scope == scope {
			total += r.InputTokens + r.OutputTokens
		}
	}
	return total, nil
}
