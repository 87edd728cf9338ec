package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	ledger "github.com/eugener/tokenledger/internal"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := New(client, WithKeyPrefix("test:"))
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, mr
}

func TestInitializeAndRead(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	if _, found, err := s.Read(ctx, "u1", ledger.ScopeUser); err != nil || found {
		t.Fatalf("read unseen: found=%v err=%v", found, err)
	}

	created, err := s.InitializeIfAbsent(ctx, "u1", ledger.ScopeUser, 1000)
	if err != nil || !created {
		t.Fatalf("initialize: created=%v err=%v", created, err)
	}
	created, err = s.InitializeIfAbsent(ctx, "u1", ledger.ScopeUser, 5)
	if err != nil || created {
		t.Fatalf("re-initialize: created=%v err=%v", created, err)
	}

	available, found, err := s.Read(ctx, "u1", ledger.ScopeUser)
	if err != nil || !found || available != 1000 {
		t.Fatalf("read: available=%d found=%v err=%v", available, found, err)
	}
	if got := mr.HGet("test:{u}:row:u1", "available"); got != "1000" {
		t.Errorf("raw hash available = %q", got)
	}
}

func TestConsumeAtomic(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.InitializeIfAbsent(ctx, "u1", ledger.ScopeUser, 1000)

	if ok, err := s.ConsumeAtomic(ctx, "u1", ledger.ScopeUser, 500); err != nil || !ok {
		t.Fatalf("consume 500: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.ConsumeAtomic(ctx, "u1", ledger.ScopeUser, 600); ok {
		t.Error("consume 600 of 500 should be refused")
	}
	if ok, _ := s.ConsumeAtomic(ctx, "ghost", ledger.ScopeUser, 1); ok {
		t.Error("consume on missing row should be refused")
	}

	row, err := s.Get(ctx, "u1", ledger.ScopeUser)
	if err != nil {
		t.Fatal(err)
	}
	if row.Available != 500 || row.QuotaLimit != 1000 {
		t.Errorf("row = %+v", row)
	}
	if row.UpdatedAt.IsZero() || row.RevokedAt.IsZero() {
		t.Errorf("timestamps not set: %+v", row)
	}
}

func TestConsumeAtomicConcurrent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.InitializeIfAbsent(ctx, "u1", ledger.ScopeUser, 5)

	var applied atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			ok, err := s.ConsumeAtomic(ctx, "u1", ledger.ScopeUser, 1)
			if err != nil {
				t.Error(err)
			}
			if ok {
				applied.Add(1)
			}
		})
	}
	wg.Wait()

	if applied.Load() != 5 {
		t.Errorf("applied = %d, want 5", applied.Load())
	}
	if v, _, _ := s.Read(ctx, "u1", ledger.ScopeUser); v != 0 {
		t.Errorf("available = %d, want 0", v)
	}
}

func TestAddDeltaAndSetAbsolute(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.AddDelta(ctx, "ghost", ledger.ScopeUser, 1); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("add on missing err = %v", err)
	}
	if err := s.SetAbsolute(ctx, "ghost", ledger.ScopeUser, 1); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("set on missing err = %v", err)
	}
	if _, err := s.Get(ctx, "ghost", ledger.ScopeUser); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("get on missing err = %v", err)
	}

	s.InitializeIfAbsent(ctx, "u1", ledger.ScopeUser, 100)
	if err := s.AddDelta(ctx, "u1", ledger.ScopeUser, 50); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := s.Read(ctx, "u1", ledger.ScopeUser); v != 150 {
		t.Errorf("available = %d, want 150", v)
	}
	if err := s.SetAbsolute(ctx, "u1", ledger.ScopeUser, 100); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := s.Read(ctx, "u1", ledger.ScopeUser); v != 100 {
		t.Errorf("available = %d, want 100", v)
	}
}

func TestListSubjectsAndUsage(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		s.InitializeIfAbsent(ctx, id, ledger.ScopeUser, 1)
	}
	s.InitializeIfAbsent(ctx, "z", ledger.ScopeCluster, 1)

	ids, err := s.ListSubjects(ctx, ledger.ScopeUser)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ids = %v, want [a b]", ids)
	}

	err = s.InsertUsage(ctx, []ledger.UsageRecord{
		{SubjectID: "a", Scope: ledger.ScopeUser, InputTokens: 3, OutputTokens: 4},
		{SubjectID: "a", Scope: ledger.ScopeUser, InputTokens: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if total, _ := s.SumUsage(ctx, "a", ledger.ScopeUser); total != 8 {
		t.Errorf("total = %d, want 8", total)
	}
	if total, _ := s.SumUsage(ctx, "b", ledger.ScopeUser); total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
}

func TestStoreOperationFailure(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()
	mr.SetError("LOADING server is loading")

	_, err := s.ConsumeAtomic(ctx, "u1", ledger.ScopeUser, 1)
	if !errors.Is(err, ledger.ErrStoreOperation) {
		t.Errorf("consume err = %v, want ErrStoreOperation", err)
	}
	if _, _, err := s.Read(ctx, "u1", ledger.ScopeUser); !errors.Is(err, ledger.ErrStoreOperation) {
		t.Errorf("read err = %v, want ErrStoreOperation", err)
	}
}

func TestEnsureSchemaUnreachable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()
	s := New(client)
	t.Cleanup(func() { s.Close() })

	if err := s.EnsureSchema(context.Background()); !errors.Is(err, ledger.ErrStoreInit) {
		t.Errorf("err = %v, want ErrStoreInit", err)
	}
}

func TestGetCorruptQuotaLimit(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InitializeIfAbsent(ctx, "u1", ledger.ScopeUser, 100); err != nil {
		t.Fatal(err)
	}
	mr.HSet("test:{u}:row:u1", "quota_limit", "not-a-number")

	if _, err := s.Get(ctx, "u1", ledger.ScopeUser); !errors.Is(err, ledger.ErrStoreOperation) {
		t.Errorf("get err = %v, want ErrStoreOperation", err)
	}
}
