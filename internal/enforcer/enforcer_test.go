package enforcer

import (
	"context"
	"errors"
	"sync"
	"testing"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/limiter"
	fakes "github.com/eugener/tokenledger/internal/testutil"
)

func newLimiter(t *testing.T, store *fakes.FakeStore, scope ledger.Scope, initial int64) *limiter.Limiter {
	t.Helper()
	l, err := limiter.New(context.Background(), store, limiter.Config{Scope: scope, InitialQuota: initial, IncreaseBy: 100})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

type recordingSink struct {
	mu      sync.Mutex
	records []ledger.UsageRecord
}

func (s *recordingSink) Record(r ledger.UsageRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

var both = ledger.Subjects{ledger.ScopeUser: "alice", ledger.ScopeCluster: "cluster-1"}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	store := fakes.NewFakeStore()
	u := newLimiter(t, store, ledger.ScopeUser, 10)

	tests := []struct {
		name     string
		limiters []Named
	}{
		{"duplicate", []Named{{"A", u}, {"A", u}}},
		{"nil limiter", []Named{{"A", nil}}},
		{"empty name", []Named{{"", u}}},
		{"shared scope", []Named{{"Daily", u}, {"Monthly", newLimiter(t, store, ledger.ScopeUser, 1000)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.limiters); !errors.Is(err, ledger.ErrBadRequest) {
				t.Errorf("err = %v, want ErrBadRequest", err)
			}
		})
	}
}

func TestEnforce_Success(t *testing.T) {
	t.Parallel()
	store := fakes.NewFakeStore()
	sink := &recordingSink{}
	e, err := New([]Named{
		{"UserQuotaLimiter", newLimiter(t, store, ledger.ScopeUser, 1000000)},
		{"ClusterQuotaLimiter", newLimiter(t, store, ledger.ScopeCluster, 1000000)},
	}, WithUsageSink(sink))
	if err != nil {
		t.Fatal(err)
	}

	ctx := ledger.ContextWithRequestID(context.Background(), "req-1")
	got, err := e.Enforce(ctx, both, 1000, 89)
	if err != nil {
		t.Fatal(err)
	}
	if got["UserQuotaLimiter"] != 998911 || got["ClusterQuotaLimiter"] != 998911 {
		t.Errorf("balances = %v, want 998911 each", got)
	}

	if len(sink.records) != 2 {
		t.Fatalf("usage records = %d, want 2", len(sink.records))
	}
	r := sink.records[1]
	if r.Limiter != "ClusterQuotaLimiter" || r.SubjectID != "cluster-1" || r.RequestID != "req-1" ||
		r.InputTokens != 1000 || r.OutputTokens != 89 {
		t.Errorf("record = %+v", r)
	}
}

func TestEnforce_CompensatesEarlierLimiters(t *testing.T) {
	t.Parallel()
	store := fakes.NewFakeStore()
	sink := &recordingSink{}
	e, err := New([]Named{
		{"A", newLimiter(t, store, ledger.ScopeUser, 100)},
		{"B", newLimiter(t, store, ledger.ScopeCluster, 10)},
	}, WithUsageSink(sink))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_, err = e.Enforce(ctx, both, 50, 0)
	var qe *ledger.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}
	if qe.Limiter != "B" || qe.SubjectID != "cluster-1" || qe.Available != 10 || qe.Requested != 50 {
		t.Errorf("error = %+v, want B's limiter with available=10 requested=50", qe)
	}
	if errors.Is(err, ledger.ErrCompensationFailed) {
		t.Error("compensation should have succeeded")
	}

	got, err := e.AvailableQuotas(ctx, both)
	if err != nil {
		t.Fatal(err)
	}
	if got["A"] != 100 || got["B"] != 10 {
		t.Errorf("balances = %v, want A restored to 100 and B untouched at 10", got)
	}
	if len(sink.records) != 0 {
		t.Errorf("failed enforce recorded %d usage records", len(sink.records))
	}
}

func TestEnforce_CompensationFailure(t *testing.T) {
	t.Parallel()
	userStore := fakes.NewFakeStore()
	clusterStore := fakes.NewFakeStore()
	e, err := New([]Named{
		{"A", newLimiter(t, userStore, ledger.ScopeUser, 100)},
		{"B", newLimiter(t, clusterStore, ledger.ScopeCluster, 10)},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	// Create rows first so only the rollback credit hits the failure.
	if _, err := e.AvailableQuotas(ctx, both); err != nil {
		t.Fatal(err)
	}
	creditErr := errors.Join(ledger.ErrStoreOperation, errors.New("connection reset"))
	userStore.FailOn(fakes.OpAddDelta, creditErr)

	_, err = e.Enforce(ctx, both, 50, 0)

	if !errors.Is(err, ledger.ErrCompensationFailed) {
		t.Fatalf("err = %v, want ErrCompensationFailed", err)
	}
	var qe *ledger.QuotaExceededError
	if !errors.As(err, &qe) || qe.Limiter != "B" {
		t.Errorf("primary cause = %v, want B's QuotaExceededError", err)
	}
	var ce *ledger.CompensationError
	if !errors.As(err, &ce) {
		t.Fatal("want *CompensationError")
	}
	if len(ce.Failures) != 1 || ce.Failures[0].Limiter != "A" || ce.Failures[0].Amount != 50 || ce.Failures[0].SubjectID != "alice" {
		t.Errorf("failures = %+v", ce.Failures)
	}
	if !errors.Is(ce.Failures[0], ledger.ErrStoreOperation) {
		t.Error("failure should carry the store error")
	}
}

func TestEnforce_StoreFailureCompensates(t *testing.T) {
	t.Parallel()
	userStore := fakes.NewFakeStore()
	clusterStore := fakes.NewFakeStore()
	e, _ := New([]Named{
		{"A", newLimiter(t, userStore, ledger.ScopeUser, 100)},
		{"B", newLimiter(t, clusterStore, ledger.ScopeCluster, 100)},
	})
	ctx := context.Background()
	clusterStore.FailOn(fakes.OpConsume, errors.Join(ledger.ErrStoreOperation, errors.New("timeout")))

	_, err := e.Enforce(ctx, both, 30, 0)
	if !errors.Is(err, ledger.ErrStoreOperation) {
		t.Fatalf("err = %v, want ErrStoreOperation", err)
	}
	if v, _, _ := userStore.Read(ctx, "alice", ledger.ScopeUser); v != 100 {
		t.Errorf("A balance = %d, want restored 100", v)
	}
	// B never confirmed its debit, so it is not credited.
	if n := clusterStore.Calls(fakes.OpAddDelta); n != 0 {
		t.Errorf("B credit calls = %d, want 0", n)
	}
}

// cancellingQuota cancels the request context when asked to consume.
type cancellingQuota struct {
	Quota
	cancel context.CancelFunc
}

func (q cancellingQuota) ConsumeTokens(ctx context.Context, _ string, _, _ int64) error {
	q.cancel()
	return ctx.Err()
}

func TestEnforce_CompensatesAfterCancel(t *testing.T) {
	t.Parallel()
	store := fakes.NewFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, _ := New([]Named{
		{"A", newLimiter(t, store, ledger.ScopeUser, 100)},
		{"B", cancellingQuota{Quota: newLimiter(t, store, ledger.ScopeCluster, 100), cancel: cancel}},
	})

	_, err := e.Enforce(ctx, both, 40, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ledger.ErrCompensationFailed) {
		t.Fatalf("rollback should survive cancellation: %v", err)
	}
	if v, _, _ := store.Read(context.Background(), "alice", ledger.ScopeUser); v != 100 {
		t.Errorf("A balance = %d, want 100", v)
	}
}

func TestEnforce_MissingSubject(t *testing.T) {
	t.Parallel()
	store := fakes.NewFakeStore()
	e, _ := New([]Named{
		{"A", newLimiter(t, store, ledger.ScopeUser, 100)},
		{"B", newLimiter(t, store, ledger.ScopeCluster, 100)},
	})

	_, err := e.Enforce(context.Background(), ledger.Subjects{ledger.ScopeUser: "alice"}, 1, 1)
	if !errors.Is(err, ledger.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if n := store.Calls(fakes.OpConsume); n != 0 {
		t.Errorf("consume calls = %d, want none before validation", n)
	}
}

func TestEnforce_NegativeTokens(t *testing.T) {
	t.Parallel()
	e, _ := New([]Named{{"A", newLimiter(t, fakes.NewFakeStore(), ledger.ScopeUser, 100)}})
	if _, err := e.Enforce(context.Background(), both, -1, 0); !errors.Is(err, ledger.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestLimiterLookup(t *testing.T) {
	t.Parallel()
	store := fakes.NewFakeStore()
	u := newLimiter(t, store, ledger.ScopeUser, 1)
	c := newLimiter(t, store, ledger.ScopeCluster, 1)
	e, _ := New([]Named{{"U", u}, {"C", c}})

	if q, ok := e.Limiter("C"); !ok || q != c {
		t.Error("lookup C failed")
	}
	if _, ok := e.Limiter("X"); ok {
		t.Error("unknown name should not resolve")
	}
	names := e.Limiters()
	if len(names) != 2 || names[0].Name != "U" || names[1].Name != "C" {
		t.Errorf("order = %v", names)
	}
}
