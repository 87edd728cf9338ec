package config

import (
	"context"
	"errors"
	"testing"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/enforcer"
	"github.com/eugener/tokenledger/internal/storage/sqlite"
	fakes "github.com/eugener/tokenledger/internal/testutil"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() *Config {
	cfg := Default()
	cfg.Limiters = []LimiterEntry{
		{Scope: ledger.ScopeUser, InitialQuota: 1000, IncreaseBy: 100, RevokeSchedule: "@monthly"},
		{Scope: ledger.ScopeCluster, InitialQuota: 5000},
	}
	cfg.Subjects = []SubjectEntry{
		{Scope: ledger.ScopeUser, ID: "alice"},
		{Scope: ledger.ScopeCluster, ID: "cluster-1"},
	}
	return cfg
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	cfg := testConfig()

	named, err := BuildLimiters(ctx, cfg, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	e, err := enforcer.New(named)
	if err != nil {
		t.Fatal(err)
	}

	// First call seeds every subject.
	if err := Bootstrap(ctx, cfg, e); err != nil {
		t.Fatal("bootstrap:", err)
	}
	ids, err := store.ListSubjects(ctx, ledger.ScopeUser)
	if err != nil || len(ids) != 1 || ids[0] != "alice" {
		t.Fatalf("user subjects = %v, err = %v", ids, err)
	}
	if v, _, _ := store.Read(ctx, "cluster-1", ledger.ScopeCluster); v != 5000 {
		t.Errorf("cluster-1 available = %d, want 5000", v)
	}

	// Second call leaves existing balances alone.
	if _, err := store.ConsumeAtomic(ctx, "alice", ledger.ScopeUser, 300); err != nil {
		t.Fatal(err)
	}
	if err := Bootstrap(ctx, cfg, e); err != nil {
		t.Fatal("second bootstrap:", err)
	}
	if v, _, _ := store.Read(ctx, "alice", ledger.ScopeUser); v != 700 {
		t.Errorf("alice available = %d, want 700", v)
	}
}

func TestBootstrap_StoreFailure(t *testing.T) {
	t.Parallel()
	store := fakes.NewFakeStore()
	ctx := context.Background()
	cfg := testConfig()
	cfg.Cache.Enabled = false

	named, err := BuildLimiters(ctx, cfg, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	e, _ := enforcer.New(named)
	store.FailOn(fakes.OpRead, errors.Join(ledger.ErrStoreOperation, errors.New("down")))

	if err := Bootstrap(ctx, cfg, e); !errors.Is(err, ledger.ErrStoreOperation) {
		t.Errorf("err = %v, want ErrStoreOperation", err)
	}
}

func TestBuildStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := BuildStore(ctx, DatabaseConfig{Driver: DriverMemory})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = BuildStore(ctx, DatabaseConfig{Driver: DriverSQLite, DSN: t.TempDir() + "/ledger.db"})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	if _, err := BuildStore(ctx, DatabaseConfig{Driver: "mongo"}); !errors.Is(err, ledger.ErrStoreInit) {
		t.Errorf("unknown driver err = %v, want ErrStoreInit", err)
	}
	if _, err := BuildStore(ctx, DatabaseConfig{Driver: DriverSQLite, DSN: t.TempDir() + "/no/such/dir.db"}); !errors.Is(err, ledger.ErrStoreInit) {
		t.Errorf("bad sqlite path err = %v, want ErrStoreInit", err)
	}
}

func TestBuildLimitersAndSchedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()

	named, err := BuildLimiters(ctx, cfg, fakes.NewFakeStore(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(named) != 2 || named[0].Name != "UserQuotaLimiter" || named[1].Name != "ClusterQuotaLimiter" {
		t.Fatalf("named = %+v", named)
	}

	schedules := Schedules(cfg, named)
	if len(schedules) != 1 || schedules[0].Name != "UserQuotaLimiter" || schedules[0].Revoke != "@monthly" {
		t.Errorf("schedules = %+v", schedules)
	}
}
