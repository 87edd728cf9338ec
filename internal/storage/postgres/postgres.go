// Package postgres implements the storage interfaces on PostgreSQL via pgx.
//
// Every ledger mutation is one statement against the pool, so a connection is
// held only for that statement and no transaction spans a suspension point.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/storage"
)

var (
	_ storage.LedgerStore = (*Store)(nil)
	_ storage.UsageStore  = (*Store)(nil)
)

// Store is a PostgreSQL-backed ledger store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

// Option configures Store.
type Option func(*Store)

// WithTablePrefix prefixes both table names (default none).
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn, verifies connectivity and ensures the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: pgxpool: %w", ledger.ErrStoreInit, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %w", ledger.ErrStoreInit, err)
	}
	s := New(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) quotaTable() string { return s.tablePrefix + "quota_limits" }
func (s *Store) usageTable() string { return s.tablePrefix + "token_usage" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id          TEXT NOT NULL,
			subject     TEXT NOT NULL,
			quota_limit BIGINT NOT NULL,
			available   BIGINT,
			updated_at  TIMESTAMPTZ,
			revoked_at  TIMESTAMPTZ,
			PRIMARY KEY (id, subject)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id            TEXT PRIMARY KEY,
			subject_id    TEXT NOT NULL,
			subject       TEXT NOT NULL,
			limiter       TEXT NOT NULL,
			input_tokens  BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			request_id    TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_subject_idx ON %[2]s (subject_id, subject, created_at);
	`, s.quotaTable(), s.usageTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", ledger.ErrStoreInit, err)
	}
	return nil
}

// InitializeIfAbsent inserts the row unless an initialized one exists.
func (s *Store) InitializeIfAbsent(ctx context.Context, subjectID string, scope ledger.Scope, initial int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (id, subject, quota_limit, available, revoked_at)
			VALUES ($1, $2, $3, $3, $4)
			ON CONFLICT (id, subject) DO UPDATE SET
			quota_limit = EXCLUDED.quota_limit,
			available = EXCLUDED.available,
			revoked_at = EXCLUDED.revoked_at
			WHERE %[1]s.available IS NULL`, s.quotaTable()),
		subjectID, string(scope), initial, time.Now().UTC(),
	)
	if err != nil {
		return false, opErr("initialize", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Read returns the available balance for an initialized row.
func (s *Store) Read(ctx context.Context, subjectID string, scope ledger.Scope) (int64, bool, error) {
	var available *int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT available FROM %s WHERE id = $1 AND subject = $2 LIMIT 1`, s.quotaTable()),
		subjectID, string(scope),
	).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, opErr("read", err)
	}
	if available == nil {
		return 0, false, nil
	}
	return *available, true, nil
}

// Get returns the full ledger row.
func (s *Store) Get(ctx context.Context, subjectID string, scope ledger.Scope) (*ledger.Row, error) {
	var (
		row                  ledger.Row
		subject              string
		available            *int64
		updatedAt, revokedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, subject, quota_limit, available, updated_at, revoked_at
			FROM %s WHERE id = $1 AND subject = $2`, s.quotaTable()),
		subjectID, string(scope),
	).Scan(&row.SubjectID, &subject, &row.QuotaLimit, &available, &updatedAt, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, opErr("get", err)
	}
	if available == nil {
		return nil, ledger.ErrNotFound
	}
	row.Scope = ledger.Scope(subject)
	row.Available = *available
	if updatedAt != nil {
		row.UpdatedAt = updatedAt.UTC()
	}
	if revokedAt != nil {
		row.RevokedAt = revokedAt.UTC()
	}
	return &row, nil
}

// ConsumeAtomic decrements available by amount only when the balance covers it.
// Postgres re-evaluates the WHERE clause under the row lock, so concurrent
// decrements serialize on the row and none can overdraw it.
func (s *Store) ConsumeAtomic(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET available = available - $1, updated_at = $2
			WHERE id = $3 AND subject = $4 AND available >= $1`, s.quotaTable()),
		amount, time.Now().UTC(), subjectID, string(scope),
	)
	if err != nil {
		return false, opErr("consume", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddDelta adds amount to available unconditionally.
func (s *Store) AddDelta(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET available = available + $1, updated_at = $2
			WHERE id = $3 AND subject = $4 AND available IS NOT NULL`, s.quotaTable()),
		amount, time.Now().UTC(), subjectID, string(scope),
	)
	if err != nil {
		return opErr("add delta", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// SetAbsolute sets available to value and stamps revoked_at.
func (s *Store) SetAbsolute(ctx context.Context, subjectID string, scope ledger.Scope, value int64) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET available = $1, updated_at = $2, revoked_at = $2
			WHERE id = $3 AND subject = $4`, s.quotaTable()),
		value, time.Now().UTC(), subjectID, string(scope),
	)
	if err != nil {
		return opErr("set absolute", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// ListSubjects returns initialized subject ids for scope, ordered by id.
func (s *Store) ListSubjects(ctx context.Context, scope ledger.Scope) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE subject = $1 AND available IS NOT NULL ORDER BY id`, s.quotaTable()),
		string(scope),
	)
	if err != nil {
		return nil, opErr("list subjects", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, opErr("list subjects", err)
	}
	return ids, nil
}

// InsertUsage batch-inserts token usage records with a single round trip.
func (s *Store) InsertUsage(ctx context.Context, records []ledger.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	q := fmt.Sprintf(`INSERT INTO %s
		(id, subject_id, subject, limiter, input_tokens, output_tokens, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.usageTable())
	for _, r := range records {
		batch.Queue(q, r.ID, r.SubjectID, string(r.Scope), r.Limiter,
			r.InputTokens, r.OutputTokens, r.RequestID, r.CreatedAt.UTC())
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return opErr("insert usage", err)
	}
	return nil
}

// SumUsage returns the total tokens recorded for a subject under scope.
func (s *Store) SumUsage(ctx context.Context, subjectID string, scope ledger.Scope) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(SUM(input_tokens + output_tokens), 0)::BIGINT
			FROM %s WHERE subject_id = $1 AND subject = $2`, s.usageTable()),
		subjectID, string(scope),
	).Scan(&total)
	if err != nil {
		return 0, opErr("sum usage", err)
	}
	return total, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func opErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ledger.ErrStoreOperation, op, err)
}
