package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	ledger "github.com/eugener/tokenledger/internal"
)

// InitializeIfAbsent inserts a row with available = initial unless an
// initialized row already exists. The upsert also fills a row whose available
// column is still NULL. Single statement, so concurrent first touches are safe.
func (s *Store) InitializeIfAbsent(ctx context.Context, subjectID string, scope ledger.Scope, initial int64) (bool, error) {
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO quota_limits (id, subject, quota_limit, available, revoked_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id, subject) DO UPDATE SET
		 quota_limit = excluded.quota_limit,
		 available = excluded.available,
		 revoked_at = excluded.revoked_at
		 WHERE quota_limits.available IS NULL`,
		subjectID, string(scope), initial, initial, now(),
	)
	if err != nil {
		return false, opErr("initialize", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, opErr("initialize", err)
	}
	return n > 0, nil
}

// Read returns the available balance for an initialized row.
func (s *Store) Read(ctx context.Context, subjectID string, scope ledger.Scope) (int64, bool, error) {
	var available sql.NullInt64
	err := s.read.QueryRowContext(ctx,
		`SELECT available FROM quota_limits WHERE id = ? AND subject = ? LIMIT 1`,
		subjectID, string(scope),
	).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, opErr("read", err)
	}
	if !available.Valid {
		return 0, false, nil
	}
	return available.Int64, true, nil
}

// Get returns the full ledger row.
func (s *Store) Get(ctx context.Context, subjectID string, scope ledger.Scope) (*ledger.Row, error) {
	var (
		row                  ledger.Row
		subject              string
		available            sql.NullInt64
		updatedAt, revokedAt sql.NullString
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT id, subject, quota_limit, available, updated_at, revoked_at
		 FROM quota_limits WHERE id = ? AND subject = ?`,
		subjectID, string(scope),
	).Scan(&row.SubjectID, &subject, &row.QuotaLimit, &available, &updatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, opErr("get", err)
	}
	if !available.Valid {
		return nil, ledger.ErrNotFound
	}
	row.Scope = ledger.Scope(subject)
	row.Available = available.Int64
	row.UpdatedAt = parseTime(updatedAt)
	row.RevokedAt = parseTime(revokedAt)
	return &row, nil
}

// ConsumeAtomic decrements available by amount only when the balance covers it.
// The check and the write are one UPDATE, so concurrent consumers can never
// drive the balance negative.
func (s *Store) ConsumeAtomic(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) (bool, error) {
	res, err := s.write.ExecContext(ctx,
		`UPDATE quota_limits SET available = available - ?, updated_at = ?
		 WHERE id = ? AND subject = ? AND available >= ?`,
		amount, now(), subjectID, string(scope), amount,
	)
	if err != nil {
		return false, opErr("consume", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, opErr("consume", err)
	}
	return n == 1, nil
}

// AddDelta adds amount to available unconditionally.
func (s *Store) AddDelta(ctx context.Context, subjectID string, scope ledger.Scope, amount int64) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE quota_limits SET available = available + ?, updated_at = ?
		 WHERE id = ? AND subject = ? AND available IS NOT NULL`,
		amount, now(), subjectID, string(scope),
	)
	return checkUpdated("add delta", res, err)
}

// SetAbsolute sets available to value and stamps revoked_at.
func (s *Store) SetAbsolute(ctx context.Context, subjectID string, scope ledger.Scope, value int64) error {
	ts := now()
	res, err := s.write.ExecContext(ctx,
		`UPDATE quota_limits SET available = ?, updated_at = ?, revoked_at = ?
		 WHERE id = ? AND subject = ?`,
		value, ts, ts, subjectID, string(scope),
	)
	return checkUpdated("set absolute", res, err)
}

// ListSubjects returns initialized subject ids for scope, ordered by id.
func (s *Store) ListSubjects(ctx context.Context, scope ledger.Scope) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id FROM quota_limits WHERE subject = ? AND available IS NOT NULL ORDER BY id`,
		string(scope),
	)
	if err != nil {
		return nil, opErr("list subjects", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, opErr("list subjects", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr("list subjects", err)
	}
	return out, nil
}

func checkUpdated(op string, res sql.Result, err error) error {
	if err != nil {
		return opErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return opErr(op, err)
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
