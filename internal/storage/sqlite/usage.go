package sqlite

import (
	"context"
	"strings"
	"time"

	ledger "github.com/eugener/tokenledger/internal"
)

// InsertUsage batch-inserts token usage records.
func (s *Store) InsertUsage(ctx context.Context, records []ledger.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 8
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.SubjectID, string(r.Scope), r.Limiter,
			r.InputTokens, r.OutputTokens, r.RequestID,
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
	}

	query := `INSERT INTO token_usage
		(id, subject_id, subject, limiter, input_tokens, output_tokens, request_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	if _, err := s.write.ExecContext(ctx, query, args...); err != nil {
		return opErr("insert usage", err)
	}
	return nil
}

// SumUsage returns the total tokens recorded for a subject under scope.
func (s *Store) SumUsage(ctx context.Context, subjectID string, scope ledger.Scope) (int64, error) {
	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		 FROM token_usage WHERE subject_id = ? AND subject = ?`,
		subjectID, string(scope),
	).Scan(&total)
	if err != nil {
		return 0, opErr("sum usage", err)
	}
	return total, nil
}
