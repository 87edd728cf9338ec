// Package enforcer applies one token consumption across several quota
// limiters as a unit: either every limiter is debited, or every debit that
// already happened is credited back.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/telemetry"
)

// compensationTimeout bounds the rollback phase, which runs detached from
// the caller's cancellation.
const compensationTimeout = 10 * time.Second

// Quota is the limiter surface the enforcer drives.
type Quota interface {
	Scope() ledger.Scope
	InitialQuota() int64
	IncreaseBy() int64
	AvailableQuota(ctx context.Context, subjectID string) (int64, error)
	ConsumeTokens(ctx context.Context, subjectID string, inputTokens, outputTokens int64) error
	IncreaseQuota(ctx context.Context, subjectID string) error
	RevokeQuota(ctx context.Context, subjectID string) error
	Credit(ctx context.Context, subjectID string, amount int64) error
}

// Named pairs a limiter with the name it reports under.
type Named struct {
	Name    string
	Limiter Quota
}

// UsageSink receives one record per limiter after a successful Enforce.
type UsageSink interface {
	Record(ledger.UsageRecord)
}

// Enforcer runs consumptions across an ordered set of limiters.
type Enforcer struct {
	limiters []Named
	byName   map[string]Quota
	usage    UsageSink
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithUsageSink hands successful consumptions to sink.
func WithUsageSink(sink UsageSink) Option {
	return func(e *Enforcer) { e.usage = sink }
}

// WithMetrics counts compensation failures.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// New creates an Enforcer over limiters, consumed in the given order.
// Names must be unique, limiters non-nil, and each scope owned by at most
// one limiter: rows are keyed by (subject, scope), so two limiters on one
// scope would debit the same row.
func New(limiters []Named, opts ...Option) (*Enforcer, error) {
	e := &Enforcer{
		limiters: make([]Named, 0, len(limiters)),
		byName:   make(map[string]Quota, len(limiters)),
		tracer:   telemetry.Tracer("tokenledger/enforcer"),
	}
	scopes := make(map[ledger.Scope]string, len(limiters))
	for _, n := range limiters {
		if n.Limiter == nil {
			return nil, fmt.Errorf("%w: limiter %q is nil", ledger.ErrBadRequest, n.Name)
		}
		if n.Name == "" {
			return nil, fmt.Errorf("%w: limiter name is empty", ledger.ErrBadRequest)
		}
		if _, dup := e.byName[n.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate limiter name %q", ledger.ErrBadRequest, n.Name)
		}
		if owner, dup := scopes[n.Limiter.Scope()]; dup {
			return nil, fmt.Errorf("%w: limiters %q and %q share scope %q",
				ledger.ErrBadRequest, owner, n.Name, n.Limiter.Scope())
		}
		scopes[n.Limiter.Scope()] = n.Name
		e.byName[n.Name] = n.Limiter
		e.limiters = append(e.limiters, n)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Limiter returns the limiter registered under name.
func (e *Enforcer) Limiter(name string) (Quota, bool) {
	q, ok := e.byName[name]
	return q, ok
}

// Limiters returns the configured limiters in consumption order.
func (e *Enforcer) Limiters() []Named {
	out := make([]Named, len(e.limiters))
	copy(out, e.limiters)
	return out
}

// Enforce debits inputTokens+outputTokens from every limiter for the
// subject of its scope. On success it returns each limiter's balance after
// the debit. On failure every limiter debited so far is credited back in
// reverse order and the first error is returned; if a credit fails the
// result is a *ledger.CompensationError wrapping that first error.
func (e *Enforcer) Enforce(ctx context.Context, subjects ledger.Subjects, inputTokens, outputTokens int64) (_ map[string]int64, err error) {
	requested := inputTokens + outputTokens

	ctx, span := e.tracer.Start(ctx, "enforcer.Enforce", trace.WithAttributes(
		attribute.Int64("input_tokens", inputTokens),
		attribute.Int64("output_tokens", outputTokens),
		attribute.Int("limiters", len(e.limiters)),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	if inputTokens < 0 || outputTokens < 0 || requested < 0 {
		return nil, fmt.Errorf("%w: token counts must be non-negative", ledger.ErrBadRequest)
	}
	if err := e.checkSubjects(subjects); err != nil {
		return nil, err
	}

	consumed := make([]Named, 0, len(e.limiters))
	for _, n := range e.limiters {
		subjectID := subjects[n.Limiter.Scope()]
		if err := n.Limiter.ConsumeTokens(ctx, subjectID, inputTokens, outputTokens); err != nil {
			// Report the refusal under the name callers see in balances.
			var qe *ledger.QuotaExceededError
			if errors.As(err, &qe) {
				qe.Limiter = n.Name
			}
			// Only limiters that confirmed the debit are credited. A store
			// error from n itself leaves its debit unknown and is not credited.
			err = e.compensate(ctx, consumed, subjects, requested, err)
			e.logFailure(ctx, n.Name, subjectID, err)
			return nil, err
		}
		consumed = append(consumed, n)
	}

	e.recordUsage(ctx, subjects, inputTokens, outputTokens)

	// Balances are read after all debits so they reflect this request.
	return e.AvailableQuotas(ctx, subjects)
}

// AvailableQuotas returns every limiter's balance for the given subjects,
// creating rows for unseen subjects.
func (e *Enforcer) AvailableQuotas(ctx context.Context, subjects ledger.Subjects) (map[string]int64, error) {
	if err := e.checkSubjects(subjects); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(e.limiters))
	for _, n := range e.limiters {
		available, err := n.Limiter.AvailableQuota(ctx, subjects[n.Limiter.Scope()])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		out[n.Name] = available
	}
	return out, nil
}

// checkSubjects rejects requests that lack a subject for any configured scope.
func (e *Enforcer) checkSubjects(subjects ledger.Subjects) error {
	for _, n := range e.limiters {
		if subjects[n.Limiter.Scope()] == "" {
			return fmt.Errorf("%w: missing subject for scope %q (limiter %s)",
				ledger.ErrBadRequest, n.Limiter.Scope(), n.Name)
		}
	}
	return nil
}

// compensate credits requested back to each consumed limiter, newest first.
// It uses a context that survives the caller's cancellation so a dropped
// request cannot strand debits.
func (e *Enforcer) compensate(ctx context.Context, consumed []Named, subjects ledger.Subjects, requested int64, cause error) error {
	if len(consumed) == 0 {
		return cause
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var failures []ledger.CompensationFailure
	for i := len(consumed) - 1; i >= 0; i-- {
		n := consumed[i]
		subjectID := subjects[n.Limiter.Scope()]
		if err := n.Limiter.Credit(ctx, subjectID, requested); err != nil {
			failures = append(failures, ledger.CompensationFailure{
				Limiter:   n.Name,
				SubjectID: subjectID,
				Amount:    requested,
				Err:       err,
			})
			if e.metrics != nil {
				e.metrics.CompensationFailures.WithLabelValues(n.Name).Inc()
			}
		}
	}
	if len(failures) == 0 {
		return cause
	}
	return &ledger.CompensationError{Cause: cause, Failures: failures}
}

func (e *Enforcer) logFailure(ctx context.Context, limiter, subjectID string, err error) {
	var ce *ledger.CompensationError
	switch {
	case errors.As(err, &ce):
		slog.LogAttrs(ctx, slog.LevelError, "quota compensation failed",
			slog.String("limiter", limiter),
			slog.String("subject_id", subjectID),
			slog.Int("failed_credits", len(ce.Failures)),
			slog.String("error", err.Error()),
		)
	case errors.Is(err, ledger.ErrQuotaExceeded):
		slog.LogAttrs(ctx, slog.LevelInfo, "enforce refused",
			slog.String("limiter", limiter),
			slog.String("subject_id", subjectID),
		)
	default:
		slog.LogAttrs(ctx, slog.LevelWarn, "enforce failed",
			slog.String("limiter", limiter),
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Enforcer) recordUsage(ctx context.Context, subjects ledger.Subjects, inputTokens, outputTokens int64) {
	if e.usage == nil {
		return
	}
	requestID := ledger.RequestIDFromContext(ctx)
	now := time.Now()
	for _, n := range e.limiters {
		scope := n.Limiter.Scope()
		e.usage.Record(ledger.UsageRecord{
			SubjectID:    subjects[scope],
			Scope:        scope,
			Limiter:      n.Name,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			RequestID:    requestID,
			CreatedAt:    now,
		})
	}
}
