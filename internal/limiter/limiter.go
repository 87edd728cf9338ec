// Package limiter implements a per-scope token quota backed by a ledger store.
//
// A Limiter owns one scope (user, cluster, ...) and debits rows keyed by
// (subject id, scope). Rows are created lazily at the configured initial
// quota the first time a subject is touched. Every balance check-and-debit is
// a single conditional store call, so concurrent consumers can never drive a
// balance below zero.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/cache"
	"github.com/eugener/tokenledger/internal/storage"
	"github.com/eugener/tokenledger/internal/telemetry"
)

// Config is the immutable configuration of one Limiter.
type Config struct {
	// Name identifies the limiter in results and errors. Defaults to Scope.LimiterName().
	Name         string
	Scope        ledger.Scope
	InitialQuota int64
	IncreaseBy   int64
}

// Limiter tracks token quotas for subjects of one scope.
type Limiter struct {
	cfg     Config
	store   storage.LedgerStore
	known   cache.Set
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	group   singleflight.Group
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMetrics records store latency, consumed tokens and refusals.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithKnownSubjects remembers initialized subjects in set so repeat calls
// skip the initialize round trip. The set may be shared between limiters.
func WithKnownSubjects(set cache.Set) Option {
	return func(l *Limiter) { l.known = set }
}

// New validates cfg, ensures the store schema exists and returns a Limiter.
func New(ctx context.Context, store storage.LedgerStore, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil ledger store", ledger.ErrStoreInit)
	}
	if !cfg.Scope.Valid() {
		return nil, fmt.Errorf("%w: invalid scope %q", ledger.ErrBadRequest, cfg.Scope)
	}
	if cfg.InitialQuota < 0 || cfg.IncreaseBy < 0 {
		return nil, fmt.Errorf("%w: quotas must be non-negative", ledger.ErrBadRequest)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Scope.LimiterName()
	}

	if err := store.EnsureSchema(ctx); err != nil {
		if !errors.Is(err, ledger.ErrStoreInit) {
			err = fmt.Errorf("%w: %w", ledger.ErrStoreInit, err)
		}
		return nil, err
	}

	l := &Limiter{
		cfg:    cfg,
		store:  store,
		tracer: telemetry.Tracer("tokenledger/limiter"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Name returns the limiter's reporting name.
func (l *Limiter) Name() string { return l.cfg.Name }

// Scope returns the scope whose rows this limiter owns.
func (l *Limiter) Scope() ledger.Scope { return l.cfg.Scope }

// InitialQuota returns the balance new and revoked subjects start with.
func (l *Limiter) InitialQuota() int64 { return l.cfg.InitialQuota }

// IncreaseBy returns the top-up amount applied by IncreaseQuota.
func (l *Limiter) IncreaseBy() int64 { return l.cfg.IncreaseBy }

// AvailableQuota returns the subject's balance, creating the row at the
// initial quota if it does not exist yet.
func (l *Limiter) AvailableQuota(ctx context.Context, subjectID string) (int64, error) {
	if err := checkSubject(subjectID); err != nil {
		return 0, err
	}
	available, found, err := l.read(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	if found {
		l.remember(ctx, subjectID)
		return available, nil
	}

	created, err := l.initialize(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	if created {
		return l.cfg.InitialQuota, nil
	}
	// Another caller created the row first; report what it holds now.
	available, found, err = l.read(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: row for %q missing after initialize", ledger.ErrStoreOperation, subjectID)
	}
	return available, nil
}

// ConsumeTokens debits inputTokens+outputTokens from the subject's balance.
// If the balance does not cover the request, nothing is debited and a
// *ledger.QuotaExceededError carrying the current balance is returned.
func (l *Limiter) ConsumeTokens(ctx context.Context, subjectID string, inputTokens, outputTokens int64) (err error) {
	if err := checkSubject(subjectID); err != nil {
		return err
	}
	if inputTokens < 0 || outputTokens < 0 {
		return fmt.Errorf("%w: token counts must be non-negative", ledger.ErrBadRequest)
	}
	requested := inputTokens + outputTokens
	if requested < 0 {
		return fmt.Errorf("%w: token count overflow", ledger.ErrBadRequest)
	}

	ctx, span := l.tracer.Start(ctx, "limiter.ConsumeTokens", trace.WithAttributes(
		attribute.String("limiter", l.cfg.Name),
		attribute.Int64("requested", requested),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	for attempt := range 2 {
		if err := l.ensureRow(ctx, subjectID); err != nil {
			return err
		}
		applied, err := l.consume(ctx, subjectID, requested)
		if err != nil {
			return err
		}
		if applied {
			if l.metrics != nil {
				l.metrics.TokensConsumed.WithLabelValues(l.cfg.Name).Add(float64(requested))
			}
			slog.LogAttrs(ctx, slog.LevelDebug, "tokens consumed",
				slog.String("limiter", l.cfg.Name),
				slog.String("subject_id", subjectID),
				slog.Int64("requested", requested),
			)
			return nil
		}

		available, found, err := l.read(ctx, subjectID)
		if err != nil {
			return err
		}
		if !found && attempt == 0 {
			// Cached as known but the row is gone; recreate it once.
			l.forget(ctx, subjectID)
			continue
		}
		if l.metrics != nil {
			l.metrics.QuotaExceeded.WithLabelValues(l.cfg.Name).Inc()
		}
		slog.LogAttrs(ctx, slog.LevelInfo, "quota exceeded",
			slog.String("limiter", l.cfg.Name),
			slog.String("subject_id", subjectID),
			slog.Int64("available", available),
			slog.Int64("requested", requested),
		)
		return &ledger.QuotaExceededError{
			SubjectID: subjectID,
			Scope:     l.cfg.Scope,
			Limiter:   l.cfg.Name,
			Available: available,
			Requested: requested,
		}
	}
	return nil // unreachable
}

// IncreaseQuota adds IncreaseBy to the subject's balance. Balances are not
// capped at the initial quota.
func (l *Limiter) IncreaseQuota(ctx context.Context, subjectID string) error {
	if err := l.Credit(ctx, subjectID, l.cfg.IncreaseBy); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.QuotaResets.WithLabelValues(l.cfg.Name, "increase").Inc()
	}
	return nil
}

// RevokeQuota resets the subject's balance to the initial quota.
func (l *Limiter) RevokeQuota(ctx context.Context, subjectID string) error {
	if err := checkSubject(subjectID); err != nil {
		return err
	}
	err := l.withRow(ctx, subjectID, func() error {
		return l.observe(ctx, "set_absolute", func() error {
			return l.store.SetAbsolute(ctx, subjectID, l.cfg.Scope, l.cfg.InitialQuota)
		})
	})
	if err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.QuotaResets.WithLabelValues(l.cfg.Name, "revoke").Inc()
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "quota revoked",
		slog.String("limiter", l.cfg.Name),
		slog.String("subject_id", subjectID),
	)
	return nil
}

// Credit adds amount back to the subject's balance. The enforcer uses it
// to roll back a consumption when a later limiter refuses.
func (l *Limiter) Credit(ctx context.Context, subjectID string, amount int64) error {
	if err := checkSubject(subjectID); err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("%w: credit must be non-negative", ledger.ErrBadRequest)
	}
	return l.withRow(ctx, subjectID, func() error {
		return l.observe(ctx, "add_delta", func() error {
			return l.store.AddDelta(ctx, subjectID, l.cfg.Scope, amount)
		})
	})
}

// withRow ensures the row exists, runs fn, and retries once if fn reports
// the row missing (a stale known-subject entry).
func (l *Limiter) withRow(ctx context.Context, subjectID string, fn func() error) error {
	if err := l.ensureRow(ctx, subjectID); err != nil {
		return err
	}
	err := fn()
	if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	l.forget(ctx, subjectID)
	if err := l.ensureRow(ctx, subjectID); err != nil {
		return err
	}
	return fn()
}

// ensureRow makes sure the subject's row exists, skipping the store when
// the subject is already known.
func (l *Limiter) ensureRow(ctx context.Context, subjectID string) error {
	if l.known != nil && l.known.Contains(ctx, l.knownKey(subjectID)) {
		return nil
	}
	_, err := l.initialize(ctx, subjectID)
	return err
}

// initialize collapses concurrent first touches of one subject into a
// single store call.
func (l *Limiter) initialize(ctx context.Context, subjectID string) (bool, error) {
	v, err, _ := l.group.Do(subjectID, func() (any, error) {
		var created bool
		err := l.observe(ctx, "initialize", func() error {
			var err error
			created, err = l.store.InitializeIfAbsent(ctx, subjectID, l.cfg.Scope, l.cfg.InitialQuota)
			return err
		})
		if err != nil {
			return false, err
		}
		l.remember(ctx, subjectID)
		if created {
			slog.LogAttrs(ctx, slog.LevelDebug, "quota initialized",
				slog.String("limiter", l.cfg.Name),
				slog.String("subject_id", subjectID),
				slog.Int64("initial_quota", l.cfg.InitialQuota),
			)
		}
		return created, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (l *Limiter) read(ctx context.Context, subjectID string) (available int64, found bool, err error) {
	err = l.observe(ctx, "read", func() error {
		var err error
		available, found, err = l.store.Read(ctx, subjectID, l.cfg.Scope)
		return err
	})
	return available, found, err
}

func (l *Limiter) consume(ctx context.Context, subjectID string, amount int64) (applied bool, err error) {
	err = l.observe(ctx, "consume", func() error {
		var err error
		applied, err = l.store.ConsumeAtomic(ctx, subjectID, l.cfg.Scope, amount)
		return err
	})
	return applied, err
}

// observe times a store call. ErrNotFound is an expected outcome and is not
// counted as a store error.
func (l *Limiter) observe(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if l.metrics != nil {
		l.metrics.StoreDuration.WithLabelValues(l.cfg.Name, op).Observe(time.Since(start).Seconds())
	}
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		if l.metrics != nil {
			l.metrics.StoreErrors.WithLabelValues(l.cfg.Name, op).Inc()
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "ledger store call failed",
			slog.String("limiter", l.cfg.Name),
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (l *Limiter) remember(ctx context.Context, subjectID string) {
	if l.known != nil {
		l.known.Add(ctx, l.knownKey(subjectID))
	}
}

func (l *Limiter) forget(ctx context.Context, subjectID string) {
	if l.known != nil {
		l.known.Delete(ctx, l.knownKey(subjectID))
	}
}

func (l *Limiter) knownKey(subjectID string) string {
	return string(l.cfg.Scope) + "\x00" + subjectID
}

func checkSubject(subjectID string) error {
	if subjectID == "" {
		return fmt.Errorf("%w: empty subject id", ledger.ErrBadRequest)
	}
	return nil
}
