package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	ledger "github.com/eugener/tokenledger/internal"
)

// RollingQuota is a limiter whose balances are periodically reset or topped up.
type RollingQuota interface {
	Scope() ledger.Scope
	RevokeQuota(ctx context.Context, subjectID string) error
	IncreaseQuota(ctx context.Context, subjectID string) error
}

// SubjectLister enumerates initialized subjects of a scope.
type SubjectLister interface {
	ListSubjects(ctx context.Context, scope ledger.Scope) ([]string, error)
}

// Schedule binds cron expressions to one limiter. Empty expressions are skipped.
type Schedule struct {
	Name     string
	Limiter  RollingQuota
	Revoke   string
	Increase string
}

type sweepKind string

const (
	sweepRevoke   sweepKind = "revoke"
	sweepIncrease sweepKind = "increase"
)

type sweepJob struct {
	name     string
	kind     sweepKind
	limiter  RollingQuota
	schedule cron.Schedule
}

// QuotaScheduler revokes and tops up every subject of a limiter on cron
// schedules (standard 5-field syntax, e.g. "0 0 1 * *" for monthly resets).
type QuotaScheduler struct {
	subjects SubjectLister
	jobs     []sweepJob
}

// NewQuotaScheduler parses every schedule up front so a bad expression fails startup.
func NewQuotaScheduler(subjects SubjectLister, schedules ...Schedule) (*QuotaScheduler, error) {
	s := &QuotaScheduler{subjects: subjects}
	for _, sc := range schedules {
		specs := []struct {
			kind sweepKind
			spec string
		}{{sweepRevoke, sc.Revoke}, {sweepIncrease, sc.Increase}}
		for _, ks := range specs {
			kind, spec := ks.kind, ks.spec
			if spec == "" {
				continue
			}
			parsed, err := cron.ParseStandard(spec)
			if err != nil {
				return nil, fmt.Errorf("limiter %s: invalid %s schedule %q: %w", sc.Name, kind, spec, err)
			}
			s.jobs = append(s.jobs, sweepJob{name: sc.Name, kind: kind, limiter: sc.Limiter, schedule: parsed})
		}
	}
	return s, nil
}

// Name returns the worker identifier.
func (s *QuotaScheduler) Name() string { return "quota_scheduler" }

// Jobs returns the number of scheduled sweeps.
func (s *QuotaScheduler) Jobs() int { return len(s.jobs) }

// Run starts the cron loop and blocks until ctx is cancelled, then waits
// for in-flight sweeps to finish.
func (s *QuotaScheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, j := range s.jobs {
		c.Schedule(j.schedule, cron.FuncJob(func() { s.sweep(ctx, j) }))
		slog.LogAttrs(ctx, slog.LevelInfo, "quota sweep scheduled",
			slog.String("limiter", j.name),
			slog.String("kind", string(j.kind)),
			slog.Time("next", j.schedule.Next(time.Now())),
		)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// sweep applies one revoke or increase to every subject of the limiter's
// scope. A failing subject is logged and skipped.
func (s *QuotaScheduler) sweep(ctx context.Context, j sweepJob) (applied, failed int) {
	ids, err := s.subjects.ListSubjects(ctx, j.limiter.Scope())
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota sweep: list subjects failed",
			slog.String("limiter", j.name),
			slog.String("kind", string(j.kind)),
			slog.String("error", err.Error()),
		)
		return 0, 0
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		var err error
		switch j.kind {
		case sweepRevoke:
			err = j.limiter.RevokeQuota(ctx, id)
		case sweepIncrease:
			err = j.limiter.IncreaseQuota(ctx, id)
		}
		if err != nil {
			failed++
			slog.LogAttrs(ctx, slog.LevelWarn, "quota sweep: subject failed",
				slog.String("limiter", j.name),
				slog.String("kind", string(j.kind)),
				slog.String("subject_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		applied++
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "quota sweep completed",
		slog.String("limiter", j.name),
		slog.String("kind", string(j.kind)),
		slog.Int("applied", applied),
		slog.Int("failed", failed),
	)
	return applied, failed
}
