// Package server implements the HTTP transport layer for the token ledger.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/enforcer"
	"github.com/eugener/tokenledger/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// QuotaService is the enforcement surface the HTTP API drives.
type QuotaService interface {
	Enforce(ctx context.Context, subjects ledger.Subjects, inputTokens, outputTokens int64) (map[string]int64, error)
	AvailableQuotas(ctx context.Context, subjects ledger.Subjects) (map[string]int64, error)
	Limiter(name string) (enforcer.Quota, bool)
	Limiters() []enforcer.Named
}

// RowReader fetches full ledger rows for the admin API.
type RowReader interface {
	Get(ctx context.Context, subjectID string, scope ledger.Scope) (*ledger.Row, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Quotas         QuotaService
	Rows           RowReader          // nil = row lookup disabled
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing quota API
	r.Route("/v1/quotas", func(r chi.Router) {
		r.Get("/", s.handleGetQuotas)
		r.Post("/consume", s.handleConsume)
	})

	// Operator API
	r.Route("/admin/v1/limiters", func(r chi.Router) {
		r.Get("/", s.handleListLimiters)
		r.Route("/{name}/subjects/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSubject)
			r.Post("/increase", s.handleIncrease)
			r.Post("/revoke", s.handleRevoke)
		})
	})

	return r
}

type server struct {
	deps Deps
}
