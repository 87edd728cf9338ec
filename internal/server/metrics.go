package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/telemetry"
)

// unmatchedRoute labels requests no route matched, keeping the path label
// bounded no matter what clients send.
const unmatchedRoute = "unmatched"

// statusText holds pre-formatted status labels.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// metricsMiddleware records request duration, status, and in-flight count
// per route pattern.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()
			start := time.Now()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false
			next.ServeHTTP(sw, r)
			status := sw.status
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)

			pattern := routePattern(r)
			m.RequestsTotal.WithLabelValues(r.Method, pattern, statusLabel(status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}

func statusLabel(status int) string {
	if status < 0 || status >= len(statusText) {
		return "other"
	}
	return statusText[status]
}

// routePattern returns the chi route pattern, or unmatchedRoute when the
// router found no route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// consumeOutcome classifies an Enforce result for the consume outcome counter.
func consumeOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrCompensationFailed):
		return "compensation_failed"
	case errors.Is(err, ledger.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ledger.ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ledger.ErrStoreOperation), errors.Is(err, ledger.ErrStoreInit):
		return "store_error"
	default:
		return "error"
	}
}

func (s *server) observeConsume(err error) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ConsumeOutcomes.WithLabelValues(consumeOutcome(err)).Inc()
	}
}
