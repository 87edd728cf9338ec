package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	ledger "github.com/eugener/tokenledger/internal"
)

// requestIDHeader is already in canonical form, so the header map can be
// indexed directly.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen bounds client-supplied request IDs. They end up in logs
// and usage records.
const maxRequestIDLen = 128

// statusWriterPool recycles the status-capturing writers shared by the
// logging and metrics middleware.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery turns a handler panic into a 500 with the usual error body.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
				slog.Any("error", rec),
				slog.String("path", r.URL.Path),
				slog.String("request_id", ledger.RequestIDFromContext(r.Context())),
			)
			body := errorResponse("internal error")
			body.Error.Type = "internal_error"
			writeJSON(w, http.StatusInternalServerError, body)
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID propagates the caller's X-Request-Id, or mints a UUID v7 when
// it is missing or unusable. The ID is echoed back and stored in the
// context for logs and usage records.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := incomingRequestID(r)
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		next.ServeHTTP(w, r.WithContext(ledger.ContextWithRequestID(r.Context(), id)))
	})
}

func incomingRequestID(r *http.Request) string {
	vals := r.Header[requestIDHeader]
	if len(vals) == 0 || len(vals[0]) > maxRequestIDLen {
		return ""
	}
	for i := 0; i < len(vals[0]); i++ {
		if c := vals[0][i]; c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return vals[0]
}

// logging emits one line per request. Probe traffic logs at debug and
// server errors at warn.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		status := sw.status
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)

		slog.LogAttrs(r.Context(), requestLevel(r.URL.Path, status), "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", ledger.RequestIDFromContext(r.Context())),
		)
	})
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case path == "/healthz" || path == "/readyz" || path == "/metrics":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// statusWriter records the first status code written.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
