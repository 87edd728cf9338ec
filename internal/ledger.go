// Package ledger defines domain types for the tokenledger quota service.
// This package has no project imports -- it is the dependency root.
package ledger

import (
	"context"
	"strings"
	"time"
)

// --- Scopes ---

// Scope tags the category of subject a ledger row accounts for.
// The tag is persisted in the subject column, so it must stay stable.
type Scope string

// Built-in scopes. Any other non-empty tag is a valid scope too.
const (
	ScopeUser    Scope = "u"
	ScopeCluster Scope = "c"
)

// Valid reports whether s can be used as a ledger scope.
func (s Scope) Valid() bool {
	return s != "" && !strings.ContainsAny(string(s), " \t\r\n")
}

// LimiterName returns the reporting name of the limiter for this scope
// (e.g. "UserQuotaLimiter").
func (s Scope) LimiterName() string {
	switch s {
	case ScopeUser:
		return "UserQuotaLimiter"
	case ScopeCluster:
		return "ClusterQuotaLimiter"
	default:
		if s == "" {
			return "QuotaLimiter"
		}
		return strings.ToUpper(string(s[:1])) + string(s[1:]) + "QuotaLimiter"
	}
}

// ParseScope maps a config-friendly scope name to its tag.
// "user" and "cluster" map to the built-in tags; anything else is used verbatim.
func ParseScope(name string) Scope {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "user", "u":
		return ScopeUser
	case "cluster", "c":
		return ScopeCluster
	default:
		return Scope(strings.TrimSpace(name))
	}
}

// UnmarshalText accepts scope aliases ("user", "cluster") wherever a scope
// is decoded: YAML config values and JSON subject map keys.
func (s *Scope) UnmarshalText(text []byte) error {
	*s = ParseScope(string(text))
	return nil
}

// --- Ledger rows ---

// Row is the persisted balance record for one (subject, scope) pair.
// Available may exceed QuotaLimit after top-ups; QuotaLimit is informational.
type Row struct {
	SubjectID  string    `json:"subject_id"`
	Scope      Scope     `json:"scope"`
	QuotaLimit int64     `json:"quota_limit"`
	Available  int64     `json:"available"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
	RevokedAt  time.Time `json:"revoked_at,omitzero"`
}

// Subjects maps each scope to the subject id a request is accounted against.
type Subjects map[Scope]string

// --- Usage history ---

// UsageRecord captures one successful consumption against one limiter.
type UsageRecord struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"subject_id"`
	Scope        Scope     `json:"scope"`
	Limiter      string    `json:"limiter"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	RequestID    string    `json:"request_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
