package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	ledger "github.com/eugener/tokenledger/internal"
	"github.com/eugener/tokenledger/internal/enforcer"
)

type limiterInfo struct {
	Name         string       `json:"name"`
	Scope        ledger.Scope `json:"scope"`
	InitialQuota int64        `json:"initial_quota"`
	IncreaseBy   int64        `json:"increase_by"`
}

type listResponse struct {
	Data any `json:"data"`
}

func (s *server) handleListLimiters(w http.ResponseWriter, _ *http.Request) {
	named := s.deps.Quotas.Limiters()
	out := make([]limiterInfo, len(named))
	for i, n := range named {
		out[i] = limiterInfo{
			Name:         n.Name,
			Scope:        n.Limiter.Scope(),
			InitialQuota: n.Limiter.InitialQuota(),
			IncreaseBy:   n.Limiter.IncreaseBy(),
		}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: out})
}

// lookupLimiter resolves the {name} URL parameter, writing a 404 if unknown.
func (s *server) lookupLimiter(w http.ResponseWriter, r *http.Request) (enforcer.Quota, bool) {
	name := chi.URLParam(r, "name")
	q, ok := s.deps.Quotas.Limiter(name)
	if !ok {
		writeError(w, r, fmt.Errorf("limiter %q: %w", name, ledger.ErrNotFound))
		return nil, false
	}
	return q, true
}

func (s *server) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	q, ok := s.lookupLimiter(w, r)
	if !ok {
		return
	}
	if s.deps.Rows == nil {
		writeError(w, r, ledger.ErrNotFound)
		return
	}
	row, err := s.deps.Rows.Get(r.Context(), chi.URLParam(r, "id"), q.Scope())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type balanceResponse struct {
	Limiter   string `json:"limiter"`
	SubjectID string `json:"subject_id"`
	Available int64  `json:"available"`
}

func (s *server) handleIncrease(w http.ResponseWriter, r *http.Request) {
	s.applyAdjustment(w, r, enforcer.Quota.IncreaseQuota)
}

func (s *server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.applyAdjustment(w, r, enforcer.Quota.RevokeQuota)
}

func (s *server) applyAdjustment(w http.ResponseWriter, r *http.Request, adjust func(enforcer.Quota, context.Context, string) error) {
	q, ok := s.lookupLimiter(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := adjust(q, r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	available, err := q.AvailableQuota(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Limiter:   chi.URLParam(r, "name"),
		SubjectID: id,
		Available: available,
	})
}
