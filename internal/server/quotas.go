package server

import (
	"net/http"

	ledger "github.com/eugener/tokenledger/internal"
)

type consumeRequest struct {
	Subjects     ledger.Subjects `json:"subjects"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
}

type quotasResponse struct {
	AvailableQuotas map[string]int64 `json:"available_quotas"`
}

// handleConsume debits one request's tokens from every limiter.
func (s *server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !decodeJSON(w, r, &req) {
		s.observeConsume(ledger.ErrBadRequest)
		return
	}
	balances, err := s.deps.Quotas.Enforce(r.Context(), req.Subjects, req.InputTokens, req.OutputTokens)
	s.observeConsume(err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotasResponse{AvailableQuotas: balances})
}

// handleGetQuotas reports balances for the subjects named in the query,
// one parameter per scope (?u=alice&c=cluster-1 or ?user=alice&cluster=cluster-1).
func (s *server) handleGetQuotas(w http.ResponseWriter, r *http.Request) {
	subjects := make(ledger.Subjects)
	for k, vals := range r.URL.Query() {
		if len(vals) > 0 && vals[0] != "" {
			subjects[ledger.ParseScope(k)] = vals[0]
		}
	}
	balances, err := s.deps.Quotas.AvailableQuotas(r.Context(), subjects)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotasResponse{AvailableQuotas: balances})
}
