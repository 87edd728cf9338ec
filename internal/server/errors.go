package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	ledger "github.com/eugener/tokenledger/internal"
)

// maxBody is the maximum allowed request body size (1 MB).
const maxBody = 1 << 20

type compensationFailure struct {
	Limiter   string `json:"limiter"`
	SubjectID string `json:"subject_id"`
	Amount    int64  `json:"amount"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`

		// Set for quota_exceeded only.
		Limiter              string                `json:"limiter,omitempty"`
		SubjectID            string                `json:"subject_id,omitempty"`
		Available            *int64                `json:"available,omitempty"`
		Requested            *int64                `json:"requested,omitempty"`
		CompensationFailures []compensationFailure `json:"compensation_failures,omitempty"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ledger.ErrStoreOperation), errors.Is(err, ledger.ErrStoreInit):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto a status and a sanitized body. Only validation
// messages and quota details reach the client; everything else is logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	var body apiError

	switch status {
	case http.StatusBadRequest:
		body = errorResponse(err.Error())
	case http.StatusNotFound:
		body = errorResponse("not found")
		body.Error.Type = "not_found"
	case http.StatusTooManyRequests:
		body = quotaExceededResponse(err)
	case http.StatusServiceUnavailable:
		body = errorResponse("ledger store unavailable")
		body.Error.Type = "store_unavailable"
	default:
		body = errorResponse("internal error")
		body.Error.Type = "internal_error"
	}

	var ce *ledger.CompensationError
	if errors.As(err, &ce) {
		for _, f := range ce.Failures {
			body.Error.CompensationFailures = append(body.Error.CompensationFailures, compensationFailure{
				Limiter:   f.Limiter,
				SubjectID: f.SubjectID,
				Amount:    f.Amount,
			})
		}
	}
	if status >= http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
			slog.String("request_id", ledger.RequestIDFromContext(r.Context())),
		)
	}
	writeJSON(w, status, body)
}

func quotaExceededResponse(err error) apiError {
	body := errorResponse("quota exceeded")
	body.Error.Type = "quota_exceeded"
	var qe *ledger.QuotaExceededError
	if errors.As(err, &qe) {
		body.Error.Limiter = qe.Limiter
		body.Error.SubjectID = qe.SubjectID
		body.Error.Available = &qe.Available
		body.Error.Requested = &qe.Requested
	}
	return body
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}
