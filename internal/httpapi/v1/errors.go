package v1

import (
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tinoosan/balanceledger/internal/errs"
)

// retryAfterSeconds is sent with 503 lock timeouts.
const retryAfterSeconds = "2"

// errorResponse is the standard error payload for the API.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeErr(w http.ResponseWriter, status int, msg, code string) {
	toJSON(w, status, errorResponse{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) { writeErr(w, http.StatusBadRequest, msg, "invalid") }
func notFound(w http.ResponseWriter)               { writeErr(w, http.StatusNotFound, "not_found", "not_found") }
func unprocessable(w http.ResponseWriter, msg string) {
	writeErr(w, http.StatusUnprocessableEntity, msg, "validation_error")
}

// writeServiceErr maps service errors onto HTTP statuses. Internal details never reach the client.
func (s *Server) writeServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	reqID := chimw.GetReqID(r.Context())
	switch {
	case errors.Is(err, errs.ErrLockTimeout):
		s.log.Warn("ledger busy", "req_id", reqID, "err", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeErr(w, http.StatusServiceUnavailable, "the ledger is busy, please retry", "lock_timeout")
	case errors.Is(err, errs.ErrInvariant):
		s.log.Error("ledger invariant violated", "req_id", reqID, "err", err)
		writeErr(w, http.StatusInternalServerError, "internal error", "internal")
	case errors.Is(err, errs.ErrNotFound):
		notFound(w)
	case errors.Is(err, errs.ErrInvalid):
		badRequest(w, err.Error())
	case errors.Is(err, errs.ErrUnprocessable):
		unprocessable(w, err.Error())
	case errors.Is(err, errs.ErrImmutable):
		writeErr(w, http.StatusConflict, err.Error(), "immutable")
	case errors.Is(err, errs.ErrConflict):
		writeErr(w, http.StatusConflict, err.Error(), "conflict")
	default:
		s.log.Error("request failed", "req_id", reqID, "err", err)
		writeErr(w, http.StatusInternalServerError, "internal error", "internal")
	}
}
