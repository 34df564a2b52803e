package v1

import (
	"context"
	"net/http"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tinoosan/balanceledger/internal/service/transfer"
)

func uuidParam(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

// postOperation handles POST /v1/operations. Every transaction is uploaded in one ledger
// transaction, so a bad line leaves nothing behind.
func (s *Server) postOperation(w http.ResponseWriter, r *http.Request) {
	in, ok := operationInput(r)
	if !ok {
		badRequest(w, "invalid request")
		return
	}
	res, err := s.transfers.CreateOperation(r.Context(), in)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusCreated, toLifecycleResponse(res))
}

// listOperationTransactions handles GET /v1/operations/{id}/transactions
func (s *Server) listOperationTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "operation")
	if !ok {
		return
	}
	list, err := s.transfers.ListByOperation(r.Context(), id)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	out := make([]transactionResponse, 0, len(list))
	for _, t := range list {
		out = append(out, toTransactionResponse(t))
	}
	toJSON(w, http.StatusOK, map[string]any{"items": out})
}

// getTransaction handles GET /v1/transactions/{id}
func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "transaction")
	if !ok {
		return
	}
	t, err := s.transfers.Get(r.Context(), id)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, toTransactionResponse(t))
}

// confirmTransaction handles POST /v1/transactions/{id}/confirm
func (s *Server) confirmTransaction(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.transfers.Confirm)
}

// cancelTransaction handles POST /v1/transactions/{id}/cancel
func (s *Server) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.transfers.Cancel)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, step func(context.Context, uuid.UUID) (transfer.Result, error)) {
	id, ok := uuidParam(w, r, "transaction")
	if !ok {
		return
	}
	res, err := step(r.Context(), id)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, toLifecycleResponse(res))
}
