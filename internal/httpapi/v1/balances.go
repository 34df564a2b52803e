package v1

import (
	"net/http"

	"github.com/tinoosan/balanceledger/internal/service/balance"
)

// getBalances handles GET /v1/balances. It returns the newest row per matching series dated on or
// before as_of, valued from the queried subject.
func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	q, ok := r.Context().Value(ctxKeyBalanceQuery).(balance.Query)
	if !ok {
		badRequest(w, "invalid request")
		return
	}
	views, err := s.balances.Balances(r.Context(), q)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	out := make([]balanceResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toBalanceResponse(v))
	}
	toJSON(w, http.StatusOK, map[string]any{"items": out})
}

// listMovements handles GET /v1/movements
func (s *Server) listMovements(w http.ResponseWriter, r *http.Request) {
	q, ok := r.Context().Value(ctxKeyMovementQuery).(movementsQuery)
	if !ok {
		badRequest(w, "invalid request")
		return
	}
	page, err := s.balances.MovementsPage(r.Context(), q.MovementQuery, q.Page, q.PageSize)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, toMovementsPage(page))
}
