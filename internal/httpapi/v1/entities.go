package v1

import (
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"

	"github.com/tinoosan/balanceledger/internal/ledger"
)

func entityID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid entity id")
		return 0, false
	}
	return id, true
}

// postEntity handles POST /v1/entities
func (s *Server) postEntity(w http.ResponseWriter, r *http.Request) {
	e, ok := r.Context().Value(ctxKeyPostEntity).(ledger.Entity)
	if !ok {
		badRequest(w, "invalid request")
		return
	}
	created, err := s.entities.Create(r.Context(), e)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusCreated, toEntityResponse(created))
}

// listEntities handles GET /v1/entities
func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	list, err := s.entities.List(r.Context())
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	out := make([]entityResponse, 0, len(list))
	for _, e := range list {
		out = append(out, toEntityResponse(e))
	}
	toJSON(w, http.StatusOK, map[string]any{"items": out})
}

// getEntity handles GET /v1/entities/{id}
func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := entityID(w, r)
	if !ok {
		return
	}
	e, err := s.entities.Get(r.Context(), id)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, toEntityResponse(e))
}

// updateEntity handles PATCH /v1/entities/{id}. The tag may be resent unchanged but never altered.
func (s *Server) updateEntity(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	id, ok := entityID(w, r)
	if !ok {
		return
	}
	var payload patchEntityRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	// load current, apply patch in http layer
	e, err := s.entities.Get(r.Context(), id)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	if payload.Name != nil {
		e.Name = *payload.Name
	}
	if payload.Tag != nil {
		e.Tag = *payload.Tag
	}
	if payload.Active != nil {
		e.Active = *payload.Active
	}
	e, err = s.entities.Update(r.Context(), e)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, toEntityResponse(e))
}

// deactivateEntity handles DELETE /v1/entities/{id} by soft-deactivating the entity.
func (s *Server) deactivateEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := entityID(w, r)
	if !ok {
		return
	}
	if err := s.entities.Deactivate(r.Context(), id); err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
