package v1

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tinoosan/balanceledger/internal/ledger"
	"github.com/tinoosan/balanceledger/internal/service/balance"
	"github.com/tinoosan/balanceledger/internal/service/transfer"
)

type ctxKey string

const ctxKeyPostEntity ctxKey = "validatedPostEntity"
const ctxKeyPostOperation ctxKey = "validatedPostOperation"
const ctxKeyBalanceQuery ctxKey = "validatedBalanceQuery"
const ctxKeyMovementQuery ctxKey = "validatedMovementQuery"

type movementsQuery struct {
	balance.MovementQuery
	Page     int
	PageSize int
}

// validatePostEntity decodes POST /v1/entities and stores the entity in the request context.
func (s *Server) validatePostEntity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !requireJSON(w, r) {
				return
			}
			var req postEntityRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			e := ledger.Entity{Name: req.Name, Tag: req.Tag}
			if err := s.entities.ValidateCreate(e); err != nil {
				badRequest(w, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyPostEntity, e)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validatePostOperation decodes POST /v1/operations and checks the shape of every line.
// Entity existence is checked later, inside the write transaction.
func (s *Server) validatePostOperation() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !requireJSON(w, r) {
				return
			}
			var req postOperationRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			in := toOperationInput(req)
			if err := s.transfers.ValidateOperation(in); err != nil {
				badRequest(w, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyPostOperation, in)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validateBalanceQuery parses GET /v1/balances.
func (s *Server) validateBalanceQuery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			f, msg := parseSubject(q.Get("entity_id"), q.Get("tag"), q.Get("type"), q.Get("account"))
			if msg != "" {
				badRequest(w, msg)
				return
			}
			bq := balance.Query{EntityID: f.EntityID, Tag: f.Tag, Dimension: f.Dimension, Account: f.Account, Currency: q.Get("currency")}
			if raw := q.Get("as_of"); raw != "" {
				t, ok := s.parseTime(raw, true)
				if !ok {
					badRequest(w, "invalid as_of")
					return
				}
				bq.AsOf = &t
			}
			ctx := context.WithValue(r.Context(), ctxKeyBalanceQuery, bq)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validateMovementQuery parses GET /v1/movements including the time window and paging.
func (s *Server) validateMovementQuery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			f, msg := parseSubject(q.Get("entity_id"), q.Get("tag"), q.Get("type"), q.Get("account"))
			if msg != "" {
				badRequest(w, msg)
				return
			}
			mq := movementsQuery{MovementQuery: balance.MovementQuery{
				EntityID: f.EntityID, Tag: f.Tag, Dimension: f.Dimension, Account: f.Account, Currency: q.Get("currency"),
			}}
			for _, p := range []struct {
				name     string
				dst      **time.Time
				endOfDay bool
			}{{"from", &mq.From, false}, {"to", &mq.To, true}} {
				raw := q.Get(p.name)
				if raw == "" {
					continue
				}
				t, ok := s.parseTime(raw, p.endOfDay)
				if !ok {
					badRequest(w, "invalid "+p.name)
					return
				}
				*p.dst = &t
			}
			var err error
			if mq.Page, err = intParam(q.Get("page"), 1); err != nil || mq.Page < 1 {
				badRequest(w, "invalid page")
				return
			}
			if mq.PageSize, err = intParam(q.Get("page_size"), balance.DefaultPageSize); err != nil || mq.PageSize < 1 || mq.PageSize > balance.MaxPageSize {
				badRequest(w, "page_size must be 1.."+strconv.Itoa(balance.MaxPageSize))
				return
			}
			if mq.Page > balance.MaxPage(mq.PageSize) {
				badRequest(w, "page must be at most "+strconv.Itoa(balance.MaxPage(mq.PageSize)))
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyMovementQuery, mq)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseSubject reads the subject of a balance read. It returns a message on failure.
func parseSubject(entityID, tag, typ, account string) (ledger.BalanceFilter, string) {
	var f ledger.BalanceFilter
	if typ == "" {
		return f, "type is required"
	}
	dim, err := ledger.ParseDimension(typ)
	if err != nil {
		return f, err.Error()
	}
	f.Dimension = dim
	f.Account = ledger.AccountKind(strings.TrimSpace(account))
	if f.Account == "" {
		f.Account = ledger.AccountCurrent
	}
	if entityID != "" {
		id, err := strconv.ParseInt(entityID, 10, 64)
		if err != nil || id <= 0 {
			return f, "invalid entity_id"
		}
		f.EntityID = id
	}
	f.Tag = strings.TrimSpace(tag)
	if err := f.Validate(); err != nil {
		return f, err.Error()
	}
	return f, ""
}

// parseTime accepts RFC 3339 timestamps and plain dates. A plain date is read in the ledger's
// location and means the start of that day, or its last instant when endOfDay is set.
func (s *Server) parseTime(raw string, endOfDay bool) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	d, err := time.ParseInLocation(time.DateOnly, raw, s.loc)
	if err != nil {
		return time.Time{}, false
	}
	if endOfDay {
		d = d.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return d.UTC(), true
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func operationInput(r *http.Request) (transfer.OperationInput, bool) {
	in, ok := r.Context().Value(ctxKeyPostOperation).(transfer.OperationInput)
	return in, ok
}
