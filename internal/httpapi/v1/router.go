// Package v1 wires the HTTP surface of the ledger service.
// It keeps handlers thin, delegating business rules to the service layer.
package v1

import (
	"log/slog"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tinoosan/balanceledger/internal/service/balance"
	"github.com/tinoosan/balanceledger/internal/service/entity"
	"github.com/tinoosan/balanceledger/internal/service/transfer"
)

// Server wires handlers and middleware using Chi.
type Server struct {
	entities  entity.Service
	transfers transfer.Service
	balances  balance.Service
	ready     ReadyChecker
	loc       *time.Location
	log       *slog.Logger
	rt        *chi.Mux
}

// Options carries the optional parts of the server.
type Options struct {
	// AllowedOrigins enables CORS for these origins; empty allows any origin.
	AllowedOrigins []string
	// Ready is probed by /readyz.
	Ready ReadyChecker
	// Location reads plain dates in query parameters. Defaults to UTC.
	Location *time.Location
}

// New constructs the HTTP server with routes and middleware.
// The logger is used by request logging and panic recovery.
func New(entities entity.Service, transfers transfer.Service, balances balance.Service, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(recoverer(logger))
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))

	s := &Server{
		entities:  entities,
		transfers: transfers,
		balances:  balances,
		ready:     opts.Ready,
		loc:       loc,
		log:       logger,
		rt:        r,
	}
	s.routes()
	return s
}

// Handler exposes the configured http.Handler.
func (s *Server) Handler() http.Handler { return s.rt }

// routes declares the public HTTP API endpoints and attaches any per-route middleware.
func (s *Server) routes() {
	// Entities
	s.rt.With(s.validatePostEntity()).Post("/v1/entities", s.postEntity)
	s.rt.Get("/v1/entities", s.listEntities)
	s.rt.Get("/v1/entities/{id}", s.getEntity)
	s.rt.Patch("/v1/entities/{id}", s.updateEntity)
	s.rt.Delete("/v1/entities/{id}", s.deactivateEntity)
	// Operations and the transaction lifecycle
	s.rt.With(s.validatePostOperation()).Post("/v1/operations", s.postOperation)
	s.rt.Get("/v1/operations/{id}/transactions", s.listOperationTransactions)
	s.rt.Get("/v1/transactions/{id}", s.getTransaction)
	s.rt.Post("/v1/transactions/{id}/confirm", s.confirmTransaction)
	s.rt.Post("/v1/transactions/{id}/cancel", s.cancelTransaction)
	// Balances and movement history
	s.rt.With(s.validateBalanceQuery()).Get("/v1/balances", s.getBalances)
	s.rt.With(s.validateMovementQuery()).Get("/v1/movements", s.listMovements)
	// Health and metrics (unversioned)
	s.rt.Get("/healthz", s.healthz)
	s.rt.Get("/readyz", s.readyz)
	s.rt.Handle("/metrics", metricsHandler())
}
