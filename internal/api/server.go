// Package api assembles the HTTP surface: router, middleware chain, metrics,
// health, and the websocket event tail.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nooterra/substrate/internal/agents"
	"github.com/nooterra/substrate/internal/arbitration"
	"github.com/nooterra/substrate/internal/escrow"
	"github.com/nooterra/substrate/internal/events"
	"github.com/nooterra/substrate/internal/grants"
	"github.com/nooterra/substrate/internal/handlers"
	"github.com/nooterra/substrate/internal/idempotency"
	"github.com/nooterra/substrate/internal/middleware"
	"github.com/nooterra/substrate/internal/negotiation"
	"github.com/nooterra/substrate/internal/proofbundle"
	"github.com/nooterra/substrate/internal/reputation"
)

// Deps carries everything the router needs.
type Deps struct {
	Agents      *agents.Service
	Grants      *grants.Service
	Escrow      *escrow.Service
	Arbitration *arbitration.Service
	Negotiation *negotiation.Service
	Reputation  *reputation.Service
	Exporter    *proofbundle.Exporter
	Guard       *idempotency.Guard
	Bus         *events.Bus
	RateLimiter *middleware.RateLimiter

	OpsTokenBcryptHash string
	BundleDir          string
	Logger             *log.Logger
}

// Server is the assembled HTTP server.
type Server struct {
	deps   Deps
	router *mux.Router
	tail   *Tail
	http   *http.Server
	logger *log.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{deps: deps, logger: logger}
	s.tail = NewTail(deps.Bus, logger)
	s.router = s.buildRouter()
	return s
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() *mux.Router {
	d := s.deps
	r := mux.NewRouter()

	// Unauthenticated surface.
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Tenant-scoped API.
	apiRouter := r.NewRoute().Subrouter()
	apiRouter.Use(middleware.Tenant)
	if d.RateLimiter != nil {
		apiRouter.Use(d.RateLimiter.Middleware)
	}

	idem := func(route string, h http.Handler) http.Handler {
		return middleware.Idempotent(d.Guard, route, h)
	}

	apiRouter.Handle("/agents/register",
		idem("POST /agents/register", handlers.RegisterAgent(d.Agents))).Methods(http.MethodPost)
	apiRouter.HandleFunc("/agents/{id}", handlers.GetAgent(d.Agents)).Methods(http.MethodGet)
	apiRouter.Handle("/agents/{id}/wallet/credit",
		idem("POST /agents/{id}/wallet/credit", handlers.CreditWallet(d.Agents))).Methods(http.MethodPost)
	apiRouter.HandleFunc("/agents/{id}/wallet", handlers.GetWallet(d.Agents)).Methods(http.MethodGet)
	apiRouter.HandleFunc("/agents/{id}/reputation", handlers.GetReputation(d.Reputation)).Methods(http.MethodGet)
	apiRouter.HandleFunc("/x402/gate/agents/{id}/lifecycle", handlers.SetLifecycle(d.Agents)).Methods(http.MethodPost)

	apiRouter.Handle("/authority-grants",
		idem("POST /authority-grants", handlers.IssueGrant(d.Grants))).Methods(http.MethodPost)
	apiRouter.HandleFunc("/authority-grants", handlers.ListGrants(d.Grants)).Methods(http.MethodGet)
	apiRouter.HandleFunc("/authority-grants/{id}/revoke", handlers.RevokeGrant(d.Grants)).Methods(http.MethodPost)

	apiRouter.Handle("/x402/gate/create",
		idem("POST /x402/gate/create", handlers.CreateGate(d.Escrow))).Methods(http.MethodPost)
	apiRouter.HandleFunc("/x402/gate/authorize-payment", handlers.AuthorizePayment(d.Escrow)).Methods(http.MethodPost)
	apiRouter.HandleFunc("/x402/gate/verify", handlers.VerifyGate(d.Escrow)).Methods(http.MethodPost)

	apiRouter.HandleFunc("/tool-calls/arbitration/open", handlers.OpenDispute(d.Arbitration)).Methods(http.MethodPost)
	apiRouter.HandleFunc("/tool-calls/arbitration/verdict", handlers.AcceptVerdict(d.Arbitration)).Methods(http.MethodPost)
	apiRouter.HandleFunc("/tool-calls/arbitration/cases", handlers.ListCases(d.Arbitration)).Methods(http.MethodGet)
	apiRouter.HandleFunc("/tool-calls/arbitration/cases/{id}", handlers.GetCase(d.Arbitration)).Methods(http.MethodGet)

	apiRouter.HandleFunc("/task-quotes", handlers.CreateQuote(d.Negotiation)).Methods(http.MethodPost)
	apiRouter.HandleFunc("/task-offers", handlers.CreateOffer(d.Negotiation)).Methods(http.MethodPost)
	apiRouter.HandleFunc("/task-acceptances", handlers.CreateAcceptance(d.Negotiation)).Methods(http.MethodPost)
	apiRouter.HandleFunc("/work-orders", handlers.CreateWorkOrder(d.Negotiation)).Methods(http.MethodPost)
	apiRouter.HandleFunc("/work-orders/{id}/{transition}", handlers.WorkOrderTransition(d.Negotiation)).Methods(http.MethodPost)

	// Operator surface behind the ops token.
	ops := apiRouter.PathPrefix("/ops").Subrouter()
	ops.Use(middleware.OpsAuth(d.OpsTokenBcryptHash))
	ops.HandleFunc("/tool-calls/holds/lock", handlers.LockHold(d.Arbitration)).Methods(http.MethodPost)
	ops.HandleFunc("/maintenance/tool-call-holdback/run", handlers.RunMaintenance(d.Arbitration)).Methods(http.MethodPost)
	ops.HandleFunc("/proof-bundles/export", handlers.ExportBundle(d.Exporter, d.BundleDir)).Methods(http.MethodPost)
	ops.HandleFunc("/proof-bundles/verify", handlers.VerifyBundle()).Methods(http.MethodPost)
	ops.HandleFunc("/streams/tail", s.tail.Handle).Methods(http.MethodGet)

	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.logger.Printf("[API] listening on %s", addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes tail connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.tail.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
