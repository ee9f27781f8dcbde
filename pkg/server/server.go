package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"mercator-hq/ceres/pkg/approval"
	"mercator-hq/ceres/pkg/audit"
	"mercator-hq/ceres/pkg/config"
	"mercator-hq/ceres/pkg/lease"
	"mercator-hq/ceres/pkg/ledger"
	"mercator-hq/ceres/pkg/server/middleware"
	"mercator-hq/ceres/pkg/telemetry/metrics"
)

// AdminTokenHeader carries the shared admin secret for privileged
// endpoints.
const AdminTokenHeader = "X-Admin-Token"

// Deps bundles the domain services the server fronts. Journal may be
// nil when auditing is disabled.
type Deps struct {
	Ledger   *ledger.Ledger
	Leases   *lease.Manager
	Requests *approval.Workflow
	Journal  *audit.Journal
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Server is the HTTP front end of the budget control engine.
type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	metrics  *metrics.Collector
	ledger   *ledger.Ledger
	leases   *lease.Manager
	requests *approval.Workflow
	journal  *audit.Journal

	httpServer   *http.Server
	shutdownOnce sync.Once
}

// New builds a server around the given services. Call Start to serve.
func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "server"),
		metrics:  deps.Metrics,
		ledger:   deps.Ledger,
		leases:   deps.Leases,
		requests: deps.Requests,
		journal:  deps.Journal,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the fully wrapped route tree. Exposed separately so
// tests can mount it on httptest.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("GET /v1/agents/{id}/budget", s.handleAgentBudget)
	mux.HandleFunc("GET /v1/agents/{id}/history", s.handleAgentHistory)
	mux.HandleFunc("GET /v1/agents/{id}/leases", s.handleAgentLeases)
	mux.HandleFunc("POST /v1/agents/{id}/pause", s.requireAdmin(s.setPausedHandler(true)))
	mux.HandleFunc("POST /v1/agents/{id}/resume", s.requireAdmin(s.setPausedHandler(false)))
	mux.HandleFunc("POST /v1/agents/{id}/budget", s.requireAdmin(s.handleOverrideAllocation))

	mux.HandleFunc("POST /v1/leases", s.handleCreateLease)
	mux.HandleFunc("GET /v1/leases/{id}", s.handleGetLease)
	mux.HandleFunc("POST /v1/leases/{id}/usage", s.handleLeaseUsage)
	mux.HandleFunc("POST /v1/leases/{id}/renew", s.handleRenewLease)
	mux.HandleFunc("POST /v1/leases/{id}/close", s.handleCloseLease)
	mux.HandleFunc("POST /v1/leases/{id}/revoke", s.requireAdmin(s.handleRevokeLease))

	mux.HandleFunc("POST /v1/requests", s.handleCreateRequest)
	mux.HandleFunc("GET /v1/requests", s.handleListRequests)
	mux.HandleFunc("GET /v1/requests/{id}", s.handleGetRequest)
	mux.HandleFunc("POST /v1/requests/{id}/approve", s.requireAdmin(s.handleApproveRequest))
	mux.HandleFunc("POST /v1/requests/{id}/reject", s.requireAdmin(s.handleRejectRequest))
	mux.HandleFunc("POST /v1/requests/{id}/cancel", s.handleCancelRequest)

	mux.HandleFunc("GET /v1/audit", s.requireAdmin(s.handleQueryAudit))

	var handler http.Handler = mux
	handler = middleware.BodyLimit(s.cfg.MaxBodyBytes)(handler)
	handler = middleware.Logging(s.logger, s.metrics)(handler)
	handler = middleware.Recovery(s.logger)(handler)
	handler = middleware.RequestID(handler)
	return handler
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.logger.Info("server listening", "address", s.cfg.ListenAddress)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("server shutting down")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

// requireAdmin guards privileged endpoints with the shared token. An
// empty configured token disables the endpoints entirely rather than
// leaving them open.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" || r.Header.Get(AdminTokenHeader) != s.cfg.AdminToken {
			writeError(w, http.StatusForbidden, codeForbidden, "admin token required")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ledger.ListAgents(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "storage not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses a request body into dst, rejecting unknown fields
// so typos surface as 400s instead of silent zero values.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// record writes an audit entry when auditing is enabled.
func (s *Server) record(ctx context.Context, kind audit.Kind, agentID, actorID, subjectID string, detail map[string]any) {
	if s.journal == nil {
		return
	}
	s.journal.Record(ctx, kind, agentID, actorID, subjectID, detail)
}
