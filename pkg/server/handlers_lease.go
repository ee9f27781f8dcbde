package server

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"mercator-hq/ceres/pkg/audit"
	"mercator-hq/ceres/pkg/lease"
	"mercator-hq/ceres/pkg/ledger/storage"
)

// clientOrigin resolves the caller's network origin: the first hop in
// X-Forwarded-For when a proxy set it, otherwise the connection's
// remote host.
func clientOrigin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type createLeaseRequest struct {
	AgentID          string `json:"agent_id"`
	RequestedTranche int64  `json:"requested_tranche"`
}

func (s *Server) handleCreateLease(w http.ResponseWriter, r *http.Request) {
	var req createLeaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	l, err := s.leases.Handshake(r.Context(), req.AgentID, req.RequestedTranche)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindLeaseGranted, l.AgentID, "", l.LeaseID, map[string]any{
		"budget_granted": l.BudgetGranted,
		"expires_at":     l.ExpiresAt,
	})
	writeJSON(w, http.StatusCreated, toLeaseView(l))
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	l, err := s.leases.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaseView(l))
}

type leaseUsageRequest struct {
	AmountSpent int64 `json:"amount_spent"`
}

func (s *Server) handleLeaseUsage(w http.ResponseWriter, r *http.Request) {
	leaseID := r.PathValue("id")
	var req leaseUsageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	ctx := lease.WithOrigin(r.Context(), clientOrigin(r))
	l, err := s.leases.ReportUsage(ctx, leaseID, req.AmountSpent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindLeaseUsage, l.AgentID, "", l.LeaseID, map[string]any{
		"amount_spent": req.AmountSpent,
		"budget_spent": l.BudgetSpent,
	})
	writeJSON(w, http.StatusOK, toLeaseView(l))
}

type renewLeaseRequest struct {
	SpentSinceLastReport int64 `json:"amount_spent_since_last_report"`
	RequestedNextTranche int64 `json:"requested_next_tranche"`
}

func (s *Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	leaseID := r.PathValue("id")
	var req renewLeaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	ctx := lease.WithOrigin(r.Context(), clientOrigin(r))
	l, err := s.leases.Renew(ctx, leaseID, req.SpentSinceLastReport, req.RequestedNextTranche)
	if err != nil {
		// A closed or revoked lease is not merely inactive here: renewal
		// is permanently off the table for it.
		if errors.Is(err, storage.ErrLeaseTerminal) {
			writeError(w, http.StatusConflict, codeNotRenewable, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindLeaseRenewed, l.AgentID, "", l.LeaseID, map[string]any{
		"spent_since_last_report": req.SpentSinceLastReport,
		"budget_granted":          l.BudgetGranted,
		"renewals":                l.Renewals,
	})
	writeJSON(w, http.StatusOK, toLeaseView(l))
}

func (s *Server) handleCloseLease(w http.ResponseWriter, r *http.Request) {
	leaseID := r.PathValue("id")
	returned, err := s.leases.Close(r.Context(), leaseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	l, err := s.leases.Get(r.Context(), leaseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindLeaseClosed, l.AgentID, "", l.LeaseID, map[string]any{
		"unused_budget_returned": returned,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"lease":                  toLeaseView(l),
		"unused_budget_returned": returned,
	})
}

type revokeLeaseRequest struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
}

func (s *Server) handleRevokeLease(w http.ResponseWriter, r *http.Request) {
	leaseID := r.PathValue("id")
	var req revokeLeaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "reason is required")
		return
	}
	returned, err := s.leases.Revoke(r.Context(), leaseID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	l, err := s.leases.Get(r.Context(), leaseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindLeaseRevoked, l.AgentID, req.ActorID, l.LeaseID, map[string]any{
		"reason":                 req.Reason,
		"unused_budget_returned": returned,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"lease":                  toLeaseView(l),
		"unused_budget_returned": returned,
	})
}
