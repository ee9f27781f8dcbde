package server

import (
	"errors"
	"io"
	"net/http"

	"mercator-hq/ceres/pkg/audit"
)

type registerAgentRequest struct {
	AgentID         string `json:"agent_id"`
	OwnerID         string `json:"owner_id"`
	BudgetAllocated int64  `json:"budget_allocated"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	agent, err := s.ledger.RegisterAgent(r.Context(), req.AgentID, req.OwnerID, req.BudgetAllocated)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindAgentRegistered, agent.AgentID, req.OwnerID, "", map[string]any{
		"budget_allocated": req.BudgetAllocated,
	})
	writeJSON(w, http.StatusCreated, toAgentView(agent))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.ledger.ListAgents(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.ledger.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentView(agent))
}

func (s *Server) handleAgentHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]historyView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toHistoryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": views})
}

func (s *Server) handleAgentLeases(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := s.ledger.GetAgent(r.Context(), agentID); err != nil {
		writeDomainError(w, err)
		return
	}
	leases, err := s.leases.ListForAgent(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]leaseView, 0, len(leases))
	for _, l := range leases {
		views = append(views, toLeaseView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"leases": views})
}

// handleAgentBudget reports the agent's ledger position: allocated,
// spent, pending, and the derived available figure.
func (s *Server) handleAgentBudget(w http.ResponseWriter, r *http.Request) {
	agent, err := s.ledger.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	v := toAgentView(agent)
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":         v.AgentID,
		"budget_allocated": v.BudgetAllocated,
		"budget_spent":     v.BudgetSpent,
		"budget_pending":   v.BudgetPending,
		"budget_available": v.BudgetAvailable,
		"paused":           v.Paused,
	})
}

type pauseAgentRequest struct {
	ActorID string `json:"actor_id"`
}

// setPausedHandler serves both the pause and resume endpoints; the
// request body is optional and only names the acting administrator.
func (s *Server) setPausedHandler(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.PathValue("id")
		var req pauseAgentRequest
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
			return
		}
		if err := s.ledger.SetPaused(r.Context(), agentID, paused); err != nil {
			writeDomainError(w, err)
			return
		}
		kind := audit.KindAgentPaused
		if !paused {
			kind = audit.KindAgentResumed
		}
		s.record(r.Context(), kind, agentID, req.ActorID, "", nil)
		agent, err := s.ledger.GetAgent(r.Context(), agentID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAgentView(agent))
	}
}

type overrideAllocationRequest struct {
	BudgetAllocated int64  `json:"budget_allocated"`
	ModifierID      string `json:"modifier_id"`
	Reason          string `json:"reason"`
}

func (s *Server) handleOverrideAllocation(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req overrideAllocationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	entry, err := s.ledger.RaiseAllocation(r.Context(), agentID, req.BudgetAllocated, req.ModifierID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindAllocationOverride, agentID, req.ModifierID, entry.EntryID, map[string]any{
		"old_allocated": entry.OldAllocated,
		"new_allocated": entry.NewAllocated,
		"reason":        req.Reason,
	})
	writeJSON(w, http.StatusOK, toHistoryView(entry))
}
