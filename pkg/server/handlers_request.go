package server

import (
	"net/http"
	"strconv"

	"mercator-hq/ceres/pkg/audit"
	"mercator-hq/ceres/pkg/ledger/storage"
)

type createBudgetRequest struct {
	AgentID         string `json:"agent_id"`
	RequesterID     string `json:"requester_id"`
	RequestedBudget int64  `json:"requested_budget"`
	Justification   string `json:"justification"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createBudgetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	br, err := s.requests.Create(r.Context(), req.AgentID, req.RequesterID, req.RequestedBudget, req.Justification)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindRequestFiled, br.AgentID, br.RequesterID, br.RequestID, map[string]any{
		"current_budget":   br.CurrentBudget,
		"requested_budget": br.RequestedBudget,
	})
	writeJSON(w, http.StatusCreated, toRequestView(br))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	filter := storage.RequestFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  storage.RequestStatus(r.URL.Query().Get("status")),
	}
	reqs, err := s.requests.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]requestView, 0, len(reqs))
	for _, br := range reqs {
		views = append(views, toRequestView(br))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": views})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	br, err := s.requests.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestView(br))
}

type approveRequestBody struct {
	ApproverID string `json:"approver_id"`
}

func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	var body approveRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	br, err := s.requests.Approve(r.Context(), requestID, body.ApproverID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindRequestApproved, br.AgentID, body.ApproverID, br.RequestID, map[string]any{
		"requested_budget": br.RequestedBudget,
	})
	writeJSON(w, http.StatusOK, toRequestView(br))
}

type rejectRequestBody struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"rejection_reason"`
}

func (s *Server) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	var body rejectRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	br, err := s.requests.Reject(r.Context(), requestID, body.ApproverID, body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindRequestRejected, br.AgentID, body.ApproverID, br.RequestID, map[string]any{
		"rejection_reason": body.Reason,
	})
	writeJSON(w, http.StatusOK, toRequestView(br))
}

type cancelRequestBody struct {
	RequesterID string `json:"requester_id"`
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	var body cancelRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	br, err := s.requests.Cancel(r.Context(), requestID, body.RequesterID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.record(r.Context(), audit.KindRequestCancelled, br.AgentID, body.RequesterID, br.RequestID, nil)
	writeJSON(w, http.StatusOK, toRequestView(br))
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "auditing is disabled")
		return
	}
	filter := audit.Filter{
		AgentID: r.URL.Query().Get("agent_id"),
		Kind:    audit.Kind(r.URL.Query().Get("kind")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, codeValidation, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	entries, err := s.journal.Query(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toAuditView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}
