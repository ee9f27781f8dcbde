package server

import (
	"time"

	"mercator-hq/ceres/pkg/audit"
	"mercator-hq/ceres/pkg/ledger/storage"
)

// View structs decouple the wire format from the storage types. All
// monetary fields are integer micro-units.

type agentView struct {
	AgentID         string    `json:"agent_id"`
	OwnerID         string    `json:"owner_id"`
	BudgetAllocated int64     `json:"budget_allocated"`
	BudgetSpent     int64     `json:"budget_spent"`
	BudgetPending   int64     `json:"budget_pending"`
	BudgetAvailable int64     `json:"budget_available"`
	Paused          bool      `json:"paused"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type leaseView struct {
	LeaseID       string     `json:"lease_id"`
	AgentID       string     `json:"agent_id"`
	BudgetGranted int64      `json:"budget_granted"`
	BudgetSpent   int64      `json:"budget_spent"`
	State         string     `json:"state"`
	ClientToken   string     `json:"client_token,omitempty"`
	ProviderToken string     `json:"provider_token,omitempty"`
	RevokeReason  string     `json:"revoke_reason,omitempty"`
	Renewals      int64      `json:"renewals"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ExpiredAt     *time.Time `json:"expired_at,omitempty"`
}

type requestView struct {
	RequestID       string    `json:"request_id"`
	AgentID         string    `json:"agent_id"`
	RequesterID     string    `json:"requester_id"`
	CurrentBudget   int64     `json:"current_budget"`
	RequestedBudget int64     `json:"requested_budget"`
	Justification   string    `json:"justification"`
	Status          string    `json:"status"`
	ApproverID      string    `json:"approver_id,omitempty"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type historyView struct {
	EntryID          string    `json:"entry_id"`
	AgentID          string    `json:"agent_id"`
	Modification     string    `json:"modification"`
	OldAllocated     int64     `json:"old_allocated"`
	NewAllocated     int64     `json:"new_allocated"`
	ChangeAmount     int64     `json:"change_amount"`
	ModifierID       string    `json:"modifier_id"`
	Reason           string    `json:"reason"`
	RelatedRequestID string    `json:"related_request_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type auditView struct {
	EntryID   string         `json:"entry_id"`
	Kind      string         `json:"kind"`
	AgentID   string         `json:"agent_id"`
	ActorID   string         `json:"actor_id,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func toAgentView(a *storage.Agent) agentView {
	return agentView{
		AgentID:         a.AgentID,
		OwnerID:         a.OwnerID,
		BudgetAllocated: a.BudgetAllocated,
		BudgetSpent:     a.BudgetSpent,
		BudgetPending:   a.BudgetPending,
		BudgetAvailable: a.BudgetAllocated - a.BudgetSpent - a.BudgetPending,
		Paused:          a.Paused,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func toLeaseView(l *storage.Lease) leaseView {
	v := leaseView{
		LeaseID:       l.LeaseID,
		AgentID:       l.AgentID,
		BudgetGranted: l.BudgetGranted,
		BudgetSpent:   l.BudgetSpent,
		State:         string(l.State),
		ClientToken:   l.ClientToken,
		ProviderToken: l.ProviderToken,
		RevokeReason:  l.RevokeReason,
		Renewals:      l.Renewals,
		CreatedAt:     l.CreatedAt,
		ExpiresAt:     l.ExpiresAt,
	}
	if !l.ExpiredAt.IsZero() {
		t := l.ExpiredAt
		v.ExpiredAt = &t
	}
	return v
}

func toRequestView(r *storage.Request) requestView {
	return requestView{
		RequestID:       r.RequestID,
		AgentID:         r.AgentID,
		RequesterID:     r.RequesterID,
		CurrentBudget:   r.CurrentBudget,
		RequestedBudget: r.RequestedBudget,
		Justification:   r.Justification,
		Status:          string(r.Status),
		ApproverID:      r.ApproverID,
		RejectionReason: r.RejectionReason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func toHistoryView(h *storage.HistoryEntry) historyView {
	return historyView{
		EntryID:          h.EntryID,
		AgentID:          h.AgentID,
		Modification:     string(h.Modification),
		OldAllocated:     h.OldAllocated,
		NewAllocated:     h.NewAllocated,
		ChangeAmount:     h.ChangeAmount,
		ModifierID:       h.ModifierID,
		Reason:           h.Reason,
		RelatedRequestID: h.RelatedRequestID,
		CreatedAt:        h.CreatedAt,
	}
}

func toAuditView(e *audit.Entry) auditView {
	return auditView{
		EntryID:   e.EntryID,
		Kind:      string(e.Kind),
		AgentID:   e.AgentID,
		ActorID:   e.ActorID,
		SubjectID: e.SubjectID,
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt,
	}
}
