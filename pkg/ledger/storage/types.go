package storage

import (
	"context"
	"errors"
	"time"
)

// LeaseState is the lifecycle state of a spending lease.
type LeaseState string

const (
	// LeaseActive means the lease is usable: budget remains, the expiry
	// has not passed, and the capability tokens are valid.
	LeaseActive LeaseState = "ACTIVE"

	// LeaseExpired means time or budget ran out. New operations are
	// blocked but the lease may still be renewed within the grace window.
	LeaseExpired LeaseState = "EXPIRED"

	// LeaseClosed is terminal: explicit close or grace-window timeout.
	LeaseClosed LeaseState = "CLOSED"

	// LeaseRevoked is terminal: policy-forced invalidation.
	LeaseRevoked LeaseState = "REVOKED"
)

// Terminal reports whether the state admits no further transitions.
func (s LeaseState) Terminal() bool {
	return s == LeaseClosed || s == LeaseRevoked
}

// RequestStatus is the lifecycle status of a budget change request.
type RequestStatus string

const (
	// RequestPending means the request awaits an administrator decision.
	RequestPending RequestStatus = "PENDING"

	// RequestApproved is terminal: the allocation change was applied.
	RequestApproved RequestStatus = "APPROVED"

	// RequestRejected is terminal: an administrator declined the change.
	RequestRejected RequestStatus = "REJECTED"

	// RequestCancelled is terminal: the requester withdrew the request.
	RequestCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

// ParseRequestStatus parses a status string from storage or a query filter.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch RequestStatus(s) {
	case RequestPending, RequestApproved, RequestRejected, RequestCancelled:
		return RequestStatus(s), nil
	}
	return "", errors.New("invalid request status: " + s)
}

// ReservationState is the lifecycle state of a ledger reservation.
type ReservationState string

const (
	// ReservationPending means the hold counts against available budget
	// but has not yet become permanent spend.
	ReservationPending ReservationState = "PENDING"

	// ReservationCommitted means part or all of the hold became permanent
	// spend; the unspent remainder was returned to availability.
	ReservationCommitted ReservationState = "COMMITTED"

	// ReservationReleased means the hold was cancelled entirely.
	ReservationReleased ReservationState = "RELEASED"
)

// ModificationType classifies a budget allocation change for the history.
type ModificationType string

const (
	ModificationIncrease ModificationType = "increase"
	ModificationDecrease ModificationType = "decrease"
	ModificationReset    ModificationType = "reset"
)

// ClassifyModification derives the modification type from the allocation delta.
func ClassifyModification(oldAllocated, newAllocated int64) ModificationType {
	switch {
	case newAllocated > oldAllocated:
		return ModificationIncrease
	case newAllocated < oldAllocated:
		return ModificationDecrease
	default:
		return ModificationReset
	}
}

// Agent is a budget-consuming identity. BudgetAllocated changes only via an
// approved budget request or an administrative override; BudgetSpent changes
// only via reservation commits and is monotonically non-decreasing.
type Agent struct {
	AgentID         string
	OwnerID         string
	BudgetAllocated int64
	BudgetSpent     int64
	BudgetPending   int64 // sum of PENDING reservations, derived
	Paused          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Available returns the budget an agent can still reserve.
func (a *Agent) Available() int64 {
	return a.BudgetAllocated - a.BudgetSpent - a.BudgetPending
}

// Reservation is a hold against an agent's available budget.
type Reservation struct {
	ReservationID   string
	AgentID         string
	Amount          int64
	CommittedAmount int64
	State           ReservationState
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Lease is a time-boxed exclusive spending grant backed by a reservation.
// At most one ACTIVE lease exists per agent at any instant; the storage
// layer enforces this with a uniqueness constraint scoped to ACTIVE.
type Lease struct {
	LeaseID       string
	AgentID       string
	ReservationID string
	BudgetGranted int64
	BudgetSpent   int64
	State         LeaseState
	ClientToken   string
	ProviderToken string
	RevokeReason  string
	Renewals      int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
	ExpiredAt     time.Time // when the lease entered EXPIRED; grace anchor
}

// Remaining returns the unspent portion of the current tranche.
func (l *Lease) Remaining() int64 {
	return l.BudgetGranted - l.BudgetSpent
}

// Renewal describes an atomic lease renewal: the old reservation is
// committed at TotalSpent, the remainder returns to availability, and a
// fresh tranche is reserved under NewReservationID.
type Renewal struct {
	LeaseID          string
	TotalSpent       int64
	NewReservationID string
	NextTranche      int64
	NewExpiresAt     time.Time
	At               time.Time
}

// Request is a proposed change to an agent's allocation. It is mutated
// exactly once, by the single transition out of PENDING.
type Request struct {
	RequestID       string
	AgentID         string
	RequesterID     string
	CurrentBudget   int64
	RequestedBudget int64
	Justification   string
	Status          RequestStatus
	ApproverID      string
	RejectionReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RequestFilter narrows a request listing. Zero values match everything.
type RequestFilter struct {
	AgentID string
	Status  RequestStatus
}

// HistoryEntry is an immutable audit record of an allocation change,
// written in the same transaction as the change itself.
type HistoryEntry struct {
	EntryID          string
	AgentID          string
	Modification     ModificationType
	OldAllocated     int64
	NewAllocated     int64
	ChangeAmount     int64
	ModifierID       string
	Reason           string
	RelatedRequestID string
	CreatedAt        time.Time
}

// Storage errors. Callers distinguish outcomes with errors.Is.
var (
	// ErrAgentNotFound means the agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists means an agent with this ID is already registered.
	ErrAgentExists = errors.New("agent already exists")

	// ErrAgentPaused means the agent is administratively paused.
	ErrAgentPaused = errors.New("agent is paused")

	// ErrInsufficientBudget means a reserve would exceed the allocation.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrLeaseNotFound means the lease does not exist.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrLeaseActive means the agent already holds an ACTIVE lease.
	ErrLeaseActive = errors.New("agent already has an active lease")

	// ErrLeaseTerminal means the lease is CLOSED or REVOKED and rejects
	// every transition.
	ErrLeaseTerminal = errors.New("lease is in a terminal state")

	// ErrLeaseNotActive means the operation requires an ACTIVE lease.
	ErrLeaseNotActive = errors.New("lease is not active")

	// ErrLeaseBudgetExceeded means a usage report would exceed the tranche.
	ErrLeaseBudgetExceeded = errors.New("usage exceeds lease budget")

	// ErrReservationNotFound means the reservation does not exist.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationReleased means a released reservation cannot be committed.
	ErrReservationReleased = errors.New("reservation already released")

	// ErrReservationOvercommit means the commit amount exceeds the hold.
	ErrReservationOvercommit = errors.New("commit exceeds reserved amount")

	// ErrRequestNotFound means the budget request does not exist.
	ErrRequestNotFound = errors.New("budget request not found")

	// ErrRequestDecided means the request already left PENDING; the
	// concurrent transition lost the optimistic-locking race.
	ErrRequestDecided = errors.New("budget request already decided")

	// ErrAllocationBelowSpent means an allocation change would drop the
	// allocation below recorded plus pending spend.
	ErrAllocationBelowSpent = errors.New("allocation below committed spend")
)

// Store is the persistence contract shared by the ledger, the lease
// manager, and the budget request workflow. Implementations must be safe
// for concurrent use; compound operations are atomic.
type Store interface {
	// Agents.
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	SetAgentPaused(ctx context.Context, agentID string, paused bool) error

	// Ledger primitives. Reserve atomically verifies
	// spent + pending + amount <= allocated before recording the hold.
	Reserve(ctx context.Context, res *Reservation) error
	CommitReservation(ctx context.Context, reservationID string, actual int64) error
	ReleaseReservation(ctx context.Context, reservationID string) error
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)

	// OverrideAllocation sets the allocation directly (administrative
	// path), appending the history entry in the same transaction.
	OverrideAllocation(ctx context.Context, agentID string, newAllocated int64, modifierID, reason string, at time.Time) (*HistoryEntry, error)

	// Leases. CreateLease reserves lease.BudgetGranted under
	// lease.ReservationID and inserts the ACTIVE lease in one
	// transaction; the single-active-lease invariant is enforced here.
	CreateLease(ctx context.Context, lease *Lease) error
	GetLease(ctx context.Context, leaseID string) (*Lease, error)
	ListAgentLeases(ctx context.Context, agentID string) ([]*Lease, error)
	ListLeasesByState(ctx context.Context, state LeaseState) ([]*Lease, error)

	// MarkLeaseExpired transitions ACTIVE to EXPIRED. It is a no-op
	// returning ErrLeaseNotActive when the lease already left ACTIVE.
	MarkLeaseExpired(ctx context.Context, leaseID string, at time.Time) error

	// RecordLeaseUsage adds reported spend to the active tranche,
	// failing closed when the report would exceed the grant. When the
	// report exactly exhausts the tranche the lease transitions to
	// EXPIRED. Returns the updated lease.
	RecordLeaseUsage(ctx context.Context, leaseID string, amount int64, at time.Time) (*Lease, error)

	// RenewLease atomically settles the old tranche and grants the next.
	RenewLease(ctx context.Context, ren *Renewal) (*Lease, error)

	// CloseLease settles spend, returns the unspent remainder to
	// availability, and transitions to CLOSED. Returns the amount
	// returned. Terminal leases yield ErrLeaseTerminal.
	CloseLease(ctx context.Context, leaseID string, at time.Time) (int64, error)

	// CloseLeaseIfExpired closes the lease only if it is EXPIRED with a
	// grace anchor at or before expiredBefore, settling spend like a
	// normal close. Returns the amount returned and whether the close
	// happened; a lease in any other state is left alone.
	CloseLeaseIfExpired(ctx context.Context, leaseID string, expiredBefore, at time.Time) (int64, bool, error)

	// RevokeLease force-terminates an ACTIVE lease, settling spend like
	// a close and recording the reason.
	RevokeLease(ctx context.Context, leaseID, reason string, at time.Time) (int64, error)

	// Budget change requests.
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, requestID string) (*Request, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*Request, error)

	// ApproveRequest performs the three-write approval transaction:
	// conditional status flip (guarded by status=PENDING and verified by
	// affected rows), allocation raise, history append. A request that
	// already left PENDING yields ErrRequestDecided.
	ApproveRequest(ctx context.Context, requestID, approverID string, at time.Time) (*Request, error)
	RejectRequest(ctx context.Context, requestID, approverID, reason string, at time.Time) (*Request, error)
	CancelRequest(ctx context.Context, requestID string, at time.Time) (*Request, error)

	// History.
	ListHistory(ctx context.Context, agentID string) ([]*HistoryEntry, error)

	Close() error
}
