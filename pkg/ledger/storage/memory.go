package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It is used by
// tests and by deployments that do not need durability. A single mutex
// serializes every operation, matching the one-writer discipline of the
// SQLite store.
type MemoryStore struct {
	mu           sync.Mutex
	agents       map[string]*Agent
	reservations map[string]*Reservation
	leases       map[string]*Lease
	requests     map[string]*Request
	history      map[string][]*HistoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[string]*Agent),
		reservations: make(map[string]*Reservation),
		leases:       make(map[string]*Lease),
		requests:     make(map[string]*Request),
		history:      make(map[string][]*HistoryEntry),
	}
}

// Close releases nothing but satisfies Store.
func (s *MemoryStore) Close() error { return nil }

// pendingLocked sums PENDING reservation amounts for an agent.
func (s *MemoryStore) pendingLocked(agentID string) int64 {
	var total int64
	for _, r := range s.reservations {
		if r.AgentID == agentID && r.State == ReservationPending {
			total += r.Amount
		}
	}
	return total
}

func (s *MemoryStore) agentLocked(agentID string) (*Agent, error) {
	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

func copyAgent(a *Agent, pending int64) *Agent {
	c := *a
	c.BudgetPending = pending
	return &c
}

func copyLease(l *Lease) *Lease {
	c := *l
	return &c
}

func copyRequest(r *Request) *Request {
	c := *r
	return &c
}

// CreateAgent registers a new agent with its initial allocation.
func (s *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.AgentID]; ok {
		return ErrAgentExists
	}
	a := *agent
	a.BudgetSpent = 0
	a.UpdatedAt = agent.CreatedAt
	s.agents[agent.AgentID] = &a
	return nil
}

// GetAgent returns an agent with its derived pending total.
func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.agentLocked(agentID)
	if err != nil {
		return nil, err
	}
	return copyAgent(a, s.pendingLocked(agentID)), nil
}

// ListAgents returns all registered agents.
func (s *MemoryStore) ListAgents(_ context.Context) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]*Agent, 0, len(s.agents))
	for id, a := range s.agents {
		agents = append(agents, copyAgent(a, s.pendingLocked(id)))
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

// SetAgentPaused flips the administrative pause flag.
func (s *MemoryStore) SetAgentPaused(_ context.Context, agentID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.agentLocked(agentID)
	if err != nil {
		return err
	}
	a.Paused = paused
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Reserve places a hold against the agent's available budget.
func (s *MemoryStore) Reserve(_ context.Context, res *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveLocked(res)
}

func (s *MemoryStore) reserveLocked(res *Reservation) error {
	a, err := s.agentLocked(res.AgentID)
	if err != nil {
		return err
	}
	available := a.BudgetAllocated - a.BudgetSpent - s.pendingLocked(res.AgentID)
	if available < res.Amount {
		return ErrInsufficientBudget
	}

	r := *res
	r.State = ReservationPending
	r.UpdatedAt = res.CreatedAt
	s.reservations[res.ReservationID] = &r
	res.State = ReservationPending
	return nil
}

// CommitReservation converts a hold into permanent spend.
func (s *MemoryStore) CommitReservation(_ context.Context, reservationID string, actual int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(reservationID, actual)
}

func (s *MemoryStore) commitLocked(reservationID string, actual int64) error {
	r, ok := s.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	switch r.State {
	case ReservationCommitted:
		return nil
	case ReservationReleased:
		return ErrReservationReleased
	}
	if actual < 0 || actual > r.Amount {
		return ErrReservationOvercommit
	}

	r.State = ReservationCommitted
	r.CommittedAmount = actual
	r.UpdatedAt = time.Now().UTC()
	if actual > 0 {
		s.agents[r.AgentID].BudgetSpent += actual
	}
	return nil
}

// ReleaseReservation cancels a hold entirely.
func (s *MemoryStore) ReleaseReservation(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	switch r.State {
	case ReservationReleased:
		return nil
	case ReservationCommitted:
		return ErrReservationOvercommit
	}
	r.State = ReservationReleased
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// GetReservation returns a reservation by ID.
func (s *MemoryStore) GetReservation(_ context.Context, reservationID string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	c := *r
	return &c, nil
}

// OverrideAllocation sets an agent's allocation directly.
func (s *MemoryStore) OverrideAllocation(_ context.Context, agentID string, newAllocated int64, modifierID, reason string, at time.Time) (*HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.agentLocked(agentID)
	if err != nil {
		return nil, err
	}
	if newAllocated < a.BudgetSpent+s.pendingLocked(agentID) {
		return nil, ErrAllocationBelowSpent
	}

	entry := newHistoryEntry(agentID, a.BudgetAllocated, newAllocated, modifierID, reason, "", at)
	a.BudgetAllocated = newAllocated
	a.UpdatedAt = at
	s.history[agentID] = append(s.history[agentID], entry)
	return entry, nil
}

// CreateLease reserves the tranche and inserts the ACTIVE lease.
func (s *MemoryStore) CreateLease(_ context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.agentLocked(lease.AgentID)
	if err != nil {
		return err
	}
	if a.Paused {
		return ErrAgentPaused
	}
	for _, l := range s.leases {
		if l.AgentID == lease.AgentID && l.State == LeaseActive {
			return ErrLeaseActive
		}
	}

	res := &Reservation{
		ReservationID: lease.ReservationID,
		AgentID:       lease.AgentID,
		Amount:        lease.BudgetGranted,
		CreatedAt:     lease.CreatedAt,
	}
	if err := s.reserveLocked(res); err != nil {
		return err
	}

	l := *lease
	l.State = LeaseActive
	l.BudgetSpent = 0
	l.Renewals = 0
	l.UpdatedAt = lease.CreatedAt
	s.leases[lease.LeaseID] = &l
	lease.State = LeaseActive
	return nil
}

// GetLease returns a lease by ID.
func (s *MemoryStore) GetLease(_ context.Context, leaseID string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	return copyLease(l), nil
}

// ListAgentLeases returns all leases for an agent, newest first.
func (s *MemoryStore) ListAgentLeases(_ context.Context, agentID string) ([]*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var leases []*Lease
	for _, l := range s.leases {
		if l.AgentID == agentID {
			leases = append(leases, copyLease(l))
		}
	}
	sort.Slice(leases, func(i, j int) bool {
		return leases[i].CreatedAt.After(leases[j].CreatedAt)
	})
	return leases, nil
}

// ListLeasesByState returns all leases in the given state.
func (s *MemoryStore) ListLeasesByState(_ context.Context, state LeaseState) ([]*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var leases []*Lease
	for _, l := range s.leases {
		if l.State == state {
			leases = append(leases, copyLease(l))
		}
	}
	sort.Slice(leases, func(i, j int) bool {
		return leases[i].CreatedAt.Before(leases[j].CreatedAt)
	})
	return leases, nil
}

// MarkLeaseExpired transitions ACTIVE to EXPIRED.
func (s *MemoryStore) MarkLeaseExpired(_ context.Context, leaseID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return ErrLeaseNotFound
	}
	if l.State != LeaseActive {
		return ErrLeaseNotActive
	}
	l.State = LeaseExpired
	l.ExpiredAt = at
	l.UpdatedAt = at
	return nil
}

// RecordLeaseUsage adds reported spend to the active tranche.
func (s *MemoryStore) RecordLeaseUsage(_ context.Context, leaseID string, amount int64, at time.Time) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	switch {
	case l.State.Terminal():
		return nil, ErrLeaseTerminal
	case l.State != LeaseActive:
		return nil, ErrLeaseNotActive
	}
	if l.BudgetSpent+amount > l.BudgetGranted {
		return nil, ErrLeaseBudgetExceeded
	}

	l.BudgetSpent += amount
	l.UpdatedAt = at
	if l.BudgetSpent >= l.BudgetGranted {
		l.State = LeaseExpired
		l.ExpiredAt = at
	}
	return copyLease(l), nil
}

// RenewLease settles the old tranche and grants the next one.
func (s *MemoryStore) RenewLease(_ context.Context, ren *Renewal) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[ren.LeaseID]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	if l.State.Terminal() {
		return nil, ErrLeaseTerminal
	}
	if ren.TotalSpent < l.BudgetSpent || ren.TotalSpent > l.BudgetGranted {
		return nil, ErrLeaseBudgetExceeded
	}

	// Check the next tranche fits post-settlement availability before
	// mutating anything, so a denied renewal leaves the old cycle open.
	a, err := s.agentLocked(l.AgentID)
	if err != nil {
		return nil, err
	}
	pending := s.pendingLocked(l.AgentID)
	if old, ok := s.reservations[l.ReservationID]; ok && old.State == ReservationPending {
		pending -= old.Amount
	}
	if a.BudgetAllocated-(a.BudgetSpent+ren.TotalSpent)-pending < ren.NextTranche {
		return nil, ErrInsufficientBudget
	}

	if err := s.commitLocked(l.ReservationID, ren.TotalSpent); err != nil {
		return nil, err
	}

	res := &Reservation{
		ReservationID: ren.NewReservationID,
		AgentID:       l.AgentID,
		Amount:        ren.NextTranche,
		CreatedAt:     ren.At,
	}
	if err := s.reserveLocked(res); err != nil {
		return nil, err
	}

	l.State = LeaseActive
	l.ReservationID = ren.NewReservationID
	l.BudgetGranted = ren.NextTranche
	l.BudgetSpent = 0
	l.Renewals++
	l.ExpiresAt = ren.NewExpiresAt
	l.ExpiredAt = time.Time{}
	l.UpdatedAt = ren.At
	return copyLease(l), nil
}

// CloseLease settles spend and transitions to CLOSED.
func (s *MemoryStore) CloseLease(_ context.Context, leaseID string, at time.Time) (int64, error) {
	return s.terminate(leaseID, LeaseClosed, "", at)
}

// CloseLeaseIfExpired conditionally closes an EXPIRED lease whose
// grace anchor is at or before expiredBefore.
func (s *MemoryStore) CloseLeaseIfExpired(_ context.Context, leaseID string, expiredBefore, at time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return 0, false, ErrLeaseNotFound
	}
	anchor := l.ExpiredAt
	if anchor.IsZero() {
		anchor = l.ExpiresAt
	}
	if l.State != LeaseExpired || anchor.After(expiredBefore) {
		return 0, false, nil
	}

	if err := s.commitLocked(l.ReservationID, l.BudgetSpent); err != nil {
		return 0, false, err
	}
	returned := l.BudgetGranted - l.BudgetSpent
	l.State = LeaseClosed
	l.UpdatedAt = at
	return returned, true, nil
}

// RevokeLease force-terminates an ACTIVE lease.
func (s *MemoryStore) RevokeLease(_ context.Context, leaseID, reason string, at time.Time) (int64, error) {
	return s.terminate(leaseID, LeaseRevoked, reason, at)
}

func (s *MemoryStore) terminate(leaseID string, target LeaseState, reason string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return 0, ErrLeaseNotFound
	}
	if l.State.Terminal() {
		return 0, ErrLeaseTerminal
	}
	if target == LeaseRevoked && l.State != LeaseActive {
		return 0, ErrLeaseNotActive
	}

	if err := s.commitLocked(l.ReservationID, l.BudgetSpent); err != nil {
		return 0, err
	}
	returned := l.BudgetGranted - l.BudgetSpent

	l.State = target
	l.RevokeReason = reason
	l.UpdatedAt = at
	return returned, nil
}

// CreateRequest inserts a new PENDING budget change request.
func (s *MemoryStore) CreateRequest(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.agentLocked(req.AgentID)
	if err != nil {
		return err
	}
	req.CurrentBudget = a.BudgetAllocated
	req.Status = RequestPending

	r := *req
	r.UpdatedAt = req.CreatedAt
	s.requests[req.RequestID] = &r
	return nil
}

// GetRequest returns a budget change request by ID.
func (s *MemoryStore) GetRequest(_ context.Context, requestID string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(r), nil
}

// ListRequests returns the requests matching the filter, newest first.
func (s *MemoryStore) ListRequests(_ context.Context, filter RequestFilter) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requests []*Request
	for _, r := range s.requests {
		if filter.AgentID != "" && r.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		requests = append(requests, copyRequest(r))
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	return requests, nil
}

// ApproveRequest flips PENDING to APPROVED, raises the allocation, and
// appends the history entry under one lock acquisition.
func (s *MemoryStore) ApproveRequest(_ context.Context, requestID, approverID string, at time.Time) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if r.Status != RequestPending {
		return nil, ErrRequestDecided
	}

	a, err := s.agentLocked(r.AgentID)
	if err != nil {
		return nil, err
	}
	if r.RequestedBudget < a.BudgetSpent+s.pendingLocked(r.AgentID) {
		return nil, ErrAllocationBelowSpent
	}

	entry := newHistoryEntry(r.AgentID, a.BudgetAllocated, r.RequestedBudget,
		approverID, "budget request "+requestID+" approved", requestID, at)

	r.Status = RequestApproved
	r.ApproverID = approverID
	r.UpdatedAt = at
	a.BudgetAllocated = r.RequestedBudget
	a.UpdatedAt = at
	s.history[r.AgentID] = append(s.history[r.AgentID], entry)
	return copyRequest(r), nil
}

// RejectRequest declines a PENDING request.
func (s *MemoryStore) RejectRequest(_ context.Context, requestID, approverID, reason string, at time.Time) (*Request, error) {
	return s.decide(requestID, RequestRejected, approverID, reason, at)
}

// CancelRequest withdraws a PENDING request.
func (s *MemoryStore) CancelRequest(_ context.Context, requestID string, at time.Time) (*Request, error) {
	return s.decide(requestID, RequestCancelled, "", "", at)
}

func (s *MemoryStore) decide(requestID string, status RequestStatus, approverID, reason string, at time.Time) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if r.Status != RequestPending {
		return nil, ErrRequestDecided
	}
	r.Status = status
	r.ApproverID = approverID
	r.RejectionReason = reason
	r.UpdatedAt = at
	return copyRequest(r), nil
}

// ListHistory returns an agent's allocation history, newest first.
func (s *MemoryStore) ListHistory(_ context.Context, agentID string) ([]*HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*HistoryEntry, 0, len(s.history[agentID]))
	for _, e := range s.history[agentID] {
		c := *e
		entries = append(entries, &c)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}
