package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/ceres/pkg/ledger/storage"
)

// Ledger exposes budget accounting over a storage.Store. It validates
// inputs and logs mutations; the store provides atomicity.
type Ledger struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over the given store.
func New(store storage.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default().With("component", "ledger"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterAgent creates an agent with an initial allocation.
func (l *Ledger) RegisterAgent(ctx context.Context, agentID, ownerID string, allocated int64) (*storage.Agent, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id cannot be empty: %w", ErrInvalidAmount)
	}
	if allocated < 0 {
		return nil, fmt.Errorf("initial allocation cannot be negative: %w", ErrInvalidAmount)
	}

	agent := &storage.Agent{
		AgentID:         agentID,
		OwnerID:         ownerID,
		BudgetAllocated: allocated,
		CreatedAt:       l.now().UTC(),
	}
	if err := l.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	l.logger.Info("agent registered",
		"agent_id", agentID,
		"owner_id", ownerID,
		"allocated", allocated)
	return l.store.GetAgent(ctx, agentID)
}

// GetAgent returns an agent's current balances.
func (l *Ledger) GetAgent(ctx context.Context, agentID string) (*storage.Agent, error) {
	return l.store.GetAgent(ctx, agentID)
}

// ListAgents returns every registered agent.
func (l *Ledger) ListAgents(ctx context.Context) ([]*storage.Agent, error) {
	return l.store.ListAgents(ctx)
}

// SetPaused flips the administrative pause flag for an agent. Paused
// agents keep their balances but cannot open new leases.
func (l *Ledger) SetPaused(ctx context.Context, agentID string, paused bool) error {
	if err := l.store.SetAgentPaused(ctx, agentID, paused); err != nil {
		return err
	}
	l.logger.Info("agent pause flag changed", "agent_id", agentID, "paused", paused)
	return nil
}

// Reserve places a hold of amount micro-units against the agent's
// available budget and returns the reservation. The check and the hold
// are atomic; two concurrent reservations can never jointly overdraw.
func (l *Ledger) Reserve(ctx context.Context, agentID string, amount int64) (*storage.Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reservation amount must be positive: %w", ErrInvalidAmount)
	}

	res := &storage.Reservation{
		ReservationID: storage.NewReservationID(),
		AgentID:       agentID,
		Amount:        amount,
		CreatedAt:     l.now().UTC(),
	}
	if err := l.store.Reserve(ctx, res); err != nil {
		return nil, err
	}

	l.logger.Debug("budget reserved",
		"agent_id", agentID,
		"reservation_id", res.ReservationID,
		"amount", amount)
	return res, nil
}

// Commit converts a reservation into permanent spend of actual
// micro-units; the unspent remainder returns to availability. Actual
// may not exceed the reserved amount. Committing an already-committed
// reservation is a no-op so retries are safe.
func (l *Ledger) Commit(ctx context.Context, reservationID string, actual int64) error {
	if err := l.store.CommitReservation(ctx, reservationID, actual); err != nil {
		return err
	}
	l.logger.Debug("reservation committed", "reservation_id", reservationID, "actual", actual)
	return nil
}

// Release cancels a reservation entirely, returning the full held
// amount to availability.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	if err := l.store.ReleaseReservation(ctx, reservationID); err != nil {
		return err
	}
	l.logger.Debug("reservation released", "reservation_id", reservationID)
	return nil
}

// RaiseAllocation sets an agent's allocation directly as an
// administrative override, recording the modification in history.
// Unlike the approval workflow this bypasses review, so the caller
// identity and reason are mandatory.
func (l *Ledger) RaiseAllocation(ctx context.Context, agentID string, newAllocated int64, modifierID, reason string) (*storage.HistoryEntry, error) {
	if newAllocated < 0 {
		return nil, fmt.Errorf("allocation cannot be negative: %w", ErrInvalidAmount)
	}
	if modifierID == "" || reason == "" {
		return nil, fmt.Errorf("modifier and reason are required for overrides: %w", ErrInvalidAmount)
	}

	entry, err := l.store.OverrideAllocation(ctx, agentID, newAllocated, modifierID, reason, l.now().UTC())
	if err != nil {
		return nil, err
	}

	l.logger.Info("allocation overridden",
		"agent_id", agentID,
		"modification", string(entry.Modification),
		"old_allocated", entry.OldAllocated,
		"new_allocated", entry.NewAllocated,
		"modifier_id", modifierID)
	return entry, nil
}

// History returns an agent's allocation modification history, newest
// first.
func (l *Ledger) History(ctx context.Context, agentID string) ([]*storage.HistoryEntry, error) {
	if _, err := l.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return l.store.ListHistory(ctx, agentID)
}
