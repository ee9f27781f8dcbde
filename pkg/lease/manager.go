package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mercator-hq/ceres/pkg/config"
	"mercator-hq/ceres/pkg/ledger/storage"
	"mercator-hq/ceres/pkg/telemetry/metrics"
)

// Observer receives lease activity for anomaly evaluation. All methods
// are called synchronously after the mutation commits. origin is the
// caller's network origin as seen at the transport boundary, or empty
// when unknown.
type Observer interface {
	ObserveUsage(agentID, leaseID, origin string, amount int64, at time.Time)
	ObserveRenewal(agentID, leaseID, origin string, at time.Time)
}

type originContextKey struct{}

// WithOrigin annotates the context with the caller's network origin so
// observers can correlate activity with where the lease tokens are
// being presented from.
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originContextKey{}, origin)
}

func originFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originContextKey{}).(string)
	return origin
}

// Manager drives the lease lifecycle over a storage.Store.
type Manager struct {
	store    storage.Store
	cfg      config.LeaseConfig
	logger   *slog.Logger
	metrics  *metrics.Collector
	observer Observer
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithObserver attaches a usage observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lease manager.
func NewManager(store storage.Store, cfg config.LeaseConfig, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "lease"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handshake opens a lease for the agent, reserving the first tranche.
// A zero requested amount grants the configured default. The agent may
// hold at most one ACTIVE lease; a second handshake fails with
// storage.ErrLeaseActive.
func (m *Manager) Handshake(ctx context.Context, agentID string, requested int64) (*storage.Lease, error) {
	tranche, err := m.resolveTranche(requested)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	lease := &storage.Lease{
		LeaseID:       storage.NewLeaseID(),
		AgentID:       agentID,
		ReservationID: storage.NewReservationID(),
		BudgetGranted: tranche,
		ClientToken:   newToken(),
		ProviderToken: newToken(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.TTL),
	}
	if err := m.store.CreateLease(ctx, lease); err != nil {
		return nil, err
	}

	m.logger.Info("lease granted",
		"lease_id", lease.LeaseID,
		"agent_id", agentID,
		"tranche", tranche,
		"expires_at", lease.ExpiresAt)
	if m.metrics != nil {
		m.metrics.RecordLeaseCreated()
	}
	return lease, nil
}

// Get returns a lease, evaluating expiry first so callers never see an
// ACTIVE lease whose deadline has already passed.
func (m *Manager) Get(ctx context.Context, leaseID string) (*storage.Lease, error) {
	lease, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	return m.evaluateExpiry(ctx, lease)
}

// ListForAgent returns an agent's leases, newest first. Expiry is not
// evaluated here; listings tolerate slightly stale states.
func (m *Manager) ListForAgent(ctx context.Context, agentID string) ([]*storage.Lease, error) {
	return m.store.ListAgentLeases(ctx, agentID)
}

// ReportUsage records spend against the lease's current tranche. The
// report fails closed: if the amount would exceed the tranche nothing
// is recorded. A report that exactly exhausts the tranche expires the
// lease immediately.
func (m *Manager) ReportUsage(ctx context.Context, leaseID string, amount int64) (*storage.Lease, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("usage report of %d: %w", amount, ErrInvalidUsage)
	}

	lease, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if lease, err = m.evaluateExpiry(ctx, lease); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	updated, err := m.store.RecordLeaseUsage(ctx, leaseID, amount, now)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("usage recorded",
		"lease_id", leaseID,
		"agent_id", updated.AgentID,
		"amount", amount,
		"remaining", updated.Remaining())
	if m.metrics != nil {
		m.metrics.RecordUsage(amount)
	}
	if m.observer != nil {
		m.observer.ObserveUsage(updated.AgentID, leaseID, originFrom(ctx), amount, now)
	}
	return updated, nil
}

// Renew settles the finished cycle and opens the next one. spentDelta
// is the holder's spend since its last usage report; the cycle settles
// at already-reported spend plus the delta, which may not exceed the
// tranche. requested selects the next tranche size, zero meaning the
// default.
//
// An ACTIVE lease renews freely. An EXPIRED lease renews only inside
// the grace window measured from its expiry; afterwards the renewal
// fails with ErrGraceExpired and the sweeper will close the lease.
func (m *Manager) Renew(ctx context.Context, leaseID string, spentDelta, requested int64) (*storage.Lease, error) {
	nextTranche, err := m.resolveTranche(requested)
	if err != nil {
		return nil, err
	}
	if spentDelta < 0 {
		return nil, fmt.Errorf("spend delta of %d: %w", spentDelta, ErrInvalidUsage)
	}

	lease, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if lease, err = m.evaluateExpiry(ctx, lease); err != nil {
		return nil, err
	}
	if lease.State == storage.LeaseExpired && m.graceLapsed(lease) {
		return nil, ErrGraceExpired
	}

	now := m.now().UTC()
	totalSpent := lease.BudgetSpent + spentDelta
	renewed, err := m.store.RenewLease(ctx, &storage.Renewal{
		LeaseID:          leaseID,
		TotalSpent:       totalSpent,
		NewReservationID: storage.NewReservationID(),
		NextTranche:      nextTranche,
		NewExpiresAt:     now.Add(m.cfg.TTL),
		At:               now,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("lease renewed",
		"lease_id", leaseID,
		"agent_id", renewed.AgentID,
		"cycle_spent", totalSpent,
		"next_tranche", nextTranche,
		"renewals", renewed.Renewals)
	if m.metrics != nil {
		m.metrics.RecordLeaseRenewed()
	}
	if m.observer != nil {
		m.observer.ObserveRenewal(renewed.AgentID, leaseID, originFrom(ctx), now)
	}
	return renewed, nil
}

// Close terminates the lease normally, settling reported spend and
// returning the unspent remainder to the agent's available budget.
func (m *Manager) Close(ctx context.Context, leaseID string) (int64, error) {
	returned, err := m.store.CloseLease(ctx, leaseID, m.now().UTC())
	if err != nil {
		return 0, err
	}

	m.logger.Info("lease closed", "lease_id", leaseID, "returned", returned)
	if m.metrics != nil {
		m.metrics.RecordLeaseTerminated(string(storage.LeaseClosed))
	}
	return returned, nil
}

// Revoke force-terminates an ACTIVE lease, recording the reason. Spend
// reported so far stays committed; the remainder returns.
func (m *Manager) Revoke(ctx context.Context, leaseID, reason string) (int64, error) {
	returned, err := m.store.RevokeLease(ctx, leaseID, reason, m.now().UTC())
	if err != nil {
		return 0, err
	}

	m.logger.Warn("lease revoked", "lease_id", leaseID, "reason", reason, "returned", returned)
	if m.metrics != nil {
		m.metrics.RecordLeaseTerminated(string(storage.LeaseRevoked))
	}
	return returned, nil
}

// resolveTranche applies the default and enforces the ceiling.
func (m *Manager) resolveTranche(requested int64) (int64, error) {
	if requested == 0 {
		return m.cfg.DefaultTranche, nil
	}
	if requested < 0 {
		return 0, fmt.Errorf("tranche of %d: %w", requested, ErrInvalidUsage)
	}
	if requested > m.cfg.MaxTranche {
		return 0, fmt.Errorf("tranche of %d exceeds ceiling %d: %w", requested, m.cfg.MaxTranche, ErrTrancheTooLarge)
	}
	return requested, nil
}

// evaluateExpiry self-heals an ACTIVE lease whose deadline passed while
// nobody was looking. Races with the sweeper are benign: losing the
// conditional update means the transition already happened.
func (m *Manager) evaluateExpiry(ctx context.Context, lease *storage.Lease) (*storage.Lease, error) {
	if lease.State != storage.LeaseActive || m.now().Before(lease.ExpiresAt) {
		return lease, nil
	}

	err := m.store.MarkLeaseExpired(ctx, lease.LeaseID, lease.ExpiresAt)
	if err != nil && !errors.Is(err, storage.ErrLeaseNotActive) {
		return nil, err
	}
	return m.store.GetLease(ctx, lease.LeaseID)
}

// graceLapsed reports whether an EXPIRED lease is past its renewal
// window. The window is anchored at the recorded expiry instant.
func (m *Manager) graceLapsed(lease *storage.Lease) bool {
	anchor := lease.ExpiredAt
	if anchor.IsZero() {
		anchor = lease.ExpiresAt
	}
	return m.now().After(anchor.Add(m.cfg.RenewGrace))
}

func newToken() string {
	return "tok_" + uuid.NewString()
}
