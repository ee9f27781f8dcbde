package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite for persistence.
//
// The connection pool is capped at a single connection, so every
// transaction observes and produces a serial history. That is the
// serialization point the ledger's correctness depends on: concurrent
// reserve/commit/approve calls for the same agent are ordered by the
// database, not by application locks.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string

	// approveHook runs between the allocation raise and the history
	// append inside the approval transaction. Tests use it to simulate
	// a mid-transaction failure.
	approveHook func() error
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a SQLite store with default settings.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{DBPath: dbPath})
}

// NewSQLiteStoreWithConfig creates a SQLite store with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.DBPath, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer; one connection serializes
	// every transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		dbPath: cfg.DBPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		budget_allocated INTEGER NOT NULL CHECK (budget_allocated >= 0),
		budget_spent INTEGER NOT NULL DEFAULT 0 CHECK (budget_spent >= 0),
		paused INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CHECK (budget_spent <= budget_allocated)
	);

	CREATE TABLE IF NOT EXISTS reservations (
		reservation_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(agent_id),
		amount INTEGER NOT NULL CHECK (amount > 0),
		committed_amount INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'PENDING',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_agent_state
		ON reservations(agent_id, state);

	CREATE TABLE IF NOT EXISTS leases (
		lease_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(agent_id),
		reservation_id TEXT NOT NULL REFERENCES reservations(reservation_id),
		budget_granted INTEGER NOT NULL CHECK (budget_granted > 0),
		budget_spent INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		client_token TEXT NOT NULL,
		provider_token TEXT NOT NULL,
		revoke_reason TEXT NOT NULL DEFAULT '',
		renewals INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		expired_at INTEGER NOT NULL DEFAULT 0,
		CHECK (budget_spent <= budget_granted)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_leases_one_active
		ON leases(agent_id) WHERE state = 'ACTIVE';

	CREATE INDEX IF NOT EXISTS idx_leases_state ON leases(state);

	CREATE TABLE IF NOT EXISTS budget_requests (
		request_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(agent_id),
		requester_id TEXT NOT NULL,
		current_budget INTEGER NOT NULL,
		requested_budget INTEGER NOT NULL CHECK (requested_budget > 0),
		justification TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		approver_id TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_agent ON budget_requests(agent_id);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON budget_requests(status);

	CREATE TABLE IF NOT EXISTS budget_modification_history (
		entry_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		modification_type TEXT NOT NULL,
		old_allocated INTEGER NOT NULL,
		new_allocated INTEGER NOT NULL,
		change_amount INTEGER NOT NULL,
		modifier_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		related_request_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_agent
		ON budget_modification_history(agent_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// CreateAgent registers a new agent with its initial allocation.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	now := toMillis(agent.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, owner_id, budget_allocated, budget_spent, paused, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)`,
		agent.AgentID, agent.OwnerID, agent.BudgetAllocated, boolToInt(agent.Paused), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAgentExists
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgent returns an agent with its derived pending total.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	return s.getAgent(ctx, s.db, agentID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) getAgent(ctx context.Context, q querier, agentID string) (*Agent, error) {
	row := q.QueryRowContext(ctx, `
		SELECT a.agent_id, a.owner_id, a.budget_allocated, a.budget_spent, a.paused,
		       a.created_at, a.updated_at,
		       COALESCE((SELECT SUM(r.amount) FROM reservations r
		                 WHERE r.agent_id = a.agent_id AND r.state = 'PENDING'), 0)
		FROM agents a WHERE a.agent_id = ?`,
		agentID,
	)

	var a Agent
	var paused int
	var createdAt, updatedAt int64
	err := row.Scan(&a.AgentID, &a.OwnerID, &a.BudgetAllocated, &a.BudgetSpent, &paused,
		&createdAt, &updatedAt, &a.BudgetPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	a.Paused = paused != 0
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// ListAgents returns all registered agents.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.agent_id, a.owner_id, a.budget_allocated, a.budget_spent, a.paused,
		       a.created_at, a.updated_at,
		       COALESCE((SELECT SUM(r.amount) FROM reservations r
		                 WHERE r.agent_id = a.agent_id AND r.state = 'PENDING'), 0)
		FROM agents a ORDER BY a.created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var paused int
		var createdAt, updatedAt int64
		if err := rows.Scan(&a.AgentID, &a.OwnerID, &a.BudgetAllocated, &a.BudgetSpent, &paused,
			&createdAt, &updatedAt, &a.BudgetPending); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		a.Paused = paused != 0
		a.CreatedAt = fromMillis(createdAt)
		a.UpdatedAt = fromMillis(updatedAt)
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// SetAgentPaused flips the administrative pause flag.
func (s *SQLiteStore) SetAgentPaused(ctx context.Context, agentID string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET paused = ?, updated_at = ? WHERE agent_id = ?`,
		boolToInt(paused), time.Now().UnixMilli(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Reserve places a hold against the agent's available budget. The
// availability check and the hold insert happen in one transaction.
func (s *SQLiteStore) Reserve(ctx context.Context, res *Reservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.reserveTx(ctx, tx, res); err != nil {
		return err
	}
	return tx.Commit()
}

// reserveTx runs the availability check and hold insert on an open
// transaction so compound operations can embed it.
func (s *SQLiteStore) reserveTx(ctx context.Context, tx *sql.Tx, res *Reservation) error {
	agent, err := s.getAgent(ctx, tx, res.AgentID)
	if err != nil {
		return err
	}
	if agent.Available() < res.Amount {
		return ErrInsufficientBudget
	}

	now := toMillis(res.CreatedAt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (reservation_id, agent_id, amount, state, created_at, updated_at)
		VALUES (?, ?, ?, 'PENDING', ?, ?)`,
		res.ReservationID, res.AgentID, res.Amount, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	res.State = ReservationPending
	return nil
}

// CommitReservation converts a hold into permanent spend. Committing an
// already-committed reservation has no additional effect.
func (s *SQLiteStore) CommitReservation(ctx context.Context, reservationID string, actual int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.commitReservationTx(ctx, tx, reservationID, actual); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) commitReservationTx(ctx context.Context, tx *sql.Tx, reservationID string, actual int64) error {
	res, err := s.getReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	switch res.State {
	case ReservationCommitted:
		// Idempotent under retry.
		return nil
	case ReservationReleased:
		return ErrReservationReleased
	}

	if actual < 0 || actual > res.Amount {
		return ErrReservationOvercommit
	}

	now := time.Now().UnixMilli()
	upd, err := tx.ExecContext(ctx, `
		UPDATE reservations SET state = 'COMMITTED', committed_amount = ?, updated_at = ?
		WHERE reservation_id = ? AND state = 'PENDING'`,
		actual, now, reservationID,
	)
	if err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		// Raced with another commit; the first one won and spend is
		// already recorded.
		return nil
	}

	if actual > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET budget_spent = budget_spent + ?, updated_at = ?
			WHERE agent_id = ?`,
			actual, now, res.AgentID,
		)
		if err != nil {
			return fmt.Errorf("failed to record spend: %w", err)
		}
	}
	return nil
}

// ReleaseReservation cancels a hold entirely.
func (s *SQLiteStore) ReleaseReservation(ctx context.Context, reservationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := s.getReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	switch res.State {
	case ReservationReleased:
		return nil
	case ReservationCommitted:
		return ErrReservationOvercommit
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE reservations SET state = 'RELEASED', updated_at = ?
		WHERE reservation_id = ? AND state = 'PENDING'`,
		time.Now().UnixMilli(), reservationID,
	)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return tx.Commit()
}

// GetReservation returns a reservation by ID.
func (s *SQLiteStore) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	return s.getReservation(ctx, s.db, reservationID)
}

func (s *SQLiteStore) getReservation(ctx context.Context, q querier, reservationID string) (*Reservation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT reservation_id, agent_id, amount, committed_amount, state, created_at, updated_at
		FROM reservations WHERE reservation_id = ?`,
		reservationID,
	)

	var r Reservation
	var state string
	var createdAt, updatedAt int64
	err := row.Scan(&r.ReservationID, &r.AgentID, &r.Amount, &r.CommittedAmount, &state, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}
	r.State = ReservationState(state)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

// OverrideAllocation sets an agent's allocation directly, writing the
// history entry in the same transaction.
func (s *SQLiteStore) OverrideAllocation(ctx context.Context, agentID string, newAllocated int64, modifierID, reason string, at time.Time) (*HistoryEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	agent, err := s.getAgent(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if newAllocated < agent.BudgetSpent+agent.BudgetPending {
		return nil, ErrAllocationBelowSpent
	}

	now := toMillis(at)
	_, err = tx.ExecContext(ctx, `
		UPDATE agents SET budget_allocated = ?, updated_at = ? WHERE agent_id = ?`,
		newAllocated, now, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update allocation: %w", err)
	}

	entry := newHistoryEntry(agent.AgentID, agent.BudgetAllocated, newAllocated, modifierID, reason, "", at)
	if err := appendHistoryTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// CreateLease reserves the tranche and inserts the ACTIVE lease in one
// transaction. The partial unique index on (agent_id) WHERE state='ACTIVE'
// closes the check-then-act race between concurrent handshakes.
func (s *SQLiteStore) CreateLease(ctx context.Context, lease *Lease) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	agent, err := s.getAgent(ctx, tx, lease.AgentID)
	if err != nil {
		return err
	}
	if agent.Paused {
		return ErrAgentPaused
	}

	res := &Reservation{
		ReservationID: lease.ReservationID,
		AgentID:       lease.AgentID,
		Amount:        lease.BudgetGranted,
		CreatedAt:     lease.CreatedAt,
	}
	if err := s.reserveTx(ctx, tx, res); err != nil {
		return err
	}

	now := toMillis(lease.CreatedAt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (lease_id, agent_id, reservation_id, budget_granted, budget_spent,
		                    state, client_token, provider_token, renewals,
		                    created_at, updated_at, expires_at, expired_at)
		VALUES (?, ?, ?, ?, 0, 'ACTIVE', ?, ?, 0, ?, ?, ?, 0)`,
		lease.LeaseID, lease.AgentID, lease.ReservationID, lease.BudgetGranted,
		lease.ClientToken, lease.ProviderToken, now, now, toMillis(lease.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrLeaseActive
		}
		return fmt.Errorf("failed to insert lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	lease.State = LeaseActive
	return nil
}

// GetLease returns a lease by ID.
func (s *SQLiteStore) GetLease(ctx context.Context, leaseID string) (*Lease, error) {
	return s.getLease(ctx, s.db, leaseID)
}

const leaseColumns = `lease_id, agent_id, reservation_id, budget_granted, budget_spent,
	state, client_token, provider_token, revoke_reason, renewals,
	created_at, updated_at, expires_at, expired_at`

func (s *SQLiteStore) getLease(ctx context.Context, q querier, leaseID string) (*Lease, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE lease_id = ?`, leaseID)
	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeaseNotFound
	}
	return lease, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (*Lease, error) {
	var l Lease
	var state string
	var createdAt, updatedAt, expiresAt, expiredAt int64
	err := row.Scan(&l.LeaseID, &l.AgentID, &l.ReservationID, &l.BudgetGranted, &l.BudgetSpent,
		&state, &l.ClientToken, &l.ProviderToken, &l.RevokeReason, &l.Renewals,
		&createdAt, &updatedAt, &expiresAt, &expiredAt)
	if err != nil {
		return nil, err
	}
	l.State = LeaseState(state)
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	l.ExpiresAt = fromMillis(expiresAt)
	l.ExpiredAt = fromMillis(expiredAt)
	return &l, nil
}

// ListAgentLeases returns all leases for an agent, newest first.
func (s *SQLiteStore) ListAgentLeases(ctx context.Context, agentID string) ([]*Lease, error) {
	return s.queryLeases(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
}

// ListLeasesByState returns all leases in the given state.
func (s *SQLiteStore) ListLeasesByState(ctx context.Context, state LeaseState) ([]*Lease, error) {
	return s.queryLeases(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE state = ? ORDER BY created_at`, string(state))
}

func (s *SQLiteStore) queryLeases(ctx context.Context, query string, args ...any) ([]*Lease, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leases: %w", err)
	}
	defer rows.Close()

	var leases []*Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

// MarkLeaseExpired transitions ACTIVE to EXPIRED, anchoring the grace window.
func (s *SQLiteStore) MarkLeaseExpired(ctx context.Context, leaseID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET state = 'EXPIRED', expired_at = ?, updated_at = ?
		WHERE lease_id = ? AND state = 'ACTIVE'`,
		toMillis(at), toMillis(at), leaseID,
	)
	if err != nil {
		return fmt.Errorf("failed to expire lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetLease(ctx, leaseID); err != nil {
			return err
		}
		return ErrLeaseNotActive
	}
	return nil
}

// RecordLeaseUsage adds reported spend to the active tranche. The guard
// lives in the UPDATE itself so an over-budget report can never slip in
// between a read and a write.
func (s *SQLiteStore) RecordLeaseUsage(ctx context.Context, leaseID string, amount int64, at time.Time) (*Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(at)
	res, err := tx.ExecContext(ctx, `
		UPDATE leases SET budget_spent = budget_spent + ?, updated_at = ?
		WHERE lease_id = ? AND state = 'ACTIVE' AND budget_spent + ? <= budget_granted`,
		amount, now, leaseID, amount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		lease, err := s.getLease(ctx, tx, leaseID)
		if err != nil {
			return nil, err
		}
		switch {
		case lease.State.Terminal():
			return nil, ErrLeaseTerminal
		case lease.State != LeaseActive:
			return nil, ErrLeaseNotActive
		default:
			return nil, ErrLeaseBudgetExceeded
		}
	}

	lease, err := s.getLease(ctx, tx, leaseID)
	if err != nil {
		return nil, err
	}

	// A report that exactly exhausts the tranche expires the lease.
	if lease.BudgetSpent >= lease.BudgetGranted {
		_, err = tx.ExecContext(ctx, `
			UPDATE leases SET state = 'EXPIRED', expired_at = ?, updated_at = ?
			WHERE lease_id = ? AND state = 'ACTIVE'`,
			now, now, leaseID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to expire exhausted lease: %w", err)
		}
		lease.State = LeaseExpired
		lease.ExpiredAt = fromMillis(now)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return lease, nil
}

// RenewLease settles the old tranche and grants the next one atomically:
// the old reservation commits at the reported spend, the remainder
// returns to availability, and the next tranche is reserved. If the
// fresh reserve fails the whole renewal rolls back.
func (s *SQLiteStore) RenewLease(ctx context.Context, ren *Renewal) (*Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lease, err := s.getLease(ctx, tx, ren.LeaseID)
	if err != nil {
		return nil, err
	}
	if lease.State.Terminal() {
		return nil, ErrLeaseTerminal
	}
	if ren.TotalSpent < lease.BudgetSpent || ren.TotalSpent > lease.BudgetGranted {
		return nil, ErrLeaseBudgetExceeded
	}

	if err := s.commitReservationTx(ctx, tx, lease.ReservationID, ren.TotalSpent); err != nil {
		return nil, err
	}

	res := &Reservation{
		ReservationID: ren.NewReservationID,
		AgentID:       lease.AgentID,
		Amount:        ren.NextTranche,
		CreatedAt:     ren.At,
	}
	if err := s.reserveTx(ctx, tx, res); err != nil {
		return nil, err
	}

	now := toMillis(ren.At)
	_, err = tx.ExecContext(ctx, `
		UPDATE leases SET state = 'ACTIVE', reservation_id = ?, budget_granted = ?,
		                  budget_spent = 0, renewals = renewals + 1,
		                  expires_at = ?, expired_at = 0, updated_at = ?
		WHERE lease_id = ?`,
		ren.NewReservationID, ren.NextTranche, toMillis(ren.NewExpiresAt), now, ren.LeaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to renew lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.GetLease(ctx, ren.LeaseID)
}

// CloseLease settles spend and transitions to CLOSED.
func (s *SQLiteStore) CloseLease(ctx context.Context, leaseID string, at time.Time) (int64, error) {
	return s.terminateLease(ctx, leaseID, LeaseClosed, "", at)
}

// CloseLeaseIfExpired conditionally closes an EXPIRED lease whose
// grace anchor is at or before expiredBefore. A lease that renewed back
// to ACTIVE in the meantime is left alone.
func (s *SQLiteStore) CloseLeaseIfExpired(ctx context.Context, leaseID string, expiredBefore, at time.Time) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lease, err := s.getLease(ctx, tx, leaseID)
	if err != nil {
		return 0, false, err
	}
	anchor := lease.ExpiredAt
	if anchor.IsZero() {
		anchor = lease.ExpiresAt
	}
	if lease.State != LeaseExpired || anchor.After(expiredBefore) {
		return 0, false, nil
	}

	if err := s.commitReservationTx(ctx, tx, lease.ReservationID, lease.BudgetSpent); err != nil {
		return 0, false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE leases SET state = 'CLOSED', updated_at = ?
		WHERE lease_id = ? AND state = 'EXPIRED'`,
		toMillis(at), leaseID,
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to close lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return lease.BudgetGranted - lease.BudgetSpent, true, nil
}

// RevokeLease force-terminates an ACTIVE lease, recording the reason.
func (s *SQLiteStore) RevokeLease(ctx context.Context, leaseID, reason string, at time.Time) (int64, error) {
	return s.terminateLease(ctx, leaseID, LeaseRevoked, reason, at)
}

func (s *SQLiteStore) terminateLease(ctx context.Context, leaseID string, target LeaseState, reason string, at time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lease, err := s.getLease(ctx, tx, leaseID)
	if err != nil {
		return 0, err
	}
	if lease.State.Terminal() {
		return 0, ErrLeaseTerminal
	}
	if target == LeaseRevoked && lease.State != LeaseActive {
		return 0, ErrLeaseNotActive
	}

	// Spend reported so far becomes permanent; the unspent remainder of
	// the reservation returns to availability.
	if err := s.commitReservationTx(ctx, tx, lease.ReservationID, lease.BudgetSpent); err != nil {
		return 0, err
	}
	returned := lease.BudgetGranted - lease.BudgetSpent

	now := toMillis(at)
	res, err := tx.ExecContext(ctx, `
		UPDATE leases SET state = ?, revoke_reason = ?, updated_at = ?
		WHERE lease_id = ? AND state IN ('ACTIVE', 'EXPIRED')`,
		string(target), reason, now, leaseID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrLeaseTerminal
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return returned, nil
}

// CreateRequest inserts a new PENDING budget change request.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *Request) error {
	agent, err := s.GetAgent(ctx, req.AgentID)
	if err != nil {
		return err
	}
	req.CurrentBudget = agent.BudgetAllocated

	now := toMillis(req.CreatedAt)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO budget_requests (request_id, agent_id, requester_id, current_budget,
		                             requested_budget, justification, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'PENDING', ?, ?)`,
		req.RequestID, req.AgentID, req.RequesterID, req.CurrentBudget,
		req.RequestedBudget, req.Justification, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Status = RequestPending
	return nil
}

const requestColumns = `request_id, agent_id, requester_id, current_budget, requested_budget,
	justification, status, approver_id, rejection_reason, created_at, updated_at`

// GetRequest returns a budget change request by ID.
func (s *SQLiteStore) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	return s.getRequest(ctx, s.db, requestID)
}

func (s *SQLiteStore) getRequest(ctx context.Context, q querier, requestID string) (*Request, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM budget_requests WHERE request_id = ?`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return req, err
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&r.RequestID, &r.AgentID, &r.RequesterID, &r.CurrentBudget, &r.RequestedBudget,
		&r.Justification, &status, &r.ApproverID, &r.RejectionReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = RequestStatus(status)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

// ListRequests returns the requests matching the filter, newest first.
func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM budget_requests`
	var conds []string
	var args []any
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// ApproveRequest performs the three-write approval transaction. The
// status flip is a conditional update guarded by status='PENDING'; the
// affected-row count, not a prior read, decides whether this caller won
// the decision race.
func (s *SQLiteStore) ApproveRequest(ctx context.Context, requestID, approverID string, at time.Time) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	req, err := s.getRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}

	now := toMillis(at)
	upd, err := tx.ExecContext(ctx, `
		UPDATE budget_requests SET status = 'APPROVED', approver_id = ?, updated_at = ?
		WHERE request_id = ? AND status = 'PENDING'`,
		approverID, now, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update request: %w", err)
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		return nil, ErrRequestDecided
	}

	agent, err := s.getAgent(ctx, tx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if req.RequestedBudget < agent.BudgetSpent+agent.BudgetPending {
		return nil, ErrAllocationBelowSpent
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agents SET budget_allocated = ?, updated_at = ? WHERE agent_id = ?`,
		req.RequestedBudget, now, req.AgentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to raise allocation: %w", err)
	}

	if s.approveHook != nil {
		if err := s.approveHook(); err != nil {
			return nil, err
		}
	}

	entry := newHistoryEntry(req.AgentID, agent.BudgetAllocated, req.RequestedBudget,
		approverID, "budget request "+requestID+" approved", requestID, at)
	if err := appendHistoryTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	req.Status = RequestApproved
	req.ApproverID = approverID
	req.UpdatedAt = fromMillis(now)
	return req, nil
}

// RejectRequest declines a PENDING request. No budget or history mutation.
func (s *SQLiteStore) RejectRequest(ctx context.Context, requestID, approverID, reason string, at time.Time) (*Request, error) {
	return s.decideRequest(ctx, requestID, RequestRejected, approverID, reason, at)
}

// CancelRequest withdraws a PENDING request. Same no-mutation contract
// as rejection.
func (s *SQLiteStore) CancelRequest(ctx context.Context, requestID string, at time.Time) (*Request, error) {
	return s.decideRequest(ctx, requestID, RequestCancelled, "", "", at)
}

func (s *SQLiteStore) decideRequest(ctx context.Context, requestID string, status RequestStatus, approverID, reason string, at time.Time) (*Request, error) {
	now := toMillis(at)
	res, err := s.db.ExecContext(ctx, `
		UPDATE budget_requests SET status = ?, approver_id = ?, rejection_reason = ?, updated_at = ?
		WHERE request_id = ? AND status = 'PENDING'`,
		string(status), approverID, reason, now, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Zero affected rows: either the request never existed or a
		// concurrent transition already decided it.
		if _, err := s.GetRequest(ctx, requestID); err != nil {
			return nil, err
		}
		return nil, ErrRequestDecided
	}
	return s.GetRequest(ctx, requestID)
}

// ListHistory returns an agent's allocation history, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, agentID string) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, agent_id, modification_type, old_allocated, new_allocated,
		       change_amount, modifier_id, reason, related_request_id, created_at
		FROM budget_modification_history
		WHERE agent_id = ? ORDER BY created_at DESC, entry_id DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var modType string
		var createdAt int64
		if err := rows.Scan(&e.EntryID, &e.AgentID, &modType, &e.OldAllocated, &e.NewAllocated,
			&e.ChangeAmount, &e.ModifierID, &e.Reason, &e.RelatedRequestID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.Modification = ModificationType(modType)
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, e *HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO budget_modification_history
		(entry_id, agent_id, modification_type, old_allocated, new_allocated,
		 change_amount, modifier_id, reason, related_request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.AgentID, string(e.Modification), e.OldAllocated, e.NewAllocated,
		e.ChangeAmount, e.ModifierID, e.Reason, e.RelatedRequestID, toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite uniqueness error.
// The driver does not export a typed error for this, so the message is
// matched the same way the constraint name would be grepped in logs.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
