package lease

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/ceres/pkg/config"
	"mercator-hq/ceres/pkg/ledger/storage"
)

// Sweeper periodically expires overdue ACTIVE leases and closes
// EXPIRED leases whose renewal grace has lapsed, so abandoned leases
// return their held budget without waiting for a client call.
type Sweeper struct {
	manager *Manager
	store   storage.Store
	cfg     config.LeaseConfig
	logger  *slog.Logger
	cron    *cron.Cron
	now     func() time.Time
}

// NewSweeper creates a sweeper on the manager's store. The schedule
// comes from cfg.SweepSchedule.
func NewSweeper(manager *Manager, store storage.Store, cfg config.LeaseConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default().With("component", "lease-sweeper")
	}
	return &Sweeper{
		manager: manager,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.cfg.SweepSchedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Sweep runs one pass. It is also called directly by tests and by the
// CLI's one-shot maintenance command.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now().UTC()

	active, err := s.store.ListLeasesByState(ctx, storage.LeaseActive)
	if err != nil {
		s.logger.Error("sweep: listing active leases failed", "error", err)
		return
	}
	var expired int
	for _, l := range active {
		if now.Before(l.ExpiresAt) {
			continue
		}
		err := s.store.MarkLeaseExpired(ctx, l.LeaseID, l.ExpiresAt)
		if err != nil && !errors.Is(err, storage.ErrLeaseNotActive) {
			s.logger.Error("sweep: expiring lease failed", "lease_id", l.LeaseID, "error", err)
			continue
		}
		expired++
	}

	lapsed, err := s.store.ListLeasesByState(ctx, storage.LeaseExpired)
	if err != nil {
		s.logger.Error("sweep: listing expired leases failed", "error", err)
		return
	}
	// Grace is judged against a fixed cutoff so a lease that renewed
	// between the listing and the close is left alone.
	cutoff := now.Add(-s.cfg.RenewGrace)
	var closed int
	for _, l := range lapsed {
		returned, ok, err := s.store.CloseLeaseIfExpired(ctx, l.LeaseID, cutoff, now)
		if err != nil {
			if errors.Is(err, storage.ErrLeaseNotFound) {
				continue
			}
			s.logger.Error("sweep: closing lease failed", "lease_id", l.LeaseID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		closed++
		s.logger.Info("abandoned lease closed",
			"lease_id", l.LeaseID,
			"agent_id", l.AgentID,
			"returned", returned)
		if s.manager.metrics != nil {
			s.manager.metrics.RecordLeaseTerminated(string(storage.LeaseClosed))
		}
	}

	if expired > 0 || closed > 0 {
		s.logger.Info("sweep complete", "expired", expired, "closed", closed)
	}
}
