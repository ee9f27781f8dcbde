package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes journal entries older than the retention period on a
// cron schedule.
type Pruner struct {
	journal   *Journal
	retention time.Duration
	schedule  string
	logger    *slog.Logger
	cron      *cron.Cron
	now       func() time.Time
}

// NewPruner creates a pruner keeping retentionDays of history.
func NewPruner(journal *Journal, retentionDays int, schedule string, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default().With("component", "audit-retention")
	}
	return &Pruner{
		journal:   journal,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  schedule,
		logger:    logger,
		cron:      cron.New(),
		now:       time.Now,
	}
}

// Start schedules pruning.
func (p *Pruner) Start() error {
	_, err := p.cron.AddFunc(p.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		p.Prune(ctx)
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("retention pruner started", "schedule", p.schedule, "retention", p.retention)
	return nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}

// Prune runs one pass.
func (p *Pruner) Prune(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.journal.Prune(ctx, cutoff)
	if err != nil {
		p.logger.Error("retention prune failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("retention prune complete", "deleted", n, "cutoff", cutoff)
	}
}
