package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/recvault/backend/internal/metrics"
	"github.com/recvault/backend/internal/models"
)

// Reclaimer is the queue surface the auditor sweeps.
type Reclaimer interface {
	ReclaimStuck(ctx context.Context, deadline time.Duration) (int, error)
	Reconcile(ctx context.Context, settle time.Duration) (int, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// Auditor periodically returns items orphaned in processing to the queue.
type Auditor struct {
	queue    Reclaimer
	interval time.Duration
	deadline time.Duration
	logger   *zap.Logger
}

// NewAuditor creates an auditor sweeping every interval for items processing longer than deadline.
func NewAuditor(q Reclaimer, interval, deadline time.Duration, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Auditor{queue: q, interval: interval, deadline: deadline, logger: logger}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (a *Auditor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.logger.Info("stuck-item auditor started",
		zap.Duration("interval", a.interval),
		zap.Duration("liveness_deadline", a.deadline))
	for {
		a.Sweep(ctx)
		select {
		case <-ctx.Done():
			a.logger.Info("stuck-item auditor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep reclaims stuck items, repairs recordings stranded without an active item and refreshes
// the queue gauges. It returns the number reclaimed.
func (a *Auditor) Sweep(ctx context.Context) int {
	n, err := a.queue.ReclaimStuck(ctx, a.deadline)
	if err != nil && ctx.Err() == nil {
		a.logger.Error("reclaim stuck uploads failed", zap.Error(err))
	}
	metrics.AddReclaimed(n)
	if n > 0 {
		a.logger.Info("stuck uploads reclaimed", zap.Int("count", n))
	} else {
		a.logger.Debug("no stuck uploads")
	}

	repaired, err := a.queue.Reconcile(ctx, a.deadline)
	if err != nil && ctx.Err() == nil {
		a.logger.Error("reconcile stranded recordings failed", zap.Error(err))
	}
	metrics.AddReconciled(repaired)
	if repaired > 0 {
		a.logger.Info("stranded recordings repaired", zap.Int("count", repaired))
	}

	stats, err := a.queue.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("queue stats failed", zap.Error(err))
		}
		return n
	}
	metrics.SetQueueStats(stats)
	return n
}
