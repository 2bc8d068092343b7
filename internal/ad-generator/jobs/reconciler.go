package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/maltedev/infinityad/internal/models"
)

const reconcileBatch = 100

// StartReconciler runs Reconcile on every tick until ctx ends.
func (m *Manager) StartReconciler(ctx context.Context) {
	m.logger.Info("job reconciler started",
		"interval", m.cfg.ReconcileInterval,
		"stale_after", m.cfg.StaleAfter,
		"redispatch_after", m.cfg.RedispatchAfter)

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("job reconciler stopping")
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile fails jobs stuck in processing and resubmits jobs that have
// waited in queued too long. It returns how many of each it handled.
func (m *Manager) Reconcile(ctx context.Context) (abandoned, redispatched int) {
	now := m.now()

	stale, err := m.store.StaleProcessing(ctx, now.Add(-m.cfg.StaleAfter), reconcileBatch)
	if err != nil {
		m.logger.Error("failed to list stale jobs", "error", err)
	}
	for _, job := range stale {
		finished := m.now()
		updated, err := m.store.Transition(ctx, job.ID, models.JobStatusProcessing, models.JobStatusFailed, models.JobUpdate{
			Error:      fmt.Sprintf("job abandoned: processing exceeded %s", m.cfg.StaleAfter),
			FinishedAt: &finished,
		})
		if err != nil {
			m.logger.Warn("failed to abandon job", "job_id", job.ID, "error", err)
			continue
		}
		m.recordStatus(ctx, updated)
		m.logger.Warn("job abandoned", "job_id", job.ID, "started_at", job.StartedAt)
		abandoned++
	}

	if m.submitter == nil {
		return abandoned, 0
	}

	queued, err := m.store.QueuedBefore(ctx, now.Add(-m.cfg.RedispatchAfter), reconcileBatch)
	if err != nil {
		m.logger.Error("failed to list waiting jobs", "error", err)
	}
	for _, job := range queued {
		if err := m.submitter.Submit(ctx, job.ID); err != nil {
			m.logger.Warn("failed to redispatch job", "job_id", job.ID, "error", err)
			continue
		}
		redispatched++
	}

	if abandoned > 0 || redispatched > 0 {
		m.logger.Info("reconciled jobs", "abandoned", abandoned, "redispatched", redispatched)
	}
	return abandoned, redispatched
}
