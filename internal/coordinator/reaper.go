package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/run"
	"github.com/droverhq/drover/internal/session"
)

// RunReaper is the background lifecycle sweep: worker staleness and
// removal, no-match expiry for demanding runs, and the terminal-run audit
// purge. Blocks until ctx is cancelled.
func (s *Service) RunReaper(ctx context.Context) error {
	interval := s.cfg.Queue.ReaperInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Lifecycle reaper started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Lifecycle reaper stopped")
			return nil
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

// reapOnce performs one sweep pass.
func (s *Service) reapOnce(ctx context.Context) {
	staled, removed := s.workers.Sweep(
		s.cfg.Workers.StaleAfterDuration(),
		s.cfg.Workers.RemoveAfterDuration(),
	)
	for _, w := range staled {
		s.publish(events.WorkerStale, map[string]interface{}{"worker": w})
	}
	for _, w := range removed {
		s.blueprints.ReleaseOwned(w.ID)
		s.stopq.Forget(w.ID)

		for _, r := range s.queue.FailWorkerRuns(w.ID) {
			s.publishRun(r)
			s.finalizeRun(ctx, r, session.StatusFailed, true, run.ErrWorkerLost)
		}
		s.publish(events.WorkerRemoved, map[string]interface{}{"worker": w})
	}

	for _, r := range s.queue.ExpireNoMatch(time.Now()) {
		s.logger.Warn("Run expired with no eligible worker",
			zap.String("run_id", r.ID),
			zap.String("session_id", r.SessionID))
		s.publishRun(r)
		s.finalizeRun(ctx, r, session.StatusFailed, true, run.ErrNoEligibleWorker)
	}

	s.queue.Sweep(time.Now())
}
