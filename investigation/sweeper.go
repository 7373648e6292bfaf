package investigation

import (
	"context"
	"time"

	"github.com/hazyhaar/inquest/observability"
)

// runSweeper is the lease recovery loop: every SweepInterval it hunts for
// provably stale runs and forces them back to pending.
func (s *Service) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sweepOnce(ctx)
			if err != nil {
				s.logger.Warn("recovery sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("recovery sweep", "recovered", n)
			}
		}
	}
}

// sweepOnce recovers up to SweepBatch stale runs. Each recovery is its own
// guarded update, so concurrent sweepers split the batch instead of
// double-recovering anything.
func (s *Service) sweepOnce(ctx context.Context) (int, error) {
	runs, err := s.store.RecoverableRuns(ctx, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, r := range runs {
		ok, err := s.Recover(ctx, r.ID)
		if err != nil {
			s.logger.Warn("run recovery failed", "run", r.ID, "error", err)
			continue
		}
		if !ok {
			// Another sweeper got it, or a worker heartbeat revived it
			// between the listing and the guarded update. Both fine.
			continue
		}
		recovered++
		s.logEvent(ctx, observability.Event{
			Type:            observability.EventRecovered,
			InvestigationID: r.InvestigationID,
			RunID:           r.ID,
			Success:         true,
		})
		s.logger.Info("recovered stale run",
			"run", r.ID, "investigation", r.InvestigationID, "prior_owner", r.LeaseOwner)
	}
	return recovered, nil
}
