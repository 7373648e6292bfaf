package investigation

import (
	"context"
	"sync"
	"time"
)

// ClaimStatus is the outcome of a lease claim attempt. Every value except
// LeaseClaimed is a benign no-op for the caller.
type ClaimStatus int

const (
	// LeaseClaimed: this worker now owns the run.
	LeaseClaimed ClaimStatus = iota
	// LeaseMissing: the investigation or run no longer exists.
	LeaseMissing
	// LeaseTerminal: the investigation already finished (duplicate delivery).
	LeaseTerminal
	// LeaseHeld: another worker holds a live lease.
	LeaseHeld
)

func (c ClaimStatus) String() string {
	switch c {
	case LeaseClaimed:
		return "claimed"
	case LeaseMissing:
		return "missing"
	case LeaseTerminal:
		return "terminal"
	case LeaseHeld:
		return "lease_held"
	default:
		return "unknown"
	}
}

// TryClaimLease attempts to take ownership of a run. Only one concurrent
// claimer can get LeaseClaimed; everyone else gets a no-op status. The
// claim itself is a single guarded update; the reads around it only
// classify why a claim was impossible.
func (s *Service) TryClaimLease(ctx context.Context, runID, worker string) (ClaimStatus, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return LeaseMissing, err
	}
	if run == nil {
		return LeaseMissing, nil
	}
	inv, err := s.store.GetInvestigation(ctx, run.InvestigationID)
	if err != nil {
		return LeaseMissing, err
	}
	if inv == nil {
		return LeaseMissing, nil
	}
	if inv.Status.Terminal() {
		return LeaseTerminal, nil
	}

	ok, err := s.store.ClaimLease(ctx, runID, worker, s.cfg.LeaseDuration)
	if err != nil {
		return LeaseHeld, err
	}
	if ok {
		return LeaseClaimed, nil
	}

	// Lost the race. Distinguish a concurrent holder from a concurrent
	// deletion for the caller's logs.
	run, err = s.store.GetRun(ctx, runID)
	if err != nil {
		return LeaseHeld, err
	}
	if run == nil {
		return LeaseMissing, nil
	}
	return LeaseHeld, nil
}

// heartbeat renews a run's lease on its own schedule until stopped. Stop
// is safe to call any number of times from any exit path; the renewal
// goroutine is guaranteed gone when Stop returns.
type heartbeat struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Stop cancels renewal and waits for the loop to exit.
func (h *heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// startHeartbeat launches the lease renewal loop for a claimed run. The
// loop also exits on its own if a renewal is refused: that means the
// lease expired and someone else took over, so renewing further would be
// lying about liveness.
func (s *Service) startHeartbeat(ctx context.Context, runID, worker string) *heartbeat {
	h := &heartbeat{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := s.store.Heartbeat(ctx, runID, worker, s.cfg.LeaseDuration)
				if err != nil {
					s.logger.Warn("heartbeat write failed", "run", runID, "error", err)
					continue
				}
				if !ok {
					s.logger.Warn("lease no longer ours, stopping heartbeat",
						"run", runID, "worker", worker)
					return
				}
			}
		}
	}()
	return h
}

// Recover forces a provably stale run back to pending and re-queues its
// job. A false return means the run was not (or no longer) recoverable.
func (s *Service) Recover(ctx context.Context, runID string) (bool, error) {
	ok, err := s.store.RecoverRun(ctx, runID)
	if err != nil || !ok {
		return false, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return true, err
	}
	if run != nil {
		if err := s.enqueueRun(ctx, run); err != nil {
			return true, err
		}
	}
	return true, nil
}
