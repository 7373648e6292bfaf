package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/inquest/investigation/internal/store"
	"github.com/hazyhaar/inquest/jobq"
	"github.com/hazyhaar/inquest/observability"
)

// jobPayload is the queue message. The job ID is the run ID, so converging
// enqueue paths collapse in the queue too.
type jobPayload struct {
	InvestigationID string `json:"investigation_id"`
	RunID           string `json:"run_id"`
}

// enqueueRun requests delivery of a run's job. Idempotent: an already
// queued run stays queued once.
func (s *Service) enqueueRun(ctx context.Context, run *Run) error {
	payload, err := json.Marshal(jobPayload{
		InvestigationID: run.InvestigationID,
		RunID:           run.ID,
	})
	if err != nil {
		return fmt.Errorf("investigation: marshal job: %w", err)
	}
	return s.queue.Enqueue(ctx, run.ID, payload)
}

// HandleJob is the queue consumer entry point: the worker executor state
// machine. It returns an error only on the transient-retry path, which is
// the signal for the queue to redeliver with backoff. Every other outcome,
// lost races and vanished rows included, is fully handled here.
func (s *Service) HandleJob(ctx context.Context, job *jobq.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		s.logger.Error("dropping undecodable job", "id", job.ID, "error", err)
		return nil
	}

	claim, err := s.TryClaimLease(ctx, p.RunID, s.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("investigation: claim lease: %w", err)
	}
	if claim != LeaseClaimed {
		s.logger.Debug("skipping job", "run", p.RunID, "reason", claim.String())
		return nil
	}
	s.logEvent(ctx, observability.Event{
		Type:            observability.EventLeaseClaim,
		InvestigationID: p.InvestigationID,
		RunID:           p.RunID,
		Success:         true,
	})

	// The heartbeat runs for the full duration of the investigator call and
	// is cancelled exactly once, on every exit path, by this defer.
	hb := s.startHeartbeat(ctx, p.RunID, s.cfg.WorkerID)
	defer hb.Stop()

	inv, err := s.store.GetInvestigation(ctx, p.InvestigationID)
	if err != nil {
		return fmt.Errorf("investigation: load: %w", err)
	}
	if inv == nil {
		s.logger.Info("investigation vanished, dropping job", "id", p.InvestigationID)
		return nil
	}

	if inv.Status == StatusPending {
		if _, err := s.store.MarkProcessing(ctx, inv.ID); err != nil {
			return fmt.Errorf("investigation: mark processing: %w", err)
		}
		inv.Status = StatusProcessing
	}

	started := time.Now()
	isLast := job.IsLastAttempt(s.cfg.MaxAttempts)

	input, err := s.buildInput(ctx, inv, p.RunID)
	if err != nil {
		return s.handleFailure(ctx, inv, p.RunID, job.Attempts, isLast, started, err)
	}

	result, err := s.investigator.Investigate(ctx, input)
	if err != nil {
		return s.handleFailure(ctx, inv, p.RunID, job.Attempts, isLast, started, err)
	}

	committed, err := s.store.Complete(ctx, store.CompleteParams{
		InvestigationID: inv.ID,
		RunID:           p.RunID,
		ModelVersion:    result.ModelVersion,
		Claims:          result.Claims,
		Audit: AttemptAudit{
			Attempt:      job.Attempts,
			Outcome:      store.OutcomeCompleted,
			ModelVersion: result.ModelVersion,
			StartedAt:    started.UnixMilli(),
			FinishedAt:   time.Now().UnixMilli(),
		},
	})
	if err != nil {
		// Store trouble, not a model verdict: let the queue redeliver.
		// The held lease expires on its own and becomes recoverable.
		return fmt.Errorf("investigation: commit: %w", err)
	}
	if !committed {
		// Someone else moved the investigation on while we worked. Their
		// state wins; this result is discarded, nothing was written.
		s.logger.Info("commit lost its race, discarding result",
			"investigation", inv.ID, "run", p.RunID)
		return nil
	}

	s.logEvent(ctx, observability.Event{
		Type:            observability.EventCompleted,
		InvestigationID: inv.ID,
		RunID:           p.RunID,
		Success:         true,
	})
	s.logger.Info("investigation complete",
		"investigation", inv.ID, "claims", len(result.Claims), "attempt", job.Attempts)
	return nil
}

// buildInput assembles the investigator input from the post version, the
// parent investigation's claims, and any attached credential.
func (s *Service) buildInput(ctx context.Context, inv *Investigation, runID string) (*Input, error) {
	ver, err := s.store.GetVersion(ctx, inv.VersionID)
	if err != nil {
		return nil, err
	}
	if ver == nil {
		return nil, NonRetryable(fmt.Errorf("content version %s is gone", inv.VersionID))
	}
	post, err := s.store.GetPost(ctx, inv.PostID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, NonRetryable(fmt.Errorf("post %s is gone", inv.PostID))
	}

	in := &Input{
		InvestigationID: inv.ID,
		Post:            *post,
		Content:         ver.ContentText,
		ContentHash:     ver.ContentHash,
		Provenance:      ver.Provenance,
	}

	if inv.ParentInvestigationID != "" {
		prior, err := s.store.ClaimsFor(ctx, inv.ParentInvestigationID)
		if err != nil {
			return nil, err
		}
		in.PriorClaims = prior
	}

	if s.vault != nil {
		ct, err := s.store.KeySourceCiphertext(ctx, runID)
		if err != nil {
			return nil, err
		}
		if ct != nil {
			cred, err := s.vault.Open(ct)
			if err != nil {
				// A credential we can't decrypt is worse than none; run
				// without it rather than fail the job.
				s.logger.Warn("attached credential unreadable, ignoring",
					"run", runID, "error", err)
			} else {
				in.Credential = cred
			}
		}
	}
	return in, nil
}

// handleFailure routes a failed attempt through the retry classifier.
// Only the RetryLater branch returns an error; that error is the queue's
// cue to redeliver with backoff.
func (s *Service) handleFailure(ctx context.Context, inv *Investigation, runID string, attempt int, isLast bool, started time.Time, cause error) error {
	// The investigation may have been deleted while we worked.
	cur, err := s.store.GetInvestigation(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("investigation: reload after failure: %w", err)
	}
	if cur == nil {
		s.logger.Info("investigation vanished during failure handling", "id", inv.ID)
		return nil
	}

	audit := AttemptAudit{
		Attempt:    attempt,
		ErrorText:  cause.Error(),
		StartedAt:  started.UnixMilli(),
		FinishedAt: time.Now().UnixMilli(),
	}

	switch classify(cause, isLast) {
	case FailNow, FailExhausted:
		if kindOf(cause) == FailureNonRetryable {
			audit.Outcome = store.OutcomeFailed
		} else {
			audit.Outcome = store.OutcomeExhausted
		}
		failed, err := s.store.Fail(ctx, inv.ID, runID, cause.Error(), audit)
		if err != nil {
			return fmt.Errorf("investigation: record failure: %w", err)
		}
		if !failed {
			s.logger.Info("failure commit lost its race, discarding",
				"investigation", inv.ID)
			return nil
		}
		s.logEvent(ctx, observability.Event{
			Type:            observability.EventFailed,
			InvestigationID: inv.ID,
			RunID:           runID,
			Details:         audit.Outcome,
			Success:         false,
		})
		s.logger.Warn("investigation failed",
			"investigation", inv.ID, "attempt", attempt, "outcome", audit.Outcome, "error", cause)
		return nil

	default: // RetryLater
		audit.Outcome = store.OutcomeWillRetry
		if err := s.store.InsertAttemptAudit(ctx, inv.ID, audit); err != nil {
			s.logger.Warn("attempt audit write failed", "investigation", inv.ID, "error", err)
		}
		// Release the lease but leave status processing: the one legal
		// ownerless-processing shape, exactly what recovery watches for if
		// the queue's redelivery never lands.
		recoverAfter := time.Now().Add(s.cfg.RecoverCooldown)
		if _, err := s.store.ReleaseLease(ctx, runID, s.cfg.WorkerID, recoverAfter); err != nil {
			s.logger.Warn("lease release failed", "run", runID, "error", err)
		}
		s.logEvent(ctx, observability.Event{
			Type:            observability.EventRetryLater,
			InvestigationID: inv.ID,
			RunID:           runID,
			Success:         false,
		})
		return fmt.Errorf("investigation %s attempt %d: %w", inv.ID, attempt, cause)
	}
}
