package investigation

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/inquest/canon"
	"github.com/hazyhaar/inquest/investigation/internal/store"
	"github.com/hazyhaar/inquest/observability"
	"github.com/hazyhaar/inquest/vault"
)

// CredentialAttachment is an optional user-supplied key submitted with an
// intake request, offered to the worker that runs the investigation.
type CredentialAttachment struct {
	Secret     []byte
	Label      string
	AttachedBy string
}

// IntakeRequest is one client's demand that a post be investigated.
type IntakeRequest struct {
	Platform   string
	ExternalID string
	URL        string
	Author     string
	Popularity float64
	// Content is the post text as the client observed it. With HTML set it
	// is reduced to readable text before canonicalisation.
	Content    string
	HTML       bool
	Credential *CredentialAttachment
}

// IntakeResult is what the caller gets back. Completed investigations come
// back inline; everything else comes back as the investigation to poll.
type IntakeResult struct {
	Investigation *Investigation
	Run           *Run
	// Claims is populated when the investigation is already complete, so
	// the caller gets the answer inline instead of polling for it.
	Claims []Claim
	// Created is true for the one caller whose request actually created the
	// investigation. Concurrent duplicates converge with Created false.
	Created        bool
	KeyAttached    bool
	KeyFingerprint string
}

// InvestigateNow is the intake entry point. Any number of clients may submit
// the same post concurrently; all of them converge on one investigation per
// (post, canonical content) pair.
func (s *Service) InvestigateNow(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	if req.Platform == "" || req.ExternalID == "" {
		return nil, fmt.Errorf("%w: platform and external_id are required", ErrInvalidInput)
	}

	text := req.Content
	if req.HTML {
		extracted, err := canon.ExtractText(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		text = extracted
	}
	text = canon.Normalize(text)
	if text == "" {
		return nil, fmt.Errorf("%w: content is empty after canonicalisation", ErrInvalidInput)
	}

	post := &store.Post{
		Platform:   req.Platform,
		ExternalID: req.ExternalID,
		URL:        req.URL,
		Author:     req.Author,
		Popularity: req.Popularity,
	}
	if err := s.store.UpsertPost(ctx, post); err != nil {
		return nil, err
	}

	ver := &store.PostVersion{
		PostID:      post.ID,
		ContentHash: canon.Hash(text),
		ContentText: text,
		Provenance:  ProvenanceClientFallback,
	}
	if err := s.store.EnsureVersion(ctx, ver); err != nil {
		return nil, err
	}

	inv, run, created, err := s.admit(ctx, post, ver)
	if err != nil {
		return nil, err
	}

	res := &IntakeResult{Investigation: inv, Run: run, Created: created}

	if inv.Status == StatusComplete {
		claims, err := s.store.ClaimsFor(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		res.Claims = claims
	}

	if req.Credential != nil && run != nil && !inv.Status.Terminal() {
		if err := s.attachCredential(ctx, inv, run, req.Credential, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// admit resolves a (post, version) pair to its one investigation, creating
// and enqueueing it if nobody has yet. Shared by intake and the admission
// selector; both paths converge on the same row under any interleaving.
func (s *Service) admit(ctx context.Context, post *store.Post, ver *store.PostVersion) (*Investigation, *Run, bool, error) {
	inv, err := s.store.FindInvestigation(ctx, post.ID, ver.ContentHash)
	if err != nil {
		return nil, nil, false, err
	}

	if inv == nil {
		// Link a re-investigation of an edited post back to its completed
		// predecessor so the worker can diff claims.
		parent := ""
		prev, err := s.store.LatestInvestigationForPost(ctx, post.ID)
		if err != nil {
			return nil, nil, false, err
		}
		if prev != nil && prev.Status == StatusComplete {
			parent = prev.ID
		}

		newInv := &store.Investigation{
			PostID:                post.ID,
			VersionID:             ver.ID,
			ContentHash:           ver.ContentHash,
			Provenance:            ver.Provenance,
			ParentInvestigationID: parent,
		}
		newRun := &store.Run{}
		err = s.store.CreateInvestigation(ctx, newInv, newRun)
		switch {
		case err == nil:
			if err := s.enqueueRun(ctx, newRun); err != nil {
				return nil, nil, false, err
			}
			s.logEvent(ctx, observability.Event{
				Type:            observability.EventEnqueued,
				InvestigationID: newInv.ID,
				RunID:           newRun.ID,
				Success:         true,
			})
			return newInv, newRun, true, nil
		case store.IsUniqueViolation(err):
			// Lost the intake race; converge on whoever won.
			inv, err = s.store.FindInvestigation(ctx, post.ID, ver.ContentHash)
			if err != nil {
				return nil, nil, false, err
			}
			if inv == nil {
				return nil, nil, false, fmt.Errorf("investigation: admission race left no row for post %s", post.ID)
			}
		default:
			return nil, nil, false, err
		}
	}

	run, err := s.store.GetRunByInvestigation(ctx, inv.ID)
	if err != nil {
		return nil, nil, false, err
	}

	switch inv.Status {
	case StatusFailed:
		// Renewed demand revives a terminal failure for a fresh round of
		// attempts. Guarded; a concurrent reviver wins harmlessly.
		requeued, err := s.store.RequeueFailed(ctx, inv.ID)
		if err != nil {
			return nil, nil, false, err
		}
		if requeued {
			inv, err = s.store.GetInvestigation(ctx, inv.ID)
			if err != nil {
				return nil, nil, false, err
			}
			run, err = s.store.GetRunByInvestigation(ctx, inv.ID)
			if err != nil {
				return nil, nil, false, err
			}
			if run != nil {
				if err := s.enqueueRun(ctx, run); err != nil {
					return nil, nil, false, err
				}
			}
			s.logEvent(ctx, observability.Event{
				Type:            observability.EventEnqueued,
				InvestigationID: inv.ID,
				Details:         `{"requeued":true}`,
				Success:         true,
			})
		}
	case StatusProcessing:
		// A live worker is on it and demand converges on that work. A dead
		// worker's stale lease is another matter: recover it right here
		// instead of leaving the caller to wait out the sweeper.
		if run != nil && run.Recoverable(time.Now().UnixMilli()) {
			recovered, err := s.Recover(ctx, run.ID)
			if err != nil {
				return nil, nil, false, err
			}
			if recovered {
				inv, err = s.store.GetInvestigation(ctx, inv.ID)
				if err != nil {
					return nil, nil, false, err
				}
				if inv == nil {
					return nil, nil, false, fmt.Errorf("investigation: recovered row vanished for run %s", run.ID)
				}
				run, err = s.store.GetRunByInvestigation(ctx, inv.ID)
				if err != nil {
					return nil, nil, false, err
				}
			}
		}
	case StatusPending:
		// Pending rows should always have a queued job; re-asserting it is
		// free because enqueue is idempotent on the run ID.
		if run != nil {
			if err := s.enqueueRun(ctx, run); err != nil {
				return nil, nil, false, err
			}
		}
	}
	return inv, run, false, nil
}

// attachCredential seals and attaches the request's key to the run. The
// first credential attached wins; later callers learn the survivor's
// fingerprint so they can tell whether theirs was taken.
func (s *Service) attachCredential(ctx context.Context, inv *Investigation, run *Run, cred *CredentialAttachment, res *IntakeResult) error {
	if s.vault == nil {
		return fmt.Errorf("%w: credential attachment is not enabled", ErrInvalidInput)
	}
	box, err := s.vault.Seal(cred.Secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	meta, attached, err := s.store.AttachKeySource(ctx, run.ID, box, vault.Fingerprint(cred.Secret), cred.Label, cred.AttachedBy)
	if err != nil {
		return err
	}
	res.KeyAttached = attached
	if meta != nil {
		res.KeyFingerprint = meta.Fingerprint
	}
	if attached {
		s.logEvent(ctx, observability.Event{
			Type:            observability.EventKeyAttached,
			InvestigationID: inv.ID,
			RunID:           run.ID,
			Success:         true,
		})
	}
	return nil
}
