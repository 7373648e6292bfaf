package investigation

import (
	"context"
	"time"

	"github.com/hazyhaar/inquest/canon"
	"github.com/hazyhaar/inquest/investigation/internal/store"
)

// runSelector is the admission selector loop: every SelectorInterval it
// sweeps for posts whose latest content has no live investigation and
// admits up to SelectorBudget of them.
func (s *Service) runSelector(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SelectorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.selectOnce(ctx)
			if err != nil {
				s.logger.Warn("admission sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("admission sweep", "admitted", n)
			}
		}
	}
}

// selectOnce runs one admission sweep. When a refetcher is configured and a
// candidate's text is only client-observed, the selector re-fetches the
// canonical content from the origin first; the verified text supersedes the
// client's copy, possibly under a different content hash.
func (s *Service) selectOnce(ctx context.Context) (int, error) {
	cands, err := s.store.Candidates(ctx, s.cfg.SelectorBudget)
	if err != nil {
		return 0, err
	}

	admitted := 0
	for _, c := range cands {
		post, ver := c.Post, c.Version

		if s.refetch != nil && post.URL != "" && ver.Provenance != ProvenanceServerVerified {
			if verified := s.verifyContent(ctx, &post, &ver); verified != nil {
				ver = *verified
			}
		}

		_, _, created, err := s.admit(ctx, &post, &ver)
		if err != nil {
			s.logger.Warn("candidate admission failed", "post", post.ID, "error", err)
			continue
		}
		if created {
			admitted++
		}
	}
	return admitted, nil
}

// verifyContent re-fetches a post's content from the origin platform and
// records it as a server-verified version. Returns nil on any trouble; the
// client-observed version stays good enough to investigate.
func (s *Service) verifyContent(ctx context.Context, post *store.Post, ver *store.PostVersion) *store.PostVersion {
	text, err := s.refetch.Fetch(ctx, post.URL)
	if err != nil {
		s.logger.Debug("content refetch failed, using client text",
			"post", post.ID, "url", post.URL, "error", err)
		return nil
	}
	text = canon.Normalize(text)
	if text == "" {
		return nil
	}
	verified := &store.PostVersion{
		PostID:      post.ID,
		ContentHash: canon.Hash(text),
		ContentText: text,
		Provenance:  ProvenanceServerVerified,
	}
	if err := s.store.EnsureVersion(ctx, verified); err != nil {
		s.logger.Warn("verified version write failed", "post", post.ID, "error", err)
		return nil
	}
	return verified
}
