package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Candidates returns posts whose latest content version needs
// (re)investigation, highest popularity first, capped at budget. A post
// qualifies when its latest version has no investigation at its exact
// content hash, has one still pending, or has one processing whose run is
// recoverable. Failed and complete investigations are not candidates; only
// an intake call revives a failed one.
func (s *Store) Candidates(ctx context.Context, budget int) ([]Candidate, error) {
	now := time.Now().UnixMilli()

	latest := `v.fetched_at = (SELECT MAX(fetched_at) FROM post_versions WHERE post_id = p.id)`
	recoverable := sq.Or{
		sq.Expr(`r.lease_owner IS NOT NULL AND r.lease_expires_at <= ?`, now),
		sq.Expr(`r.lease_owner IS NULL AND (r.recover_after_at IS NULL OR r.recover_after_at <= ?)`, now),
	}

	query := sq.Select(
		"p.id", "p.platform", "p.external_id", "p.url", "p.author",
		"p.popularity", "p.created_at", "p.updated_at",
		"v.id", "v.content_hash", "v.content_text", "v.provenance", "v.fetched_at",
	).
		From("posts p").
		Join("post_versions v ON v.post_id = p.id AND " + latest).
		LeftJoin("investigations i ON i.post_id = p.id AND i.content_hash = v.content_hash").
		LeftJoin("investigation_runs r ON r.investigation_id = i.id").
		Where(sq.Or{
			sq.Expr(`i.id IS NULL`),
			sq.Eq{"i.status": StatusPending},
			sq.And{sq.Eq{"i.status": StatusProcessing}, recoverable},
		}).
		OrderBy("p.popularity DESC", "p.created_at ASC").
		Limit(uint64(budget))

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build candidate query: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("store: candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(
			&c.Post.ID, &c.Post.Platform, &c.Post.ExternalID, &c.Post.URL, &c.Post.Author,
			&c.Post.Popularity, &c.Post.CreatedAt, &c.Post.UpdatedAt,
			&c.Version.ID, &c.Version.ContentHash, &c.Version.ContentText,
			&c.Version.Provenance, &c.Version.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan candidate: %w", err)
		}
		c.Version.PostID = c.Post.ID
		out = append(out, c)
	}
	return out, rows.Err()
}
