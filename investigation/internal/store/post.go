package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertPost inserts or refreshes a post keyed by (platform, external_id)
// and fills in the canonical row ID.
func (s *Store) UpsertPost(ctx context.Context, p *Post) error {
	now := time.Now().UnixMilli()
	if p.ID == "" {
		p.ID = s.id("post_")
	}
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO posts (id, platform, external_id, url, author, popularity, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (platform, external_id) DO UPDATE SET
			url        = excluded.url,
			author     = excluded.author,
			popularity = MAX(posts.popularity, excluded.popularity),
			updated_at = excluded.updated_at
		RETURNING id, created_at`,
		p.ID, p.Platform, p.ExternalID, p.URL, p.Author, p.Popularity, now, now,
	)
	if err := row.Scan(&p.ID, &p.CreatedAt); err != nil {
		return fmt.Errorf("store: upsert post: %w", err)
	}
	p.UpdatedAt = now
	return nil
}

// EnsureVersion inserts a content version if this (post, hash) pair is new,
// otherwise resolves to the existing row. The version ID in v is replaced
// with the canonical one either way.
func (s *Store) EnsureVersion(ctx context.Context, v *PostVersion) error {
	if v.ID == "" {
		v.ID = s.id("ver_")
	}
	if v.FetchedAt == 0 {
		v.FetchedAt = time.Now().UnixMilli()
	}
	if v.Provenance == "" {
		v.Provenance = ProvenanceClientFallback
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO post_versions (id, post_id, content_hash, content_text, provenance, fetched_at)
		VALUES (?,?,?,?,?,?)`,
		v.ID, v.PostID, v.ContentHash, v.ContentText, v.Provenance, v.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("store: ensure version: %w", err)
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT id, provenance, fetched_at FROM post_versions
		WHERE post_id = ? AND content_hash = ?`,
		v.PostID, v.ContentHash,
	)
	if err := row.Scan(&v.ID, &v.Provenance, &v.FetchedAt); err != nil {
		return fmt.Errorf("store: resolve version: %w", err)
	}
	return nil
}

// GetVersion returns a version by ID, or nil if it no longer exists.
func (s *Store) GetVersion(ctx context.Context, id string) (*PostVersion, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, post_id, content_hash, content_text, provenance, fetched_at
		FROM post_versions WHERE id = ?`, id)
	return scanVersion(row)
}

// LatestVersion returns the most recently fetched version of a post, or nil.
func (s *Store) LatestVersion(ctx context.Context, postID string) (*PostVersion, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, post_id, content_hash, content_text, provenance, fetched_at
		FROM post_versions WHERE post_id = ?
		ORDER BY fetched_at DESC LIMIT 1`, postID)
	return scanVersion(row)
}

// GetPost returns a post by ID, or nil.
func (s *Store) GetPost(ctx context.Context, id string) (*Post, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, platform, external_id, url, author, popularity, created_at, updated_at
		FROM posts WHERE id = ?`, id)
	var p Post
	err := row.Scan(&p.ID, &p.Platform, &p.ExternalID, &p.URL, &p.Author,
		&p.Popularity, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get post: %w", err)
	}
	return &p, nil
}

func scanVersion(row *sql.Row) (*PostVersion, error) {
	var v PostVersion
	err := row.Scan(&v.ID, &v.PostID, &v.ContentHash, &v.ContentText, &v.Provenance, &v.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan version: %w", err)
	}
	return &v, nil
}
