package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AttachKeySource attaches an encrypted credential to a run. The PRIMARY
// KEY on run_id makes the first submitted credential win; later attempts
// change nothing. The returned metadata always describes the surviving
// credential, whichever caller attached it.
func (s *Store) AttachKeySource(ctx context.Context, runID string, ciphertext []byte, fingerprint, label, attachedBy string) (*KeySource, bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO key_sources
			(run_id, ciphertext, fingerprint, label, attached_by, attached_at)
		VALUES (?,?,?,?,?,?)`,
		runID, ciphertext, fingerprint, label, attachedBy, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("store: attach key source: %w", err)
	}
	n, _ := res.RowsAffected()

	meta, err := s.GetKeySource(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	return meta, n > 0, nil
}

// GetKeySource returns the metadata of a run's credential, never the
// ciphertext, or nil when no credential is attached.
func (s *Store) GetKeySource(ctx context.Context, runID string) (*KeySource, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT run_id, fingerprint, label, attached_by, attached_at, consumed_at
		FROM key_sources WHERE run_id = ?`, runID)
	var ks KeySource
	var consumed sql.NullInt64
	err := row.Scan(&ks.RunID, &ks.Fingerprint, &ks.Label, &ks.AttachedBy, &ks.AttachedAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get key source: %w", err)
	}
	ks.ConsumedAt = milli(consumed)
	return &ks, nil
}

// KeySourceCiphertext returns the sealed credential for the worker that
// holds the run's lease, or nil when none is attached or it was already
// consumed.
func (s *Store) KeySourceCiphertext(ctx context.Context, runID string) ([]byte, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT ciphertext FROM key_sources
		WHERE run_id = ? AND consumed_at IS NULL`, runID)
	var ct []byte
	err := row.Scan(&ct)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: key source ciphertext: %w", err)
	}
	return ct, nil
}
