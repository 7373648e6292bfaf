package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/inquest/dbopen"
)

// errLostRace aborts a guarded transaction whose CAS predicate matched zero
// rows. It never escapes this package: callers see (false, nil).
var errLostRace = errors.New("store: guarded update lost its race")

// CreateInvestigation inserts an investigation and its run in one
// transaction. On a UNIQUE collision for (post_id, content_hash) it returns
// an error satisfying IsUniqueViolation; the caller re-reads the winner.
func (s *Store) CreateInvestigation(ctx context.Context, inv *Investigation, run *Run) error {
	now := time.Now().UnixMilli()
	if inv.ID == "" {
		inv.ID = s.id("inv_")
	}
	if run.ID == "" {
		run.ID = s.id("run_")
	}
	if inv.Status == "" {
		inv.Status = StatusPending
	}
	inv.CreatedAt, inv.UpdatedAt = now, now
	run.InvestigationID = inv.ID
	if run.QueuedAt == 0 {
		run.QueuedAt = now
	}

	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO investigations (
				id, post_id, version_id, content_hash, status, provenance,
				checked_at, parent_investigation_id, model_version, last_error,
				created_at, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			inv.ID, inv.PostID, inv.VersionID, inv.ContentHash, inv.Status, inv.Provenance,
			nullMilli(inv.CheckedAt), nullStr(inv.ParentInvestigationID),
			inv.ModelVersion, inv.LastError, inv.CreatedAt, inv.UpdatedAt,
		)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO investigation_runs (id, investigation_id, queued_at)
			VALUES (?,?,?)`,
			run.ID, run.InvestigationID, run.QueuedAt,
		)
		return err
	})
}

// GetInvestigation returns an investigation by ID, or nil if it vanished.
func (s *Store) GetInvestigation(ctx context.Context, id string) (*Investigation, error) {
	return s.scanInvestigation(s.DB.QueryRowContext(ctx, selectInvestigation+`WHERE id = ?`, id))
}

// FindInvestigation returns the investigation for (post, content hash), or nil.
func (s *Store) FindInvestigation(ctx context.Context, postID, contentHash string) (*Investigation, error) {
	return s.scanInvestigation(s.DB.QueryRowContext(ctx,
		selectInvestigation+`WHERE post_id = ? AND content_hash = ?`, postID, contentHash))
}

// LatestInvestigationForPost returns the newest investigation for a post
// regardless of content hash, or nil. Used to link a re-investigation of an
// edited post back to its predecessor.
func (s *Store) LatestInvestigationForPost(ctx context.Context, postID string) (*Investigation, error) {
	return s.scanInvestigation(s.DB.QueryRowContext(ctx,
		selectInvestigation+`WHERE post_id = ? ORDER BY created_at DESC LIMIT 1`, postID))
}

const selectInvestigation = `
	SELECT id, post_id, version_id, content_hash, status, provenance,
	       checked_at, parent_investigation_id, model_version, last_error,
	       created_at, updated_at
	FROM investigations `

func (s *Store) scanInvestigation(row *sql.Row) (*Investigation, error) {
	var inv Investigation
	var checkedAt sql.NullInt64
	var parent sql.NullString
	err := row.Scan(&inv.ID, &inv.PostID, &inv.VersionID, &inv.ContentHash,
		&inv.Status, &inv.Provenance, &checkedAt, &parent,
		&inv.ModelVersion, &inv.LastError, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan investigation: %w", err)
	}
	inv.CheckedAt = milli(checkedAt)
	inv.ParentInvestigationID = str(parent)
	return &inv, nil
}

// MarkProcessing flips pending → processing. Idempotent at the caller
// level: zero rows affected means the row already moved on, which is fine.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB, `
		UPDATE investigations SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusProcessing, time.Now().UnixMilli(), id, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("store: mark processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueFailed revives a failed investigation: status back to pending,
// checked_at cleared, lease fields wiped, queued_at reset. Guarded on
// status = failed; returns false if someone else already moved it.
func (s *Store) RequeueFailed(ctx context.Context, id string) (bool, error) {
	now := time.Now().UnixMilli()
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE investigations
			SET status = ?, checked_at = NULL, last_error = '', updated_at = ?
			WHERE id = ? AND status = ?`,
			StatusPending, now, id, StatusFailed,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errLostRace
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE investigation_runs
			SET lease_owner = NULL, lease_expires_at = NULL, recover_after_at = NULL,
			    queued_at = ?, started_at = NULL, heartbeat_at = NULL
			WHERE investigation_id = ?`,
			now, id,
		)
		return err
	})
	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: requeue failed: %w", err)
	}
	return true, nil
}

// CompleteParams carries everything a successful commit writes atomically.
type CompleteParams struct {
	InvestigationID string
	RunID           string
	ModelVersion    string
	Claims          []Claim
	Audit           AttemptAudit
}

// Complete performs the guarded success commit: processing → complete plus
// claims, sources, the attempt audit, lease release, and key-source
// consumption, all in one transaction. If the status guard matches zero
// rows the whole unit is discarded and (false, nil) is returned: another
// worker or a recovery pass already moved the investigation on, and this
// result must not overwrite theirs.
func (s *Store) Complete(ctx context.Context, p CompleteParams) (bool, error) {
	now := time.Now().UnixMilli()
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE investigations
			SET status = ?, checked_at = ?, model_version = ?, last_error = '', updated_at = ?
			WHERE id = ? AND status = ?`,
			StatusComplete, now, p.ModelVersion, now, p.InvestigationID, StatusProcessing,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errLostRace
		}

		for i := range p.Claims {
			c := &p.Claims[i]
			if c.ID == "" {
				c.ID = s.id("clm_")
			}
			c.InvestigationID = p.InvestigationID
			c.CreatedAt = now
			_, err := tx.ExecContext(ctx, `
				INSERT INTO claims (id, investigation_id, claim_text, verdict, confidence, created_at)
				VALUES (?,?,?,?,?,?)`,
				c.ID, c.InvestigationID, c.Text, c.Verdict, c.Confidence, c.CreatedAt,
			)
			if err != nil {
				return err
			}
			for j := range c.Sources {
				src := &c.Sources[j]
				if src.ID == "" {
					src.ID = s.id("src_")
				}
				src.ClaimID = c.ID
				_, err := tx.ExecContext(ctx, `
					INSERT INTO claim_sources (id, claim_id, url, title, quote)
					VALUES (?,?,?,?,?)`,
					src.ID, src.ClaimID, src.URL, src.Title, src.Quote,
				)
				if err != nil {
					return err
				}
			}
		}

		if err := s.txInsertAudit(ctx, tx, p.InvestigationID, p.Audit); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE investigation_runs
			SET lease_owner = NULL, lease_expires_at = NULL, recover_after_at = NULL
			WHERE id = ?`, p.RunID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE key_sources SET consumed_at = ? WHERE run_id = ? AND consumed_at IS NULL`,
			now, p.RunID,
		)
		return err
	})
	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: complete: %w", err)
	}
	return true, nil
}

// Fail performs the guarded terminal-failure commit: processing → failed
// plus the attempt audit and lease release. (false, nil) on a lost race,
// same contract as Complete.
func (s *Store) Fail(ctx context.Context, invID, runID, errText string, audit AttemptAudit) (bool, error) {
	now := time.Now().UnixMilli()
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE investigations SET status = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			StatusFailed, errText, now, invID, StatusProcessing,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errLostRace
		}
		if err := s.txInsertAudit(ctx, tx, invID, audit); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE investigation_runs
			SET lease_owner = NULL, lease_expires_at = NULL, recover_after_at = NULL
			WHERE id = ?`, runID)
		return err
	})
	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: fail: %w", err)
	}
	return true, nil
}

// ClaimsFor returns all claims of an investigation with their sources.
func (s *Store) ClaimsFor(ctx context.Context, invID string) ([]Claim, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, investigation_id, claim_text, verdict, confidence, created_at
		FROM claims WHERE investigation_id = ? ORDER BY created_at, id`, invID)
	if err != nil {
		return nil, fmt.Errorf("store: claims: %w", err)
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.ID, &c.InvestigationID, &c.Text, &c.Verdict, &c.Confidence, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range claims {
		srcRows, err := s.DB.QueryContext(ctx, `
			SELECT id, claim_id, url, title, quote
			FROM claim_sources WHERE claim_id = ? ORDER BY id`, claims[i].ID)
		if err != nil {
			return nil, fmt.Errorf("store: claim sources: %w", err)
		}
		for srcRows.Next() {
			var src ClaimSource
			if err := srcRows.Scan(&src.ID, &src.ClaimID, &src.URL, &src.Title, &src.Quote); err != nil {
				srcRows.Close()
				return nil, fmt.Errorf("store: scan claim source: %w", err)
			}
			claims[i].Sources = append(claims[i].Sources, src)
		}
		if err := srcRows.Err(); err != nil {
			srcRows.Close()
			return nil, err
		}
		srcRows.Close()
	}
	return claims, nil
}
