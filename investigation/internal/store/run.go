package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/inquest/dbopen"
)

// GetRun returns a run by ID, or nil if it vanished.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	return scanRun(s.DB.QueryRowContext(ctx, selectRun+`WHERE id = ?`, id))
}

// GetRunByInvestigation returns the 1:1 run of an investigation, or nil.
func (s *Store) GetRunByInvestigation(ctx context.Context, invID string) (*Run, error) {
	return scanRun(s.DB.QueryRowContext(ctx, selectRun+`WHERE investigation_id = ?`, invID))
}

const selectRun = `
	SELECT id, investigation_id, lease_owner, lease_expires_at,
	       recover_after_at, queued_at, started_at, heartbeat_at
	FROM investigation_runs `

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var owner sql.NullString
	var expires, recoverAfter, started, heartbeat sql.NullInt64
	err := row.Scan(&r.ID, &r.InvestigationID, &owner, &expires,
		&recoverAfter, &r.QueuedAt, &started, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan run: %w", err)
	}
	r.LeaseOwner = str(owner)
	r.LeaseExpiresAt = milli(expires)
	r.RecoverAfterAt = milli(recoverAfter)
	r.StartedAt = milli(started)
	r.HeartbeatAt = milli(heartbeat)
	return &r, nil
}

// ClaimLease atomically takes ownership of a run that is currently unowned
// or whose lease has expired. Exactly one concurrent claimer can succeed;
// the rest see false.
func (s *Store) ClaimLease(ctx context.Context, runID, owner string, leaseDuration time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	expires := now + leaseDuration.Milliseconds()
	res, err := dbopen.Exec(ctx, s.DB, `
		UPDATE investigation_runs
		SET lease_owner = ?, lease_expires_at = ?, recover_after_at = NULL,
		    started_at = COALESCE(started_at, ?), heartbeat_at = ?
		WHERE id = ? AND (lease_owner IS NULL OR lease_expires_at <= ?)`,
		owner, expires, now, now, runID, now,
	)
	if err != nil {
		return false, fmt.Errorf("store: claim lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Heartbeat extends the lease and bumps heartbeat_at, guarded by ownership.
// False means the lease is no longer ours (expired and reclaimed, or the
// run finished) and the caller should stop renewing.
func (s *Store) Heartbeat(ctx context.Context, runID, owner string, leaseDuration time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := dbopen.Exec(ctx, s.DB, `
		UPDATE investigation_runs
		SET lease_expires_at = ?, heartbeat_at = ?
		WHERE id = ? AND lease_owner = ?`,
		now+leaseDuration.Milliseconds(), now, runID, owner,
	)
	if err != nil {
		return false, fmt.Errorf("store: heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLease gives up an owned lease without changing investigation
// status, leaving the run in the one legal "processing without an owner"
// shape. recoverAfter guards against immediate re-claim storms: recovery
// will not touch the run before that deadline.
func (s *Store) ReleaseLease(ctx context.Context, runID, owner string, recoverAfter time.Time) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB, `
		UPDATE investigation_runs
		SET lease_owner = NULL, lease_expires_at = NULL, recover_after_at = ?
		WHERE id = ? AND lease_owner = ?`,
		recoverAfter.UnixMilli(), runID, owner,
	)
	if err != nil {
		return false, fmt.Errorf("store: release lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecoverRun forces a provably stale run back to pending: lease fields
// cleared, queued_at reset, investigation status processing → pending with
// checked_at cleared. Guarded end to end: if the run is no longer in the
// expected stale state the whole thing is a no-op returning false.
func (s *Store) RecoverRun(ctx context.Context, runID string) (bool, error) {
	now := time.Now().UnixMilli()
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE investigation_runs
			SET lease_owner = NULL, lease_expires_at = NULL, recover_after_at = NULL,
			    queued_at = ?, started_at = NULL, heartbeat_at = NULL
			WHERE id = ?
			  AND ((lease_owner IS NOT NULL AND lease_expires_at <= ?)
			    OR (lease_owner IS NULL
			        AND (recover_after_at IS NULL OR recover_after_at <= ?)))`,
			now, runID, now, now,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errLostRace
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE investigations
			SET status = ?, checked_at = NULL, updated_at = ?
			WHERE id = (SELECT investigation_id FROM investigation_runs WHERE id = ?)
			  AND status = ?`,
			StatusPending, now, runID, StatusProcessing,
		)
		return err
	})
	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: recover run: %w", err)
	}
	return true, nil
}

// RecoverableRuns lists runs of processing investigations that satisfy the
// staleness predicate, oldest heartbeat first. The recovery sweep re-checks
// each via the guarded RecoverRun, so a stale read here is harmless.
func (s *Store) RecoverableRuns(ctx context.Context, limit int) ([]*Run, error) {
	now := time.Now().UnixMilli()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT r.id, r.investigation_id, r.lease_owner, r.lease_expires_at,
		       r.recover_after_at, r.queued_at, r.started_at, r.heartbeat_at
		FROM investigation_runs r
		JOIN investigations i ON i.id = r.investigation_id
		WHERE i.status = ?
		  AND ((r.lease_owner IS NOT NULL AND r.lease_expires_at <= ?)
		    OR (r.lease_owner IS NULL
		        AND (r.recover_after_at IS NULL OR r.recover_after_at <= ?)))
		ORDER BY COALESCE(r.heartbeat_at, r.queued_at) ASC
		LIMIT ?`,
		StatusProcessing, now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recoverable runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		var owner sql.NullString
		var expires, recoverAfter, started, heartbeat sql.NullInt64
		if err := rows.Scan(&r.ID, &r.InvestigationID, &owner, &expires,
			&recoverAfter, &r.QueuedAt, &started, &heartbeat); err != nil {
			return nil, fmt.Errorf("store: scan recoverable run: %w", err)
		}
		r.LeaseOwner = str(owner)
		r.LeaseExpiresAt = milli(expires)
		r.RecoverAfterAt = milli(recoverAfter)
		r.StartedAt = milli(started)
		r.HeartbeatAt = milli(heartbeat)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
