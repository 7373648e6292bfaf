package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Attempt outcomes recorded in the audit trail.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "retries_exhausted"
	OutcomeWillRetry = "will_retry"
)

// InsertAttemptAudit records the outcome of one execution attempt.
func (s *Store) InsertAttemptAudit(ctx context.Context, invID string, a AttemptAudit) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin audit tx: %w", err)
	}
	if err := s.txInsertAudit(ctx, tx, invID, a); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) txInsertAudit(ctx context.Context, tx *sql.Tx, invID string, a AttemptAudit) error {
	if a.ID == "" {
		a.ID = s.id("att_")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO attempt_audits
			(id, investigation_id, attempt, outcome, error_text, model_version, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, invID, a.Attempt, a.Outcome, a.ErrorText, a.ModelVersion, a.StartedAt, a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert attempt audit: %w", err)
	}
	return nil
}

// AuditsFor returns the attempt history of an investigation, oldest first.
func (s *Store) AuditsFor(ctx context.Context, invID string) ([]AttemptAudit, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, investigation_id, attempt, outcome, error_text, model_version, started_at, finished_at
		FROM attempt_audits WHERE investigation_id = ?
		ORDER BY attempt, started_at`, invID)
	if err != nil {
		return nil, fmt.Errorf("store: audits: %w", err)
	}
	defer rows.Close()

	var audits []AttemptAudit
	for rows.Next() {
		var a AttemptAudit
		if err := rows.Scan(&a.ID, &a.InvestigationID, &a.Attempt, &a.Outcome,
			&a.ErrorText, &a.ModelVersion, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}
