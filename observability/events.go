// Package observability records the investigation lifecycle for dashboards
// and postmortems: business events (claimed, recovered, completed, failed)
// and worker liveness heartbeats, with retention cleanup.
//
// Everything here is best-effort by contract: a failing observability write
// is logged via slog and swallowed, never propagated into the orchestrator.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/inquest/idgen"
)

// Event is a domain-level lifecycle event to record.
type Event struct {
	Type            string
	InvestigationID string
	RunID           string
	Worker          string
	Details         string // optional JSON
	Success         bool
}

// Lifecycle event types emitted by the orchestrator.
const (
	EventEnqueued    = "investigation.enqueued"
	EventLeaseClaim  = "investigation.lease_claimed"
	EventRecovered   = "investigation.recovered"
	EventCompleted   = "investigation.completed"
	EventFailed      = "investigation.failed"
	EventRetryLater  = "investigation.retry_scheduled"
	EventKeyAttached = "investigation.key_attached"
)

// EventLogger writes lifecycle events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Init applies the observability schema.
func (l *EventLogger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, Schema)
	return err
}

// Log records a lifecycle event. Non-blocking: errors are logged via slog
// but do not propagate, so a failing observability store never blocks a job.
func (l *EventLogger) Log(ctx context.Context, event Event) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO investigation_events (
			event_id, event_type, investigation_id, run_id,
			worker, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), event.Type, event.InvestigationID, event.RunID,
		event.Worker, event.Details, event.Success, time.Now().UnixMilli())
	if err != nil {
		slog.Error("observability: event log failed", "error", err, "event_type", event.Type)
	}
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	EventsDays     int
	HeartbeatsDays int
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().UnixMilli()
	targets := []struct {
		table  string
		column string
		days   int
	}{
		{"investigation_events", "created_at", cfg.EventsDays},
		{"worker_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days)*86_400_000
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("observability: cleanup %s: %w", t.table, err)
		}
	}
	return nil
}
