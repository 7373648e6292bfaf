// Package jobq implements the at-least-once delivery queue that feeds
// investigation jobs to workers, backed by SQLite visibility timeouts.
//
// A claimed job is invisible to other consumers for a configurable duration.
// If the holder finishes it calls Done; if processing should be retried it
// calls Retry with a delay; if the holder crashes the job simply becomes
// visible again when the timeout lapses. Redelivery carries an attempt
// counter, which is how downstream code distinguishes "first try" from
// "last try".
//
// Enqueue is idempotent on job ID (INSERT OR IGNORE), so the intake path,
// the admission selector, and the recovery sweeper can all request delivery
// of the same job without double-queueing it.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS jobq (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package jobq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job is a delivered row.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// IsLastAttempt reports whether this delivery is the final one before the
// queue discards the job (given the configured MaxAttempts).
func (j *Job) IsLastAttempt(maxAttempts int) bool {
	return maxAttempts > 0 && j.Attempts >= maxAttempts
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Default: "" (the default queue).
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 5m.
	// It should exceed the longest expected investigation.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits how many deliveries a job gets before being
	// discarded. 0 means unlimited. Default: 0.
	MaxAttempts int
	// RetryDelay computes the backoff before redelivery after Retry.
	// Default: 5s * 2^(attempt-1), capped at 5m.
	RetryDelay func(attempt int) time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetryDelay == nil {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// DefaultRetryDelay doubles from 5s per attempt, capped at 5 minutes.
func DefaultRetryDelay(attempt int) time.Duration {
	d := 5 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup, then Enqueue
// and Claim (or Run) as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the jobq table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobq (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_jobq_visible ON jobq (queue, visible_at);
	`)
	return err
}

// Enqueue inserts a job that is immediately visible. Enqueueing an ID that
// is already queued is a no-op, so converging admission paths never produce
// duplicate deliveries.
func (q *Q) Enqueue(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO jobq (id, queue, payload, visible_at, created_at)
		 VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	return err
}

// Claim atomically picks the oldest visible job, marks it invisible for the
// configured visibility duration, and returns it with its attempt count
// incremented. Returns nil, nil if no job is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE jobq
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobq
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Done removes a finished job from the queue. "Finished" includes handled
// failures: only jobs that should be redelivered stay queued.
func (q *Q) Done(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM jobq WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Retry schedules a claimed job for redelivery after the backoff computed
// from its attempt count.
func (q *Q) Retry(ctx context.Context, id string, attempt int) error {
	visibleAt := time.Now().Add(q.opts.RetryDelay(attempt)).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobq SET visible_at = ? WHERE id = ? AND queue = ?`,
		visibleAt, id, q.opts.Queue,
	)
	return err
}

// Extend pushes the visibility deadline forward for a job that needs more
// processing time.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobq SET visible_at = ? WHERE id = ? AND queue = ?`,
		hideUntil, id, q.opts.Queue,
	)
	return err
}

// Len returns the total number of jobs (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobq WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to finish the job, non-nil to
// schedule redelivery with backoff.
type Handler func(ctx context.Context, job *Job) error

// Run claims visible jobs and dispatches them to handler with bounded
// concurrency. It blocks until ctx is cancelled, draining in-flight handlers
// before returning.
func (q *Q) Run(ctx context.Context, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	log.Info("jobq: consumer started",
		"queue", q.opts.Queue,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobq: consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
			wg.Wait()
			log.Info("jobq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.drain(ctx, sem, &wg, handler, log)
		}
	}
}

// drain claims jobs until none are visible or a concurrency slot can't be
// acquired without blocking past context cancellation.
func (q *Q) drain(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, handler Handler, log *slog.Logger) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("jobq: claim failed", "error", err, "queue", q.opts.Queue)
			}
			return
		}
		if job == nil {
			return // nothing visible
		}

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("jobq: job exceeded max attempts, discarding",
				"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
			_ = q.Done(ctx, job.ID)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = q.Retry(context.Background(), job.ID, job.Attempts)
			return
		}

		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := handler(ctx, j); err != nil {
				log.Warn("jobq: handler asked for redelivery",
					"id", j.ID, "attempt", j.Attempts, "error", err, "queue", q.opts.Queue)
				_ = q.Retry(context.Background(), j.ID, j.Attempts)
			} else {
				_ = q.Done(context.Background(), j.ID)
			}
		}(job)
	}
}
