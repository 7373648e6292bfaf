package jobq_test

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/inquest/dbopen"
	"github.com/hazyhaar/inquest/jobq"
)

func newQ(t *testing.T, opts jobq.Options) (*jobq.Q, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	q := jobq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q, db
}

func TestEnqueueAndClaim(t *testing.T) {
	q, _ := newQ(t, jobq.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "run_1", []byte("payload")); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != "run_1" || string(job.Payload) != "payload" {
		t.Fatalf("got %+v", job)
	}
	if job.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job.Attempts)
	}

	// Claimed job is invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("job should be invisible while claimed")
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q, _ := newQ(t, jobq.Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, "run_1", nil); err != nil {
			t.Fatal(err)
		}
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("got %d jobs, want 1", n)
	}
}

func TestDoneRemovesJob(t *testing.T) {
	q, _ := newQ(t, jobq.Options{})
	ctx := context.Background()

	q.Enqueue(ctx, "run_1", nil)
	job, _ := q.Claim(ctx)
	if err := q.Done(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("queue should be empty, got %d", n)
	}
}

func TestRetryAppliesBackoff(t *testing.T) {
	q, _ := newQ(t, jobq.Options{
		Visibility: 10 * time.Second,
		RetryDelay: func(attempt int) time.Duration { return 50 * time.Millisecond },
	})
	ctx := context.Background()

	q.Enqueue(ctx, "run_1", nil)
	job, _ := q.Claim(ctx)

	if err := q.Retry(ctx, job.ID, job.Attempts); err != nil {
		t.Fatal(err)
	}

	// Still invisible during the backoff window.
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("job should be invisible during backoff")
	}

	time.Sleep(80 * time.Millisecond)

	j, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil {
		t.Fatal("expected redelivery after backoff")
	}
	if j.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", j.Attempts)
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	q, _ := newQ(t, jobq.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, "run_1", nil)
	q.Claim(ctx) // simulate a worker that crashed mid-job

	time.Sleep(80 * time.Millisecond)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected redelivery after visibility lapsed")
	}
	if job.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job.Attempts)
	}
}

func TestDefaultRetryDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{10, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := jobq.DefaultRetryDelay(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestIsLastAttempt(t *testing.T) {
	j := &jobq.Job{Attempts: 3}
	if !j.IsLastAttempt(3) {
		t.Fatal("attempt 3 of 3 is the last")
	}
	if j.IsLastAttempt(0) {
		t.Fatal("unlimited attempts never hit last")
	}
	if (&jobq.Job{Attempts: 1}).IsLastAttempt(3) {
		t.Fatal("attempt 1 of 3 is not the last")
	}
}

func TestRunProcessesAndDrains(t *testing.T) {
	q, _ := newQ(t, jobq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id, nil); err != nil {
			t.Fatal(err)
		}
	}

	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, 2, func(ctx context.Context, job *jobq.Job) error {
			handled.Add(1)
			return nil
		})
	}()

	deadline := time.After(2 * time.Second)
	for handled.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("handled %d of 3 before deadline", handled.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	n, _ := q.Len(context.Background())
	if n != 0 {
		t.Fatalf("queue should be drained, got %d", n)
	}
}

func TestRunRetriesFailedHandler(t *testing.T) {
	q, _ := newQ(t, jobq.Options{
		Visibility:   time.Second,
		PollInterval: 10 * time.Millisecond,
		RetryDelay:   func(int) time.Duration { return 20 * time.Millisecond },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Enqueue(ctx, "flaky", nil)

	var attempts atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, 1, func(ctx context.Context, job *jobq.Job) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	deadline := time.After(3 * time.Second)
	for attempts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("got %d attempts before deadline", attempts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
