package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/hazyhaar/inquest/idgen"
)

// HeartbeatWriter writes periodic liveness probes to worker_heartbeats.
// This is process-level liveness for dashboards; it is unrelated to the
// per-run lease heartbeat, which lives in the investigation package.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	workerPID  int
	interval   time.Duration
	newID      idgen.Generator
	stop       chan struct{}
	done       chan struct{}
}

// NewHeartbeatWriter creates a writer. Recommended interval: 15s.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		workerPID:  os.Getpid(),
		interval:   interval,
		newID:      idgen.Prefixed("hb_", idgen.Default),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine. It writes one heartbeat
// immediately, then repeats at the configured interval until Stop or
// context cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

// WriteHeartbeat writes a single heartbeat row with current runtime stats.
func (hw *HeartbeatWriter) WriteHeartbeat() error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.Exec(`
		INSERT INTO worker_heartbeats (
			heartbeat_id, worker_name, hostname, worker_pid,
			goroutines_count, memory_alloc_mb, timestamp
		) VALUES (?,?,?,?,?,?,?)`,
		hw.newID(), hw.workerName, hw.hostname, hw.workerPID,
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)

	if err := hw.WriteHeartbeat(); err != nil {
		slog.Warn("observability: heartbeat failed", "error", err, "worker", hw.workerName)
	}

	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.WriteHeartbeat(); err != nil {
				slog.Warn("observability: heartbeat failed", "error", err, "worker", hw.workerName)
			}
		}
	}
}
