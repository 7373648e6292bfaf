package observability

// Schema holds the observability tables. They live in the same database as
// the orchestrator state so a single WAL file captures the whole story of a
// run, but nothing in the core depends on them being present.
const Schema = `
CREATE TABLE IF NOT EXISTS investigation_events (
    event_id         TEXT PRIMARY KEY,
    event_type       TEXT NOT NULL,
    investigation_id TEXT NOT NULL DEFAULT '',
    run_id           TEXT NOT NULL DEFAULT '',
    worker           TEXT NOT NULL DEFAULT '',
    details          TEXT NOT NULL DEFAULT '',
    success          INTEGER NOT NULL DEFAULT 1,
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_investigation
    ON investigation_events(investigation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_time
    ON investigation_events(created_at);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id     TEXT PRIMARY KEY,
    worker_name      TEXT NOT NULL,
    hostname         TEXT NOT NULL,
    worker_pid       INTEGER NOT NULL,
    goroutines_count INTEGER NOT NULL DEFAULT 0,
    memory_alloc_mb  REAL NOT NULL DEFAULT 0,
    timestamp        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker
    ON worker_heartbeats(worker_name, timestamp);
`
