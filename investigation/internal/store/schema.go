package store

// Schema is the orchestrator schema. All timestamps are milliseconds since
// epoch. The UNIQUE constraint on investigations(post_id, content_hash) is
// what lets N concurrent intake callers collapse onto one row, and the
// single investigation_runs row per investigation is the serialization
// point every lease operation CASes against.
const Schema = `
CREATE TABLE IF NOT EXISTS posts (
    id          TEXT PRIMARY KEY,
    platform    TEXT NOT NULL,
    external_id TEXT NOT NULL,
    url         TEXT NOT NULL DEFAULT '',
    author      TEXT NOT NULL DEFAULT '',
    popularity  REAL NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    UNIQUE (platform, external_id)
);

CREATE TABLE IF NOT EXISTS post_versions (
    id           TEXT PRIMARY KEY,
    post_id      TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    content_hash TEXT NOT NULL,
    content_text TEXT NOT NULL,
    provenance   TEXT NOT NULL DEFAULT 'client_fallback',
    fetched_at   INTEGER NOT NULL,
    UNIQUE (post_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_versions_post ON post_versions(post_id, fetched_at DESC);

CREATE TABLE IF NOT EXISTS investigations (
    id                      TEXT PRIMARY KEY,
    post_id                 TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    version_id              TEXT NOT NULL REFERENCES post_versions(id),
    content_hash            TEXT NOT NULL,
    status                  TEXT NOT NULL DEFAULT 'pending',
    provenance              TEXT NOT NULL DEFAULT 'client_fallback',
    checked_at              INTEGER,
    parent_investigation_id TEXT,
    model_version           TEXT NOT NULL DEFAULT '',
    last_error              TEXT NOT NULL DEFAULT '',
    created_at              INTEGER NOT NULL,
    updated_at              INTEGER NOT NULL,
    UNIQUE (post_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_investigations_status ON investigations(status);
CREATE INDEX IF NOT EXISTS idx_investigations_post ON investigations(post_id, created_at DESC);

CREATE TABLE IF NOT EXISTS investigation_runs (
    id               TEXT PRIMARY KEY,
    investigation_id TEXT NOT NULL UNIQUE REFERENCES investigations(id) ON DELETE CASCADE,
    lease_owner      TEXT,
    lease_expires_at INTEGER,
    recover_after_at INTEGER,
    queued_at        INTEGER NOT NULL,
    started_at       INTEGER,
    heartbeat_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_lease ON investigation_runs(lease_owner, lease_expires_at);

CREATE TABLE IF NOT EXISTS claims (
    id               TEXT PRIMARY KEY,
    investigation_id TEXT NOT NULL REFERENCES investigations(id) ON DELETE CASCADE,
    claim_text       TEXT NOT NULL,
    verdict          TEXT NOT NULL,
    confidence       REAL NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claims_investigation ON claims(investigation_id);

CREATE TABLE IF NOT EXISTS claim_sources (
    id       TEXT PRIMARY KEY,
    claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
    url      TEXT NOT NULL,
    title    TEXT NOT NULL DEFAULT '',
    quote    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_claim_sources_claim ON claim_sources(claim_id);

-- PRIMARY KEY on run_id gives first-writer-wins: the first credential
-- attached to a run survives, later attach attempts are no-ops.
CREATE TABLE IF NOT EXISTS key_sources (
    run_id      TEXT PRIMARY KEY REFERENCES investigation_runs(id) ON DELETE CASCADE,
    ciphertext  BLOB NOT NULL,
    fingerprint TEXT NOT NULL,
    label       TEXT NOT NULL DEFAULT '',
    attached_by TEXT NOT NULL DEFAULT '',
    attached_at INTEGER NOT NULL,
    consumed_at INTEGER
);

CREATE TABLE IF NOT EXISTS attempt_audits (
    id               TEXT PRIMARY KEY,
    investigation_id TEXT NOT NULL REFERENCES investigations(id) ON DELETE CASCADE,
    attempt          INTEGER NOT NULL,
    outcome          TEXT NOT NULL,
    error_text       TEXT NOT NULL DEFAULT '',
    model_version    TEXT NOT NULL DEFAULT '',
    started_at       INTEGER NOT NULL,
    finished_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audits_investigation ON attempt_audits(investigation_id, attempt);
`
