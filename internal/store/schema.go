package store

// schemaSQL creates the jobs and job_events tables. Statements are idempotent
// so the daemon can apply them on every startup.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    operation_type TEXT NOT NULL,
    namespace_id   TEXT NOT NULL,
    status         TEXT NOT NULL,
    total          BIGINT NOT NULL DEFAULT 0,
    processed      BIGINT NOT NULL DEFAULT 0,
    errors         BIGINT NOT NULL DEFAULT 0,
    current_key    TEXT,
    owner          TEXT NOT NULL DEFAULT '',
    params         JSONB,
    result         JSONB,
    error          TEXT,
    started_at     TIMESTAMPTZ NOT NULL,
    completed_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_namespace ON jobs (namespace_id);
CREATE INDEX IF NOT EXISTS idx_jobs_started_at ON jobs (started_at DESC);

CREATE TABLE IF NOT EXISTS job_events (
    job_id     TEXT NOT NULL,
    seq        BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    actor      TEXT NOT NULL DEFAULT '',
    ts         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    details    JSONB,
    PRIMARY KEY (job_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_job_events_one_terminal
    ON job_events (job_id, event_type)
    WHERE event_type IN ('completed', 'failed', 'cancelled');
`
