package store

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    capture_path TEXT NOT NULL,
    capture_size INTEGER,
    backend TEXT NOT NULL,
    replays INTEGER NOT NULL,
    digest TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    status TEXT NOT NULL,
    draws_checked INTEGER NOT NULL DEFAULT 0,
    total_draws INTEGER NOT NULL DEFAULT 0,
    bytes_compared INTEGER NOT NULL DEFAULT 0,
    error TEXT
);

CREATE TABLE IF NOT EXISTS discrepancies (
    run_id TEXT PRIMARY KEY,
    event_id INTEGER NOT NULL,
    resource_id TEXT NOT NULL,
    mip INTEGER NOT NULL,
    slice INTEGER NOT NULL,
    kind TEXT NOT NULL,
    draw_name TEXT,
    replay INTEGER NOT NULL,
    expected_digest TEXT,
    actual_digest TEXT,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_runs_capture ON runs(capture_path);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
