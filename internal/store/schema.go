package store

const schema = `
-- Projects table: one row per managed project, keyed by PM identifier.
CREATE TABLE IF NOT EXISTS projects (
    identifier TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    huly_project_id TEXT,
    tracker_prefix TEXT,
    agent_id TEXT,
    fs_path TEXT,
    archived INTEGER NOT NULL DEFAULT 0,
    meta_hash TEXT,
    last_sync_at INTEGER,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_projects_huly ON projects(huly_project_id);
CREATE INDEX IF NOT EXISTS idx_projects_agent ON projects(agent_id);

-- Issue mapping table: one row per canonical identifier.
-- Foreign-ID timestamps are unix milliseconds.
CREATE TABLE IF NOT EXISTS issues (
    identifier TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    title TEXT NOT NULL,
    title_norm TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'backlog',
    priority TEXT NOT NULL DEFAULT 'none',
    huly_issue_id TEXT,
    tracker_issue_id TEXT,
    huly_modified_at INTEGER NOT NULL DEFAULT 0,
    tracker_modified_at INTEGER NOT NULL DEFAULT 0,
    huly_status TEXT NOT NULL DEFAULT '',
    tracker_status TEXT NOT NULL DEFAULT '',
    parent_identifier TEXT,
    sub_issue_count INTEGER NOT NULL DEFAULT 0,
    content_hash TEXT,
    removed_from_huly INTEGER NOT NULL DEFAULT 0,
    removed_from_tracker INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (project_id) REFERENCES projects(identifier)
);

CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_huly
    ON issues(project_id, huly_issue_id) WHERE huly_issue_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_tracker
    ON issues(project_id, tracker_issue_id) WHERE tracker_issue_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_issues_title_norm ON issues(project_id, title_norm);
CREATE INDEX IF NOT EXISTS idx_issues_parent ON issues(parent_identifier);

-- Sync run history.
CREATE TABLE IF NOT EXISTS sync_history (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    created_count INTEGER NOT NULL DEFAULT 0,
    updated_count INTEGER NOT NULL DEFAULT 0,
    skipped_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    errors TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_sync_history_started ON sync_history(started_at);

-- Durable intent records bracketing remote mutations.
CREATE TABLE IF NOT EXISTS pending_ops (
    id TEXT PRIMARY KEY,
    op_type TEXT NOT NULL,
    system TEXT NOT NULL,
    project_id TEXT NOT NULL,
    identifier TEXT,
    payload TEXT NOT NULL DEFAULT '{}',
    state TEXT NOT NULL DEFAULT 'pending',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_pending_ops_state ON pending_ops(state);
CREATE INDEX IF NOT EXISTS idx_pending_ops_project ON pending_ops(project_id);

-- Derived cache of files uploaded to agent memory.
CREATE TABLE IF NOT EXISTS project_files (
    project_id TEXT NOT NULL,
    rel_path TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    remote_file_id TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (project_id, rel_path)
);

-- Workflow activity journal: recorded results make replays idempotent.
CREATE TABLE IF NOT EXISTS activity_results (
    run_id TEXT NOT NULL,
    activity_id TEXT NOT NULL,
    result TEXT NOT NULL,
    recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (run_id, activity_id)
);

-- Full-sync driver checkpoints: completed projects within a run.
CREATE TABLE IF NOT EXISTS fullsync_checkpoints (
    run_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    completed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (run_id, project_id)
);

-- Metadata table for internal state (schema version, agent hash caches).
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
