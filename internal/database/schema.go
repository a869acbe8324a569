package database

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// CurrentSchemaVersion tracks the database schema version for migrations.
const CurrentSchemaVersion = 2

// Schema defines the webgrove database schema.
// Design principles:
// 1. Status is the admission token - the status column doubles as the
//    per-entity mutual-exclusion flag; workflows check it before admission
// 2. DB stores ownership - server credentials and ledger state live here
// 3. Referential integrity - foreign keys enforced
// 4. Audit trail - created/updated timestamps on all tables
const Schema = `
-- =============================================================================
-- BALANCES: per-user available funds
-- =============================================================================
CREATE TABLE IF NOT EXISTS balances (
    user_id         TEXT PRIMARY KEY,
    balance         INTEGER NOT NULL DEFAULT 0,
    updated_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- =============================================================================
-- LEDGER: spends and refunds
-- =============================================================================
CREATE TABLE IF NOT EXISTS ledger_entries (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    kind            TEXT NOT NULL,                  -- 'SPEND' | 'REFUND'
    state           TEXT NOT NULL,                  -- 'PENDING' | 'COMPLETED' | 'CANCELLED'
    amount          INTEGER NOT NULL,
    object_id       TEXT NOT NULL,
    object_type     TEXT NOT NULL,                  -- 'cluster' | 'site'
    reason          TEXT DEFAULT '',
    refund_of       TEXT DEFAULT NULL REFERENCES ledger_entries(id),
    created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- A spend may be settled by at most one refund
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_refund_of
    ON ledger_entries(refund_of) WHERE refund_of IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id);
CREATE INDEX IF NOT EXISTS idx_ledger_object ON ledger_entries(object_id, object_type);

-- =============================================================================
-- SERVERS: provisioned infrastructure resources
-- =============================================================================
CREATE TABLE IF NOT EXISTS servers (
    id              TEXT PRIMARY KEY,
    provider_type   TEXT NOT NULL,                  -- 'hetzner' | 'scaleway'
    external_id     TEXT NOT NULL,
    location        TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'unknown',
    public_ipv4     TEXT DEFAULT '',
    ssh_private_key TEXT DEFAULT '',
    created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- =============================================================================
-- SITES: deployable websites
-- =============================================================================
CREATE TABLE IF NOT EXISTS sites (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    user_email      TEXT DEFAULT '',
    domain          TEXT UNIQUE NOT NULL,
    pages_number    INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'DRAFT',
    server_id       TEXT DEFAULT NULL REFERENCES servers(id),
    wp_token        TEXT DEFAULT '',
    wp_port         TEXT DEFAULT '',
    sites_live      INTEGER NOT NULL DEFAULT 0,
    created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sites_status ON sites(status);
CREATE INDEX IF NOT EXISTS idx_sites_user ON sites(user_id);

-- =============================================================================
-- CLUSTERS: content clusters, optionally nested under a site
-- =============================================================================
CREATE TABLE IF NOT EXISTS clusters (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    site_id         TEXT DEFAULT NULL REFERENCES sites(id),
    keyword         TEXT NOT NULL,
    topics_number   INTEGER NOT NULL DEFAULT 0,
    link            TEXT DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'DRAFT',
    created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_clusters_status ON clusters(status);
CREATE INDEX IF NOT EXISTS idx_clusters_site ON clusters(site_id);

-- =============================================================================
-- PAGES: generated pages per cluster
-- =============================================================================
CREATE TABLE IF NOT EXISTS pages (
    id              TEXT PRIMARY KEY,
    cluster_id      TEXT NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
    title           TEXT NOT NULL,
    path            TEXT NOT NULL,
    page_type       TEXT NOT NULL DEFAULT 'informational',
    created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pages_cluster ON pages(cluster_id);

-- =============================================================================
-- REQUEST KEYS: short-lived duplicate-submission suppression
-- =============================================================================
CREATE TABLE IF NOT EXISTS request_keys (
    key             TEXT PRIMARY KEY,
    expires_at      TIMESTAMP NOT NULL
);

-- =============================================================================
-- WORKFLOW RUNS: one row per workflow invocation
-- =============================================================================
CREATE TABLE IF NOT EXISTS workflow_runs (
    id              TEXT PRIMARY KEY,
    workflow_type   TEXT NOT NULL,
    version         INTEGER NOT NULL DEFAULT 1,
    external_id     TEXT,
    current_state   TEXT NOT NULL DEFAULT 'pending',
    current_step    INTEGER NOT NULL DEFAULT 0,
    input           TEXT,
    output          TEXT,
    error           TEXT,
    metadata        TEXT DEFAULT '{}',
    locked_by       TEXT,
    locked_until    TIMESTAMP,
    created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- At most one active workflow per type + external_id
CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_active
    ON workflow_runs(workflow_type, external_id)
    WHERE current_state NOT IN ('completed', 'failed', 'compensated') AND external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_workflow_state ON workflow_runs(current_state);

-- =============================================================================
-- WORKFLOW STEPS: persisted step sequence per run
-- =============================================================================
CREATE TABLE IF NOT EXISTS workflow_steps (
    id              TEXT PRIMARY KEY,
    workflow_id     TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
    step_index      INTEGER NOT NULL,
    step_name       TEXT NOT NULL,
    activity_name   TEXT NOT NULL,
    compensate_name TEXT DEFAULT '',
    max_attempts    INTEGER NOT NULL DEFAULT 3,
    backoff_initial_ms INTEGER NOT NULL DEFAULT 1000,
    backoff_max_ms  INTEGER NOT NULL DEFAULT 10000,
    timeout_ms      INTEGER NOT NULL DEFAULT 90000,
    status          TEXT NOT NULL DEFAULT 'pending',
    input           TEXT,
    output          TEXT,
    error           TEXT,
    started_at      TIMESTAMP,
    completed_at    TIMESTAMP,
    UNIQUE(workflow_id, step_index)
);

-- =============================================================================
-- WORKFLOW EVENTS: audit log
-- =============================================================================
CREATE TABLE IF NOT EXISTS workflow_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    workflow_id     TEXT NOT NULL,
    step_index      INTEGER,
    event_type      TEXT NOT NULL,
    old_state       TEXT,
    new_state       TEXT,
    detail          TEXT,
    node_id         TEXT,
    created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_workflow ON workflow_events(workflow_id);

-- =============================================================================
-- SCHEMA VERSION: migration tracking
-- =============================================================================
CREATE TABLE IF NOT EXISTS schema_version (
    version         INTEGER PRIMARY KEY,
    applied_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// InitSchema creates all tables if they don't exist.
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Info().Msg("Database schema initialized")
	return nil
}
