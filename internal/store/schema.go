package store

// Schema of the regional store (region.db). Every region owns one database file and
// one writer; nothing in it references another region.
//
// Times are stored as unix milliseconds. A missing project is stored as '' so the
// chain lookup can use a plain equality on the full scope key.

// CreateEventsTableSQL creates the event ledger table. seq records insertion order,
// which defines the hash chain.
const CreateEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    tenant_id TEXT NOT NULL,
    workspace_id TEXT NOT NULL,
    project_id TEXT NOT NULL DEFAULT '',
    ts INTEGER NOT NULL,
    category TEXT NOT NULL,
    action TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    actor_email TEXT NOT NULL DEFAULT '',
    actor_role TEXT NOT NULL DEFAULT '',
    actor_type TEXT NOT NULL DEFAULT '',
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    resource_name TEXT NOT NULL DEFAULT '',
    metadata TEXT,
    ip TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    trace_id TEXT NOT NULL DEFAULT '',
    prev_hash TEXT,
    hash TEXT NOT NULL,
    idempotency_hash TEXT UNIQUE,
    archived INTEGER NOT NULL DEFAULT 0,
    archival_candidate INTEGER NOT NULL DEFAULT 0,
    archived_at INTEGER,
    region TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateEventsIndexesSQL creates the indexes behind chain-head lookup, cursor reads
// and the lifecycle jobs.
var CreateEventsIndexesSQL = []string{
	// Chain head: latest event for a scope key
	`CREATE INDEX IF NOT EXISTS idx_events_chain ON events(tenant_id, workspace_id, project_id, seq)`,

	// Hot reads ordered by (ts, id)
	`CREATE INDEX IF NOT EXISTS idx_events_hot ON events(tenant_id, archived, ts, id)`,

	// Retention marker and packer
	`CREATE INDEX IF NOT EXISTS idx_events_candidates ON events(tenant_id, archival_candidate, archived, ts, id)`,
}

// CreateProjectsTableSQL creates the project registry used for scope checks.
const CreateProjectsTableSQL = `
CREATE TABLE IF NOT EXISTS projects (
    project_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    workspace_id TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateArchiveBatchesTableSQL creates the archive batch table. A row exists only for
// an object that was uploaded successfully.
const CreateArchiveBatchesTableSQL = `
CREATE TABLE IF NOT EXISTS archive_batches (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    workspace_id TEXT NOT NULL DEFAULT '',
    day INTEGER NOT NULL,
    part INTEGER NOT NULL DEFAULT 0,
    storage_key TEXT NOT NULL UNIQUE,
    codec TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    sha256 TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    min_event_time INTEGER NOT NULL,
    max_event_time INTEGER NOT NULL,
    actor_bloom BLOB,
    is_cold INTEGER NOT NULL DEFAULT 0,
    restored_until INTEGER,
    verified_at INTEGER,
    verification_error TEXT,
    created_at INTEGER NOT NULL
)`

// CreateArchiveBatchesIndexesSQL creates indexes for export range scans and the
// verifier and cold marker.
var CreateArchiveBatchesIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_batches_tenant_day ON archive_batches(tenant_id, day, part)`,
	`CREATE INDEX IF NOT EXISTS idx_batches_unverified ON archive_batches(id) WHERE verified_at IS NULL AND is_cold = 0`,
}

// CreateRestoreRequestsTableSQL creates the restore request table.
const CreateRestoreRequestsTableSQL = `
CREATE TABLE IF NOT EXISTS restore_requests (
    id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL REFERENCES archive_batches(id),
    tenant_id TEXT NOT NULL,
    tier TEXT NOT NULL,
    days INTEGER NOT NULL,
    status TEXT NOT NULL,
    estimated_cost_usd REAL NOT NULL,
    estimated_duration_ms INTEGER NOT NULL,
    estimated_completed_at INTEGER NOT NULL,
    requested_by TEXT NOT NULL DEFAULT '',
    approved_by TEXT NOT NULL DEFAULT '',
    requested_at INTEGER NOT NULL,
    approved_at INTEGER,
    initiated_at INTEGER,
    completed_at INTEGER,
    expires_at INTEGER,
    cancelled_at INTEGER,
    failed_at INTEGER,
    tracking_handle TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT ''
)`

// CreateRestoreRequestsIndexesSQL enforces at most one active request per batch.
var CreateRestoreRequestsIndexesSQL = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_restores_active_batch ON restore_requests(batch_id)
		WHERE status IN ('PENDING', 'APPROVED', 'INITIATING', 'IN_PROGRESS', 'COMPLETED')`,
	`CREATE INDEX IF NOT EXISTS idx_restores_status ON restore_requests(status, requested_at)`,
}

// CreateExportJobsTableSQL creates the export job table.
const CreateExportJobsTableSQL = `
CREATE TABLE IF NOT EXISTS export_jobs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    workspace_id TEXT NOT NULL,
    project_id TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL,
    format TEXT NOT NULL,
    filters TEXT NOT NULL,
    row_limit INTEGER NOT NULL,
    rows_exported INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    region TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    finished_at INTEGER
)`

// AllSchemaSQL returns all SQL statements needed to initialize a regional store.
func AllSchemaSQL() []string {
	statements := []string{
		CreateEventsTableSQL,
		CreateProjectsTableSQL,
		CreateArchiveBatchesTableSQL,
		CreateRestoreRequestsTableSQL,
		CreateExportJobsTableSQL,
	}
	statements = append(statements, CreateEventsIndexesSQL...)
	statements = append(statements, CreateArchiveBatchesIndexesSQL...)
	statements = append(statements, CreateRestoreRequestsIndexesSQL...)
	return statements
}
