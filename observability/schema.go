package observability

import "database/sql"

// Schema contains the DDL for the engine's observability tables.
// Apply with Init(db) or compose via dbopen.WithSchema.
const Schema = `
-- Worker heartbeats: liveness probes from the vigil monitor and run reaper
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name  TEXT NOT NULL,
    hostname     TEXT NOT NULL,
    worker_pid   INTEGER NOT NULL,
    timestamp    INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb  REAL,
    created_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);

-- Business events: domain-level audit trail of engine operations
CREATE TABLE IF NOT EXISTS business_event_logs (
    event_id    TEXT PRIMARY KEY,
    event_type  TEXT NOT NULL,
    entity_type TEXT,
    entity_id   TEXT,
    actor       TEXT,
    action      TEXT NOT NULL,
    details     TEXT,
    success     INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_event_logs_type ON business_event_logs(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_event_logs_entity ON business_event_logs(entity_id, created_at DESC);
`

// Event types recorded by the engine.
const (
	EventEntityCreated       = "entity_created"
	EventObservationAppended = "observation_appended"
	EventSnapshotHealed      = "snapshot_healed"
	EventEntityTombstoned    = "entity_tombstoned"
	EventEntityRestored      = "entity_restored"
	EventRunTimedOut         = "run_timed_out"
)

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
