package snapshot

// Schema contains the DDL for the materialized snapshot table. One row per
// entity; the row is a cache of a pure computation and can always be rebuilt
// from the ledger.
const Schema = `
CREATE TABLE IF NOT EXISTS entity_snapshots (
    entity_id         TEXT PRIMARY KEY REFERENCES entities(id),
    fields            TEXT NOT NULL DEFAULT '{}',
    provenance        TEXT NOT NULL DEFAULT '{}',
    observation_count INTEGER NOT NULL DEFAULT 0,
    content_hash      TEXT NOT NULL,
    reducer_version   INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_hash ON entity_snapshots(content_hash);
`
