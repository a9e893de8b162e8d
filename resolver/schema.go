package resolver

// Schema contains the DDL for the entities table. This is the only table in
// the system where entity rows are born; ledger and graph reference it.
// Deletion is a tombstone (deleted_at set), never a row removal, so the
// provenance chain behind an entity survives its retirement.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
    id           TEXT PRIMARY KEY,
    entity_type  TEXT NOT NULL,
    identity_key TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    deleted_at   INTEGER,
    UNIQUE (entity_type, identity_key)
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
CREATE INDEX IF NOT EXISTS idx_entities_deleted ON entities(deleted_at) WHERE deleted_at IS NOT NULL;
`
