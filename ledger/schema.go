package ledger

// Schema contains the DDL for the observation ledger tables.
//
// observations is append-only: no UPDATE or DELETE statement for this table
// exists anywhere in the codebase. A correction is a new row with a higher
// priority, never an edit. seq is the ledger-assigned monotonic tie-breaker.
const Schema = `
CREATE TABLE IF NOT EXISTS observations (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    entity_id  TEXT NOT NULL REFERENCES entities(id),
    field      TEXT NOT NULL,
    value      TEXT NOT NULL,
    source_id  TEXT NOT NULL,
    run_id     TEXT NOT NULL DEFAULT '',
    priority   INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_id, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_observations_source ON observations(source_id);
CREATE INDEX IF NOT EXISTS idx_observations_run ON observations(run_id) WHERE run_id != '';

CREATE TABLE IF NOT EXISTS raw_fragments (
    id         TEXT PRIMARY KEY,
    entity_id  TEXT NOT NULL REFERENCES entities(id),
    source_id  TEXT NOT NULL,
    raw_key    TEXT NOT NULL,
    raw_value  TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fragments_entity ON raw_fragments(entity_id);
`
