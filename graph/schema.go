package graph

// Schema contains the DDL for timeline events and all edge tables.
// Edges are append-only facts about topology; uniqueness constraints make
// re-inserting an existing edge a no-op, which keeps ingestion retryable.
const Schema = `
CREATE TABLE IF NOT EXISTS timeline_events (
    id         TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    ts         INTEGER NOT NULL,
    source_id  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON timeline_events(event_type, ts);

CREATE TABLE IF NOT EXISTS source_entity_edges (
    source_id  TEXT NOT NULL,
    entity_id  TEXT NOT NULL REFERENCES entities(id),
    created_at INTEGER NOT NULL,
    UNIQUE (source_id, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_see_entity ON source_entity_edges(entity_id);

CREATE TABLE IF NOT EXISTS source_event_edges (
    source_id  TEXT NOT NULL,
    event_id   TEXT NOT NULL REFERENCES timeline_events(id),
    created_at INTEGER NOT NULL,
    UNIQUE (source_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_sve_event ON source_event_edges(event_id);

CREATE TABLE IF NOT EXISTS entity_event_edges (
    entity_id  TEXT NOT NULL REFERENCES entities(id),
    event_id   TEXT NOT NULL REFERENCES timeline_events(id),
    created_at INTEGER NOT NULL,
    UNIQUE (entity_id, event_id)
);

CREATE TABLE IF NOT EXISTS containment_edges (
    from_entity TEXT NOT NULL REFERENCES entities(id),
    to_entity   TEXT NOT NULL REFERENCES entities(id),
    edge_type   TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    UNIQUE (from_entity, to_entity, edge_type)
);
CREATE INDEX IF NOT EXISTS idx_containment_from ON containment_edges(from_entity);
CREATE INDEX IF NOT EXISTS idx_containment_to ON containment_edges(to_entity);
`
