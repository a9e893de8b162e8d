// Package snapshot materializes canonical entity views from the ledger.
//
// A snapshot is a cached pure function of (entity's observation set, active
// reducer version). Recomputing from an unchanged ledger always yields the
// same content hash, so concurrent materializers for the same entity can
// race freely: last writer wins and every writer writes the same thing.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/veritylabs/verity/ledger"
	"github.com/veritylabs/verity/reducer"
	"github.com/veritylabs/verity/resolver"
)

// EntitySnapshot is the current canonical value of one entity.
type EntitySnapshot struct {
	EntityID         string            `json:"entity_id"`
	Fields           map[string]string `json:"fields"`
	Provenance       map[string]string `json:"provenance"`
	ObservationCount int               `json:"observation_count"`
	ContentHash      string            `json:"content_hash"`
	ReducerVersion   int               `json:"reducer_version"`
	UpdatedAt        int64             `json:"updated_at"`
}

// Materializer recomputes and stores entity snapshots.
type Materializer struct {
	DB       *sql.DB
	Ledger   *ledger.Store
	Registry *reducer.Registry
}

// NewMaterializer wires a materializer over an opened database, the ledger
// store, and an immutable reducer registry.
func NewMaterializer(db *sql.DB, lg *ledger.Store, reg *reducer.Registry) *Materializer {
	return &Materializer{DB: db, Ledger: lg, Registry: reg}
}

// Compute recomputes the snapshot for one entity from its full observation
// set and upserts it. Idempotent and safe to retry: the written row depends
// only on the ledger contents and the active reducer version.
func (m *Materializer) Compute(ctx context.Context, entityID string) (*EntitySnapshot, error) {
	var entityType string
	err := m.DB.QueryRowContext(ctx,
		`SELECT entity_type FROM entities WHERE id = ?`, entityID).Scan(&entityType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", resolver.ErrNotFound, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: entity lookup: %w", err)
	}

	binding, err := m.Registry.Active(entityType)
	if err != nil {
		return nil, err
	}

	obs, err := m.Ledger.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	res := binding.Reduce(obs)

	// Observations for fields the active schema no longer declares surface
	// as raw fragments. The fragment ID is derived from the observation ID,
	// so re-materialization never duplicates them.
	for _, u := range res.Unknown {
		if err := m.persistUnknown(ctx, u); err != nil {
			return nil, err
		}
	}

	snap := &EntitySnapshot{
		EntityID:         entityID,
		Fields:           res.Fields,
		Provenance:       res.Provenance,
		ObservationCount: len(obs),
		ContentHash:      ContentHash(res.Fields, res.Provenance),
		ReducerVersion:   binding.Version,
		UpdatedAt:        time.Now().UnixMilli(),
	}
	if err := m.upsert(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (m *Materializer) persistUnknown(ctx context.Context, o ledger.Observation) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO raw_fragments (id, entity_id, source_id, raw_key, raw_value, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING`,
		"frg_"+o.ID, o.EntityID, o.SourceID, o.Field, o.Value, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("snapshot: persist unknown field: %w", err)
	}
	return nil
}

func (m *Materializer) upsert(ctx context.Context, snap *EntitySnapshot) error {
	fieldsJSON, err := json.Marshal(snap.Fields)
	if err != nil {
		return fmt.Errorf("snapshot: marshal fields: %w", err)
	}
	provJSON, err := json.Marshal(snap.Provenance)
	if err != nil {
		return fmt.Errorf("snapshot: marshal provenance: %w", err)
	}

	_, err = m.DB.ExecContext(ctx, `
		INSERT INTO entity_snapshots
			(entity_id, fields, provenance, observation_count, content_hash, reducer_version, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (entity_id) DO UPDATE SET
			fields = excluded.fields,
			provenance = excluded.provenance,
			observation_count = excluded.observation_count,
			content_hash = excluded.content_hash,
			reducer_version = excluded.reducer_version,
			updated_at = excluded.updated_at`,
		snap.EntityID, string(fieldsJSON), string(provJSON),
		snap.ObservationCount, snap.ContentHash, snap.ReducerVersion, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("snapshot: upsert: %w", err)
	}
	return nil
}

// Get returns the stored snapshot for an entity, or nil if none exists yet.
func (m *Materializer) Get(ctx context.Context, entityID string) (*EntitySnapshot, error) {
	return GetSnapshot(ctx, m.DB, entityID)
}

// GetSnapshot reads a stored snapshot without recomputing it.
func GetSnapshot(ctx context.Context, db *sql.DB, entityID string) (*EntitySnapshot, error) {
	row := db.QueryRowContext(ctx, `
		SELECT entity_id, fields, provenance, observation_count, content_hash, reducer_version, updated_at
		FROM entity_snapshots WHERE entity_id = ?`, entityID)

	var snap EntitySnapshot
	var fieldsJSON, provJSON string
	err := row.Scan(&snap.EntityID, &fieldsJSON, &provJSON,
		&snap.ObservationCount, &snap.ContentHash, &snap.ReducerVersion, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &snap.Fields); err != nil {
		return nil, fmt.Errorf("snapshot: decode fields: %w", err)
	}
	if err := json.Unmarshal([]byte(provJSON), &snap.Provenance); err != nil {
		return nil, fmt.Errorf("snapshot: decode provenance: %w", err)
	}
	return &snap, nil
}
