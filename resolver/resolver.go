// Package resolver maps raw entity mentions to stable entity identifiers.
//
// Resolve is the single birthplace of entity rows: the ledger and the graph
// builder never create entities implicitly. Matching is create-or-match on
// the normalized (entity_type, identity_key) pair, so repeated mentions of
// the same real-world entity converge on one ID.
package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veritylabs/verity/dbopen"
	"github.com/veritylabs/verity/idgen"
)

const maxKeyLen = 1024

// Entity is one resolved real-world entity.
type Entity struct {
	ID          string `json:"id"`
	EntityType  string `json:"entity_type"`
	IdentityKey string `json:"identity_key"`
	CreatedAt   int64  `json:"created_at"`
	DeletedAt   *int64 `json:"deleted_at,omitempty"`
}

// Resolver performs create-or-match resolution over the entities table.
type Resolver struct {
	DB         *sql.DB
	newID      idgen.Generator
	knownTypes map[string]bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithIDGenerator sets a custom generator for entity IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Resolver) { r.newID = gen }
}

// WithKnownTypes restricts Resolve to the given entity types. When nil
// (default), any non-empty type is accepted; the engine passes the reducer
// registry's declared types here so undeclared types fail before any write.
func WithKnownTypes(types map[string]bool) Option {
	return func(r *Resolver) { r.knownTypes = types }
}

// New creates a Resolver over an already-opened database.
func New(db *sql.DB, opts ...Option) *Resolver {
	r := &Resolver{DB: db, newID: idgen.Entity}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the entity ID for (entityType, identityKey), creating the
// entity on first sight. The identity key is normalized before matching.
// A tombstoned entity still resolves to its original ID so that late
// observations keep their provenance chain; Restore makes it live again.
func (r *Resolver) Resolve(ctx context.Context, entityType, identityKey string) (entityID string, created bool, err error) {
	return r.ResolveTx(ctx, r.DB, entityType, identityKey)
}

// ResolveTx is Resolve against a caller-owned transaction.
func (r *Resolver) ResolveTx(ctx context.Context, q dbopen.Querier, entityType, identityKey string) (entityID string, created bool, err error) {
	if entityType == "" {
		return "", false, fmt.Errorf("%w: entity_type is required", ErrInvalidInput)
	}
	if r.knownTypes != nil && !r.knownTypes[entityType] {
		return "", false, fmt.Errorf("%w: unknown entity_type %q", ErrInvalidInput, entityType)
	}
	key, err := NormalizeIdentityKey(identityKey)
	if err != nil {
		return "", false, err
	}

	id := r.newID()
	now := time.Now().UnixMilli()

	// INSERT OR IGNORE + re-select makes concurrent first mentions of the
	// same identity safe: exactly one row wins, both callers get its ID.
	res, err := q.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, identity_key, created_at)
		VALUES (?,?,?,?)
		ON CONFLICT (entity_type, identity_key) DO NOTHING`,
		id, entityType, key, now)
	if err != nil {
		return "", false, fmt.Errorf("resolver: insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return id, true, nil
	}

	err = q.QueryRowContext(ctx,
		`SELECT id FROM entities WHERE entity_type = ? AND identity_key = ?`,
		entityType, key).Scan(&entityID)
	if err != nil {
		return "", false, fmt.Errorf("resolver: select after conflict: %w", err)
	}
	return entityID, false, nil
}

// Get returns an entity by ID, tombstoned or not.
func (r *Resolver) Get(ctx context.Context, id string) (*Entity, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, entity_type, identity_key, created_at, deleted_at
		FROM entities WHERE id = ?`, id)

	var e Entity
	var deletedAt sql.NullInt64
	err := row.Scan(&e.ID, &e.EntityType, &e.IdentityKey, &e.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Int64
	}
	return &e, nil
}

// Tombstone soft-deletes an entity. Observations, edges, and snapshots are
// untouched; the row is only flagged. Idempotent.
func (r *Resolver) Tombstone(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE entities SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("resolver: tombstone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.checkExists(ctx, id)
	}
	return nil
}

// Restore clears an entity's tombstone. Idempotent.
func (r *Resolver) Restore(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE entities SET deleted_at = NULL WHERE id = ? AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return fmt.Errorf("resolver: restore: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.checkExists(ctx, id)
	}
	return nil
}

// ListByType returns live (non-tombstoned) entities of a type.
func (r *Resolver) ListByType(ctx context.Context, entityType string, limit int) ([]*Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, entity_type, identity_key, created_at, deleted_at
		FROM entities
		WHERE entity_type = ? AND deleted_at IS NULL
		ORDER BY created_at, id LIMIT ?`, entityType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var e Entity
		var deletedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.EntityType, &e.IdentityKey, &e.CreatedAt, &deletedAt); err != nil {
			return nil, err
		}
		if deletedAt.Valid {
			e.DeletedAt = &deletedAt.Int64
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *Resolver) checkExists(ctx context.Context, id string) error {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
