// Package ledger is the append-only observation store.
//
// Every fact about an entity enters the system as an Observation row tagged
// with its source, extraction run, and priority. Rows are immutable; a
// superseding fact is a new row. Merge ordering is decided by the stored
// (priority, created_at, seq) tuple, never by arrival order, so retried or
// out-of-order delivery cannot change what a reducer computes.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veritylabs/verity/dbopen"
	"github.com/veritylabs/verity/idgen"
)

// Store is the observation ledger handle.
type Store struct {
	DB     *sql.DB
	newID  idgen.Generator
	fragID idgen.Generator
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator sets a custom generator for observation IDs.
func WithIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a ledger store over an already-opened database.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		DB:     db,
		newID:  idgen.Observation,
		fragID: idgen.Prefixed("frg_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append validates and inserts one observation, returning its assigned ID.
// Fails with ErrValidation or ErrEntityNotFound before any write.
func (s *Store) Append(ctx context.Context, o Observation) (string, error) {
	return s.AppendTx(ctx, s.DB, o)
}

// AppendTx is Append running against a caller-owned transaction. The engine
// uses it so observation rows and graph edges commit atomically.
func (s *Store) AppendTx(ctx context.Context, q dbopen.Querier, o Observation) (string, error) {
	if err := validateObservation(&o); err != nil {
		return "", err
	}
	if err := entityExists(ctx, q, o.EntityID); err != nil {
		return "", err
	}

	id := o.ID
	if id == "" {
		id = s.newID()
	}
	createdAt := o.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO observations (id, entity_id, field, value, source_id, run_id, priority, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		id, o.EntityID, o.Field, o.Value, o.SourceID, o.RunID, o.Priority, createdAt)
	if err != nil {
		return "", fmt.Errorf("ledger: append: %w", err)
	}
	return id, nil
}

// ListByEntity returns every observation for an entity ordered by
// (created_at, seq). The order is total and stable across calls.
func (s *Store) ListByEntity(ctx context.Context, entityID string) ([]Observation, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT seq, id, entity_id, field, value, source_id, run_id, priority, created_at
		FROM observations
		WHERE entity_id = ?
		ORDER BY created_at, seq`, entityID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var obs []Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.Seq, &o.ID, &o.EntityID, &o.Field, &o.Value,
			&o.SourceID, &o.RunID, &o.Priority, &o.CreatedAt); err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// Get returns one observation by ID, or nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*Observation, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT seq, id, entity_id, field, value, source_id, run_id, priority, created_at
		FROM observations WHERE id = ?`, id)

	var o Observation
	err := row.Scan(&o.Seq, &o.ID, &o.EntityID, &o.Field, &o.Value,
		&o.SourceID, &o.RunID, &o.Priority, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CountByEntity returns the number of observations stored for an entity.
func (s *Store) CountByEntity(ctx context.Context, entityID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM observations WHERE entity_id = ?`, entityID).Scan(&n)
	return n, err
}

// AddFragment stores a raw fragment for a field the active schema does not
// declare.
func (s *Store) AddFragment(ctx context.Context, f RawFragment) (string, error) {
	return s.AddFragmentTx(ctx, s.DB, f)
}

// AddFragmentTx is AddFragment against a caller-owned transaction.
func (s *Store) AddFragmentTx(ctx context.Context, q dbopen.Querier, f RawFragment) (string, error) {
	if f.EntityID == "" || f.RawKey == "" {
		return "", fmt.Errorf("%w: fragment entity_id and raw_key are required", ErrValidation)
	}
	id := f.ID
	if id == "" {
		id = s.fragID()
	}
	createdAt := f.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO raw_fragments (id, entity_id, source_id, raw_key, raw_value, created_at)
		VALUES (?,?,?,?,?,?)`,
		id, f.EntityID, f.SourceID, f.RawKey, f.RawValue, createdAt)
	if err != nil {
		return "", fmt.Errorf("ledger: add fragment: %w", err)
	}
	return id, nil
}

// FragmentsByEntity returns raw fragments recorded for an entity.
func (s *Store) FragmentsByEntity(ctx context.Context, entityID string) ([]RawFragment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, entity_id, source_id, raw_key, raw_value, created_at
		FROM raw_fragments WHERE entity_id = ? ORDER BY created_at, id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frags []RawFragment
	for rows.Next() {
		var f RawFragment
		if err := rows.Scan(&f.ID, &f.EntityID, &f.SourceID, &f.RawKey, &f.RawValue, &f.CreatedAt); err != nil {
			return nil, err
		}
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

func entityExists(ctx context.Context, q dbopen.Querier, entityID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, entityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if err != nil {
		return fmt.Errorf("ledger: entity lookup: %w", err)
	}
	return nil
}
