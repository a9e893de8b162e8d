// Package graph maintains the edges linking raw inputs, entities, and
// derived timeline events, and audits the whole topology for orphans and
// containment cycles.
//
// Two write paths, one read path:
//
//   - InsertWithGraph runs inside the same transaction as the observation
//     append it accompanies, so an entity can never end up with observations
//     but no edge back to its source.
//   - AddContainmentEdge refuses any edge that would close a cycle.
//   - ValidateIntegrity is a read-only full scan; it reports, never mutates.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veritylabs/verity/dbopen"
	"github.com/veritylabs/verity/idgen"
)

// ErrConflict is returned when an edge insertion would create a containment
// cycle. Nothing is written when this error is returned.
var ErrConflict = errors.New("graph: containment cycle")

// ErrInvalidEdge is returned for malformed edge input.
var ErrInvalidEdge = errors.New("graph: invalid edge")

// Containment edge types. All containment types participate in one cycle
// relation: PART_OF and MEMBER_OF edges may not mix into a loop either.
const (
	EdgePartOf   = "PART_OF"
	EdgeMemberOf = "MEMBER_OF"
)

// TimelineEvent is a derived, non-editable event anchored to a source.
type TimelineEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	TS        int64  `json:"ts"`
	SourceID  string `json:"source_id"`
}

// Builder creates and validates graph edges.
type Builder struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Option configures a Builder.
type Option func(*Builder)

// WithEventIDGenerator sets a custom generator for timeline event IDs.
func WithEventIDGenerator(gen idgen.Generator) Option {
	return func(b *Builder) { b.newID = gen }
}

// NewBuilder creates a Builder over an already-opened database.
func NewBuilder(db *sql.DB, opts ...Option) *Builder {
	b := &Builder{DB: db, newID: idgen.Event}
	for _, o := range opts {
		o(b)
	}
	return b
}

// InsertWithGraph creates the source→entity, source→event, and entity→event
// edges so that everything touched by one ingestion is reachable from its
// source. Runs against the caller's transaction; edge re-insertion is a
// no-op, so retries are safe.
func (b *Builder) InsertWithGraph(ctx context.Context, q dbopen.Querier, sourceID string, entityIDs, eventIDs []string) error {
	if sourceID == "" {
		return fmt.Errorf("%w: source_id is required", ErrInvalidEdge)
	}
	now := time.Now().UnixMilli()

	for _, entityID := range entityIDs {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO source_entity_edges (source_id, entity_id, created_at)
			VALUES (?,?,?) ON CONFLICT DO NOTHING`,
			sourceID, entityID, now); err != nil {
			return fmt.Errorf("graph: source-entity edge: %w", err)
		}
	}
	for _, eventID := range eventIDs {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO source_event_edges (source_id, event_id, created_at)
			VALUES (?,?,?) ON CONFLICT DO NOTHING`,
			sourceID, eventID, now); err != nil {
			return fmt.Errorf("graph: source-event edge: %w", err)
		}
		for _, entityID := range entityIDs {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO entity_event_edges (entity_id, event_id, created_at)
				VALUES (?,?,?) ON CONFLICT DO NOTHING`,
				entityID, eventID, now); err != nil {
				return fmt.Errorf("graph: entity-event edge: %w", err)
			}
		}
	}
	return nil
}

// CreateEvent inserts a derived timeline event and its source edge in the
// caller's transaction. Returns the event ID.
func (b *Builder) CreateEvent(ctx context.Context, q dbopen.Querier, eventType string, ts int64, sourceID string) (string, error) {
	if eventType == "" || sourceID == "" {
		return "", fmt.Errorf("%w: event_type and source_id are required", ErrInvalidEdge)
	}
	id := b.newID()
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO timeline_events (id, event_type, ts, source_id) VALUES (?,?,?,?)`,
		id, eventType, ts, sourceID); err != nil {
		return "", fmt.Errorf("graph: create event: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO source_event_edges (source_id, event_id, created_at)
		VALUES (?,?,?) ON CONFLICT DO NOTHING`,
		sourceID, id, time.Now().UnixMilli()); err != nil {
		return "", fmt.Errorf("graph: event source edge: %w", err)
	}
	return id, nil
}

// AddContainmentEdge inserts a typed containment edge from→to after checking
// that to cannot already reach from. On a would-be cycle the call fails with
// ErrConflict and the graph is untouched. Check and insert share one
// transaction so a racing writer cannot slip a cycle between them.
func (b *Builder) AddContainmentEdge(ctx context.Context, fromEntity, toEntity, edgeType string) error {
	if fromEntity == "" || toEntity == "" || edgeType == "" {
		return fmt.Errorf("%w: from, to, and type are required", ErrInvalidEdge)
	}
	if fromEntity == toEntity {
		return fmt.Errorf("%w: self-containment %s", ErrConflict, fromEntity)
	}

	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graph: begin: %w", err)
	}
	defer tx.Rollback()

	reachable, err := reaches(ctx, tx, toEntity, fromEntity)
	if err != nil {
		return err
	}
	if reachable {
		return fmt.Errorf("%w: %s already reaches %s", ErrConflict, toEntity, fromEntity)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO containment_edges (from_entity, to_entity, edge_type, created_at)
		VALUES (?,?,?,?) ON CONFLICT DO NOTHING`,
		fromEntity, toEntity, edgeType, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("graph: containment edge: %w", err)
	}
	return tx.Commit()
}

// ContainmentChildren returns the direct containment targets of an entity.
func (b *Builder) ContainmentChildren(ctx context.Context, entityID string) ([]string, error) {
	rows, err := b.DB.QueryContext(ctx, `
		SELECT to_entity FROM containment_edges WHERE from_entity = ? ORDER BY to_entity`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// reaches reports whether start can reach target over containment edges.
// Iterative DFS over an adjacency snapshot read in one query.
func reaches(ctx context.Context, q dbopen.Querier, start, target string) (bool, error) {
	adj, _, err := loadContainment(ctx, q)
	if err != nil {
		return false, err
	}

	stack := []string{start}
	seen := map[string]bool{start: true}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			return true, nil
		}
		for _, next := range adj[node] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false, nil
}

func loadContainment(ctx context.Context, q dbopen.Querier) (adj map[string][]string, nodes []string, err error) {
	rows, err := q.QueryContext(ctx, `SELECT from_entity, to_entity FROM containment_edges`)
	if err != nil {
		return nil, nil, fmt.Errorf("graph: load containment: %w", err)
	}
	defer rows.Close()

	adj = make(map[string][]string)
	seen := make(map[string]bool)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, nil, err
		}
		adj[from] = append(adj[from], to)
		for _, n := range []string{from, to} {
			if !seen[n] {
				seen[n] = true
				nodes = append(nodes, n)
			}
		}
	}
	return adj, nodes, rows.Err()
}
