package graph

import (
	"context"
	"fmt"
)

// IntegrityReport is the result of a full graph audit.
type IntegrityReport struct {
	Valid           bool     `json:"valid"`
	CheckedEntities int      `json:"checked_entities"`
	CheckedEvents   int      `json:"checked_events"`
	CycleCount      int      `json:"cycle_count"`
	OrphanEntities  []string `json:"orphan_entities"`
	OrphanEvents    []string `json:"orphan_events"`
	Errors          []string `json:"errors"`
}

// ValidateIntegrity runs the full read-only audit: containment cycle
// detection plus orphan scans. Safe to run concurrently with ingestion — it
// may observe a write mid-flight and will simply report what it saw.
func (b *Builder) ValidateIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{
		OrphanEntities: []string{},
		OrphanEvents:   []string{},
		Errors:         []string{},
	}

	cycles, err := b.countContainmentCycles(ctx)
	if err != nil {
		return nil, err
	}
	report.CycleCount = cycles
	if cycles > 0 {
		report.Errors = append(report.Errors,
			fmt.Sprintf("containment graph has %d cycle(s)", cycles))
	}

	// Orphan entities: no incoming source edge at all.
	rows, err := b.DB.QueryContext(ctx, `
		SELECT e.id FROM entities e
		LEFT JOIN source_entity_edges se ON se.entity_id = e.id
		WHERE se.entity_id IS NULL
		ORDER BY e.id`)
	if err != nil {
		return nil, fmt.Errorf("graph: orphan entity scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		report.OrphanEntities = append(report.OrphanEntities, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Orphan events: no incoming source edge.
	evRows, err := b.DB.QueryContext(ctx, `
		SELECT ev.id FROM timeline_events ev
		LEFT JOIN source_event_edges se ON se.event_id = ev.id
		WHERE se.event_id IS NULL
		ORDER BY ev.id`)
	if err != nil {
		return nil, fmt.Errorf("graph: orphan event scan: %w", err)
	}
	defer evRows.Close()
	for evRows.Next() {
		var id string
		if err := evRows.Scan(&id); err != nil {
			return nil, err
		}
		report.OrphanEvents = append(report.OrphanEvents, id)
	}
	if err := evRows.Err(); err != nil {
		return nil, err
	}

	for _, id := range report.OrphanEntities {
		report.Errors = append(report.Errors, fmt.Sprintf("entity %s has no source edge", id))
	}
	for _, id := range report.OrphanEvents {
		report.Errors = append(report.Errors, fmt.Sprintf("event %s has no source edge", id))
	}

	if err := b.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&report.CheckedEntities); err != nil {
		return nil, err
	}
	if err := b.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM timeline_events`).Scan(&report.CheckedEvents); err != nil {
		return nil, err
	}

	report.Valid = len(report.Errors) == 0
	return report, nil
}

// Three-color DFS state. A back-edge to a gray node signals a cycle.
const (
	white = iota
	gray
	black
)

// countContainmentCycles detects cycles with an iterative three-color DFS
// over a flat index arena: node IDs map to ints once, then all traversal
// works on slices.
func (b *Builder) countContainmentCycles(ctx context.Context) (int, error) {
	adjByID, nodes, err := loadContainment(ctx, b.DB)
	if err != nil {
		return 0, err
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n] = i
	}
	adj := make([][]int, len(nodes))
	for from, tos := range adjByID {
		fi := index[from]
		for _, to := range tos {
			adj[fi] = append(adj[fi], index[to])
		}
	}

	color := make([]int, len(nodes))
	cycles := 0

	type frame struct {
		node int
		next int
	}

	for start := range nodes {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = gray

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next < len(adj[f.node]) {
				child := adj[f.node][f.next]
				f.next++
				switch color[child] {
				case gray:
					cycles++
				case white:
					color[child] = gray
					stack = append(stack, frame{node: child})
				}
				continue
			}
			color[f.node] = black
			stack = stack[:len(stack)-1]
		}
	}
	return cycles, nil
}
