package graph_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/veritylabs/verity/dbopen"
	"github.com/veritylabs/verity/graph"
	"github.com/veritylabs/verity/resolver"
)

func testBuilder(t *testing.T) (*graph.Builder, *sql.DB, func(key string) string) {
	t.Helper()
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(resolver.Schema),
		dbopen.WithSchema(graph.Schema),
	)
	r := resolver.New(db)
	mkEntity := func(key string) string {
		id, _, err := r.Resolve(context.Background(), "org", key)
		if err != nil {
			t.Fatalf("resolve %s: %v", key, err)
		}
		return id
	}
	return graph.NewBuilder(db), db, mkEntity
}

func TestInsertWithGraph(t *testing.T) {
	b, db, mkEntity := testBuilder(t)
	ctx := context.Background()
	e1 := mkEntity("acme")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	eventID, err := b.CreateEvent(ctx, tx, "incorporation", 1111, "src_1")
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if err := b.InsertWithGraph(ctx, tx, "src_1", []string{e1}, []string{eventID}); err != nil {
		t.Fatalf("insert with graph: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	report, err := b.ValidateIntegrity(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Valid {
		t.Errorf("expected valid graph, got errors: %v", report.Errors)
	}
	if len(report.OrphanEntities) != 0 || len(report.OrphanEvents) != 0 {
		t.Errorf("unexpected orphans: %v %v", report.OrphanEntities, report.OrphanEvents)
	}

	// Re-inserting the same edges is a no-op, not an error.
	if err := b.InsertWithGraph(ctx, db, "src_1", []string{e1}, []string{eventID}); err != nil {
		t.Errorf("re-insert: %v", err)
	}
}

func TestInsertWithGraphRollback(t *testing.T) {
	b, db, mkEntity := testBuilder(t)
	ctx := context.Background()
	e1 := mkEntity("acme")

	tx, _ := db.BeginTx(ctx, nil)
	if err := b.InsertWithGraph(ctx, tx, "src_1", []string{e1}, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tx.Rollback()

	report, _ := b.ValidateIntegrity(ctx)
	if len(report.OrphanEntities) != 1 {
		t.Errorf("rolled-back edge should leave entity orphaned: %v", report.OrphanEntities)
	}
}

func TestContainmentCycleRejected(t *testing.T) {
	b, _, mkEntity := testBuilder(t)
	ctx := context.Background()
	a, bID, c := mkEntity("a"), mkEntity("b"), mkEntity("c")

	// A→B→C.
	if err := b.AddContainmentEdge(ctx, a, bID, graph.EdgePartOf); err != nil {
		t.Fatalf("a→b: %v", err)
	}
	if err := b.AddContainmentEdge(ctx, bID, c, graph.EdgePartOf); err != nil {
		t.Fatalf("b→c: %v", err)
	}

	// C→A closes the loop and must fail.
	err := b.AddContainmentEdge(ctx, c, a, graph.EdgePartOf)
	if !errors.Is(err, graph.ErrConflict) {
		t.Fatalf("c→a: got %v, want ErrConflict", err)
	}

	// The refused edge must not exist.
	children, err := b.ContainmentChildren(ctx, c)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("refused edge was written: %v", children)
	}

	report, _ := b.ValidateIntegrity(ctx)
	if report.CycleCount != 0 {
		t.Errorf("cycle count: got %d, want 0", report.CycleCount)
	}
}

func TestContainmentCycleAcrossTypes(t *testing.T) {
	b, _, mkEntity := testBuilder(t)
	ctx := context.Background()
	a, bID := mkEntity("a"), mkEntity("b")

	if err := b.AddContainmentEdge(ctx, a, bID, graph.EdgePartOf); err != nil {
		t.Fatalf("a→b: %v", err)
	}
	// Different containment type still may not close a loop.
	if err := b.AddContainmentEdge(ctx, bID, a, graph.EdgeMemberOf); !errors.Is(err, graph.ErrConflict) {
		t.Errorf("b→a via MEMBER_OF: got %v, want ErrConflict", err)
	}
}

func TestSelfContainmentRejected(t *testing.T) {
	b, _, mkEntity := testBuilder(t)
	a := mkEntity("a")
	if err := b.AddContainmentEdge(context.Background(), a, a, graph.EdgePartOf); !errors.Is(err, graph.ErrConflict) {
		t.Errorf("self edge: got %v, want ErrConflict", err)
	}
}

func TestIntegrityReportsExistingCycle(t *testing.T) {
	b, db, mkEntity := testBuilder(t)
	ctx := context.Background()
	a, bID := mkEntity("a"), mkEntity("b")

	// Bypass the guard to simulate a cycle written by a historical bug.
	for _, pair := range [][2]string{{a, bID}, {bID, a}} {
		if _, err := db.Exec(`
			INSERT INTO containment_edges (from_entity, to_entity, edge_type, created_at)
			VALUES (?,?,?,0)`, pair[0], pair[1], graph.EdgePartOf); err != nil {
			t.Fatalf("seed edge: %v", err)
		}
	}

	report, err := b.ValidateIntegrity(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.CycleCount == 0 {
		t.Error("expected cycle to be reported")
	}
	if report.Valid {
		t.Error("report with cycles must not be valid")
	}
}

func TestOrphanDetection(t *testing.T) {
	b, db, mkEntity := testBuilder(t)
	ctx := context.Background()

	orphan := mkEntity("orphan")
	connected := mkEntity("connected")
	if err := b.InsertWithGraph(ctx, db, "src_1", []string{connected}, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Event with no source edge, seeded directly.
	if _, err := db.Exec(`
		INSERT INTO timeline_events (id, event_type, ts, source_id)
		VALUES ('evt_orphan', 'filed', 1, 'src_gone')`); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	report, err := b.ValidateIntegrity(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(report.OrphanEntities) != 1 || report.OrphanEntities[0] != orphan {
		t.Errorf("orphan entities: got %v, want [%s]", report.OrphanEntities, orphan)
	}
	if len(report.OrphanEvents) != 1 || report.OrphanEvents[0] != "evt_orphan" {
		t.Errorf("orphan events: got %v", report.OrphanEvents)
	}
	if report.Valid {
		t.Error("report with orphans must not be valid")
	}
	if report.CheckedEntities != 2 {
		t.Errorf("checked entities: got %d, want 2", report.CheckedEntities)
	}
}

func TestDiamondIsNotACycle(t *testing.T) {
	b, _, mkEntity := testBuilder(t)
	ctx := context.Background()
	a, bID, c, d := mkEntity("a"), mkEntity("b"), mkEntity("c"), mkEntity("d")

	// a→b→d and a→c→d share a sink; that is a DAG, not a cycle.
	for _, e := range [][2]string{{a, bID}, {a, c}, {bID, d}, {c, d}} {
		if err := b.AddContainmentEdge(ctx, e[0], e[1], graph.EdgePartOf); err != nil {
			t.Fatalf("%s→%s: %v", e[0], e[1], err)
		}
	}

	report, _ := b.ValidateIntegrity(ctx)
	if report.CycleCount != 0 {
		t.Errorf("diamond reported as cycle: %d", report.CycleCount)
	}
}
