package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/veritylabs/verity/engine"
	"github.com/veritylabs/verity/graph"
	"github.com/veritylabs/verity/ledger"
	"github.com/veritylabs/verity/reducer"
	"github.com/veritylabs/verity/resolver"
)

const testBindings = `
entity_types:
  person:
    - version: 1
      strategy: last_write_wins
      fields: [name, email, employer]
  company:
    - version: 1
      strategy: last_write_wins
      fields: [name, domain]
`

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Config{
		DBPath:   filepath.Join(t.TempDir(), "verity.db"),
		Bindings: testBindings,
	}, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestIngestCreatesEntityAndSnapshot(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType:  "person",
		IdentityKey: "Ada Lovelace",
		SourceID:    "src_doc1",
		Fields:      map[string]string{"name": "Ada Lovelace", "email": "ada@example.org"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Created {
		t.Fatal("expected entity to be created")
	}
	if len(res.ObservationIDs) != 2 {
		t.Fatalf("observation ids = %v", res.ObservationIDs)
	}
	if res.Snapshot == nil || res.Snapshot.Fields["name"] != "Ada Lovelace" {
		t.Fatalf("snapshot = %+v", res.Snapshot)
	}
	if res.Snapshot.ObservationCount != 2 {
		t.Fatalf("observation count = %d, want 2", res.Snapshot.ObservationCount)
	}

	// Same identity resolves to the same entity, differently spaced and cased.
	res2, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType:  "person",
		IdentityKey: "  ada   LOVELACE ",
		SourceID:    "src_doc2",
		Fields:      map[string]string{"employer": "Analytical Engines Ltd"},
	})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if res2.Created {
		t.Fatal("expected existing entity")
	}
	if res2.EntityID != res.EntityID {
		t.Fatalf("entity ids differ: %s vs %s", res2.EntityID, res.EntityID)
	}
	if res2.Snapshot.ObservationCount != 3 {
		t.Fatalf("observation count = %d, want 3", res2.Snapshot.ObservationCount)
	}
}

func TestIngestCorrectionOverridesExtraction(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType:  "person",
		IdentityKey: "grace hopper",
		SourceID:    "src_scan",
		Fields:      map[string]string{"email": "grace@exmaple.org"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	fixed, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType:  "person",
		IdentityKey: "grace hopper",
		SourceID:    "src_user",
		Priority:    ledger.PriorityCorrection,
		Fields:      map[string]string{"email": "grace@example.org"},
	})
	if err != nil {
		t.Fatalf("correction Ingest: %v", err)
	}
	if fixed.Snapshot.Fields["email"] != "grace@example.org" {
		t.Fatalf("email = %q", fixed.Snapshot.Fields["email"])
	}
	if fixed.Snapshot.Provenance["email"] != fixed.ObservationIDs["email"] {
		t.Fatal("provenance should point at the correction")
	}

	p, err := e.Provenance(ctx, res.EntityID, "email")
	if err != nil {
		t.Fatalf("Provenance: %v", err)
	}
	if len(p.History) != 2 {
		t.Fatalf("history = %d observations, want 2", len(p.History))
	}
	if p.Winner != fixed.ObservationIDs["email"] {
		t.Fatalf("winner = %s", p.Winner)
	}
}

func TestProvenanceOfUnobservedField(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType:  "person",
		IdentityKey: "grace hopper",
		SourceID:    "src_scan",
		Fields:      map[string]string{"name": "Grace Hopper"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if _, err := e.Provenance(ctx, res.EntityID, "email"); !errors.Is(err, engine.ErrNoObservations) {
		t.Fatalf("Provenance of unobserved field: %v, want ErrNoObservations", err)
	}
}

func TestIngestRoutesUnknownFieldsToFragments(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType:  "person",
		IdentityKey: "ada",
		SourceID:    "src_doc",
		Fields: map[string]string{
			"name":      "Ada",
			"shoe_size": "38",
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.UnknownFields) != 1 || res.UnknownFields[0] != "shoe_size" {
		t.Fatalf("unknown fields = %v", res.UnknownFields)
	}
	if _, ok := res.ObservationIDs["shoe_size"]; ok {
		t.Fatal("unknown field must not produce an observation")
	}

	frags, err := e.Ledger.FragmentsByEntity(ctx, res.EntityID)
	if err != nil {
		t.Fatalf("FragmentsByEntity: %v", err)
	}
	if len(frags) != 1 || frags[0].RawKey != "shoe_size" {
		t.Fatalf("fragments = %+v", frags)
	}
}

func TestIngestValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType:  "person",
		IdentityKey: "ada",
		Fields:      map[string]string{"name": "Ada"},
	})
	if !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("missing source: %v, want ErrInvalidRequest", err)
	}

	_, err = e.Ingest(ctx, engine.IngestRequest{
		EntityType:  "starship",
		IdentityKey: "enterprise",
		SourceID:    "src_doc",
		Fields:      map[string]string{"name": "Enterprise"},
	})
	if !errors.Is(err, reducer.ErrUnknownReducer) {
		t.Fatalf("unknown type: %v, want ErrUnknownReducer", err)
	}
}

func TestIngestWithTimelineEvent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType:  "company",
		IdentityKey: "acme",
		SourceID:    "src_filing",
		Fields:      map[string]string{"name": "ACME"},
		EventType:   "incorporation",
		EventTS:     1700000000000,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.EventID == "" {
		t.Fatal("expected a derived event")
	}

	report, err := e.ValidateGraph(ctx)
	if err != nil {
		t.Fatalf("ValidateGraph: %v", err)
	}
	if !report.Valid {
		t.Fatalf("graph invalid: %+v", report)
	}
	if report.CheckedEvents != 1 {
		t.Fatalf("checked events = %d, want 1", report.CheckedEvents)
	}
}

func TestContainmentCycleRefused(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, _ := e.Ingest(ctx, engine.IngestRequest{
		EntityType: "company", IdentityKey: "acme", SourceID: "src_1",
		Fields: map[string]string{"name": "ACME"},
	})
	b, _ := e.Ingest(ctx, engine.IngestRequest{
		EntityType: "company", IdentityKey: "acme labs", SourceID: "src_1",
		Fields: map[string]string{"name": "ACME Labs"},
	})

	if err := e.AddContainment(ctx, a.EntityID, b.EntityID, graph.EdgePartOf); err != nil {
		t.Fatalf("AddContainment: %v", err)
	}
	err := e.AddContainment(ctx, b.EntityID, a.EntityID, graph.EdgePartOf)
	if !errors.Is(err, graph.ErrConflict) {
		t.Fatalf("reverse edge: %v, want ErrConflict", err)
	}
}

func TestHealthCheckHealsAfterDirectAppend(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType: "person", IdentityKey: "ada", SourceID: "src_1",
		Fields: map[string]string{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// An append outside the engine leaves the snapshot stale.
	if _, err := e.Ledger.Append(ctx, ledger.Observation{
		EntityID: res.EntityID, Field: "email", Value: "ada@example.org",
		SourceID: "src_2", Priority: ledger.PriorityCuration, CreatedAt: 1,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	report, err := e.CheckHealth(ctx, false)
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if report.Healthy {
		t.Fatal("expected stale snapshot to be reported")
	}

	report, err = e.CheckHealth(ctx, true)
	if err != nil {
		t.Fatalf("CheckHealth fix: %v", err)
	}
	if !report.Healthy || report.Healed != 1 {
		t.Fatalf("report = %+v, want healed", report)
	}

	snap, err := e.GetSnapshot(ctx, res.EntityID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.Fields["email"] != "ada@example.org" {
		t.Fatalf("healed snapshot = %v", snap.Fields)
	}
}

func TestTombstoneAndRestore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType: "person", IdentityKey: "ada", SourceID: "src_1",
		Fields: map[string]string{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := e.Tombstone(ctx, res.EntityID); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}

	// Snapshot and ledger stay readable behind the tombstone.
	snap, err := e.GetSnapshot(ctx, res.EntityID)
	if err != nil || snap.Fields["name"] != "Ada" {
		t.Fatalf("snapshot after tombstone: %+v, %v", snap, err)
	}

	if err := e.Restore(ctx, res.EntityID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	ent, err := e.Resolver.Get(ctx, res.EntityID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ent.DeletedAt != nil {
		t.Fatal("expected restore to clear the tombstone")
	}
}

func TestStats(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, engine.IngestRequest{
		EntityType: "person", IdentityKey: "ada", SourceID: "src_1",
		Fields: map[string]string{"name": "Ada", "mystery": "x"},
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["entities"] != 1 || stats["observations"] != 1 || stats["fragments"] != 1 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestHTTPSurface(t *testing.T) {
	e := newTestEngine(t)

	r := chi.NewRouter()
	e.RegisterHTTP(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	body, _ := json.Marshal(engine.IngestRequest{
		EntityType:  "person",
		IdentityKey: "ada",
		SourceID:    "src_doc",
		Fields:      map[string]string{"name": "Ada"},
	})
	resp, err := http.Post(srv.URL+"/api/ingest", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST ingest: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Fatalf("ingest status = %d", resp.StatusCode)
	}
	var res engine.IngestResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/entities/" + res.EntityID + "/snapshot")
	if err != nil {
		t.Fatalf("GET snapshot: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("snapshot status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/entities/ent_nope/observations")
	if err != nil {
		t.Fatalf("GET observations: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("unknown entity status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/api/ingest", "application/json",
		bytes.NewReader([]byte(`{"entity_type":"person","identity_key":"x","fields":{"name":"X"}}`)))
	if err != nil {
		t.Fatalf("POST bad ingest: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("missing source status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSnapshotOnDemandWhenMissing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, _, err := e.Resolver.Resolve(ctx, "person", "lazy subject")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := e.Ledger.Append(ctx, ledger.Observation{
		EntityID: id, Field: "name", Value: "Lazy",
		SourceID: "src_1", Priority: ledger.PriorityExtraction, CreatedAt: 1,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap, err := e.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.Fields["name"] != "Lazy" {
		t.Fatalf("snapshot = %v", snap.Fields)
	}

	if _, err := e.GetSnapshot(ctx, "ent_missing"); !errors.Is(err, resolver.ErrNotFound) {
		t.Fatalf("missing entity: %v, want ErrNotFound", err)
	}
}
