package reducer

import (
	"errors"
	"testing"

	"github.com/veritylabs/verity/ledger"
)

var personFields = map[string]bool{"name": true, "amount": true, "born": true}

func obs(id, field, value string, priority int, createdAt, seq int64) ledger.Observation {
	return ledger.Observation{
		Seq: seq, ID: id, EntityID: "ent_1", Field: field, Value: value,
		SourceID: "src_1", Priority: priority, CreatedAt: createdAt,
	}
}

func TestLastWriteWinsPriority(t *testing.T) {
	reduce := LastWriteWins(personFields)

	// Correction appended first in wall-clock order: priority still wins.
	set := []ledger.Observation{
		obs("obs_b", "amount", "150", ledger.PriorityCorrection, 2000, 2),
		obs("obs_a", "amount", "100", ledger.PriorityExtraction, 1000, 1),
	}
	res := reduce(set)
	if res.Fields["amount"] != "150" {
		t.Errorf("amount: got %q, want %q", res.Fields["amount"], "150")
	}
	if res.Provenance["amount"] != "obs_b" {
		t.Errorf("provenance: got %q, want %q", res.Provenance["amount"], "obs_b")
	}

	// Same result regardless of slice order.
	res2 := reduce([]ledger.Observation{set[1], set[0]})
	if res2.Fields["amount"] != "150" || res2.Provenance["amount"] != "obs_b" {
		t.Error("result depends on input order")
	}
}

func TestLastWriteWinsTieBreaks(t *testing.T) {
	reduce := LastWriteWins(personFields)

	// Equal priority: later created_at wins.
	res := reduce([]ledger.Observation{
		obs("obs_a", "name", "Ada", 100, 1000, 1),
		obs("obs_b", "name", "Ada L.", 100, 2000, 2),
	})
	if res.Fields["name"] != "Ada L." {
		t.Errorf("later created_at should win: got %q", res.Fields["name"])
	}

	// Equal priority and created_at: higher seq wins.
	res = reduce([]ledger.Observation{
		obs("obs_a", "name", "Ada", 100, 1000, 1),
		obs("obs_b", "name", "Ada Lovelace", 100, 1000, 2),
	})
	if res.Fields["name"] != "Ada Lovelace" {
		t.Errorf("higher seq should win: got %q", res.Fields["name"])
	}
	if res.Provenance["name"] != "obs_b" {
		t.Errorf("provenance: got %q", res.Provenance["name"])
	}
}

func TestDeterminism(t *testing.T) {
	reduce := LastWriteWins(personFields)
	set := []ledger.Observation{
		obs("obs_1", "name", "Ada", 100, 1000, 1),
		obs("obs_2", "amount", "100", 100, 1100, 2),
		obs("obs_3", "amount", "150", 1000, 1200, 3),
		obs("obs_4", "born", "1815", 100, 1300, 4),
	}

	first := reduce(set)
	for i := 0; i < 20; i++ {
		again := reduce(set)
		if len(again.Fields) != len(first.Fields) {
			t.Fatalf("iteration %d: field count changed", i)
		}
		for k, v := range first.Fields {
			if again.Fields[k] != v {
				t.Fatalf("iteration %d: field %s changed: %q vs %q", i, k, v, again.Fields[k])
			}
			if again.Provenance[k] != first.Provenance[k] {
				t.Fatalf("iteration %d: provenance %s changed", i, k)
			}
		}
	}
}

func TestUnknownFieldsSurfaced(t *testing.T) {
	reduce := LastWriteWins(personFields)
	res := reduce([]ledger.Observation{
		obs("obs_1", "name", "Ada", 100, 1000, 1),
		obs("obs_2", "favourite_engine", "analytical", 100, 1100, 2),
	})

	if _, ok := res.Fields["favourite_engine"]; ok {
		t.Error("undeclared field leaked into Fields")
	}
	if len(res.Unknown) != 1 || res.Unknown[0].ID != "obs_2" {
		t.Errorf("Unknown: got %+v, want obs_2", res.Unknown)
	}
}

func TestAbsentFieldOmitted(t *testing.T) {
	reduce := LastWriteWins(personFields)
	res := reduce([]ledger.Observation{obs("obs_1", "name", "Ada", 100, 1000, 1)})
	if _, ok := res.Fields["born"]; ok {
		t.Error("field with no observation must be omitted, not inferred")
	}
	if len(res.Fields) != 1 {
		t.Errorf("got %d fields, want 1", len(res.Fields))
	}
}

func TestFirstWriteWins(t *testing.T) {
	reduce := FirstWriteWins(map[string]bool{"issued": true})

	res := reduce([]ledger.Observation{
		obs("obs_1", "issued", "2001-01-01", 100, 1000, 1),
		obs("obs_2", "issued", "2002-02-02", 100, 2000, 2),
	})
	if res.Fields["issued"] != "2001-01-01" {
		t.Errorf("earliest should win: got %q", res.Fields["issued"])
	}

	// An explicit correction still overrides.
	res = reduce([]ledger.Observation{
		obs("obs_1", "issued", "2001-01-01", 100, 1000, 1),
		obs("obs_3", "issued", "2001-01-02", ledger.PriorityCorrection, 3000, 3),
	})
	if res.Fields["issued"] != "2001-01-02" {
		t.Errorf("correction should win: got %q", res.Fields["issued"])
	}
}

func TestRegistryLookupAndActive(t *testing.T) {
	v1 := map[string]bool{"name": true}
	v2 := map[string]bool{"name": true, "email": true}
	reg, err := NewRegistry(
		Binding{EntityType: "person", Version: 1, Fields: v1, Reduce: LastWriteWins(v1)},
		Binding{EntityType: "person", Version: 2, Fields: v2, Reduce: LastWriteWins(v2)},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	active, err := reg.Active("person")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.Version != 2 {
		t.Errorf("active version: got %d, want 2", active.Version)
	}

	old, err := reg.Lookup("person", 1)
	if err != nil {
		t.Fatalf("lookup v1: %v", err)
	}
	if old.Fields["email"] {
		t.Error("v1 must not know v2 fields")
	}

	if _, err := reg.Lookup("person", 3); !errors.Is(err, ErrUnknownReducer) {
		t.Errorf("lookup v3: got %v, want ErrUnknownReducer", err)
	}
	if _, err := reg.Active("spaceship"); !errors.Is(err, ErrUnknownReducer) {
		t.Errorf("active unknown type: got %v, want ErrUnknownReducer", err)
	}

	if !reg.Types()["person"] {
		t.Error("Types missing person")
	}
	vs := reg.Versions("person")
	if len(vs) != 2 || vs[0] != 1 || vs[1] != 2 {
		t.Errorf("Versions: got %v", vs)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	f := map[string]bool{"name": true}
	_, err := NewRegistry(
		Binding{EntityType: "person", Version: 1, Fields: f, Reduce: LastWriteWins(f)},
		Binding{EntityType: "person", Version: 1, Fields: f, Reduce: LastWriteWins(f)},
	)
	if err == nil {
		t.Fatal("expected error for duplicate binding")
	}
}

func TestParseBindings(t *testing.T) {
	data := []byte(`
entity_types:
  person:
    - version: 1
      strategy: last_write_wins
      fields: [name, born]
    - version: 2
      strategy: last_write_wins
      fields: [name, born, email]
  document:
    - version: 1
      strategy: first_write_wins
      fields: [title, issued]
`)
	reg, err := ParseBindings(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	active, err := reg.Active("person")
	if err != nil {
		t.Fatalf("active person: %v", err)
	}
	if active.Version != 2 || !active.Fields["email"] {
		t.Errorf("person active: got v%d fields %v", active.Version, active.Fields)
	}

	doc, err := reg.Active("document")
	if err != nil {
		t.Fatalf("active document: %v", err)
	}
	if doc.Strategy != StrategyFirstWriteWins {
		t.Errorf("document strategy: got %q", doc.Strategy)
	}
}

func TestParseBindingsUnknownStrategy(t *testing.T) {
	_, err := ParseBindings([]byte(`
entity_types:
  person:
    - version: 1
      strategy: majority_vote
      fields: [name]
`))
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
