package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	gen := UUIDv7()
	id := gen()
	// UUID format: 8-4-4-4-12
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
}

func TestUUIDv7_Uniqueness(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("UUIDv7: duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDv7_TimeSortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 50; i++ {
		next := gen()
		if next < prev {
			t.Fatalf("UUIDv7: not monotonic at iteration %d: %q < %q", i, next, prev)
		}
		prev = next
	}
}

func TestPrefixedGenerators(t *testing.T) {
	cases := []struct {
		gen    Generator
		prefix string
	}{
		{Entity, "ent_"},
		{Observation, "obs_"},
		{Source, "src_"},
		{Event, "evt_"},
		{Run, "run_"},
		{Job, "job_"},
	}
	for _, c := range cases {
		id := c.gen()
		if !strings.HasPrefix(id, c.prefix) {
			t.Errorf("expected prefix %q, got %q", c.prefix, id)
		}
		if len(id) != len(c.prefix)+36 {
			t.Errorf("%s: expected length %d, got %d", c.prefix, len(c.prefix)+36, len(id))
		}
	}
}

func TestParse_Valid(t *testing.T) {
	original := New()
	parsed, err := Parse(original)
	if err != nil {
		t.Fatalf("Parse valid UUID: %v", err)
	}
	if parsed != original {
		t.Fatalf("Parse: got %q, want %q", parsed, original)
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("not-a-uuid")
	if err == nil {
		t.Fatal("Parse: expected error for invalid UUID")
	}
}
