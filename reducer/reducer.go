// Package reducer turns an entity's observation set into canonical field
// values. A reducer is a pure function: no I/O, no clock, no hidden state —
// the same observation set always produces the same result, which is what
// lets two racing materializers converge on one content hash.
//
// Reducers are versioned per entity type and the registry is immutable after
// construction. Versions are never retired: an old observation set must
// always replay under the version that was active when it was written.
package reducer

import (
	"github.com/veritylabs/verity/ledger"
)

// Result is the output of a reduce pass.
type Result struct {
	// Fields maps each declared field to its winning value. A field with no
	// observation is absent, never inferred.
	Fields map[string]string
	// Provenance maps each field in Fields to the observation ID that won it.
	Provenance map[string]string
	// Unknown holds observations whose field is not declared by the schema
	// version in use. They are surfaced so the materializer can persist them
	// as raw fragments instead of dropping them.
	Unknown []ledger.Observation
}

// Func is a pure merge function over one entity's full observation set.
// The input slice must be treated as read-only.
type Func func(obs []ledger.Observation) Result

// wins reports whether a beats b under the total merge order:
// priority desc, then created_at desc, then ledger seq desc. Seq is unique,
// so ties cannot occur.
func wins(a, b ledger.Observation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.Seq > b.Seq
}

// LastWriteWins returns a Func selecting, per declared field, the single
// observation that wins under (priority desc, created_at desc, seq desc).
func LastWriteWins(declared map[string]bool) Func {
	return func(obs []ledger.Observation) Result {
		return pickPerField(declared, obs, wins)
	}
}

// FirstWriteWins returns a Func that keeps the earliest observation per
// field unless a strictly higher priority arrives. Used for entity types
// whose fields are immutable once recorded (e.g. issued documents) but must
// still honor explicit corrections.
func FirstWriteWins(declared map[string]bool) Func {
	return func(obs []ledger.Observation) Result {
		return pickPerField(declared, obs, func(a, b ledger.Observation) bool {
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if a.CreatedAt != b.CreatedAt {
				return a.CreatedAt < b.CreatedAt
			}
			return a.Seq < b.Seq
		})
	}
}

func pickPerField(declared map[string]bool, obs []ledger.Observation, beats func(a, b ledger.Observation) bool) Result {
	res := Result{
		Fields:     make(map[string]string),
		Provenance: make(map[string]string),
	}
	winners := make(map[string]ledger.Observation)

	for _, o := range obs {
		if !declared[o.Field] {
			res.Unknown = append(res.Unknown, o)
			continue
		}
		cur, ok := winners[o.Field]
		if !ok || beats(o, cur) {
			winners[o.Field] = o
		}
	}

	for field, w := range winners {
		res.Fields[field] = w.Value
		res.Provenance[field] = w.ID
	}
	return res
}
