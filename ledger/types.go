package ledger

// Priority conventions for observation provenance. Any positive integer is
// accepted; these are the values the extraction and correction paths use.
const (
	PriorityExtraction = 100  // machine-extracted candidate field
	PriorityCuration   = 500  // reviewed by a curation pass
	PriorityCorrection = 1000 // explicit user correction
)

// Observation is one atomic, immutable fact about one field of one entity.
// Seq is assigned by the ledger at insert time and breaks ordering ties that
// wall-clock timestamps cannot.
type Observation struct {
	Seq       int64  `json:"seq"`
	ID        string `json:"id"`
	EntityID  string `json:"entity_id"`
	Field     string `json:"field"`
	Value     string `json:"value"`
	SourceID  string `json:"source_id"`
	RunID     string `json:"run_id,omitempty"`
	Priority  int    `json:"priority"`
	CreatedAt int64  `json:"created_at"` // milliseconds since epoch
}

// RawFragment is a field seen in an input but not declared by the entity
// type's active schema. Fragments are kept verbatim, never silently dropped,
// so a later schema version can replay them.
type RawFragment struct {
	ID        string `json:"id"`
	EntityID  string `json:"entity_id"`
	SourceID  string `json:"source_id"`
	RawKey    string `json:"raw_key"`
	RawValue  string `json:"raw_value"`
	CreatedAt int64  `json:"created_at"`
}
