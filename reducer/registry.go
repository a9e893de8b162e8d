package reducer

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownReducer is returned when no binding exists for a requested
// (entity_type, version) pair.
var ErrUnknownReducer = errors.New("reducer: no binding for entity type/version")

// Binding associates one entity type and reducer version with a merge
// strategy and the set of declared fields for that version.
type Binding struct {
	EntityType string
	Version    int
	Strategy   string
	Fields     map[string]bool
	Reduce     Func
}

// Registry is the immutable (entity_type, version) → reducer mapping.
// Built once at process start; never mutated afterwards. Pass it explicitly
// to the materializer — there is no package-level registry.
type Registry struct {
	bindings map[string]map[int]Binding // entity_type → version → binding
	active   map[string]int             // entity_type → highest version
}

// NewRegistry builds a registry from bindings. Duplicate (type, version)
// pairs and bindings without a reduce function are rejected.
func NewRegistry(bindings ...Binding) (*Registry, error) {
	if len(bindings) == 0 {
		return nil, errors.New("reducer: registry needs at least one binding")
	}
	r := &Registry{
		bindings: make(map[string]map[int]Binding),
		active:   make(map[string]int),
	}
	for _, b := range bindings {
		if b.EntityType == "" {
			return nil, errors.New("reducer: binding missing entity type")
		}
		if b.Version <= 0 {
			return nil, fmt.Errorf("reducer: binding %s has non-positive version %d", b.EntityType, b.Version)
		}
		if b.Reduce == nil {
			return nil, fmt.Errorf("reducer: binding %s v%d has no reduce function", b.EntityType, b.Version)
		}
		versions := r.bindings[b.EntityType]
		if versions == nil {
			versions = make(map[int]Binding)
			r.bindings[b.EntityType] = versions
		}
		if _, dup := versions[b.Version]; dup {
			return nil, fmt.Errorf("reducer: duplicate binding %s v%d", b.EntityType, b.Version)
		}
		versions[b.Version] = b
		if b.Version > r.active[b.EntityType] {
			r.active[b.EntityType] = b.Version
		}
	}
	return r, nil
}

// Lookup returns the binding for an exact (entity_type, version) pair.
func (r *Registry) Lookup(entityType string, version int) (Binding, error) {
	if b, ok := r.bindings[entityType][version]; ok {
		return b, nil
	}
	return Binding{}, fmt.Errorf("%w: %s v%d", ErrUnknownReducer, entityType, version)
}

// Active returns the binding for the highest registered version of a type.
func (r *Registry) Active(entityType string) (Binding, error) {
	v, ok := r.active[entityType]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrUnknownReducer, entityType)
	}
	return r.bindings[entityType][v], nil
}

// Types returns the set of declared entity types. The resolver uses this to
// reject ingestion for types no reducer can materialize.
func (r *Registry) Types() map[string]bool {
	types := make(map[string]bool, len(r.bindings))
	for t := range r.bindings {
		types[t] = true
	}
	return types
}

// Versions returns the registered versions for a type, ascending.
func (r *Registry) Versions(entityType string) []int {
	var vs []int
	for v := range r.bindings[entityType] {
		vs = append(vs, v)
	}
	sort.Ints(vs)
	return vs
}
