// Package registry is a minimal in-memory block/field name registry
// supporting `*BLOCKS?`/`*CHANGES?` queries: not a type system, just
// enough bookkeeping to answer name-pattern queries and report which
// names changed since a client last asked.
package registry

import (
	"maps"
	"slices"
	"sync"

	"github.com/gobwas/glob"
)

// Field is one named, queryable entity — a block, a block's field, or
// an attribute.
type Field struct {
	Name  string
	Block string
}

// Registry tracks the set of known fields and a monotonically
// increasing change counter per field, so `*CHANGES?` can report what
// moved since a client's last poll.
type Registry struct {
	mu      sync.RWMutex
	fields  map[string]Field
	changed map[string]uint64
	gen     uint64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		fields:  make(map[string]Field),
		changed: make(map[string]uint64),
	}
}

// Register adds or replaces a field and marks it changed.
func (r *Registry) Register(f Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	r.fields[f.Name] = f
	r.changed[f.Name] = r.gen
}

// Touch marks an already-registered field as changed without altering
// its definition, for fields whose value (not shape) changed.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.fields[name]; !ok {
		return
	}
	r.gen++
	r.changed[name] = r.gen
}

// Names returns every registered field name, sorted, optionally
// filtered by a glob pattern (e.g. "*.CAPTURE.*" for `*BLOCKS?`-style
// group queries).
func (r *Registry) Names(pattern string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := slices.Sorted(maps.Keys(r.fields))
	if pattern == "" || pattern == "*" {
		return names, nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}

	out := names[:0:0]
	for _, name := range names {
		if g.Match(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

// ChangedSince returns the names of fields whose change generation is
// strictly greater than since, along with the current generation to
// pass on the next call.
func (r *Registry) ChangedSince(since uint64) (names []string, gen uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, g := range r.changed {
		if g > since {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, r.gen
}
