package lens

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Span is the source extent of a probe, see ProbeLocation for the coordinate conventions.
type Span struct {
	StartLine, StartCol int
	EndLine, EndCol     int
}

// Registry assigns sequential probe ids and retains their locations.
// Ids are local to one instrumentation session, cross process identity is by LocationKey.
type Registry struct {
	currId    atomic.Uint32
	mu        sync.RWMutex
	locations []ProbeLocation // index is id-1
}

// NewRegistry returns an empty Registry whose first id is 1.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) nextId() (uint32, error) {
	for {
		val := r.currId.Load()
		if val+1 == 0 {
			return 0, errors.New("probe id overflow")
		} else if r.currId.CompareAndSwap(val, val+1) {
			return val + 1, nil
		}
	}
}

// Register records a new probe location and returns its id.
// The name is only retained for ProbeParameter locations.
func (r *Registry) Register(file string, span Span, kind ProbeKind, name string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.nextId()
	if err != nil {
		return 0, err
	}
	if kind != ProbeParameter {
		name = ""
	}
	loc := ProbeLocation{
		ID:        id,
		File:      file,
		StartLine: span.StartLine,
		StartCol:  span.StartCol,
		EndLine:   span.EndLine,
		EndCol:    span.EndCol,
		Kind:      kind,
		Name:      name,
	}
	for len(r.locations) < int(id) {
		r.locations = append(r.locations, ProbeLocation{})
	}
	r.locations[id-1] = loc
	return id, nil
}

// Lookup returns the location registered for id.
func (r *Registry) Lookup(id uint32) (ProbeLocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == 0 || int(id) > len(r.locations) {
		return ProbeLocation{}, false
	}
	return r.locations[id-1], true
}

// Locations returns a copy of all registered locations ordered by id.
func (r *Registry) Locations() []ProbeLocation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]ProbeLocation(nil), r.locations...)
}

// Len returns the number of registered probes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.locations)
}

// Reset clears all locations and restarts ids at 1.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.locations = nil
	r.currId.Store(0)
}
