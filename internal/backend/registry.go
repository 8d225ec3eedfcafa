package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Descriptor is the static configuration of one backend: identity, routing
// rank, and enablement. The live available flag is owned by the Registry and
// mutated only by the health prober - a routing failure skips the backend for
// that request without demoting it for concurrent requests.
type Descriptor struct {
	// Name uniquely identifies the backend in logs, metrics, and /models.
	Name string

	// Target is the connection target - a base URL for local inference
	// servers, or a redacted credential hint for hosted APIs. Informational;
	// the Backend implementation owns the actual connection.
	Target string

	// Models lists the model identifiers this backend serves. Empty means
	// the backend accepts any model.
	Models []string

	// Enabled gates the backend entirely: a disabled backend is never
	// probed and never appears in a candidate list.
	Enabled bool

	// Priority orders routing attempts; lower is tried first. Ties are
	// broken by name so the candidate order is a stable total order.
	Priority int

	// FallbackOnly backends are attempted only after at least one other
	// backend has failed within the same request.
	FallbackOnly bool
}

// SupportsModel reports whether the descriptor can serve the given model.
func (d *Descriptor) SupportsModel(model string) bool {
	if len(d.Models) == 0 {
		return true
	}
	for _, m := range d.Models {
		if m == model {
			return true
		}
	}
	return false
}

// entry pairs a descriptor with its implementation and live availability.
type entry struct {
	desc      Descriptor
	impl      Backend
	available bool
}

// Candidate is one routable backend: its descriptor snapshot plus the
// implementation to call.
type Candidate struct {
	Descriptor
	Backend Backend
}

// Status is the externally visible state of one registered backend,
// reported by GET /health and GET /models.
type Status struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
	Priority  int    `json:"priority"`
	Fallback  bool   `json:"fallback_only"`
}

// Registry holds every configured backend and its availability state.
// Reads (candidate lists, snapshots) are frequent and concurrent; writes
// happen only at registration time and from the health prober.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a backend under its descriptor. Backends start optimistically
// available; the first probe corrects that. Registering a duplicate name or a
// nil implementation is a configuration error.
func (r *Registry) Register(d Descriptor, b Backend) error {
	if d.Name == "" {
		return fmt.Errorf("registry: descriptor name must not be empty")
	}
	if b == nil {
		return fmt.Errorf("registry: backend %q has no implementation", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.entries[d.Name]; dup {
		return fmt.Errorf("registry: backend %q already registered", d.Name)
	}
	r.entries[d.Name] = &entry{desc: d, impl: b, available: true}
	return nil
}

// Candidates returns all enabled+available backends that can serve model,
// ordered by ascending priority (name tiebreak). FallbackOnly candidates are
// included in order - the router decides per request whether they are
// eligible yet.
func (r *Registry) Candidates(model string) []Candidate {
	r.mu.RLock()
	out := make([]Candidate, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.desc.Enabled || !e.available {
			continue
		}
		if model != "" && !e.desc.SupportsModel(model) {
			continue
		}
		out = append(out, Candidate{Descriptor: e.desc, Backend: e.impl})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Enabled returns the descriptors of all enabled backends, unordered.
// Used by the prober - disabled backends are never probed.
func (r *Registry) Enabled() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.entries))
	for _, e := range r.entries {
		if e.desc.Enabled {
			out = append(out, Candidate{Descriptor: e.desc, Backend: e.impl})
		}
	}
	return out
}

// SetAvailable updates the live availability flag for name. Only the health
// prober calls this.
func (r *Registry) SetAvailable(name string, ok bool) {
	r.mu.Lock()
	if e, found := r.entries[name]; found {
		e.available = ok
	}
	r.mu.Unlock()
}

// Available reports the live availability flag for name.
func (r *Registry) Available(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, found := r.entries[name]
	return found && e.available
}

// Snapshot returns the status of every registered backend sorted by priority.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Status{
			Name:      e.desc.Name,
			Enabled:   e.desc.Enabled,
			Available: e.available,
			Priority:  e.desc.Priority,
			Fallback:  e.desc.FallbackOnly,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ModelInfo describes one routable model for GET /models.
type ModelInfo struct {
	ID       string `json:"id"`
	Backend  string `json:"backend"`
	Priority int    `json:"priority"`
}

// Models lists every model served by an enabled+available backend. Backends
// with an empty model list advertise no specific models here.
func (r *Registry) Models() []ModelInfo {
	r.mu.RLock()
	out := make([]ModelInfo, 0)
	for _, e := range r.entries {
		if !e.desc.Enabled || !e.available {
			continue
		}
		for _, m := range e.desc.Models {
			out = append(out, ModelInfo{ID: m, Backend: e.desc.Name, Priority: e.desc.Priority})
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
