// Package registry tracks currently-acquired VMs in memory only. Per spec
// §3, no state here survives a restart — this is deliberately not backed
// by sqlite or any other durable store the teacher used for its instance
// table, since a crash mid-flight is expected to simply lose track of
// whatever was checked out (the pool's own runners are ephemeral already).
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clark235/carapaceos/internal/runner"
)

// Entry describes one acquired VM as exposed by GET /vms.
type Entry struct {
	ID          string
	Runner      *runner.Runner
	AcquiredAt  time.Time
	CallerLabel string // optional caller-supplied metadata, free text
}

// Registry is a concurrency-safe map from opaque VM id to Entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add registers a freshly-acquired runner under a new opaque id and
// returns it.
func (r *Registry) Add(rn *runner.Runner, callerLabel string) *Entry {
	e := &Entry{
		ID:          uuid.NewString(),
		Runner:      rn,
		AcquiredAt:  time.Now(),
		CallerLabel: callerLabel,
	}
	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
	return e
}

// Get looks up an entry by id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Remove deletes an entry by id. Reuse after removal is rejected by Get,
// enforcing the "released runner never resurfaces" invariant at the
// registry layer as well as the pool's.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// List returns a snapshot of all current entries, for GET /vms.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Count returns the number of active entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
