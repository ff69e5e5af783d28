package alerter

import (
	"sort"
	"sync"

	"github.com/wardpager/wardpager/internal/types"
)

// entry is one in-flight alert. mu serializes transitions of the alert.
type entry struct {
	mu      sync.Mutex
	alert   types.Alert
	removed bool
}

func (en *entry) snapshot() (types.Alert, bool) {
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.alert.Clone(), en.removed
}

// Registry holds the alerts that are not yet resolved or unresolved.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	en, ok := r.entries[id]
	return en, ok
}

// add registers en unless the ID is already present.
func (r *Registry) add(en *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[en.alert.ID]; ok {
		return false
	}
	r.entries[en.alert.ID] = en
	return true
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of alerts held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns copies of every alert held, oldest first.
func (r *Registry) Snapshot() []types.Alert {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, en := range r.entries {
		entries = append(entries, en)
	}
	r.mu.RUnlock()

	out := make([]types.Alert, 0, len(entries))
	for _, en := range entries {
		a, removed := en.snapshot()
		if !removed {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
