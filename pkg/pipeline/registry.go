package pipeline

import (
	"sync"

	"smlmproc/internal/models"
)

// Entry is a named dataset held by a Registry.
type Entry struct {
	ID      int
	Name    string
	Dataset *models.Dataset
}

// Registry is the append-only collection of datasets. Ids start at 1 and
// only grow; entries are never replaced or removed.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add stores ds under name and returns its id.
func (r *Registry) Add(name string, ds *models.Dataset) int {
	return r.addAll([]Entry{{Name: name, Dataset: ds}})[0]
}

// addAll stores several datasets at once so that an operation's outputs
// appear together and get consecutive ids.
func (r *Registry) addAll(entries []Entry) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, len(entries))
	for i, e := range entries {
		e.ID = len(r.entries) + 1
		r.entries = append(r.entries, e)
		ids[i] = e.ID
	}
	return ids
}

// Get returns the entry with the given id, or ErrNotFound.
func (r *Registry) Get(id int) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 1 || id > len(r.entries) {
		return Entry{}, models.Errorf(models.KindNotFound, "pipeline.Registry.Get", "no dataset with id %d", id)
	}
	return r.entries[id-1], nil
}

// Len returns the number of registered datasets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns all entries in id order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries...)
}
