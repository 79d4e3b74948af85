// Package registry maps camera instance ids to their trackers.
package registry

import (
	"sort"
	"sync"

	"github.com/care/fallguard/internal/tracking"
)

// Factory builds the tracker for a new instance
type Factory func(instanceID string) *tracking.Tracker

// Registry is the only structure shared between instances. Lookups take the
// read lock; creation and removal take the write lock.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*tracking.Tracker
	factory  Factory
}

// New creates an empty registry. A nil factory builds legacy trackers with
// the default thresholds.
func New(factory Factory) *Registry {
	if factory == nil {
		factory = func(string) *tracking.Tracker {
			return tracking.NewTracker(nil, tracking.DefaultThresholds())
		}
	}
	return &Registry{
		trackers: make(map[string]*tracking.Tracker),
		factory:  factory,
	}
}

// Ensure returns the tracker for id, creating it on first use. created is
// true when this call made the tracker.
func (r *Registry) Ensure(id string) (t *tracking.Tracker, created bool) {
	r.mu.RLock()
	t, ok := r.trackers[id]
	r.mu.RUnlock()
	if ok {
		return t, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[id]; ok {
		return t, false
	}
	t = r.factory(id)
	r.trackers[id] = t
	return t, true
}

// Add registers id. An existing tracker is kept as is, not reset.
func (r *Registry) Add(id string) bool {
	_, created := r.Ensure(id)
	return created
}

// Remove deletes the tracker for id and reports whether it existed
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trackers[id]; !ok {
		return false
	}
	delete(r.trackers, id)
	return true
}

// Get returns the tracker for id without creating it
func (r *Registry) Get(id string) (*tracking.Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[id]
	return t, ok
}

// IDs returns the registered instance ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.trackers))
	for id := range r.trackers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of registered instances
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trackers)
}
