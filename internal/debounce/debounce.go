// Package debounce suppresses repeated events per instance within a cooldown.
package debounce

import (
	"sync"

	"github.com/care/fallguard/internal/types"
)

// DefaultCooldown is the cooldown in seconds between two surfaced events
// of the same instance.
const DefaultCooldown = 120.0

// Debouncer keeps the last surfaced timestamp per instance. Both event kinds
// share the record, so a Fallen suppresses a later Movement alert and the
// other way round.
type Debouncer struct {
	mu   sync.Mutex
	last map[string]float64
}

// New creates an empty Debouncer
func New() *Debouncer {
	return &Debouncer{last: make(map[string]float64)}
}

// ShouldSurface reports whether an event for id at now passes the cooldown.
// When it does, now becomes the new record; a suppressed call leaves the
// record untouched. The event kind does not take part in the decision.
func (d *Debouncer) ShouldSurface(id string, _ types.Event, now, cooldown float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.last[id]; ok && now-last < cooldown {
		return false
	}
	d.last[id] = now
	return true
}

// LastSurfaced returns the timestamp of the last surfaced event for id
func (d *Debouncer) LastSurfaced(id string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.last[id]
	return ts, ok
}

// Forget drops the record for id. Unknown ids are ignored.
func (d *Debouncer) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, id)
}
