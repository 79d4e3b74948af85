// Package tracking follows people across frames of one camera and classifies
// their fall risk.
//
// A Tracker keeps only what the previous frame left behind: each Person holds
// its last detection plus the clocks of the state machine. Every call to
// Process runs four steps under the tracker lock:
//
//  1. Match: the Matcher pairs tracked persons with the new detections
//  2. Prune: persons left unmatched are dropped (no grace period)
//  3. Update: each survivor runs IsMoving, then the state machine
//  4. Spawn: detections nobody claimed become new Normal persons
//
// The instance-level event is then derived from the surviving persons:
// Fallen wins over Movement alert.
//
// Timestamps are supplied by the caller in seconds; nothing in this package
// reads the clock.
package tracking

import (
	"sync"

	"github.com/care/fallguard/internal/types"
)

// Tracker owns the persons tracked for one camera instance
type Tracker struct {
	mu         sync.Mutex
	matcher    Matcher
	thresholds Thresholds
	persons    []*Person
}

// NewTracker creates an empty tracker. A nil matcher selects LegacyMatcher.
func NewTracker(m Matcher, th Thresholds) *Tracker {
	if m == nil {
		m = LegacyMatcher{}
	}
	return &Tracker{
		matcher:    m,
		thresholds: th,
	}
}

// Process applies one frame of detections observed at now and returns the
// derived instance event together with a snapshot of the tracked persons.
func (t *Tracker) Process(detections []types.Detection, now float64) (types.Event, []PersonSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.match(detections)

	survivors := make([]*Person, 0, len(t.persons)+len(detections))
	claimed := make([]bool, len(detections))
	for _, p := range t.persons {
		if p.matched == nil {
			continue
		}
		claimed[p.matchedIndex] = true
		survivors = append(survivors, p)
	}

	for _, p := range survivors {
		d := *p.matched
		moving := IsMoving(p, d)
		p.Advance(d, now, moving, t.thresholds)
		p.matched = nil
	}

	for j, d := range detections {
		if !claimed[j] {
			survivors = append(survivors, NewPerson(d))
		}
	}

	t.persons = survivors
	return deriveEvent(t.persons), t.snapshots()
}

// match resets every person's scratch assignment and runs the matcher
func (t *Tracker) match(detections []types.Detection) {
	tracked := make([]types.Detection, len(t.persons))
	for i, p := range t.persons {
		p.matched = nil
		p.matchedIndex = -1
		tracked[i] = p.last
	}

	assign := t.matcher.Assign(tracked, detections)
	for i, j := range assign {
		if j < 0 || j >= len(detections) {
			continue
		}
		t.persons[i].matched = &detections[j]
		t.persons[i].matchedIndex = j
	}
}

// deriveEvent picks the instance event: any Fallen person wins outright,
// otherwise any Movement alert, otherwise nothing.
func deriveEvent(persons []*Person) types.Event {
	event := types.EventNone
	for _, p := range persons {
		switch p.State {
		case StateFallen:
			return types.EventFallen
		case StateMovementAlert:
			event = types.EventMovementAlert
		}
	}
	return event
}

func (t *Tracker) snapshots() []PersonSnapshot {
	out := make([]PersonSnapshot, len(t.persons))
	for i, p := range t.persons {
		out[i] = p.Snapshot()
	}
	return out
}

// Persons returns a snapshot of the currently tracked persons
func (t *Tracker) Persons() []PersonSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshots()
}

// Len returns the number of tracked persons
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.persons)
}

// MatcherName returns the strategy in use
func (t *Tracker) MatcherName() string {
	return t.matcher.Name()
}

// SetThresholds replaces the tuning used from the next frame on
func (t *Tracker) SetThresholds(th Thresholds) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thresholds = th
}
