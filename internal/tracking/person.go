package tracking

import (
	"github.com/care/fallguard/internal/geometry"
	"github.com/care/fallguard/internal/types"
)

// State is the fall-risk classification of a tracked person
type State string

const (
	StateNormal            State = "Normal"
	StateHorizontalWarning State = "Horizontal warning"
	StateVerticalWarning   State = "Vertical warning"
	StateMovementAlert     State = "Movement alert"
	StateFallen            State = "Fallen"
)

// Thresholds tunes the state machine. Durations are in seconds.
type Thresholds struct {
	// BetaCoefficient discounts the tallest height seen while Normal
	BetaCoefficient float64
	// HorizontalFall is how long a wider-than-tall posture lasts before Fallen
	HorizontalFall float64
	// VerticalFall is how long a collapsed height lasts before Fallen
	VerticalFall float64
	// Stillness is how long an upright person may stay still before Movement alert
	Stillness float64
}

// DefaultThresholds returns the stock tuning
func DefaultThresholds() Thresholds {
	return Thresholds{
		BetaCoefficient: 0.7,
		HorizontalFall:  1.0,
		VerticalFall:    2.0,
		Stillness:       3.0,
	}
}

// Person is the tracker's view of one individual across consecutive frames
type Person struct {
	State         State
	HighestHeight float64
	Reference     geometry.Box

	last         types.Detection
	matched      *types.Detection // this frame's assignment, nil when unmatched
	matchedIndex int

	stateEnteredAt float64
	inWarning      bool // stateEnteredAt is set
	stillSince     float64
	still          bool // stillSince is set
}

// NewPerson starts tracking d in Normal state
func NewPerson(d types.Detection) *Person {
	return &Person{
		State:         StateNormal,
		HighestHeight: d.Height,
		Reference:     geometry.Bounds(d),
		last:          d,
	}
}

// Last returns the detection from the most recent frame the person was seen in
func (p *Person) Last() types.Detection {
	return p.last
}

// StateEnteredAt returns when the current warning episode began
func (p *Person) StateEnteredAt() (float64, bool) {
	return p.stateEnteredAt, p.inWarning
}

// StillSince returns when continuous stillness began
func (p *Person) StillSince() (float64, bool) {
	return p.stillSince, p.still
}

// Advance applies one frame's matched detection d observed at now.
// moving is the movement detector's verdict for the same frame.
func (p *Person) Advance(d types.Detection, now float64, moving bool, th Thresholds) {
	if moving {
		p.State = StateNormal
		p.clearWarning()
		p.still = false
		p.stillSince = 0
	} else {
		p.classify(d, now, th)
	}

	if p.State == StateNormal && d.Height > p.HighestHeight {
		p.HighestHeight = d.Height
	}
	p.last = d
}

func (p *Person) classify(d types.Detection, now float64, th Thresholds) {
	if !p.still {
		p.still = true
		p.stillSince = now
	}

	alpha := d.Height / d.Width
	beta := d.Height / (p.HighestHeight * th.BetaCoefficient)

	switch {
	case alpha < 1.0:
		p.warn(StateHorizontalWarning, now, th.HorizontalFall)
	case beta < 1.0:
		p.warn(StateVerticalWarning, now, th.VerticalFall)
	case now-p.stillSince >= th.Stillness:
		p.State = StateMovementAlert
	default:
		p.State = StateNormal
		p.clearWarning()
	}
}

// warn keeps the person in state s, promoting to Fallen once the warning
// episode has lasted limit seconds. The episode clock is shared by both
// warning kinds.
func (p *Person) warn(s State, now, limit float64) {
	if !p.inWarning {
		p.inWarning = true
		p.stateEnteredAt = now
	}
	if now-p.stateEnteredAt >= limit {
		p.State = StateFallen
		return
	}
	p.State = s
}

func (p *Person) clearWarning() {
	p.inWarning = false
	p.stateEnteredAt = 0
}

// PersonSnapshot is a read-only copy of a Person for diagnostics consumers
type PersonSnapshot struct {
	State         State           `json:"state"`
	Detection     types.Detection `json:"detection"`
	HighestHeight float64         `json:"highest_height"`
	Reference     geometry.Box    `json:"reference"`
}

// Snapshot copies the externally visible fields
func (p *Person) Snapshot() PersonSnapshot {
	return PersonSnapshot{
		State:         p.State,
		Detection:     p.last,
		HighestHeight: p.HighestHeight,
		Reference:     p.Reference,
	}
}
