// Package engine is the entry point of the fall-detection core. It ties the
// instance registry, the per-instance trackers and the event debouncer
// together behind ProcessFrame and the instance lifecycle calls.
//
// The engine does no I/O. Surfaced events are returned to the caller, which
// owns delivery.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/care/fallguard/internal/debounce"
	"github.com/care/fallguard/internal/registry"
	"github.com/care/fallguard/internal/tracking"
	"github.com/care/fallguard/internal/types"
)

// Policy decides what happens to a frame carrying malformed detections
type Policy string

const (
	// PolicyDrop removes the offending detections and processes the rest
	PolicyDrop Policy = "drop"
	// PolicyReject skips the whole frame and leaves the tracker untouched
	PolicyReject Policy = "reject"
)

var (
	ErrUnknownPolicy = errors.New("engine: unknown invalid detection policy")
	ErrInvalidTuning = errors.New("engine: invalid tuning")
	ErrFrameRejected = errors.New("engine: frame rejected")
	ErrEmptyInstance = errors.New("engine: empty instance id")
	ErrBadTimestamp  = errors.New("engine: timestamp is not a finite number")
)

// Config holds the engine tuning
type Config struct {
	Matcher           string
	Thresholds        tracking.Thresholds
	Cooldown          float64
	InvalidDetections Policy
}

// DefaultConfig returns the stock tuning: legacy matcher, default thresholds,
// 120s cooldown and the drop policy.
func DefaultConfig() Config {
	return Config{
		Matcher:           tracking.MatcherLegacy,
		Thresholds:        tracking.DefaultThresholds(),
		Cooldown:          debounce.DefaultCooldown,
		InvalidDetections: PolicyDrop,
	}
}

func (c Config) validate() error {
	switch c.InvalidDetections {
	case PolicyDrop, PolicyReject:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, c.InvalidDetections)
	}
	return ValidateTuning(c.Thresholds, c.Cooldown)
}

// ValidateTuning checks thresholds and cooldown. Zero durations are valid.
func ValidateTuning(th tracking.Thresholds, cooldown float64) error {
	for _, v := range []float64{th.BetaCoefficient, th.HorizontalFall, th.VerticalFall, th.Stillness, cooldown} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: values must be finite", ErrInvalidTuning)
		}
	}
	if th.BetaCoefficient <= 0 || th.BetaCoefficient > 1 {
		return fmt.Errorf("%w: beta coefficient must be in (0, 1], got %v", ErrInvalidTuning, th.BetaCoefficient)
	}
	if th.HorizontalFall < 0 || th.VerticalFall < 0 || th.Stillness < 0 {
		return fmt.Errorf("%w: durations must be >= 0", ErrInvalidTuning)
	}
	if cooldown < 0 {
		return fmt.Errorf("%w: cooldown must be >= 0, got %v", ErrInvalidTuning, cooldown)
	}
	return nil
}

// FrameResult is the full outcome of one frame
type FrameResult struct {
	// Event is the surfaced event, EventNone when nothing surfaced
	Event types.Event
	// Derived is the event before debouncing
	Derived  types.Event
	Surfaced bool
	// Suppressed is true when an event was derived but the cooldown held it back
	Suppressed bool
	Persons    []tracking.PersonSnapshot
	// Err aggregates the per-detection validation errors, if any
	Err error
}

// Stats are the engine counters
type Stats struct {
	Frames            uint64 `json:"frames"`
	RejectedFrames    uint64 `json:"rejected_frames"`
	InvalidDetections uint64 `json:"invalid_detections"`
	Derived           uint64 `json:"derived"`
	Surfaced          uint64 `json:"surfaced"`
	Suppressed        uint64 `json:"suppressed"`
}

// Engine processes frames for any number of camera instances
type Engine struct {
	mu      sync.RWMutex
	cfg     Config
	matcher tracking.Matcher

	// lifecycle is held for reading by every frame and for writing by
	// RemoveInstance, so a removal never interleaves with a frame of the
	// same instance between tracking and debouncing.
	lifecycle sync.RWMutex
	registry  *registry.Registry
	debouncer *debounce.Debouncer

	frames            atomic.Uint64
	rejectedFrames    atomic.Uint64
	invalidDetections atomic.Uint64
	derived           atomic.Uint64
	surfaced          atomic.Uint64
	suppressed        atomic.Uint64
}

// New creates an engine from cfg
func New(cfg Config) (*Engine, error) {
	if cfg.InvalidDetections == "" {
		cfg.InvalidDetections = PolicyDrop
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m, err := tracking.NewMatcher(cfg.Matcher)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	cfg.Matcher = m.Name()

	e := &Engine{
		cfg:       cfg,
		matcher:   m,
		debouncer: debounce.New(),
	}
	e.registry = registry.New(e.newTracker)
	return e, nil
}

func (e *Engine) newTracker(string) *tracking.Tracker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return tracking.NewTracker(e.matcher, e.cfg.Thresholds)
}

// ProcessFrame applies one frame to the instance and returns the event when
// one is both derived and past the cooldown.
func (e *Engine) ProcessFrame(instanceID string, detections []types.Detection, ts float64) (types.Event, bool) {
	r := e.ProcessFrameDetailed(instanceID, detections, ts)
	return r.Event, r.Surfaced
}

// ProcessFrameDetailed is ProcessFrame with the person snapshots, the
// pre-debounce event and validation errors.
func (e *Engine) ProcessFrameDetailed(instanceID string, detections []types.Detection, ts float64) FrameResult {
	if instanceID == "" {
		e.rejectedFrames.Add(1)
		return FrameResult{Err: ErrEmptyInstance}
	}
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		e.rejectedFrames.Add(1)
		return FrameResult{Err: fmt.Errorf("%w: %v", ErrBadTimestamp, ts)}
	}

	e.mu.RLock()
	policy := e.cfg.InvalidDetections
	cooldown := e.cfg.Cooldown
	e.mu.RUnlock()

	valid, verr := types.SplitValid(detections)
	if verr != nil {
		e.invalidDetections.Add(uint64(len(detections) - len(valid)))
		if policy == PolicyReject {
			e.rejectedFrames.Add(1)
			return FrameResult{Err: fmt.Errorf("%w: %w", ErrFrameRejected, verr)}
		}
	}

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()

	tracker, _ := e.registry.Ensure(instanceID)
	derived, persons := tracker.Process(valid, ts)
	e.frames.Add(1)

	result := FrameResult{
		Derived: derived,
		Persons: persons,
		Err:     verr,
	}
	if derived == types.EventNone {
		return result
	}

	e.derived.Add(1)
	if !e.debouncer.ShouldSurface(instanceID, derived, ts, cooldown) {
		e.suppressed.Add(1)
		result.Suppressed = true
		return result
	}

	e.surfaced.Add(1)
	result.Event = derived
	result.Surfaced = true
	return result
}

// AddInstance registers an instance ahead of its first frame. It returns
// false when the instance already exists; the existing tracker is kept.
func (e *Engine) AddInstance(instanceID string) bool {
	if instanceID == "" {
		return false
	}
	return e.registry.Add(instanceID)
}

// RemoveInstance drops the instance's tracker and debounce record. It returns
// false for unknown instances.
func (e *Engine) RemoveInstance(instanceID string) bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	removed := e.registry.Remove(instanceID)
	e.debouncer.Forget(instanceID)
	return removed
}

// Instances returns the registered instance ids, sorted
func (e *Engine) Instances() []string {
	return e.registry.IDs()
}

// InstanceCount returns the number of registered instances
func (e *Engine) InstanceCount() int {
	return e.registry.Len()
}

// Persons returns the tracked persons of an instance
func (e *Engine) Persons(instanceID string) ([]tracking.PersonSnapshot, bool) {
	t, ok := e.registry.Get(instanceID)
	if !ok {
		return nil, false
	}
	return t.Persons(), true
}

// Config returns the current tuning
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// UpdateTuning replaces thresholds and cooldown at runtime. The thresholds
// reach existing trackers from their next frame on; the cooldown applies to
// the next debounce decision. Debounce records are kept.
func (e *Engine) UpdateTuning(th tracking.Thresholds, cooldown float64) error {
	if err := ValidateTuning(th, cooldown); err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg.Thresholds = th
	e.cfg.Cooldown = cooldown
	e.mu.Unlock()

	for _, id := range e.registry.IDs() {
		if t, ok := e.registry.Get(id); ok {
			t.SetThresholds(th)
		}
	}
	return nil
}

// Stats returns a snapshot of the engine counters
func (e *Engine) Stats() Stats {
	return Stats{
		Frames:            e.frames.Load(),
		RejectedFrames:    e.rejectedFrames.Load(),
		InvalidDetections: e.invalidDetections.Load(),
		Derived:           e.derived.Load(),
		Surfaced:          e.surfaced.Load(),
		Suppressed:        e.suppressed.Load(),
	}
}
