package types

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidDetection is wrapped by every Validate failure
var ErrInvalidDetection = errors.New("types: invalid detection")

// Detection is one bounding box observed in a single frame.
// It carries no identity of its own; X/Y is the top-left corner.
type Detection struct {
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Width      float64 `json:"width" msgpack:"width"`
	Height     float64 `json:"height" msgpack:"height"`
	Label      string  `json:"label,omitempty" msgpack:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty" msgpack:"confidence,omitempty"`
}

// X2 returns the right edge
func (d Detection) X2() float64 {
	return d.X + d.Width
}

// Y2 returns the bottom edge
func (d Detection) Y2() float64 {
	return d.Y + d.Height
}

// Validate checks the fields the tracker does arithmetic on.
// Width and height must be strictly positive since both are used as divisors.
func (d Detection) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{{"x", d.X}, {"y", d.Y}, {"width", d.Width}, {"height", d.Height}}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s is missing or not finite", ErrInvalidDetection, f.name)
		}
	}
	if d.X < 0 || d.Y < 0 {
		return fmt.Errorf("%w: negative origin (%g, %g)", ErrInvalidDetection, d.X, d.Y)
	}
	if d.Width <= 0 {
		return fmt.Errorf("%w: width must be > 0, got %g", ErrInvalidDetection, d.Width)
	}
	if d.Height <= 0 {
		return fmt.Errorf("%w: height must be > 0, got %g", ErrInvalidDetection, d.Height)
	}
	return nil
}

// DetectionError ties a validation failure to its position in the frame
type DetectionError struct {
	Index int
	Err   error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection %d: %v", e.Index, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// SplitValid separates valid detections from invalid ones, keeping frame order.
// The returned error joins one DetectionError per rejected detection, or is nil.
func SplitValid(detections []Detection) ([]Detection, error) {
	valid := make([]Detection, 0, len(detections))
	var errs []error
	for i, d := range detections {
		if err := d.Validate(); err != nil {
			errs = append(errs, &DetectionError{Index: i, Err: err})
			continue
		}
		valid = append(valid, d)
	}
	return valid, errors.Join(errs...)
}
