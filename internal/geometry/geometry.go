// Package geometry holds the box arithmetic shared by the tracker.
//
// Coordinates follow image convention: (0, 0) is the top-left corner and y
// grows downwards.
package geometry

import (
	"math"

	"github.com/care/fallguard/internal/types"
)

// Point is a 2D image coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned rectangle given by its corners
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the center of a detection box
func Center(d types.Detection) Point {
	return Point{X: d.X + d.Width/2, Y: d.Y + d.Height/2}
}

// Bounds returns the corners of a detection box
func Bounds(d types.Detection) Box {
	return Box{X1: d.X, Y1: d.Y, X2: d.X2(), Y2: d.Y2()}
}

// Distance returns the Euclidean distance between two points, truncated toward zero
func Distance(a, b Point) int {
	return int(math.Sqrt((a.X-b.X)*(a.X-b.X) + (a.Y-b.Y)*(a.Y-b.Y)))
}

// Contains reports whether p lies inside b; edges count as inside
func (b Box) Contains(p Point) bool {
	return p.X >= b.X1 && p.X <= b.X2 && p.Y >= b.Y1 && p.Y <= b.Y2
}
