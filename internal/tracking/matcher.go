package tracking

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/care/fallguard/internal/geometry"
	"github.com/care/fallguard/internal/types"
)

// Matcher assigns the current frame's detections to tracked persons.
//
// Assign receives the last detection of every tracked person and the detections
// of the current frame. It returns one entry per tracked person: the index of
// the detection assigned to it, or -1 when the person is unmatched.
type Matcher interface {
	Name() string
	Assign(tracked, current []types.Detection) []int
}

// Matcher strategy names accepted by NewMatcher
const (
	MatcherLegacy    = "legacy"
	MatcherUnique    = "unique"
	MatcherHungarian = "hungarian"
)

// NewMatcher returns the matcher registered under name
func NewMatcher(name string) (Matcher, error) {
	switch name {
	case "", MatcherLegacy:
		return LegacyMatcher{}, nil
	case MatcherUnique:
		return UniqueMatcher{}, nil
	case MatcherHungarian:
		return HungarianMatcher{}, nil
	default:
		return nil, fmt.Errorf("tracking: unknown matcher %q (must be %s, %s or %s)",
			name, MatcherLegacy, MatcherUnique, MatcherHungarian)
	}
}

// DistanceMatrix builds the tracked×current matrix of truncated center distances.
// Both slices must be non-empty; gonum refuses zero-sized matrices.
func DistanceMatrix(tracked, current []types.Detection) *mat.Dense {
	m := mat.NewDense(len(tracked), len(current), nil)
	for i, t := range tracked {
		tc := geometry.Center(t)
		for j, c := range current {
			m.Set(i, j, float64(geometry.Distance(tc, geometry.Center(c))))
		}
	}
	return m
}

// unassigned returns n entries of -1
func unassigned(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = -1
	}
	return out
}

// rankCells returns the flat indices (row*cols+col) of m ordered by ascending
// distance. Ties keep row-major order.
func rankCells(m *mat.Dense) []int {
	rows, cols := m.Dims()
	order := make([]int, rows*cols)
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool {
		return m.At(order[a]/cols, order[a]%cols) < m.At(order[b]/cols, order[b]%cols)
	})
	return order
}

// LegacyMatcher is the default nearest-pairs selection.
//
// The min(P, D) smallest cells of the distance ranking are applied in order,
// each one writing row → column. Rows and columns are never consumed, so a
// later cell overwrites an earlier assignment on the same row and two persons
// can claim the same detection. UniqueMatcher and HungarianMatcher assign
// one-to-one.
type LegacyMatcher struct{}

// Name implements Matcher
func (LegacyMatcher) Name() string { return MatcherLegacy }

// Assign implements Matcher
func (LegacyMatcher) Assign(tracked, current []types.Detection) []int {
	assign := unassigned(len(tracked))
	if len(tracked) == 0 || len(current) == 0 {
		return assign
	}

	m := DistanceMatrix(tracked, current)
	n := min(len(tracked), len(current))
	cols := len(current)
	for _, flat := range rankCells(m)[:n] {
		assign[flat/cols] = flat % cols
	}
	return assign
}

// UniqueMatcher walks the same ranking as LegacyMatcher but consumes rows and
// columns, so every pairing is one-to-one. Still greedy, not optimal.
type UniqueMatcher struct{}

// Name implements Matcher
func (UniqueMatcher) Name() string { return MatcherUnique }

// Assign implements Matcher
func (UniqueMatcher) Assign(tracked, current []types.Detection) []int {
	assign := unassigned(len(tracked))
	if len(tracked) == 0 || len(current) == 0 {
		return assign
	}

	m := DistanceMatrix(tracked, current)
	cols := len(current)
	want := min(len(tracked), cols)
	usedCol := make([]bool, cols)

	taken := 0
	for _, flat := range rankCells(m) {
		i, j := flat/cols, flat%cols
		if assign[i] >= 0 || usedCol[j] {
			continue
		}
		assign[i] = j
		usedCol[j] = true
		taken++
		if taken == want {
			break
		}
	}
	return assign
}

// HungarianMatcher solves the assignment optimally (minimum total distance)
type HungarianMatcher struct{}

// Name implements Matcher
func (HungarianMatcher) Name() string { return MatcherHungarian }

// Assign implements Matcher
func (HungarianMatcher) Assign(tracked, current []types.Detection) []int {
	if len(tracked) == 0 || len(current) == 0 {
		return unassigned(len(tracked))
	}
	return hungarian(DistanceMatrix(tracked, current))
}
