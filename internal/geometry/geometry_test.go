package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/care/fallguard/internal/types"
)

func TestCenterAndBounds(t *testing.T) {
	d := types.Detection{X: 10, Y: 20, Width: 40, Height: 100}

	assert.Equal(t, Point{X: 30, Y: 70}, Center(d))
	assert.Equal(t, Box{X1: 10, Y1: 20, X2: 50, Y2: 120}, Bounds(d))
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want int
	}{
		{"same_point", Point{5, 5}, Point{5, 5}, 0},
		{"pythagorean", Point{0, 0}, Point{3, 4}, 5},
		{"truncates", Point{0, 0}, Point{1, 1}, 1},
		{"symmetric", Point{3, 4}, Point{0, 0}, 5},
		{"just_below_integer", Point{0, 0}, Point{9.99, 0}, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Distance(tt.a, tt.b))
		})
	}
}

func TestBoxContains(t *testing.T) {
	b := Box{X1: 0, Y1: 0, X2: 40, Y2: 100}

	assert.True(t, b.Contains(Point{20, 50}))
	assert.True(t, b.Contains(Point{0, 0}), "corner")
	assert.True(t, b.Contains(Point{40, 100}), "opposite corner")
	assert.False(t, b.Contains(Point{40.01, 50}))
	assert.False(t, b.Contains(Point{20, -0.5}))
}
