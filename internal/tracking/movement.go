package tracking

import (
	"github.com/care/fallguard/internal/geometry"
	"github.com/care/fallguard/internal/types"
)

// IsMoving reports whether the center of d left the person's reference box.
// On movement the reference box is re-anchored to d's bounds.
func IsMoving(p *Person, d types.Detection) bool {
	if p.Reference.Contains(geometry.Center(d)) {
		return false
	}
	p.Reference = geometry.Bounds(d)
	return true
}
