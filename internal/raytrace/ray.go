// Package raytrace implements ray/primitive intersection, nearest-hit scene
// selection and a software per-pixel renderer.
package raytrace

import (
	"errors"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrDegenerateRay reports a ray built from a zero-length direction.
var ErrDegenerateRay = errors.New("ray direction must be non-zero")

// Ray is an immutable half-line. Direction is unit length.
type Ray struct {
	Origin    mgl64.Vec3
	Direction mgl64.Vec3
}

// NewRay normalises direction once and returns the ray.
func NewRay(origin, direction mgl64.Vec3) (Ray, error) {
	length := direction.Len()
	if length == 0 {
		return Ray{}, ErrDegenerateRay
	}
	return Ray{Origin: origin, Direction: direction.Mul(1 / length)}, nil
}

// At returns the point at parameter t along the ray.
func (r Ray) At(t float64) mgl64.Vec3 {
	return r.Origin.Add(r.Direction.Mul(t))
}
