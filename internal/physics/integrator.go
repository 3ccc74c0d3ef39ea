package physics

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrInvalidMass reports a particle constructed with a non-positive or non-finite mass.
var ErrInvalidMass = errors.New("particle mass must be positive and finite")

// Particle is a Verlet point mass. Velocity is implicit in Current - Previous.
type Particle struct {
	Current     mgl64.Vec3
	Previous    mgl64.Vec3
	InverseMass float64
	// UV is assigned from the grid position at creation and never mutated.
	UV [2]float64

	mass float64
}

// NewParticle places a resting particle at position with the provided mass.
func NewParticle(position mgl64.Vec3, mass float64, uv [2]float64) (Particle, error) {
	//1.- Reject masses that would make the inverse mass meaningless.
	if !(mass > 0) || math.IsInf(mass, 0) {
		return Particle{}, fmt.Errorf("%w: got %v", ErrInvalidMass, mass)
	}
	//2.- Both positions start equal so the first step carries no velocity.
	return Particle{
		Current:     position,
		Previous:    position,
		InverseMass: 1 / mass,
		UV:          uv,
		mass:        mass,
	}, nil
}

// Mass returns the particle mass, or +Inf while the particle is pinned.
func (p *Particle) Mass() float64 {
	if p == nil || p.InverseMass == 0 {
		return math.Inf(1)
	}
	return p.mass
}

// Pinned reports whether the particle is immovable.
func (p *Particle) Pinned() bool {
	return p != nil && p.InverseMass == 0
}

// Pin freezes the particle in place by zeroing its inverse mass.
func (p *Particle) Pin() {
	if p == nil {
		return
	}
	p.InverseMass = 0
	//1.- Drop any implicit velocity so a later release starts at rest.
	p.Previous = p.Current
}

// Release restores the particle's original inverse mass.
func (p *Particle) Release() {
	if p == nil || p.mass <= 0 {
		return
	}
	p.InverseMass = 1 / p.mass
	p.Previous = p.Current
}

// Reset teleports the particle and clears its implicit velocity.
func (p *Particle) Reset(position mgl64.Vec3) {
	if p == nil {
		return
	}
	p.Current = position
	p.Previous = position
}

// Move advances the particle with time-symmetric Verlet integration.
// accel is the net external acceleration (force already divided by mass).
func (p *Particle) Move(dt float64, accel mgl64.Vec3) {
	//1.- Pinned particles keep both positions untouched.
	if p == nil || p.InverseMass == 0 {
		return
	}
	//2.- next = 2*current - previous + a*dt^2
	next := p.Current.Mul(2).Sub(p.Previous).Add(accel.Mul(dt * dt))
	p.Previous = p.Current
	p.Current = next
}

// Displacement returns the distance travelled during the last step.
func (p *Particle) Displacement() mgl64.Vec3 {
	if p == nil {
		return mgl64.Vec3{}
	}
	return p.Current.Sub(p.Previous)
}

// IsFinite reports whether every component of v is a real number.
func IsFinite(v mgl64.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
