package physics

import "math"

// Constraint keeps two particles at a fixed rest distance. It does not own them.
type Constraint struct {
	P          *Particle
	Q          *Particle
	RestLength float64
}

// NewConstraint links p and q using their current separation as the rest length.
func NewConstraint(p, q *Particle) Constraint {
	return Constraint{P: p, Q: q, RestLength: q.Current.Sub(p.Current).Len()}
}

// Satisfy performs one relaxation step toward the rest length, weighting the
// correction by inverse mass. It returns false without moving anything when
// the particles coincide.
func (c Constraint) Satisfy() bool {
	if c.P == nil || c.Q == nil {
		return false
	}
	//1.- Measure the current separation; coincident particles have no direction to push along.
	delta := c.Q.Current.Sub(c.P.Current)
	length := delta.Len()
	if length == 0 {
		return false
	}
	//2.- Both pinned means there is nothing to distribute.
	wp, wq := c.P.InverseMass, c.Q.InverseMass
	total := wp + wq
	if total == 0 {
		return true
	}
	//3.- Split the correction so the lighter particle moves further.
	correction := delta.Mul((length - c.RestLength) / length)
	if wp != 0 {
		c.P.Current = c.P.Current.Add(correction.Mul(wp / total))
	}
	if wq != 0 {
		c.Q.Current = c.Q.Current.Sub(correction.Mul(wq / total))
	}
	return true
}

// Stretch returns how far the constraint currently deviates from its rest length.
func (c Constraint) Stretch() float64 {
	if c.P == nil || c.Q == nil {
		return 0
	}
	return math.Abs(c.Q.Current.Sub(c.P.Current).Len() - c.RestLength)
}
