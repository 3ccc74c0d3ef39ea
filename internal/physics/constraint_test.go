package physics

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func mustParticle(t *testing.T, pos mgl64.Vec3, mass float64) *Particle {
	t.Helper()
	p, err := NewParticle(pos, mass, [2]float64{})
	if err != nil {
		t.Fatalf("NewParticle: %v", err)
	}
	return &p
}

func TestSatisfyConvergesMonotonically(t *testing.T) {
	//1.- Stretch a unit-length constraint to three units with equal masses.
	p := mustParticle(t, mgl64.Vec3{0, 0, 0}, 1)
	q := mustParticle(t, mgl64.Vec3{1, 0, 0}, 1)
	c := NewConstraint(p, q)
	q.Current = mgl64.Vec3{3, 0.5, -1}

	previous := c.Stretch()
	for i := 0; i < 20; i++ {
		if !c.Satisfy() {
			t.Fatalf("iteration %d: unexpected degenerate report", i)
		}
		//2.- The error must never grow between iterations.
		current := c.Stretch()
		if current > previous+1e-12 {
			t.Fatalf("iteration %d: stretch grew from %g to %g", i, previous, current)
		}
		previous = current
	}
	if previous > 1e-9 {
		t.Fatalf("expected convergence to rest length, residual %g", previous)
	}
}

func TestSatisfyWeightsByInverseMass(t *testing.T) {
	//1.- P is three times heavier than Q, so Q should absorb 3/4 of the correction.
	p := mustParticle(t, mgl64.Vec3{0, 0, 0}, 3)
	q := mustParticle(t, mgl64.Vec3{2, 0, 0}, 1)
	c := Constraint{P: p, Q: q, RestLength: 1}
	c.Satisfy()
	if !p.Current.ApproxEqualThreshold(mgl64.Vec3{0.25, 0, 0}, 1e-12) {
		t.Fatalf("unexpected P %v", p.Current)
	}
	if !q.Current.ApproxEqualThreshold(mgl64.Vec3{1.25, 0, 0}, 1e-12) {
		t.Fatalf("unexpected Q %v", q.Current)
	}
}

func TestSatisfyNeverMovesPinnedParticle(t *testing.T) {
	p := mustParticle(t, mgl64.Vec3{0, 0, 0}, 1)
	p.Pin()
	q := mustParticle(t, mgl64.Vec3{0, -2, 0}, 1)
	c := Constraint{P: p, Q: q, RestLength: 1}
	c.Satisfy()
	if p.Current != (mgl64.Vec3{}) {
		t.Fatalf("pinned particle moved to %v", p.Current)
	}
	if !q.Current.ApproxEqualThreshold(mgl64.Vec3{0, -1, 0}, 1e-12) {
		t.Fatalf("free particle should take the full correction, got %v", q.Current)
	}
}

func TestSatisfyReportsCoincidentParticles(t *testing.T) {
	p := mustParticle(t, mgl64.Vec3{1, 1, 1}, 1)
	q := mustParticle(t, mgl64.Vec3{1, 1, 1}, 1)
	c := Constraint{P: p, Q: q, RestLength: 1}
	if c.Satisfy() {
		t.Fatal("expected degenerate constraint to report false")
	}
	if p.Current != q.Current || p.Current != (mgl64.Vec3{1, 1, 1}) {
		t.Fatalf("degenerate constraint must not move particles: p=%v q=%v", p.Current, q.Current)
	}
}
