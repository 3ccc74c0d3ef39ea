package raytrace

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"gfxlab/broker/internal/noise"
)

// SignedDistanceField exposes the sampling contract for sphere tracing.
type SignedDistanceField interface {
	Sample(point mgl64.Vec3) float64
}

// SampleFunc adapts a function into a SignedDistanceField.
type SampleFunc func(mgl64.Vec3) float64

// Sample invokes the wrapped sampling function.
func (s SampleFunc) Sample(point mgl64.Vec3) float64 {
	return s(point)
}

// SphereField is an analytic sphere distance.
type SphereField struct {
	Center mgl64.Vec3
	Radius float64
}

// Sample calculates the signed distance from a point to the sphere surface.
func (s SphereField) Sample(point mgl64.Vec3) float64 {
	return point.Sub(s.Center).Len() - s.Radius
}

// PlaneField is an infinite plane through a point.
type PlaneField struct {
	origin mgl64.Vec3
	normal mgl64.Vec3
}

// NewPlaneField normalises the plane normal. A zero normal defaults to +Y.
func NewPlaneField(point, normal mgl64.Vec3) PlaneField {
	if normal.Len() == 0 {
		normal = mgl64.Vec3{0, 1, 0}
	}
	return PlaneField{origin: point, normal: normal.Normalize()}
}

// Sample returns the signed distance from the plane to the point.
func (p PlaneField) Sample(point mgl64.Vec3) float64 {
	return point.Sub(p.origin).Dot(p.normal)
}

// TerrainField is a Perlin height field. Its samples are scaled by Lipschitz so
// steep slopes do not make the tracer overshoot.
type TerrainField struct {
	Noise     *noise.Perlin
	Fractal   noise.Fractal
	Base      float64
	Amplitude float64
	Lipschitz float64
}

// NewTerrainField builds rolling terrain from seed.
func NewTerrainField(seed uint64, base, amplitude float64) TerrainField {
	return TerrainField{
		Noise:     noise.NewPerlin(seed),
		Fractal:   noise.DefaultFractal(),
		Base:      base,
		Amplitude: amplitude,
		Lipschitz: 0.5,
	}
}

// Height returns the terrain elevation under (x, z).
func (f TerrainField) Height(x, z float64) float64 {
	return f.Base + f.Amplitude*f.Fractal.Sample2D(f.Noise, x, z)
}

// Sample approximates distance by vertical clearance.
func (f TerrainField) Sample(point mgl64.Vec3) float64 {
	k := f.Lipschitz
	if k <= 0 {
		k = 1
	}
	return (point.Y() - f.Height(point.X(), point.Z())) * k
}

// Raycast sphere-traces r through field until the sample drops below epsilon
// or the travelled distance exceeds maxDistance.
func Raycast(field SignedDistanceField, r Ray, maxDistance float64, maxSteps int, epsilon float64) (bool, float64, mgl64.Vec3) {
	distance := 0.0
	current := r.Origin
	for step := 0; step < maxSteps; step++ {
		sample := field.Sample(current)
		if sample < epsilon {
			return true, distance, current
		}
		distance += sample
		if distance > maxDistance {
			break
		}
		current = r.At(distance)
	}
	capped := math.Min(distance, maxDistance)
	return false, capped, r.At(capped)
}

// FieldNormal estimates the surface normal by central differences.
func FieldNormal(field SignedDistanceField, p mgl64.Vec3, h float64) mgl64.Vec3 {
	dx := mgl64.Vec3{h, 0, 0}
	dy := mgl64.Vec3{0, h, 0}
	dz := mgl64.Vec3{0, 0, h}
	n := mgl64.Vec3{
		field.Sample(p.Add(dx)) - field.Sample(p.Sub(dx)),
		field.Sample(p.Add(dy)) - field.Sample(p.Sub(dy)),
		field.Sample(p.Add(dz)) - field.Sample(p.Sub(dz)),
	}
	if n.Len() == 0 {
		return mgl64.Vec3{0, 1, 0}
	}
	return n.Normalize()
}

// Marched makes a distance field intersectable by sphere tracing.
type Marched struct {
	Field       SignedDistanceField
	Color       mgl64.Vec3
	MaxDistance float64
	MaxSteps    int
	Epsilon     float64
}

// Intersect traces r forward from its origin. Hits always have t >= 0.
func (m Marched) Intersect(r Ray) (Hit, bool) {
	if m.Field == nil {
		return Hit{}, false
	}
	maxDistance, maxSteps, epsilon := m.MaxDistance, m.MaxSteps, m.Epsilon
	if maxDistance <= 0 {
		maxDistance = 200
	}
	if maxSteps <= 0 {
		maxSteps = 256
	}
	if epsilon <= 0 {
		epsilon = 1e-3
	}
	hit, t, point := Raycast(m.Field, r, maxDistance, maxSteps, epsilon)
	if !hit {
		return Hit{}, false
	}
	return Hit{T: t, Point: point, Normal: FieldNormal(m.Field, point, epsilon), Color: m.Color}, true
}
