package raytrace

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// singularEpsilon bounds the determinant below which a ray counts as parallel to a triangle.
const singularEpsilon = 1e-12

// Hit describes where a ray meets a primitive.
type Hit struct {
	T      float64
	Point  mgl64.Vec3
	Normal mgl64.Vec3
	Color  mgl64.Vec3
	// Emissive surfaces are shown at full colour and never cast shadows.
	Emissive bool
}

// Intersectable is anything a ray can be tested against.
type Intersectable interface {
	Intersect(r Ray) (Hit, bool)
}

// Sphere is a solid ball.
type Sphere struct {
	Center   mgl64.Vec3
	Radius   float64
	Color    mgl64.Vec3
	Emissive bool
}

// Intersect returns the near root of the ray/sphere quadratic. The root is
// returned even when negative, so a ray starting inside or in front of the
// sphere reports a t behind its origin; callers filter by range.
func (s Sphere) Intersect(r Ray) (Hit, bool) {
	//1.- With a unit direction the quadratic reduces to t^2 + 2Bt + C = 0.
	u := r.Origin.Sub(s.Center)
	b := r.Direction.Dot(u)
	c := u.Dot(u) - s.Radius*s.Radius
	disc := b*b - c
	if disc < 0 {
		return Hit{}, false
	}
	//2.- Keep the near root only.
	t := -b - math.Sqrt(disc)
	point := r.At(t)
	normal := point.Sub(s.Center)
	if s.Radius > 0 {
		normal = normal.Mul(1 / s.Radius)
	}
	return Hit{T: t, Point: point, Normal: normal, Color: s.Color, Emissive: s.Emissive}, true
}

// Triangle is a single flat face with a precomputed normal.
type Triangle struct {
	A, B, C mgl64.Vec3
	Normal  mgl64.Vec3
	Color   mgl64.Vec3
}

// NewTriangle computes the (B-A)x(C-A) normal for the face.
func NewTriangle(a, b, c, color mgl64.Vec3) Triangle {
	normal := b.Sub(a).Cross(c.Sub(a))
	if l := normal.Len(); l > 0 {
		normal = normal.Mul(1 / l)
	}
	return Triangle{A: a, B: b, C: c, Normal: normal, Color: color}
}

// Barycentric solves [A-C, B-C, -d](u, v, t) = o - C. ok is false when the
// system is singular.
func (tri Triangle) Barycentric(r Ray) (u, v, t float64, ok bool) {
	m := mgl64.Mat3FromCols(tri.A.Sub(tri.C), tri.B.Sub(tri.C), r.Direction.Mul(-1))
	//1.- A ray parallel to the plane has no unique solution.
	if math.Abs(m.Det()) < singularEpsilon {
		return 0, 0, 0, false
	}
	solution := m.Inv().Mul3x1(r.Origin.Sub(tri.C))
	return solution[0], solution[1], solution[2], true
}

// Intersect reports a hit when the barycentric weights all lie in [0, 1].
// Hits behind the ray origin (t < 0) are not rejected here.
func (tri Triangle) Intersect(r Ray) (Hit, bool) {
	u, v, t, ok := tri.Barycentric(r)
	if !ok {
		return Hit{}, false
	}
	w := 1 - u - v
	if u < 0 || u > 1 || v < 0 || v > 1 || w < 0 || w > 1 {
		return Hit{}, false
	}
	return Hit{T: t, Point: r.At(t), Normal: tri.Normal, Color: tri.Color}, true
}

// MeshTriangles converts flat positions and triangle indices into triangles.
func MeshTriangles(positions []float64, indices []uint32, color mgl64.Vec3) ([]Triangle, error) {
	if len(positions)%3 != 0 {
		return nil, fmt.Errorf("positions length %d is not a multiple of 3", len(positions))
	}
	if len(indices)%3 != 0 {
		return nil, fmt.Errorf("indices length %d is not a multiple of 3", len(indices))
	}
	vertexCount := uint32(len(positions) / 3)
	vertex := func(i uint32) mgl64.Vec3 {
		return mgl64.Vec3{positions[3*i], positions[3*i+1], positions[3*i+2]}
	}
	tris := make([]Triangle, 0, len(indices)/3)
	for i := 0; i < len(indices); i += 3 {
		a, b, c := indices[i], indices[i+1], indices[i+2]
		if a >= vertexCount || b >= vertexCount || c >= vertexCount {
			return nil, fmt.Errorf("triangle %d references vertex outside %d", i/3, vertexCount)
		}
		tris = append(tris, NewTriangle(vertex(a), vertex(b), vertex(c), color))
	}
	return tris, nil
}
