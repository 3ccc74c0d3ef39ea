package raytrace

import (
	"image/color"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ShadowBias offsets shadow rays off the surface they leave.
const ShadowBias = 1e-4

// Light is a directional light. Direction points from the surface toward the light.
type Light struct {
	Direction mgl64.Vec3
	Color     mgl64.Vec3
}

// Background colours rays that hit nothing.
type Background func(r Ray) mgl64.Vec3

// Scene is a flat list of intersectables plus lighting. A Scene must not be
// mutated while a render is in flight.
type Scene struct {
	Objects []Intersectable
	// MinT is the smallest parameter accepted as a hit.
	MinT       float64
	Light      Light
	Ambient    float64
	Background Background
	// Shadows enables occlusion tests toward the light.
	Shadows bool
}

// Nearest returns the hit with the smallest t >= MinT. On equal t the object
// listed first wins. index is -1 when nothing was hit.
func (s *Scene) Nearest(r Ray) (Hit, int, bool) {
	if s == nil {
		return Hit{}, -1, false
	}
	return s.NearestFrom(r, s.MinT)
}

// NearestFrom behaves like Nearest with an explicit lower bound on t.
func (s *Scene) NearestFrom(r Ray, minT float64) (Hit, int, bool) {
	if s == nil {
		return Hit{}, -1, false
	}
	best := Hit{T: math.Inf(1)}
	index := -1
	for i, obj := range s.Objects {
		hit, ok := obj.Intersect(r)
		if !ok || math.IsNaN(hit.T) || hit.T < minT {
			continue
		}
		//1.- Strict comparison keeps the earliest object on ties.
		if hit.T < best.T {
			best = hit
			index = i
		}
	}
	return best, index, index >= 0
}

// Shade returns the linear colour seen along r.
func (s *Scene) Shade(r Ray) mgl64.Vec3 {
	hit, _, ok := s.Nearest(r)
	if !ok {
		return s.background(r)
	}
	if hit.Emissive {
		return hit.Color
	}
	//1.- Faces are two-sided; flip normals that point away from the viewer.
	normal := hit.Normal
	if normal.Dot(r.Direction) > 0 {
		normal = normal.Mul(-1)
	}
	light := s.Light.Direction
	if l := light.Len(); l > 0 {
		light = light.Mul(1 / l)
	}
	diffuse := math.Max(0, normal.Dot(light))
	//2.- Occluders between the point and the light remove the diffuse term.
	if s.Shadows && diffuse > 0 {
		shadow := Ray{Origin: hit.Point.Add(normal.Mul(ShadowBias)), Direction: light}
		if occluder, _, blocked := s.NearestFrom(shadow, ShadowBias); blocked && !occluder.Emissive {
			diffuse = 0
		}
	}
	lightColor := s.Light.Color
	if lightColor == (mgl64.Vec3{}) {
		lightColor = mgl64.Vec3{1, 1, 1}
	}
	ambient := mgl64.Vec3{s.Ambient, s.Ambient, s.Ambient}
	intensity := ambient.Add(lightColor.Mul(diffuse * (1 - s.Ambient)))
	return mgl64.Vec3{hit.Color[0] * intensity[0], hit.Color[1] * intensity[1], hit.Color[2] * intensity[2]}
}

// RenderPixel traces r and converts the result to an 8-bit colour.
func (s *Scene) RenderPixel(r Ray) color.RGBA {
	return ToRGBA(s.Shade(r))
}

func (s *Scene) background(r Ray) mgl64.Vec3 {
	if s == nil || s.Background == nil {
		return mgl64.Vec3{}
	}
	return s.Background(r)
}

// SunsetSky blends from a warm horizon to a dusky zenith by ray elevation.
func SunsetSky(r Ray) mgl64.Vec3 {
	horizon := mgl64.Vec3{1.0, 0.55, 0.25}
	zenith := mgl64.Vec3{0.18, 0.12, 0.35}
	t := math.Max(0, math.Min(1, r.Direction.Y()))
	return horizon.Mul(1 - t).Add(zenith.Mul(t))
}

// ToRGBA clamps a linear colour into an opaque 8-bit pixel. NaN maps to black.
func ToRGBA(c mgl64.Vec3) color.RGBA {
	channel := func(v float64) uint8 {
		if math.IsNaN(v) || v <= 0 {
			return 0
		}
		if v >= 1 {
			return 255
		}
		return uint8(v*255 + 0.5)
	}
	return color.RGBA{R: channel(c[0]), G: channel(c[1]), B: channel(c[2]), A: 255}
}
