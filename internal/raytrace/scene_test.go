package raytrace

import (
	"context"
	"errors"
	"image/color"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

// fixedHit always reports the same parameter.
type fixedHit struct {
	t     float64
	color mgl64.Vec3
}

func (f fixedHit) Intersect(r Ray) (Hit, bool) {
	return Hit{T: f.t, Point: r.At(f.t), Normal: r.Direction.Mul(-1), Color: f.color}, true
}

func TestNearestPicksSmallestValidT(t *testing.T) {
	scene := &Scene{Objects: []Intersectable{
		fixedHit{t: 7},
		fixedHit{t: -2},
		fixedHit{t: 3},
		fixedHit{t: 5},
	}}
	r := mustRay(t, mgl64.Vec3{}, mgl64.Vec3{0, 0, 1})
	hit, index, ok := scene.Nearest(r)
	if !ok || index != 2 || hit.T != 3 {
		t.Fatalf("expected object 2 at t=3, got index=%d t=%v ok=%v", index, hit.T, ok)
	}
	//1.- Lowering the bound admits the hit behind the origin.
	if _, index, _ := scene.NearestFrom(r, math.Inf(-1)); index != 1 {
		t.Fatalf("expected the negative hit with an open bound, got %d", index)
	}
}

func TestNearestTieGoesToFirstFound(t *testing.T) {
	scene := &Scene{Objects: []Intersectable{
		fixedHit{t: 9},
		fixedHit{t: 4, color: mgl64.Vec3{1, 0, 0}},
		fixedHit{t: 4, color: mgl64.Vec3{0, 1, 0}},
	}}
	hit, index, ok := scene.Nearest(mustRay(t, mgl64.Vec3{}, mgl64.Vec3{1, 0, 0}))
	if !ok || index != 1 || hit.Color != (mgl64.Vec3{1, 0, 0}) {
		t.Fatalf("expected first of the tied objects, got index=%d color=%v", index, hit.Color)
	}
}

func TestNearestOverSphereAndTriangle(t *testing.T) {
	scene := &Scene{Objects: []Intersectable{
		testTriangle(),
		Sphere{Center: mgl64.Vec3{0, 0, -2}, Radius: 0.5},
	}}
	hit, index, ok := scene.Nearest(mustRay(t, mgl64.Vec3{0, 0, -5}, mgl64.Vec3{0, 0, 1}))
	if !ok || index != 1 || hit.T != 2.5 {
		t.Fatalf("expected the sphere at t=2.5, got index=%d t=%v", index, hit.T)
	}
}

func TestRenderPixelBackgroundAndEmissive(t *testing.T) {
	sky := mgl64.Vec3{0, 0, 1}
	scene := &Scene{
		Objects:    []Intersectable{Sphere{Center: mgl64.Vec3{0, 0, 5}, Radius: 1, Color: mgl64.Vec3{1, 1, 0}, Emissive: true}},
		Background: func(Ray) mgl64.Vec3 { return sky },
	}
	if got := scene.RenderPixel(mustRay(t, mgl64.Vec3{}, mgl64.Vec3{0, 1, 0})); got != (color.RGBA{B: 255, A: 255}) {
		t.Fatalf("expected background, got %v", got)
	}
	if got := scene.RenderPixel(mustRay(t, mgl64.Vec3{}, mgl64.Vec3{0, 0, 1})); got != (color.RGBA{R: 255, G: 255, A: 255}) {
		t.Fatalf("expected emissive colour, got %v", got)
	}
	var empty *Scene
	if got := empty.RenderPixel(mustRay(t, mgl64.Vec3{}, mgl64.Vec3{0, 0, 1})); got != (color.RGBA{A: 255}) {
		t.Fatalf("nil scene should render black, got %v", got)
	}
}

func TestShadeAppliesShadows(t *testing.T) {
	floor := NewTriangle(mgl64.Vec3{-10, 0, 10}, mgl64.Vec3{10, 0, 10}, mgl64.Vec3{0, 0, -10}, mgl64.Vec3{1, 1, 1})
	blocker := Sphere{Center: mgl64.Vec3{0, 2, 0}, Radius: 0.5, Color: mgl64.Vec3{1, 1, 1}}
	scene := &Scene{
		Objects: []Intersectable{floor},
		Light:   Light{Direction: mgl64.Vec3{0, 1, 0}},
		Ambient: 0.2,
		Shadows: true,
	}
	down := mustRay(t, mgl64.Vec3{0.01, 5, 0.01}, mgl64.Vec3{0, -1, 0})
	lit := scene.Shade(down)
	if math.Abs(lit[0]-1) > 1e-9 {
		t.Fatalf("expected fully lit floor, got %v", lit)
	}
	//1.- A ray from beside the blocker still lands under its shadow.
	scene.Objects = append(scene.Objects, blocker)
	under := mustRay(t, mgl64.Vec3{3, 1, 0.01}, mgl64.Vec3{-3, -1, 0})
	shaded := scene.Shade(under)
	if math.Abs(shaded[0]-0.2) > 1e-9 {
		t.Fatalf("expected ambient only in shadow, got %v", shaded)
	}
}

func TestToRGBAClamps(t *testing.T) {
	got := ToRGBA(mgl64.Vec3{-1, 2, math.NaN()})
	if got != (color.RGBA{G: 255, A: 255}) {
		t.Fatalf("unexpected clamp %v", got)
	}
	if got := ToRGBA(mgl64.Vec3{0.5, 0.5, 0.5}); got.R != 128 {
		t.Fatalf("expected rounding to 128, got %d", got.R)
	}
}

func TestCameraCentreRayLooksAtTarget(t *testing.T) {
	cam := Camera{Eye: mgl64.Vec3{0, 0, 5}, Target: mgl64.Vec3{}, Up: mgl64.Vec3{0, 1, 0}, FovY: 60, Width: 3, Height: 3}
	r := cam.Ray(1, 1)
	if !r.Direction.ApproxEqualThreshold(mgl64.Vec3{0, 0, -1}, 1e-12) {
		t.Fatalf("centre pixel should look at the target, got %v", r.Direction)
	}
	if top := cam.Ray(1, 0); top.Direction.Y() <= 0 {
		t.Fatalf("top row should look upward, got %v", top.Direction)
	}
	if right := cam.Ray(2, 1); right.Direction.X() <= 0 {
		t.Fatalf("right column should look toward +x, got %v", right.Direction)
	}
}

func TestCameraValidate(t *testing.T) {
	bad := Camera{Eye: mgl64.Vec3{}, Target: mgl64.Vec3{}, Up: mgl64.Vec3{0, 1, 0}, FovY: 0}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidCamera) {
		t.Fatalf("expected ErrInvalidCamera, got %v", err)
	}
	parallel := Camera{Eye: mgl64.Vec3{0, 5, 0}, Up: mgl64.Vec3{0, 1, 0}, FovY: 45, Width: 1, Height: 1}
	if err := parallel.Validate(); err == nil {
		t.Fatal("expected parallel up vector to be rejected")
	}
}

func testCamera(w, h int) Camera {
	return Camera{Eye: mgl64.Vec3{0, 1.5, 4}, Target: mgl64.Vec3{0, 1, 0}, Up: mgl64.Vec3{0, 1, 0}, FovY: 50, Width: w, Height: h}
}

func TestRenderIsDeterministicAcrossWorkerCounts(t *testing.T) {
	scene := SunsetScene()
	single, err := Renderer{Workers: 1}.Render(context.Background(), scene, testCamera(24, 16))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	parallel, err := Renderer{Workers: 8}.Render(context.Background(), scene, testCamera(24, 16))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(single.Pix) != string(parallel.Pix) {
		t.Fatal("renders with different worker counts differ")
	}
	//1.- Rows are traced top-down with +y up, so the sky sits above the ground.
	bottom := single.RGBAAt(12, 15)
	top := single.RGBAAt(12, 0)
	if bottom == top {
		t.Fatalf("expected ground and sky to differ, both %v", top)
	}
}

func TestRenderHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Renderer{Workers: 2}).Render(ctx, SunsetScene(), testCamera(8, 8)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRenderRejectsInvalidCamera(t *testing.T) {
	if _, err := (Renderer{}).Render(context.Background(), SunsetScene(), Camera{}); !errors.Is(err, ErrInvalidCamera) {
		t.Fatalf("expected ErrInvalidCamera, got %v", err)
	}
}

func TestSunsetSceneWithMesh(t *testing.T) {
	scene := SunsetScene()
	before := len(scene.Objects)
	if err := scene.WithMesh([]float64{-1, 0, 0, 1, 0, 0, 0, 1, 0}, []uint32{0, 1, 2}, ClothColor); err != nil {
		t.Fatalf("WithMesh: %v", err)
	}
	if len(scene.Objects) != before+1 {
		t.Fatalf("expected one more object, got %d", len(scene.Objects)-before)
	}
	//1.- A ray straight at the mesh hits it before the sun behind it.
	hit, index, ok := scene.Nearest(mustRay(t, mgl64.Vec3{0, 0.3, 4}, mgl64.Vec3{0, 0, -1}))
	if !ok || index != before || math.Abs(hit.T-4) > 1e-9 {
		t.Fatalf("expected mesh hit at t=4, got index=%d t=%v", index, hit.T)
	}
}
