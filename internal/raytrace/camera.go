package raytrace

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrInvalidCamera reports a camera that cannot generate rays.
var ErrInvalidCamera = errors.New("invalid camera")

// Camera is a pinhole camera producing one primary ray per pixel.
type Camera struct {
	Eye    mgl64.Vec3
	Target mgl64.Vec3
	Up     mgl64.Vec3
	// FovY is the vertical field of view in degrees.
	FovY   float64
	Width  int
	Height int
}

// Validate checks the image size, field of view and view basis.
func (c Camera) Validate() error {
	var problems []string
	if c.Width <= 0 || c.Height <= 0 {
		problems = append(problems, fmt.Sprintf("image size must be positive, got %dx%d", c.Width, c.Height))
	}
	if !(c.FovY > 0 && c.FovY < 180) {
		problems = append(problems, fmt.Sprintf("fov must be in (0, 180), got %v", c.FovY))
	}
	forward := c.Target.Sub(c.Eye)
	if forward.Len() == 0 {
		problems = append(problems, "eye and target coincide")
	} else if forward.Cross(c.Up).Len() == 0 {
		problems = append(problems, "up vector is parallel to the view direction")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidCamera, problems)
	}
	return nil
}

type basis struct {
	forward, right, up mgl64.Vec3
	halfW, halfH       float64
}

func (c Camera) basis() basis {
	forward := c.Target.Sub(c.Eye).Normalize()
	right := forward.Cross(c.Up).Normalize()
	up := right.Cross(forward)
	halfH := math.Tan(mgl64.DegToRad(c.FovY) / 2)
	return basis{forward: forward, right: right, up: up, halfW: halfH * float64(c.Width) / float64(c.Height), halfH: halfH}
}

func (b basis) ray(eye mgl64.Vec3, x, y float64, width, height int) Ray {
	//1.- Map the pixel centre to [-1, 1] with +y pointing up.
	px := (2*(x+0.5)/float64(width) - 1) * b.halfW
	py := (1 - 2*(y+0.5)/float64(height)) * b.halfH
	dir := b.forward.Add(b.right.Mul(px)).Add(b.up.Mul(py))
	return Ray{Origin: eye, Direction: dir.Normalize()}
}

// Ray returns the primary ray through the centre of pixel (x, y).
func (c Camera) Ray(x, y int) Ray {
	return c.basis().ray(c.Eye, float64(x), float64(y), c.Width, c.Height)
}
