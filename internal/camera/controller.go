// Package camera converts input velocities into an orbiting, flyable view.
package camera

import (
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"gfxlab/broker/internal/raytrace"
)

const (
	// MaxPitch keeps the view away from the poles where LookAt degenerates.
	MaxPitch = 1.45
	// MinDistance bounds how close zoom may bring the eye.
	MinDistance = 0.5
	// MaxDistance bounds how far zoom may push the eye.
	MaxDistance = 60.0
	// MaxSpeed caps the flight speed in units per second.
	MaxSpeed = 20.0
	// ZoomStep is the fractional distance change for one unit of zoom delta.
	ZoomStep = 0.1
)

// Config seeds a controller.
type Config struct {
	Target   mgl64.Vec3
	Distance float64
	Yaw      float64
	Pitch    float64
	// FovY is the vertical field of view in degrees.
	FovY float64
	Near float64
	Far  float64
}

// DefaultConfig frames the default cloth from slightly above.
func DefaultConfig() Config {
	return Config{
		Target:   mgl64.Vec3{0, 1, 0},
		Distance: math.Hypot(4, 0.5),
		Pitch:    math.Atan2(0.5, 4),
		FovY:     50,
		Near:     0.1,
		Far:      500,
	}
}

// State is a point-in-time copy of the controller.
type State struct {
	Target        mgl64.Vec3 `json:"target"`
	Eye           mgl64.Vec3 `json:"eye"`
	Yaw           float64    `json:"yaw"`
	Pitch         float64    `json:"pitch"`
	Distance      float64    `json:"distance"`
	YawVelocity   float64    `json:"yaw_velocity"`
	PitchVelocity float64    `json:"pitch_velocity"`
	Speed         float64    `json:"speed"`
}

// Controller integrates yaw/pitch velocities, zoom and forward speed. It is
// safe for concurrent use.
type Controller struct {
	mu            sync.Mutex
	cfg           Config
	target        mgl64.Vec3
	yaw           float64
	pitch         float64
	distance      float64
	yawVelocity   float64
	pitchVelocity float64
	speed         float64
}

// NewController clamps the configuration into range and returns a controller.
func NewController(cfg Config) *Controller {
	defaults := DefaultConfig()
	if cfg.FovY <= 0 || cfg.FovY >= 180 {
		cfg.FovY = defaults.FovY
	}
	if cfg.Near <= 0 {
		cfg.Near = defaults.Near
	}
	if cfg.Far <= cfg.Near {
		cfg.Far = defaults.Far
	}
	return &Controller{
		cfg:      cfg,
		target:   cfg.Target,
		yaw:      cfg.Yaw,
		pitch:    clamp(cfg.Pitch, -MaxPitch, MaxPitch),
		distance: clamp(cfg.Distance, MinDistance, MaxDistance),
	}
}

// SetYawVelocity sets the yaw rate in radians per second.
func (c *Controller) SetYawVelocity(v float64) {
	if c == nil || !finite(v) {
		return
	}
	c.mu.Lock()
	c.yawVelocity = v
	c.mu.Unlock()
}

// SetPitchVelocity sets the pitch rate in radians per second.
func (c *Controller) SetPitchVelocity(v float64) {
	if c == nil || !finite(v) {
		return
	}
	c.mu.Lock()
	c.pitchVelocity = v
	c.mu.Unlock()
}

// Zoom scales the orbit distance. Positive deltas move the eye closer.
func (c *Controller) Zoom(delta float64) {
	if c == nil || !finite(delta) {
		return
	}
	c.mu.Lock()
	c.distance = clamp(c.distance*math.Pow(1-ZoomStep, delta), MinDistance, MaxDistance)
	c.mu.Unlock()
}

// AdjustSpeed changes the forward flight speed by delta.
func (c *Controller) AdjustSpeed(delta float64) {
	if c == nil || !finite(delta) {
		return
	}
	c.mu.Lock()
	c.speed = clamp(c.speed+delta, -MaxSpeed, MaxSpeed)
	c.mu.Unlock()
}

// Stop zeroes every velocity.
func (c *Controller) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.yawVelocity, c.pitchVelocity, c.speed = 0, 0, 0
	c.mu.Unlock()
}

// Update advances the controller by dt seconds.
func (c *Controller) Update(dt float64) {
	if c == nil || !(dt > 0) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	//1.- Integrate the angular velocities and keep pitch off the poles.
	c.yaw = math.Mod(c.yaw+c.yawVelocity*dt, 2*math.Pi)
	c.pitch = clamp(c.pitch+c.pitchVelocity*dt, -MaxPitch, MaxPitch)
	//2.- Fly the orbit target along the horizontal view direction.
	if c.speed != 0 {
		c.target = c.target.Add(c.forwardLocked().Mul(c.speed * dt))
	}
}

func (c *Controller) forwardLocked() mgl64.Vec3 {
	return mgl64.Vec3{-math.Sin(c.yaw), 0, -math.Cos(c.yaw)}
}

func (c *Controller) eyeLocked() mgl64.Vec3 {
	cp := math.Cos(c.pitch)
	offset := mgl64.Vec3{cp * math.Sin(c.yaw), math.Sin(c.pitch), cp * math.Cos(c.yaw)}
	return c.target.Add(offset.Mul(c.distance))
}

// Eye returns the current eye position.
func (c *Controller) Eye() mgl64.Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eyeLocked()
}

// View returns the world-to-camera matrix.
func (c *Controller) View() mgl64.Mat4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mgl64.LookAtV(c.eyeLocked(), c.target, mgl64.Vec3{0, 1, 0})
}

// Projection returns a perspective matrix for the given aspect ratio.
func (c *Controller) Projection(aspect float64) mgl64.Mat4 {
	if !(aspect > 0) {
		aspect = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return mgl64.Perspective(mgl64.DegToRad(c.cfg.FovY), aspect, c.cfg.Near, c.cfg.Far)
}

// RayCamera returns a pinhole camera matching the current view.
func (c *Controller) RayCamera(width, height int) raytrace.Camera {
	c.mu.Lock()
	defer c.mu.Unlock()
	return raytrace.Camera{
		Eye:    c.eyeLocked(),
		Target: c.target,
		Up:     mgl64.Vec3{0, 1, 0},
		FovY:   c.cfg.FovY,
		Width:  width,
		Height: height,
	}
}

// State copies the controller for reporting.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Target:        c.target,
		Eye:           c.eyeLocked(),
		Yaw:           c.yaw,
		Pitch:         c.pitch,
		Distance:      c.distance,
		YawVelocity:   c.yawVelocity,
		PitchVelocity: c.pitchVelocity,
		Speed:         c.speed,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
