// Package viewer drives an interactive cloth session: it maps window input
// onto the camera and cloth, steps the solver and ray-traces frames in the
// background. It does not depend on any windowing library.
package viewer

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"gfxlab/broker/internal/camera"
	"gfxlab/broker/internal/cloth"
	"gfxlab/broker/internal/logging"
	"gfxlab/broker/internal/raytrace"
)

const (
	// DragGain converts pixels dragged per tick into radians per second.
	DragGain = 0.6
	// KeyYawRate is the yaw velocity applied while an arrow key is held.
	KeyYawRate = 1.2
	// KeyPitchRate is the pitch velocity applied while an arrow key is held.
	KeyPitchRate = 0.8
	// SpeedStep is the forward speed change per key press.
	SpeedStep = 0.5
	// WheelZoom scales one wheel notch into a zoom delta.
	WheelZoom = 1.0
	// GustStrength is the acceleration of a gust impulse along -Z.
	GustStrength = 40.0
)

// Input is one tick of user input.
type Input struct {
	Dragging       bool
	DragDX, DragDY float64
	Wheel          float64
	Left, Right    bool
	Up, Down       bool
	Faster, Slower bool
	Stop           bool
	Gust           bool
	TogglePause    bool
}

// Config describes an interactive session.
type Config struct {
	// Cloth.TimeStep is one solver iteration; a tick spans Iterations of them.
	Cloth      cloth.Config
	Iterations int
	Width      int
	Height     int
	// Scene builds the static scene the cloth is inserted into.
	Scene    func() *raytrace.Scene
	Renderer raytrace.Renderer
	Logger   *logging.Logger
}

// Session owns the cloth, the camera and the most recent render.
type Session struct {
	mu         sync.Mutex
	system     *cloth.System
	camera     *camera.Controller
	iterations int
	step       time.Duration
	width      int
	height     int
	scene      func() *raytrace.Scene
	renderer   raytrace.Renderer
	log        *logging.Logger

	tick      uint64
	paused    bool
	rendering bool
	latest    *image.RGBA
	latestAt  uint64
}

// NewSession builds the cloth described by cfg.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", cfg.Iterations)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("render size must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	system, err := cloth.New(cfg.Cloth)
	if err != nil {
		return nil, err
	}
	scene := cfg.Scene
	if scene == nil {
		scene = func() *raytrace.Scene { return raytrace.SunsetScene() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Session{
		system:     system,
		camera:     camera.NewController(camera.DefaultConfig()),
		iterations: cfg.Iterations,
		step:       time.Duration(cfg.Cloth.TimeStep * float64(cfg.Iterations) * float64(time.Second)),
		width:      cfg.Width,
		height:     cfg.Height,
		scene:      scene,
		renderer:   cfg.Renderer,
		log:        logger,
	}, nil
}

// Camera exposes the controller for status displays.
func (s *Session) Camera() *camera.Controller { return s.camera }

// Tick returns the number of solver steps taken.
func (s *Session) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Paused reports whether the cloth is frozen.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Update applies in and advances the cloth and camera by one step.
func (s *Session) Update(in Input) error {
	s.applyCamera(in)

	s.mu.Lock()
	defer s.mu.Unlock()
	if in.TogglePause {
		s.paused = !s.paused
	}
	if in.Gust {
		s.system.ApplyImpulse(mgl64.Vec3{0, 0, -GustStrength})
	}
	s.camera.Update(s.step.Seconds())
	if s.paused {
		return nil
	}
	s.system.Step(s.iterations)
	if err := s.system.VerifyFinite(); err != nil {
		s.paused = true
		return err
	}
	s.tick++
	return nil
}

// applyCamera maps keys and drags onto the camera. Held keys win over drags.
func (s *Session) applyCamera(in Input) {
	yaw, pitch := 0.0, 0.0
	if in.Dragging {
		yaw = -in.DragDX * DragGain
		pitch = in.DragDY * DragGain
	}
	switch {
	case in.Left && !in.Right:
		yaw = -KeyYawRate
	case in.Right && !in.Left:
		yaw = KeyYawRate
	}
	switch {
	case in.Up && !in.Down:
		pitch = KeyPitchRate
	case in.Down && !in.Up:
		pitch = -KeyPitchRate
	}
	s.camera.SetYawVelocity(yaw)
	s.camera.SetPitchVelocity(pitch)
	if in.Wheel != 0 {
		s.camera.Zoom(-in.Wheel * WheelZoom)
	}
	if in.Faster {
		s.camera.AdjustSpeed(SpeedStep)
	}
	if in.Slower {
		s.camera.AdjustSpeed(-SpeedStep)
	}
	if in.Stop {
		s.camera.Stop()
	}
}

// Render traces the current cloth synchronously.
func (s *Session) Render(ctx context.Context) (*image.RGBA, error) {
	s.mu.Lock()
	snapshot := s.system.Snapshot()
	tick := s.tick
	s.mu.Unlock()

	scene := s.scene()
	if err := scene.WithMesh(snapshot.Positions, snapshot.Indices, raytrace.ClothColor); err != nil {
		return nil, err
	}
	img, err := s.renderer.Render(ctx, scene, s.camera.RayCamera(s.width, s.height))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.latest == nil || tick >= s.latestAt {
		s.latest, s.latestAt = img, tick
	}
	s.mu.Unlock()
	return img, nil
}

// RequestRender starts a background render unless one is already running.
func (s *Session) RequestRender(ctx context.Context) bool {
	s.mu.Lock()
	if s.rendering {
		s.mu.Unlock()
		return false
	}
	s.rendering = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.rendering = false
			s.mu.Unlock()
		}()
		if _, err := s.Render(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("viewer render failed", logging.Error(err))
		}
	}()
	return true
}

// Latest returns the newest completed render and the tick it shows.
func (s *Session) Latest() (*image.RGBA, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latestAt
}
