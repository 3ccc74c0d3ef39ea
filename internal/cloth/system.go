// Package cloth owns a rectangular grid of Verlet particles joined by distance
// constraints and advances it with iterative relaxation.
package cloth

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/go-gl/mathgl/mgl64"

	"gfxlab/broker/internal/physics"
)

// ErrInvalidConfig wraps every construction-time validation failure.
var ErrInvalidConfig = errors.New("invalid cloth configuration")

const (
	// DefaultRows is the number of particle rows in a default cloth.
	DefaultRows = 20
	// DefaultCols is the number of particle columns in a default cloth.
	DefaultCols = 20
	// DefaultSpacing is the rest distance between grid neighbours.
	DefaultSpacing = 0.1
	// DefaultMass is the per-particle mass.
	DefaultMass = 1.0
	// DefaultTimeStep is the integration step in seconds.
	DefaultTimeStep = 1.0 / 60.0
	// DefaultWindStrength scales the random wind acceleration.
	DefaultWindStrength = 2.0
	// DefaultSeed feeds the wind generator.
	DefaultSeed uint64 = 1
)

// GridIndex addresses a particle by row and column.
type GridIndex struct {
	Row int
	Col int
}

// Config describes the cloth grid and its environment.
type Config struct {
	Rows     int
	Cols     int
	Spacing  float64
	Mass     float64
	Origin   mgl64.Vec3
	Pinned   []GridIndex
	TimeStep float64
	Gravity  mgl64.Vec3
	// WindStrength of zero disables wind entirely.
	WindStrength float64
	Seed         uint64
}

// DefaultConfig returns a 20x20 cloth hanging from its top corners.
func DefaultConfig() Config {
	return Config{
		Rows:         DefaultRows,
		Cols:         DefaultCols,
		Spacing:      DefaultSpacing,
		Mass:         DefaultMass,
		Origin:       mgl64.Vec3{-0.95, 1.5, 0},
		Pinned:       []GridIndex{{Row: 0, Col: 0}, {Row: 0, Col: DefaultCols - 1}},
		TimeStep:     DefaultTimeStep,
		Gravity:      mgl64.Vec3{0, -9.81, 0},
		WindStrength: DefaultWindStrength,
		Seed:         DefaultSeed,
	}
}

// Validate reports every problem with the configuration in one error.
func (c Config) Validate() error {
	var problems []string
	if c.Rows < 2 || c.Cols < 2 {
		problems = append(problems, fmt.Sprintf("grid must be at least 2x2, got %dx%d", c.Rows, c.Cols))
	}
	positive := func(v float64) bool { return v > 0 && !math.IsInf(v, 1) }
	if !positive(c.Spacing) {
		problems = append(problems, fmt.Sprintf("spacing must be positive and finite, got %v", c.Spacing))
	}
	if !positive(c.Mass) {
		problems = append(problems, fmt.Sprintf("mass must be positive and finite, got %v", c.Mass))
	}
	if !positive(c.TimeStep) {
		problems = append(problems, fmt.Sprintf("time step must be positive and finite, got %v", c.TimeStep))
	}
	if !(c.WindStrength >= 0) || math.IsInf(c.WindStrength, 1) {
		problems = append(problems, fmt.Sprintf("wind strength must be finite and non-negative, got %v", c.WindStrength))
	}
	if !physics.IsFinite(c.Gravity) {
		problems = append(problems, fmt.Sprintf("gravity must be finite, got %v", c.Gravity))
	}
	if !physics.IsFinite(c.Origin) {
		problems = append(problems, fmt.Sprintf("origin must be finite, got %v", c.Origin))
	}
	for _, pin := range c.Pinned {
		if pin.Row < 0 || pin.Row >= c.Rows || pin.Col < 0 || pin.Col >= c.Cols {
			problems = append(problems, fmt.Sprintf("pinned particle (%d,%d) outside %dx%d grid", pin.Row, pin.Col, c.Rows, c.Cols))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidConfig, problems)
}

// Option customises a System at construction.
type Option func(*System)

// WithRand injects the generator used to sample wind. Tests pass a seeded one.
func WithRand(r *rand.Rand) Option {
	return func(s *System) {
		if r != nil {
			s.rng = r
		}
	}
}

// Stats summarises solver activity since construction.
type Stats struct {
	Steps      uint64
	Iterations uint64
	// Degenerate counts constraint evaluations skipped for coincident particles.
	Degenerate uint64
}

// System is a particle grid plus its structural constraints.
type System struct {
	cfg         Config
	particles   []physics.Particle
	constraints []physics.Constraint
	indices     []uint32
	rng         *rand.Rand
	impulse     mgl64.Vec3
	stats       Stats
}

// New validates cfg and lays out the particle grid and its constraints.
func New(cfg Config, opts ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &System{cfg: cfg}
	s.cfg.Pinned = append([]GridIndex(nil), cfg.Pinned...)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	}

	//1.- Lay particles out row-major, rows descending along -Y from the origin.
	s.particles = make([]physics.Particle, 0, cfg.Rows*cfg.Cols)
	for r := 0; r < cfg.Rows; r++ {
		for c := 0; c < cfg.Cols; c++ {
			pos := cfg.Origin.Add(mgl64.Vec3{float64(c) * cfg.Spacing, -float64(r) * cfg.Spacing, 0})
			uv := [2]float64{float64(c) / float64(cfg.Cols-1), float64(r) / float64(cfg.Rows-1)}
			p, err := physics.NewParticle(pos, cfg.Mass, uv)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
			s.particles = append(s.particles, p)
		}
	}
	for _, pin := range cfg.Pinned {
		s.particles[s.index(pin.Row, pin.Col)].Pin()
	}

	//2.- Vertical edges first, then horizontal edges, each row-major. The slice never
	// grows after this point so the particle pointers stay valid.
	s.constraints = make([]physics.Constraint, 0, (cfg.Rows-1)*cfg.Cols+cfg.Rows*(cfg.Cols-1))
	for r := 0; r < cfg.Rows-1; r++ {
		for c := 0; c < cfg.Cols; c++ {
			s.constraints = append(s.constraints, physics.NewConstraint(&s.particles[s.index(r, c)], &s.particles[s.index(r+1, c)]))
		}
	}
	for r := 0; r < cfg.Rows; r++ {
		for c := 0; c < cfg.Cols-1; c++ {
			s.constraints = append(s.constraints, physics.NewConstraint(&s.particles[s.index(r, c)], &s.particles[s.index(r, c+1)]))
		}
	}

	//3.- Two triangles per cell, wound so the rest-pose normal faces +Z.
	s.indices = make([]uint32, 0, (cfg.Rows-1)*(cfg.Cols-1)*6)
	for r := 0; r < cfg.Rows-1; r++ {
		for c := 0; c < cfg.Cols-1; c++ {
			i0 := uint32(s.index(r, c))
			i1 := i0 + 1
			i2 := uint32(s.index(r+1, c))
			i3 := i2 + 1
			s.indices = append(s.indices, i0, i2, i1, i1, i2, i3)
		}
	}
	return s, nil
}

func (s *System) index(row, col int) int {
	return row*s.cfg.Cols + col
}

// Config returns a copy of the configuration the system was built with.
func (s *System) Config() Config {
	cfg := s.cfg
	cfg.Pinned = append([]GridIndex(nil), s.cfg.Pinned...)
	return cfg
}

// Rows returns the number of particle rows.
func (s *System) Rows() int { return s.cfg.Rows }

// Cols returns the number of particle columns.
func (s *System) Cols() int { return s.cfg.Cols }

// Particle returns the particle at row/col.
func (s *System) Particle(row, col int) (*physics.Particle, bool) {
	if row < 0 || row >= s.cfg.Rows || col < 0 || col >= s.cfg.Cols {
		return nil, false
	}
	return &s.particles[s.index(row, col)], true
}

// Constraints exposes the constraint list in solver order. Callers must not mutate it.
func (s *System) Constraints() []physics.Constraint {
	return s.constraints
}

// Pin freezes the particle at row/col.
func (s *System) Pin(row, col int) error {
	p, ok := s.Particle(row, col)
	if !ok {
		return fmt.Errorf("%w: particle (%d,%d) outside %dx%d grid", ErrInvalidConfig, row, col, s.cfg.Rows, s.cfg.Cols)
	}
	p.Pin()
	return nil
}

// Release unpins the particle at row/col.
func (s *System) Release(row, col int) error {
	p, ok := s.Particle(row, col)
	if !ok {
		return fmt.Errorf("%w: particle (%d,%d) outside %dx%d grid", ErrInvalidConfig, row, col, s.cfg.Rows, s.cfg.Cols)
	}
	p.Release()
	return nil
}

// ApplyImpulse adds a one-shot acceleration consumed by the next Step.
func (s *System) ApplyImpulse(accel mgl64.Vec3) {
	s.impulse = s.impulse.Add(accel)
}

// sampleWind draws a fresh wind acceleration from the injected generator.
func (s *System) sampleWind() mgl64.Vec3 {
	if s.cfg.WindStrength == 0 {
		return mgl64.Vec3{}
	}
	strength := s.cfg.WindStrength
	return mgl64.Vec3{
		(s.rng.Float64()*2 - 1) * strength * 0.25,
		0,
		s.rng.Float64() * strength,
	}
}

// Step runs iterations rounds of integration followed by one relaxation pass.
// Wind is resampled every iteration.
func (s *System) Step(iterations int) {
	if iterations <= 0 {
		return
	}
	impulse := s.impulse
	s.impulse = mgl64.Vec3{}
	for iter := 0; iter < iterations; iter++ {
		//1.- Integrate every particle under gravity plus freshly sampled wind.
		accel := s.cfg.Gravity.Add(s.sampleWind())
		if iter == 0 {
			accel = accel.Add(impulse)
		}
		for i := range s.particles {
			s.particles[i].Move(s.cfg.TimeStep, accel)
		}
		//2.- Relax each constraint once in insertion order.
		for _, c := range s.constraints {
			if !c.Satisfy() {
				s.stats.Degenerate++
			}
		}
		s.stats.Iterations++
	}
	s.stats.Steps++
}

// Stats returns solver counters.
func (s *System) Stats() Stats {
	return s.stats
}

// MaxStretch returns the largest constraint deviation from rest length.
func (s *System) MaxStretch() float64 {
	worst := 0.0
	for _, c := range s.constraints {
		if stretch := c.Stretch(); stretch > worst {
			worst = stretch
		}
	}
	return worst
}

// VerifyFinite reports the first particle holding a NaN or infinite coordinate.
func (s *System) VerifyFinite() error {
	for i := range s.particles {
		p := &s.particles[i]
		if !physics.IsFinite(p.Current) || !physics.IsFinite(p.Previous) {
			return fmt.Errorf("particle (%d,%d) is not finite: current=%v previous=%v", i/s.cfg.Cols, i%s.cfg.Cols, p.Current, p.Previous)
		}
	}
	return nil
}
