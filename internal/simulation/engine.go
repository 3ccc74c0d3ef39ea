// Package simulation drives the cloth at a fixed rate and fans frames out to
// viewers, the gRPC service and the replay recorder.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"gfxlab/broker/internal/cloth"
	"gfxlab/broker/internal/logging"
	"gfxlab/broker/internal/wire"
)

// ErrClosed is returned once the engine has shut down.
var ErrClosed = errors.New("simulation engine closed")

// ErrDiverged is returned once the cloth produced a non-finite position.
var ErrDiverged = errors.New("cloth simulation diverged")

// ErrInvalidImpulse wraps impulses rejected by ValidateImpulse.
var ErrInvalidImpulse = errors.New("invalid impulse")

// MaxImpulse bounds the magnitude of a single queued acceleration.
const MaxImpulse = 1000.0

// ValidateImpulse rejects non-finite or oversized accelerations before they
// reach the solver.
func ValidateImpulse(accel mgl64.Vec3) error {
	for _, v := range accel {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: components must be finite", ErrInvalidImpulse)
		}
	}
	if l := accel.Len(); l > MaxImpulse {
		return fmt.Errorf("%w: magnitude %.1f exceeds %.1f", ErrInvalidImpulse, l, MaxImpulse)
	}
	return nil
}

// Recorder persists frames and control events. replay.Writer satisfies it.
type Recorder interface {
	AppendFrame(frame *wire.Frame) (bool, error)
	AppendEvent(tick uint64, simulatedMs int64, eventType string, payload any) error
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithRecorder records every published frame and control event.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithEngineLogger overrides the global logger.
func WithEngineLogger(logger *logging.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// WithClock overrides the wall clock used for step timing.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// subscriberBuffer is small because consumers only care about the newest frame.
const subscriberBuffer = 1

// GridEvent is the payload recorded for pin and release commands.
type GridEvent struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// EngineStats is the JSON body served by the stats endpoint.
type EngineStats struct {
	Tick        uint64              `json:"tick"`
	SimulatedMs int64               `json:"simulated_ms"`
	Steps       uint64              `json:"steps"`
	Iterations  uint64              `json:"iterations"`
	Degenerate  uint64              `json:"degenerate_constraints"`
	MaxStretch  float64             `json:"max_stretch"`
	Subscribers int                 `json:"subscribers"`
	Timing      TickMetricsSnapshot `json:"timing"`
	Diverged    bool                `json:"diverged"`
}

// Engine owns the cloth system. All mutation happens under its mutex so the
// loop, HTTP handlers and gRPC calls can share it.
type Engine struct {
	mu         sync.Mutex
	system     *cloth.System
	iterations int
	step       time.Duration
	tick       uint64
	latest     *wire.Frame
	diverged   error
	closed     bool
	maxStretch float64

	subsMu  sync.Mutex
	subs    map[uint64]chan *wire.Frame
	nextSub uint64

	recorder Recorder
	monitor  *TickMonitor
	log      *logging.Logger
	now      func() time.Time
}

// NewEngine wraps system and publishes its initial state as tick 0.
func NewEngine(system *cloth.System, iterations int, step time.Duration, opts ...EngineOption) (*Engine, error) {
	if system == nil {
		return nil, fmt.Errorf("cloth system must be provided")
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", iterations)
	}
	if step <= 0 {
		return nil, fmt.Errorf("step must be positive, got %v", step)
	}
	//1.- Every solver iteration integrates one substep, so a tick covers
	// iterations substeps and must add up to the reported step.
	substep := step.Seconds() / float64(iterations)
	if got := system.Config().TimeStep; math.Abs(got-substep) > 1e-6*substep {
		return nil, fmt.Errorf("cloth time step %gs does not split a %v tick into %d iterations (want %gs)", got, step, iterations, substep)
	}
	e := &Engine{
		system:     system,
		iterations: iterations,
		step:       step,
		subs:       make(map[uint64]chan *wire.Frame),
		monitor:    NewTickMonitor(step),
		log:        logging.L(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.latest = &wire.Frame{Snapshot: system.Snapshot()}
	return e, nil
}

// StepDuration returns the fixed timestep.
func (e *Engine) StepDuration() time.Duration { return e.step }

// Step advances the cloth one tick and publishes the resulting frame. Its
// signature matches StepFunc so the engine plugs straight into a Loop.
func (e *Engine) Step(time.Duration) {
	started := e.now()

	e.mu.Lock()
	if e.closed || e.diverged != nil {
		e.mu.Unlock()
		return
	}
	//1.- Advance the solver and verify the state stayed finite.
	e.system.Step(e.iterations)
	if err := e.system.VerifyFinite(); err != nil {
		e.diverged = fmt.Errorf("%w: %v", ErrDiverged, err)
		tick, stretch := e.tick, e.maxStretch
		e.mu.Unlock()
		e.log.Error("cloth simulation diverged, halting", logging.Error(err), logging.Uint64("tick", tick), logging.Float64("last_max_stretch", stretch))
		return
	}
	e.tick++
	e.maxStretch = e.system.MaxStretch()
	frame := &wire.Frame{Tick: e.tick, SimulatedMs: e.simulatedMsLocked(), Snapshot: e.system.Snapshot()}
	e.latest = frame
	e.mu.Unlock()

	//2.- Record and fan out outside the solver lock.
	if e.recorder != nil {
		if _, err := e.recorder.AppendFrame(frame); err != nil {
			e.log.Warn("replay frame append failed", logging.Error(err), logging.Uint64("tick", frame.Tick))
		}
	}
	e.publish(frame)
	e.monitor.Observe(e.now().Sub(started))
}

func (e *Engine) simulatedMsLocked() int64 {
	return int64(time.Duration(e.tick) * e.step / time.Millisecond)
}

// publish hands frame to every subscriber, replacing any unread frame.
func (e *Engine) publish(frame *wire.Frame) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- frame:
		default:
			//1.- Drop the stale frame so slow consumers always see the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// LatestFrame returns the most recently published frame. Frames are shared
// and must not be mutated.
func (e *Engine) LatestFrame() (*wire.Frame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest, e.latest != nil
}

// SubscribeFrames registers a frame listener. The channel closes when the
// returned cancel func runs, ctx ends or the engine closes.
func (e *Engine) SubscribeFrames(ctx context.Context) (<-chan *wire.Frame, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.subsMu.Lock()
	if e.subs == nil {
		e.subsMu.Unlock()
		return nil, nil, ErrClosed
	}
	id := e.nextSub
	e.nextSub++
	ch := make(chan *wire.Frame, subscriberBuffer)
	e.subs[id] = ch
	e.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.subsMu.Lock()
			if existing, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(existing)
			}
			e.subsMu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}, nil
}

// Subscribers reports the number of live frame listeners.
func (e *Engine) Subscribers() int {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	return len(e.subs)
}

// ApplyImpulse queues a one-shot acceleration and returns the tick that will
// consume it.
func (e *Engine) ApplyImpulse(ctx context.Context, accel mgl64.Vec3) (uint64, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	if err := ValidateImpulse(accel); err != nil {
		return 0, err
	}
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	e.system.ApplyImpulse(accel)
	tick, ms := e.tick, e.simulatedMsLocked()
	e.mu.Unlock()
	e.recordEvent(tick, ms, "impulse", accel)
	return tick + 1, nil
}

// Pin fixes the particle at (row, col) in place.
func (e *Engine) Pin(row, col int) error {
	return e.gridCommand("pin", row, col, (*cloth.System).Pin)
}

// Release lets the particle at (row, col) move again.
func (e *Engine) Release(row, col int) error {
	return e.gridCommand("release", row, col, (*cloth.System).Release)
}

func (e *Engine) gridCommand(kind string, row, col int, apply func(*cloth.System, int, int) error) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := apply(e.system, row, col); err != nil {
		e.mu.Unlock()
		return err
	}
	tick, ms := e.tick, e.simulatedMsLocked()
	e.mu.Unlock()
	e.recordEvent(tick, ms, kind, GridEvent{Row: row, Col: col})
	return nil
}

func (e *Engine) usableLocked() error {
	if e.closed {
		return ErrClosed
	}
	return e.diverged
}

func (e *Engine) recordEvent(tick uint64, ms int64, kind string, payload any) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.AppendEvent(tick, ms, kind, payload); err != nil {
		e.log.Warn("replay event append failed", logging.Error(err), logging.String("type", kind))
	}
}

// Stats returns solver, timing and fan-out counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	clothStats := e.system.Stats()
	stats := EngineStats{
		Tick:        e.tick,
		SimulatedMs: e.simulatedMsLocked(),
		Steps:       clothStats.Steps,
		Iterations:  clothStats.Iterations,
		Degenerate:  clothStats.Degenerate,
		MaxStretch:  e.maxStretch,
		Diverged:    e.diverged != nil,
	}
	e.mu.Unlock()
	stats.Subscribers = e.Subscribers()
	stats.Timing = e.monitor.Snapshot()
	return stats
}

// Close stops accepting commands and closes every subscriber channel.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.subsMu.Lock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.subs = nil
	e.subsMu.Unlock()
}
