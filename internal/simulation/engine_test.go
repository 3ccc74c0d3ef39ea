package simulation

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"gfxlab/broker/internal/cloth"
	"gfxlab/broker/internal/logging"
	"gfxlab/broker/internal/wire"
)

type recorderStub struct {
	mu     sync.Mutex
	frames []uint64
	events []string
}

func (r *recorderStub) AppendFrame(frame *wire.Frame) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame.Tick)
	return true, nil
}

func (r *recorderStub) AppendEvent(tick uint64, _ int64, eventType string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

func newTestEngine(t *testing.T, mutate func(*cloth.Config), opts ...EngineOption) *Engine {
	t.Helper()
	cfg := cloth.DefaultConfig()
	cfg.Rows, cfg.Cols = 4, 4
	cfg.Pinned = []cloth.GridIndex{{Row: 0, Col: 0}, {Row: 0, Col: 3}}
	cfg.TimeStep = 0.004
	if mutate != nil {
		mutate(&cfg)
	}
	system, err := cloth.New(cfg)
	if err != nil {
		t.Fatalf("cloth.New: %v", err)
	}
	opts = append([]EngineOption{WithEngineLogger(logging.NewTestLogger())}, opts...)
	engine, err := NewEngine(system, 4, 16*time.Millisecond, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func TestEngineRejectsMismatchedClothStep(t *testing.T) {
	cfg := cloth.DefaultConfig()
	cfg.TimeStep = 1.0 / 60
	system, err := cloth.New(cfg)
	if err != nil {
		t.Fatalf("cloth.New: %v", err)
	}
	//1.- 8 iterations of 1/60s would simulate 8/60s per 1/60s tick.
	if _, err := NewEngine(system, 8, time.Second/60); err == nil {
		t.Fatal("expected a cloth step that does not split the tick to fail")
	}
	if _, err := NewEngine(system, 1, time.Second/60); err != nil {
		t.Fatalf("expected a single-iteration tick to match, got %v", err)
	}
}

func TestFreeFallMatchesSimulatedTime(t *testing.T) {
	const iterations = 8
	step := time.Second / 60
	cfg := cloth.DefaultConfig()
	cfg.Rows, cfg.Cols = 3, 3
	cfg.Pinned = nil
	cfg.WindStrength = 0
	cfg.TimeStep = step.Seconds() / iterations
	system, err := cloth.New(cfg)
	if err != nil {
		t.Fatalf("cloth.New: %v", err)
	}
	engine, err := NewEngine(system, iterations, step, WithEngineLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	start := system.Snapshot().Position(0)
	for i := 0; i < 60; i++ {
		engine.Step(step)
	}

	frame, _ := engine.LatestFrame()
	elapsed := float64(frame.SimulatedMs) / 1000
	if elapsed < 0.99 || elapsed > 1.0 {
		t.Fatalf("expected about one simulated second, got %vs", elapsed)
	}
	drop := start.Y() - frame.Snapshot.Position(0).Y()
	want := 0.5 * 9.81 * elapsed * elapsed
	if math.Abs(drop-want) > 0.05 {
		t.Fatalf("free fall dropped %.3fm in %.3fs, want about %.3fm", drop, elapsed, want)
	}
}

func TestNewEngineValidatesArguments(t *testing.T) {
	if _, err := NewEngine(nil, 4, time.Millisecond); err == nil {
		t.Fatal("expected nil system to fail")
	}
	system, _ := cloth.New(cloth.DefaultConfig())
	if _, err := NewEngine(system, 0, time.Millisecond); err == nil {
		t.Fatal("expected zero iterations to fail")
	}
	if _, err := NewEngine(system, 1, 0); err == nil {
		t.Fatal("expected zero step to fail")
	}
}

func TestEngineStepPublishesAndRecordsFrames(t *testing.T) {
	recorder := &recorderStub{}
	engine := newTestEngine(t, nil, WithRecorder(recorder))

	initial, ok := engine.LatestFrame()
	if !ok || initial.Tick != 0 {
		t.Fatalf("expected initial frame at tick 0, got %+v", initial)
	}
	frames, cancel, err := engine.SubscribeFrames(context.Background())
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	defer cancel()

	engine.Step(engine.StepDuration())
	engine.Step(engine.StepDuration())

	//1.- The single-slot buffer keeps only the newest frame.
	select {
	case frame := <-frames:
		if frame.Tick != 2 || frame.SimulatedMs != 32 {
			t.Fatalf("expected newest frame tick 2 at 32ms, got %d at %d", frame.Tick, frame.SimulatedMs)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	latest, _ := engine.LatestFrame()
	if latest.Tick != 2 || latest.Snapshot.VertexCount() != 16 {
		t.Fatalf("unexpected latest frame %+v", latest)
	}
	if len(recorder.frames) != 2 {
		t.Fatalf("expected 2 recorded frames, got %v", recorder.frames)
	}
	stats := engine.Stats()
	if stats.Tick != 2 || stats.Steps != 2 || stats.Iterations != 8 || stats.Subscribers != 1 || stats.Timing.Samples != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEngineSubscriptionCancelClosesChannel(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx, cancelCtx := context.WithCancel(context.Background())
	frames, cancel, err := engine.SubscribeFrames(ctx)
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	defer cancel()
	cancelCtx()
	select {
	case _, ok := <-frames:
		if ok {
			t.Fatal("expected channel to close without a frame")
		}
	case <-time.After(time.Second):
		t.Fatal("context cancellation did not close the channel")
	}
	if engine.Subscribers() != 0 {
		t.Fatalf("expected subscriber to be removed, got %d", engine.Subscribers())
	}
}

func TestEngineCommandsRecordEvents(t *testing.T) {
	recorder := &recorderStub{}
	engine := newTestEngine(t, func(cfg *cloth.Config) { cfg.WindStrength = 0 }, WithRecorder(recorder))

	tick, err := engine.ApplyImpulse(context.Background(), mgl64.Vec3{0, 0, 5})
	if err != nil || tick != 1 {
		t.Fatalf("ApplyImpulse = %d, %v", tick, err)
	}
	if err := engine.Pin(3, 3); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := engine.Release(0, 0); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := engine.Pin(9, 9); err == nil {
		t.Fatal("expected out of range pin to fail")
	}
	want := []string{"impulse", "pin", "release"}
	if len(recorder.events) != len(want) {
		t.Fatalf("unexpected events %v", recorder.events)
	}
	for i := range want {
		if recorder.events[i] != want[i] {
			t.Fatalf("unexpected events %v", recorder.events)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.ApplyImpulse(ctx, mgl64.Vec3{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled context error, got %v", err)
	}
}

func TestEngineHaltsOnDivergence(t *testing.T) {
	cfg := cloth.DefaultConfig()
	cfg.Rows, cfg.Cols = 2, 2
	cfg.Pinned = nil
	cfg.TimeStep = 0.004
	system, err := cloth.New(cfg)
	if err != nil {
		t.Fatalf("cloth.New: %v", err)
	}
	positions := system.Snapshot().Positions
	positions[4] = math.NaN()
	if err := system.LoadPositions(positions); err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	engine, err := NewEngine(system, 4, 16*time.Millisecond, WithEngineLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.Step(engine.StepDuration())
	if !engine.Stats().Diverged {
		t.Fatal("expected divergence to be reported")
	}
	if _, err := engine.ApplyImpulse(context.Background(), mgl64.Vec3{}); !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
	if frame, _ := engine.LatestFrame(); frame.Tick != 0 {
		t.Fatalf("diverged step must not publish, got tick %d", frame.Tick)
	}
}

func TestEngineCloseEndsSubscriptions(t *testing.T) {
	engine := newTestEngine(t, nil)
	frames, cancel, err := engine.SubscribeFrames(context.Background())
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	engine.Close()
	cancel()
	if _, ok := <-frames; ok {
		t.Fatal("expected closed channel")
	}
	if _, _, err := engine.SubscribeFrames(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := engine.Pin(0, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestValidateImpulse(t *testing.T) {
	cases := []struct {
		accel mgl64.Vec3
		ok    bool
	}{
		{accel: mgl64.Vec3{0, 0, MaxImpulse}, ok: true},
		{accel: mgl64.Vec3{0, 0, MaxImpulse + 1}},
		{accel: mgl64.Vec3{math.Inf(1), 0, 0}},
		{accel: mgl64.Vec3{0, math.NaN(), 0}},
	}
	for _, tc := range cases {
		err := ValidateImpulse(tc.accel)
		if tc.ok != (err == nil) {
			t.Fatalf("ValidateImpulse(%v) = %v", tc.accel, err)
		}
		if err != nil && !errors.Is(err, ErrInvalidImpulse) {
			t.Fatalf("expected ErrInvalidImpulse, got %v", err)
		}
	}
}
