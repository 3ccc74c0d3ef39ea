package simulation

import (
	"context"
	"sync"
	"time"
)

// maxCatchUpSteps bounds how many fixed steps a single tick may run after a stall.
const maxCatchUpSteps = 5

// StepFunc advances the simulation by one fixed timestep.
type StepFunc func(step time.Duration)

// Loop drives a fixed timestep simulation at the configured target frequency.
type Loop struct {
	step     time.Duration
	stepFunc StepFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	skipped uint64
}

// NewLoop configures a loop that targets the provided steps per second.
func NewLoop(targetHz float64, step StepFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Loop{step: interval, stepFunc: step}
}

// Start begins ticking until ctx is cancelled or Stop is invoked. Starting a
// running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.step)
	defer ticker.Stop()
	last := time.Now()
	var accumulator time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			//1.- Accumulate elapsed time and run fixed steps while catching up.
			accumulator += now.Sub(last)
			last = now
			steps := 0
			for accumulator >= l.step && steps < maxCatchUpSteps {
				l.stepFunc(l.step)
				accumulator -= l.step
				steps++
			}
			//2.- Drop whatever backlog remains so a long stall cannot snowball.
			if accumulator >= l.step {
				dropped := uint64(accumulator / l.step)
				accumulator -= time.Duration(dropped) * l.step
				l.mu.Lock()
				l.skipped += dropped
				l.mu.Unlock()
			}
		}
	}
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}

// Skipped reports how many steps were dropped to recover from stalls.
func (l *Loop) Skipped() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipped
}
