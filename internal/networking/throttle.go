// Package networking paces outgoing frame traffic per viewer.
package networking

import (
	"sort"
	"sync"
	"time"
)

// ViewerUsage reports the throttling state of one viewer.
type ViewerUsage struct {
	Viewer         string  `json:"viewer"`
	AvailableBytes float64 `json:"available_bytes"`
	SentBytes      int64   `json:"sent_bytes"`
	SentFrames     int64   `json:"sent_frames"`
	SkippedFrames  int64   `json:"skipped_frames"`
	BytesPerSecond float64 `json:"bytes_per_second"`
}

type bucket struct {
	tokens  float64
	last    time.Time
	opened  time.Time
	sent    int64
	frames  int64
	skipped int64
}

// Throttle enforces a token bucket byte rate on each viewer. Frames that do
// not fit are skipped rather than queued so viewers always catch up to the
// newest frame. A zero rate disables throttling.
type Throttle struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     float64
	capacity float64
	now      func() time.Time
}

// NewThrottle allows bytesPerSecond per viewer with bursts of up to one
// second of traffic.
func NewThrottle(bytesPerSecond float64, clock func() time.Time) *Throttle {
	if clock == nil {
		clock = time.Now
	}
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	return &Throttle{
		buckets:  make(map[string]*bucket),
		rate:     bytesPerSecond,
		capacity: bytesPerSecond,
		now:      clock,
	}
}

// Enabled reports whether frames are being paced.
func (t *Throttle) Enabled() bool { return t != nil && t.rate > 0 }

func (t *Throttle) refill(b *bucket, now time.Time) {
	//1.- Ignore clock steps backwards.
	if !now.After(b.last) {
		return
	}
	b.tokens += now.Sub(b.last).Seconds() * t.rate
	if b.tokens > t.capacity {
		b.tokens = t.capacity
	}
	b.last = now
}

// Allow charges size bytes to viewer and reports whether the frame may be
// sent. A frame larger than the whole bucket passes only when the bucket is
// full and then empties it.
func (t *Throttle) Allow(viewer string, size int) bool {
	if t == nil || viewer == "" || size <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	b := t.buckets[viewer]
	if b == nil {
		b = &bucket{tokens: t.capacity, last: now, opened: now}
		t.buckets[viewer] = b
	}
	if !t.Enabled() {
		b.sent += int64(size)
		b.frames++
		return true
	}
	t.refill(b, now)

	request := float64(size)
	switch {
	case request <= b.tokens:
		b.tokens -= request
	case request > t.capacity && b.tokens >= t.capacity:
		b.tokens = 0
	default:
		b.skipped++
		return false
	}
	b.sent += int64(size)
	b.frames++
	return true
}

// Forget drops the state of a disconnected viewer and returns its final usage.
func (t *Throttle) Forget(viewer string) (ViewerUsage, bool) {
	if t == nil {
		return ViewerUsage{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[viewer]
	if !ok {
		return ViewerUsage{}, false
	}
	delete(t.buckets, viewer)
	return t.usage(viewer, b, t.now()), true
}

// Usage snapshots every tracked viewer sorted by name.
func (t *Throttle) Usage() []ViewerUsage {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]ViewerUsage, 0, len(t.buckets))
	for viewer, b := range t.buckets {
		if t.Enabled() {
			t.refill(b, now)
		}
		out = append(out, t.usage(viewer, b, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Viewer < out[j].Viewer })
	return out
}

func (t *Throttle) usage(viewer string, b *bucket, now time.Time) ViewerUsage {
	u := ViewerUsage{
		Viewer:         viewer,
		AvailableBytes: b.tokens,
		SentBytes:      b.sent,
		SentFrames:     b.frames,
		SkippedFrames:  b.skipped,
	}
	if elapsed := now.Sub(b.opened).Seconds(); elapsed > 0 {
		u.BytesPerSecond = float64(b.sent) / elapsed
	}
	return u
}
