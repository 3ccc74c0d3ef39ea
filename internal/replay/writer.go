// Package replay records cloth sessions to disk and reads them back.
//
// A session directory holds:
//
//	manifest.json    layout and cadence
//	header.json      seed and scene parameters, written on Close
//	events.jsonl.sz  snappy-framed JSON lines (pins, impulses, lifecycle)
//	frames.bin.zst   zstd stream of length-prefixed wire frames
package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"gfxlab/broker/internal/wire"
)

const (
	// DefaultFrameInterval is the minimum wall-clock gap between recorded frames.
	DefaultFrameInterval = 100 * time.Millisecond

	manifestName = "manifest.json"
	headerName   = "header.json"
	eventsName   = "events.jsonl.sz"
	framesName   = "frames.bin.zst"

	// frameRecordHeader is captured-at unix nanos followed by the payload length.
	frameRecordHeader = 8 + 4
)

// ErrClosed is returned when appending to a closed writer.
var ErrClosed = errors.New("replay writer closed")

var sessionCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the session layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	SessionID       string `json:"session_id"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// Writer streams a cloth session to disk. It is safe for concurrent use.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	interval    time.Duration
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	lastFrame   time.Time
	frames      uint64
	dropped     uint64
	events      uint64
	header      Header
	closed      bool
}

// WriterStats summarises what a writer has persisted so far.
type WriterStats struct {
	Frames  uint64 `json:"frames"`
	Dropped uint64 `json:"dropped"`
	Events  uint64 `json:"events"`
}

// NewWriter creates root/<session>-<timestamp> and opens the compressed sinks.
// An interval of zero uses DefaultFrameInterval.
func NewWriter(root, sessionID string, interval time.Duration, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}

	cleaned := sessionCleaner.ReplaceAllString(sessionID, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		SessionID:       cleaned,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(interval / time.Millisecond),
		EventsPath:      eventsName,
		FramesPath:      framesName,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(path, manifestName), data, 0o644); err != nil {
		return nil, Manifest{}, err
	}

	//1.- Open both sinks, unwinding whatever was opened on failure.
	eventFile, err := os.Create(filepath.Join(path, eventsName))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(path, framesName))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:         path,
		now:         clock,
		interval:    interval,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
		header:      Header{SchemaVersion: HeaderSchemaVersion, FilePointer: manifestName},
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the session.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// SetHeader records the seed, scene name and parameters written on Close.
func (w *Writer) SetHeader(seed uint64, scene string, params SceneParameters) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.header.Seed = seed
	w.header.Scene = scene
	w.header.Params = params.Clone()
	w.mu.Unlock()
}

// AppendEvent writes one JSON line to the event log. Payload may be nil.
func (w *Writer) AppendEvent(tick uint64, simulatedMs int64, eventType string, payload any) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		raw = encoded
	}
	record := Event{
		Tick:        tick,
		SimulatedMs: simulatedMs,
		CapturedAt:  w.now().UTC(),
		Type:        eventType,
		Payload:     raw,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	//1.- Flush per line so a crash loses at most the event in flight.
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.events++
	return w.eventStream.Flush()
}

// AppendFrame records frame unless one was recorded less than the frame
// interval ago. It reports whether the frame was kept.
func (w *Writer) AppendFrame(frame *wire.Frame) (bool, error) {
	if w == nil {
		return false, fmt.Errorf("writer not initialised")
	}
	if frame == nil {
		return false, fmt.Errorf("frame must be provided")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, ErrClosed
	}
	//1.- Downsample to the configured cadence.
	if !w.lastFrame.IsZero() && captured.Sub(w.lastFrame) < w.interval {
		w.dropped++
		return false, nil
	}
	payload, err := frame.Marshal()
	if err != nil {
		return false, err
	}
	//2.- Prefix each payload with its capture time and length.
	var header [frameRecordHeader]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(captured.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := w.frameStream.Write(header[:]); err != nil {
		return false, err
	}
	if _, err := w.frameStream.Write(payload); err != nil {
		return false, err
	}
	w.lastFrame = captured
	w.frames++
	return true, nil
}

// Stats returns the counters accumulated so far.
func (w *Writer) Stats() WriterStats {
	if w == nil {
		return WriterStats{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{Frames: w.frames, Dropped: w.dropped, Events: w.events}
}

// Close writes the header, flushes both streams and releases the files.
// Calling Close twice is a no-op.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Attempt every step and surface the first failure.
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(WriteHeader(filepath.Join(w.dir, headerName), w.header))
	keep(w.eventStream.Close())
	keep(w.eventFile.Close())
	keep(w.frameStream.Close())
	keep(w.frameFile.Close())
	return firstErr
}
