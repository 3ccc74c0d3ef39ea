package replay

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"gfxlab/broker/internal/wire"
)

// ErrTruncated reports a frame stream that ends inside a record.
var ErrTruncated = errors.New("replay frame stream truncated")

// maxFramePayload guards against corrupt length prefixes.
const maxFramePayload = 64 << 20

// Event is one line of the event log.
type Event struct {
	Tick        uint64          `json:"tick"`
	SimulatedMs int64           `json:"simulated_ms"`
	CapturedAt  time.Time       `json:"captured_at"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// RecordedFrame pairs a decoded frame with its capture time.
type RecordedFrame struct {
	CapturedAt time.Time
	Frame      *wire.Frame
}

// Session is a fully loaded recording.
type Session struct {
	Dir      string
	Manifest Manifest
	Header   Header
	Events   []Event
	Frames   []RecordedFrame
}

// Duration returns the simulated span between the first and last frame.
func (s *Session) Duration() time.Duration {
	if s == nil || len(s.Frames) < 2 {
		return 0
	}
	first := s.Frames[0].Frame.SimulatedMs
	last := s.Frames[len(s.Frames)-1].Frame.SimulatedMs
	return time.Duration(last-first) * time.Millisecond
}

// Open loads the manifest, header, events and frames of a session directory.
func Open(dir string) (*Session, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	header, err := ReadHeader(filepath.Join(dir, headerName))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	events, err := readEvents(filepath.Join(dir, manifest.EventsPath))
	if err != nil {
		return nil, err
	}
	frames, err := readFrames(filepath.Join(dir, manifest.FramesPath))
	if err != nil {
		return nil, err
	}
	return &Session{Dir: dir, Manifest: manifest, Header: header, Events: events, Frames: frames}, nil
}

// ReadManifest decodes dir/manifest.json.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.EventsPath == "" || manifest.FramesPath == "" {
		return Manifest{}, fmt.Errorf("manifest in %s is missing artefact paths", dir)
	}
	return manifest, nil
}

// ReadFrames decodes every recorded frame of the session in dir.
func ReadFrames(dir string) ([]RecordedFrame, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	return readFrames(filepath.Join(dir, manifest.FramesPath))
}

// ReadEvents decodes every event line of the session in dir.
func ReadEvents(dir string) ([]Event, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	return readEvents(filepath.Join(dir, manifest.EventsPath))
}

func readFrames(path string) ([]RecordedFrame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decodeFrames(decoder)
}

// decodeFrames walks length-prefixed records until a clean EOF.
func decodeFrames(r io.Reader) ([]RecordedFrame, error) {
	var (
		frames []RecordedFrame
		header [frameRecordHeader]byte
	)
	for {
		//1.- A clean EOF only counts on a record boundary.
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return frames, fmt.Errorf("%w: record %d header", ErrTruncated, len(frames))
			}
			return frames, err
		}
		captured := int64(binary.LittleEndian.Uint64(header[0:8]))
		size := binary.LittleEndian.Uint32(header[8:12])
		if size > maxFramePayload {
			return frames, fmt.Errorf("record %d declares %d bytes: %w", len(frames), size, wire.ErrMalformed)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return frames, fmt.Errorf("%w: record %d payload", ErrTruncated, len(frames))
		}
		//2.- Decode the wire payload back into a frame.
		frame := &wire.Frame{}
		if err := frame.Unmarshal(payload); err != nil {
			return frames, fmt.Errorf("record %d: %w", len(frames), err)
		}
		frames = append(frames, RecordedFrame{CapturedAt: time.Unix(0, captured).UTC(), Frame: frame})
	}
}

func readEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var events []Event
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return events, fmt.Errorf("event line %d: %w", line, err)
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}
