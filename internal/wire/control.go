package wire

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/protobuf/encoding/protowire"
)

// SnapshotRequest asks for the latest frame. It carries no fields.
type SnapshotRequest struct{}

// Marshal encodes the empty request.
func (*SnapshotRequest) Marshal() ([]byte, error) { return nil, nil }

// Unmarshal skips every field.
func (r *SnapshotRequest) Unmarshal(b []byte) error {
	return skipAll(b)
}

// WatchRequest opens a frame stream. IntervalMs of zero uses the server default.
type WatchRequest struct {
	IntervalMs uint32
	// MaxFrames of zero streams until cancelled.
	MaxFrames uint32
}

// Marshal encodes the request.
func (r *WatchRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, 1, uint64(r.IntervalMs))
	b = appendVarintField(b, 2, uint64(r.MaxFrames))
	return b, nil
}

// Unmarshal decodes the request.
func (r *WatchRequest) Unmarshal(b []byte) error {
	*r = WatchRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			v   uint64
			n   int
			err error
		)
		switch num {
		case 1, 2:
			v, n, err = consumeVarint(b, typ)
			if err == nil && v > uint64(^uint32(0)) {
				err = fmt.Errorf("value %d overflows uint32", v)
			}
			if num == 1 {
				r.IntervalMs = uint32(v)
			} else {
				r.MaxFrames = uint32(v)
			}
			return n, err
		}
		return -1, nil
	})
}

// ImpulseRequest carries a one-shot acceleration for the next cloth step.
type ImpulseRequest struct {
	Acceleration mgl64.Vec3
}

// Marshal encodes the request.
func (r *ImpulseRequest) Marshal() ([]byte, error) {
	var b []byte
	for i, v := range r.Acceleration {
		b = appendDoubleField(b, protowire.Number(i+1), v)
	}
	return b, nil
}

// Unmarshal decodes the request.
func (r *ImpulseRequest) Unmarshal(b []byte) error {
	*r = ImpulseRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 3 {
			return -1, nil
		}
		v, n, err := consumeDouble(b, typ)
		r.Acceleration[num-1] = v
		return n, err
	})
}

// ImpulseReply reports the tick the impulse will be applied on.
type ImpulseReply struct {
	Tick uint64
}

// Marshal encodes the reply.
func (r *ImpulseReply) Marshal() ([]byte, error) {
	return appendVarintField(nil, 1, r.Tick), nil
}

// Unmarshal decodes the reply.
func (r *ImpulseReply) Unmarshal(b []byte) error {
	*r = ImpulseReply{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		v, n, err := consumeVarint(b, typ)
		r.Tick = v
		return n, err
	})
}

// consumeFields walks b and hands each field to fn. fn returns -1 to skip a field.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, err)
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return nil
}

func skipAll(b []byte) error {
	return consumeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return -1, nil })
}
