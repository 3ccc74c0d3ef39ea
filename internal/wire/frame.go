// Package wire encodes cloth frames and control messages in protobuf wire format.
package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"gfxlab/broker/internal/cloth"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed wire message")

// maxGridSide bounds decoded row and column counts.
const maxGridSide = math.MaxInt32

const (
	frameTick        protowire.Number = 1
	frameSimulatedMs protowire.Number = 2
	frameRows        protowire.Number = 3
	frameCols        protowire.Number = 4
	framePositions   protowire.Number = 5
	frameNormals     protowire.Number = 6
	frameUVs         protowire.Number = 7
	frameIndices     protowire.Number = 8
)

// Frame is one published cloth snapshot.
type Frame struct {
	Tick        uint64
	SimulatedMs int64
	Snapshot    cloth.Snapshot
}

// Marshal encodes the frame. Empty arrays are omitted.
func (f *Frame) Marshal() ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	s := f.Snapshot
	if s.Rows < 0 || s.Cols < 0 || s.Rows > maxGridSide || s.Cols > maxGridSide {
		return nil, fmt.Errorf("grid size %dx%d out of range", s.Rows, s.Cols)
	}
	if f.SimulatedMs < 0 {
		return nil, fmt.Errorf("negative simulated time %d", f.SimulatedMs)
	}
	size := 32 + 8*(len(s.Positions)+len(s.Normals)+len(s.UVs)) + 5*len(s.Indices)
	b := make([]byte, 0, size)
	b = appendVarintField(b, frameTick, f.Tick)
	b = appendVarintField(b, frameSimulatedMs, uint64(f.SimulatedMs))
	b = appendVarintField(b, frameRows, uint64(s.Rows))
	b = appendVarintField(b, frameCols, uint64(s.Cols))
	b = appendPackedDoubles(b, framePositions, s.Positions)
	b = appendPackedDoubles(b, frameNormals, s.Normals)
	b = appendPackedDoubles(b, frameUVs, s.UVs)
	b = appendPackedUint32s(b, frameIndices, s.Indices)
	return b, nil
}

// Unmarshal replaces f with the decoded frame. Unknown fields are skipped.
func (f *Frame) Unmarshal(b []byte) error {
	*f = Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: frame tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var err error
		switch num {
		case frameTick:
			f.Tick, n, err = consumeVarint(b, typ)
		case frameSimulatedMs:
			var v uint64
			v, n, err = consumeVarint(b, typ)
			if err == nil && v > math.MaxInt64 {
				err = fmt.Errorf("simulated time %d overflows", v)
			}
			f.SimulatedMs = int64(v)
		case frameRows:
			f.Snapshot.Rows, n, err = consumeGridSide(b, typ)
		case frameCols:
			f.Snapshot.Cols, n, err = consumeGridSide(b, typ)
		case framePositions:
			f.Snapshot.Positions, n, err = consumeDoubles(b, typ, f.Snapshot.Positions)
		case frameNormals:
			f.Snapshot.Normals, n, err = consumeDoubles(b, typ, f.Snapshot.Normals)
		case frameUVs:
			f.Snapshot.UVs, n, err = consumeDoubles(b, typ, f.Snapshot.UVs)
		case frameIndices:
			f.Snapshot.Indices, n, err = consumeUint32s(b, typ, f.Snapshot.Indices)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, err)
		}
		b = b[n:]
	}
	return f.validate()
}

func (f *Frame) validate() error {
	s := f.Snapshot
	vertices := s.Rows * s.Cols
	if len(s.Positions) != 0 && len(s.Positions) != 3*vertices {
		return fmt.Errorf("%w: %d positions for a %dx%d grid", ErrMalformed, len(s.Positions), s.Rows, s.Cols)
	}
	if len(s.Normals) != 0 && len(s.Normals) != len(s.Positions) {
		return fmt.Errorf("%w: %d normals for %d positions", ErrMalformed, len(s.Normals), len(s.Positions))
	}
	if len(s.UVs) != 0 && len(s.UVs) != 2*vertices {
		return fmt.Errorf("%w: %d uvs for %d vertices", ErrMalformed, len(s.UVs), vertices)
	}
	if len(s.Indices)%3 != 0 {
		return fmt.Errorf("%w: %d indices is not a whole number of triangles", ErrMalformed, len(s.Indices))
	}
	return nil
}

// consumeGridSide decodes a row or column count bounded by maxGridSide.
func consumeGridSide(b []byte, typ protowire.Type) (int, int, error) {
	v, n, err := consumeVarint(b, typ)
	if err != nil {
		return 0, n, err
	}
	if v > maxGridSide {
		return 0, n, fmt.Errorf("grid side %d exceeds %d", v, maxGridSide)
	}
	return int(v), n, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 && !math.Signbit(v) {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedDoubles(b []byte, num protowire.Number, values []float64) []byte {
	if len(values) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(values)))
	for _, v := range values {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

func appendPackedUint32s(b []byte, num protowire.Number, values []uint32) []byte {
	if len(values) == 0 {
		return b
	}
	size := 0
	for _, v := range values {
		size += protowire.SizeVarint(uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(size))
	for _, v := range values {
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

func consumeVarint(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("expected varint, got wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeDouble(b []byte, typ protowire.Type) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("expected fixed64, got wire type %d", typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

// consumeDoubles accepts both packed and unpacked encodings.
func consumeDoubles(b []byte, typ protowire.Type, dst []float64) ([]float64, int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n, err := consumeDouble(b, typ)
		if err != nil {
			return dst, 0, err
		}
		return append(dst, v), n, nil
	case protowire.BytesType:
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		if len(payload)%8 != 0 {
			return dst, 0, fmt.Errorf("packed doubles length %d is not a multiple of 8", len(payload))
		}
		if dst == nil {
			dst = make([]float64, 0, len(payload)/8)
		}
		for len(payload) > 0 {
			v, m := protowire.ConsumeFixed64(payload)
			dst = append(dst, math.Float64frombits(v))
			payload = payload[m:]
		}
		return dst, n, nil
	default:
		return dst, 0, fmt.Errorf("unexpected wire type %d for doubles", typ)
	}
}

func consumeUint32s(b []byte, typ protowire.Type, dst []uint32) ([]uint32, int, error) {
	switch typ {
	case protowire.VarintType:
		v, n, err := consumeVarint(b, typ)
		if err != nil {
			return dst, 0, err
		}
		if v > math.MaxUint32 {
			return dst, 0, fmt.Errorf("index %d overflows uint32", v)
		}
		return append(dst, uint32(v)), n, nil
	case protowire.BytesType:
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		for len(payload) > 0 {
			v, m := protowire.ConsumeVarint(payload)
			if m < 0 {
				return dst, 0, protowire.ParseError(m)
			}
			if v > math.MaxUint32 {
				return dst, 0, fmt.Errorf("index %d overflows uint32", v)
			}
			dst = append(dst, uint32(v))
			payload = payload[m:]
		}
		return dst, n, nil
	default:
		return dst, 0, fmt.Errorf("unexpected wire type %d for indices", typ)
	}
}
