package grpc

import (
	"io"

	"github.com/golang/snappy"
	"google.golang.org/grpc/encoding"
)

// SnappyName is the grpc-encoding value advertised for snappy payloads.
const SnappyName = "snappy"

func init() {
	encoding.RegisterCompressor(snappyCompressor{})
}

// snappyCompressor adapts the snappy framing format to gRPC's compressor registry.
type snappyCompressor struct{}

// Name reports the identifier used for snappy encoded payloads.
func (snappyCompressor) Name() string { return SnappyName }

// Compress wraps w so writes are snappy framed.
func (snappyCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

// Decompress wraps r so reads are unframed.
func (snappyCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return snappy.NewReader(r), nil
}
