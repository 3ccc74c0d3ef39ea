package grpc

import (
	"context"
	"errors"
	"io"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"gfxlab/broker/internal/wire"
)

// Client wraps the cloth service calls over an existing connection.
type Client struct {
	conn   grpc.ClientConnInterface
	secret string
	opts   []grpc.CallOption
}

// NewClient prepares a client. A non-empty secret is attached to every call.
func NewClient(conn grpc.ClientConnInterface, secret string) *Client {
	return &Client{
		conn:   conn,
		secret: secret,
		opts:   []grpc.CallOption{grpc.ForceCodec(Codec{}), grpc.UseCompressor(SnappyName)},
	}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.secret == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, SharedSecretMetadataKey, c.secret)
}

// Snapshot fetches the latest frame.
func (c *Client) Snapshot(ctx context.Context) (*wire.Frame, error) {
	if c == nil || c.conn == nil {
		return nil, errors.New("client not connected")
	}
	out := new(wire.Frame)
	if err := c.conn.Invoke(c.outgoing(ctx), snapshotMethod, &wire.SnapshotRequest{}, out, c.opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Impulse queues an acceleration burst and returns the tick it applies to.
func (c *Client) Impulse(ctx context.Context, acceleration mgl64.Vec3) (uint64, error) {
	if c == nil || c.conn == nil {
		return 0, errors.New("client not connected")
	}
	out := new(wire.ImpulseReply)
	if err := c.conn.Invoke(c.outgoing(ctx), impulseMethod, &wire.ImpulseRequest{Acceleration: acceleration}, out, c.opts...); err != nil {
		return 0, err
	}
	return out.Tick, nil
}

// Watch opens a throttled frame stream.
func (c *Client) Watch(ctx context.Context, req *wire.WatchRequest) (grpc.ServerStreamingClient[wire.Frame], error) {
	if c == nil || c.conn == nil {
		return nil, errors.New("client not connected")
	}
	if req == nil {
		req = &wire.WatchRequest{}
	}
	stream, err := c.conn.NewStream(c.outgoing(ctx), &ServiceDesc.Streams[0], watchMethod, c.opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wire.WatchRequest, wire.Frame]{ClientStream: stream}
	//1.- io.EOF means the server already closed the stream; Recv reports why.
	if err := x.ClientStream.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
