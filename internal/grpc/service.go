package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gfxlab/broker/internal/logging"
	"gfxlab/broker/internal/simulation"
	"gfxlab/broker/internal/wire"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "gfxlab.ClothService"

	snapshotMethod = "/" + ServiceName + "/Snapshot"
	impulseMethod  = "/" + ServiceName + "/Impulse"
	watchMethod    = "/" + ServiceName + "/Watch"

	watchRateHz      = 20
	minWatchInterval = 5 * time.Millisecond
)

// ClothServer is the server API for the cloth service.
type ClothServer interface {
	Snapshot(context.Context, *wire.SnapshotRequest) (*wire.Frame, error)
	Impulse(context.Context, *wire.ImpulseRequest) (*wire.ImpulseReply, error)
	Watch(*wire.WatchRequest, grpc.ServerStreamingServer[wire.Frame]) error
}

// ServiceDesc describes the cloth service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClothServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
		{MethodName: "Impulse", Handler: impulseHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "gfxlab/cloth.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv ClothServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClothServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: snapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClothServer).Snapshot(ctx, req.(*wire.SnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func impulseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.ImpulseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClothServer).Impulse(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: impulseMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClothServer).Impulse(ctx, req.(*wire.ImpulseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(wire.WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ClothServer).Watch(in, &grpc.GenericServerStream[wire.WatchRequest, wire.Frame]{ServerStream: stream})
}

// Option customises the behaviour of the gRPC cloth service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithLogger attaches a logger for stream lifecycle events.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Service implements ClothServer over a ClothBridge.
type Service struct {
	bridge    ClothBridge
	newTicker tickerFactory
	log       *logging.Logger
}

var _ ClothServer = (*Service)(nil)

// NewService wires the gRPC service to the bridge and optional settings.
func NewService(bridge ClothBridge, opts ...Option) *Service {
	service := &Service{bridge: bridge, newTicker: defaultTickerFactory, log: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Snapshot returns the most recently published frame.
func (s *Service) Snapshot(ctx context.Context, _ *wire.SnapshotRequest) (*wire.Frame, error) {
	if s == nil || s.bridge == nil {
		return nil, status.Error(codes.FailedPrecondition, "cloth unavailable")
	}
	frame, ok := s.bridge.LatestFrame()
	if !ok || frame == nil {
		return nil, status.Error(codes.Unavailable, "no frame published yet")
	}
	return frame, nil
}

// Impulse validates and queues an acceleration burst for the next step.
func (s *Service) Impulse(ctx context.Context, req *wire.ImpulseRequest) (*wire.ImpulseReply, error) {
	if s == nil || s.bridge == nil {
		return nil, status.Error(codes.FailedPrecondition, "cloth unavailable")
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "impulse required")
	}
	//1.- Reject non-finite or excessive bursts before they reach the solver.
	accel := req.Acceleration
	if err := simulation.ValidateImpulse(accel); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tick, err := s.bridge.ApplyImpulse(ctx, accel)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "apply impulse: %v", err)
	}
	return &wire.ImpulseReply{Tick: tick}, nil
}

// Watch relays frames at a throttled cadence. Frames that arrive between
// ticks are coalesced so only the newest is sent.
func (s *Service) Watch(req *wire.WatchRequest, stream grpc.ServerStreamingServer[wire.Frame]) error {
	if s == nil || s.bridge == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	if req == nil {
		req = &wire.WatchRequest{}
	}
	ctx := stream.Context()
	//1.- Subscribe to the frame fan-out so we receive future updates.
	frames, cancel, err := s.bridge.SubscribeFrames(ctx)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe frames: %v", err)
	}
	defer cancel()

	interval := time.Second / watchRateHz
	if req.IntervalMs > 0 {
		interval = time.Duration(req.IntervalMs) * time.Millisecond
	}
	if interval < minWatchInterval {
		interval = minWatchInterval
	}
	tickCh, stop := s.newTicker(interval)
	defer stop()

	var (
		pending   *wire.Frame
		sent      uint32
		coalesced uint64
	)
	send := func(frame *wire.Frame) (bool, error) {
		if err := stream.Send(frame); err != nil {
			return false, err
		}
		sent++
		return req.MaxFrames > 0 && sent >= req.MaxFrames, nil
	}
	defer func() {
		if coalesced > 0 {
			s.log.Debug("watch stream coalesced frames", logging.Uint64("coalesced", coalesced), logging.Uint64("sent", uint64(sent)))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case frame, ok := <-frames:
			if !ok {
				//3.- Flush the newest frame once the source closes.
				if pending != nil {
					_, err := send(pending)
					return err
				}
				return nil
			}
			if pending != nil {
				coalesced++
			}
			pending = frame
		case <-tickCh:
			if pending == nil {
				continue
			}
			frame := pending
			pending = nil
			done, err := send(frame)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}
