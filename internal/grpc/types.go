package grpc

import (
	"context"

	"github.com/go-gl/mathgl/mgl64"

	"gfxlab/broker/internal/wire"
)

// FrameSource exposes the latest cloth frame and subscription fan-out.
type FrameSource interface {
	LatestFrame() (*wire.Frame, bool)
	SubscribeFrames(ctx context.Context) (<-chan *wire.Frame, func(), error)
}

// ImpulseSink queues a one-shot acceleration and reports the tick it lands on.
type ImpulseSink interface {
	ApplyImpulse(ctx context.Context, acceleration mgl64.Vec3) (uint64, error)
}

// ClothBridge aggregates the dependencies required by the gRPC service.
type ClothBridge interface {
	FrameSource
	ImpulseSink
}
