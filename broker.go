package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	configpkg "gfxlab/broker/internal/config"
	"gfxlab/broker/internal/logging"
	"gfxlab/broker/internal/networking"
	"gfxlab/broker/internal/wire"
)

const writeWait = 5 * time.Second

// FrameFeed is the slice of the simulation engine viewers need.
type FrameFeed interface {
	LatestFrame() (*wire.Frame, bool)
	SubscribeFrames(ctx context.Context) (<-chan *wire.Frame, func(), error)
	ApplyImpulse(ctx context.Context, accel mgl64.Vec3) (uint64, error)
}

// BrokerOption customises a Broker.
type BrokerOption func(*Broker)

// WithViewerAuthenticator gates websocket upgrades behind authenticator.
func WithViewerAuthenticator(authenticator viewerAuthenticator) BrokerOption {
	return func(b *Broker) {
		if authenticator != nil {
			b.authenticator = authenticator
		}
	}
}

// WithBrokerLogger overrides the global logger.
func WithBrokerLogger(logger *logging.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.log = logger
		}
	}
}

// viewer is one websocket connection streaming frames.
type viewer struct {
	conn *websocket.Conn
	id   string
	// key is unique per connection even when viewers share an id.
	key      string
	identity viewerIdentity
	cancel   context.CancelFunc
}

// Broker fans cloth frames out to websocket viewers and accepts their impulses.
type Broker struct {
	feed          FrameFeed
	upgrader      websocket.Upgrader
	authenticator viewerAuthenticator
	maxClients    int
	maxPayload    int64
	pingInterval  time.Duration
	throttle      *networking.Throttle
	log           *logging.Logger
	started       time.Time

	mu      sync.Mutex
	clients map[*viewer]struct{}
	closed  bool
	// startupErr marks the broker unready.
	startupErr error

	connections atomic.Uint64
	impulses    atomic.Uint64
	rejected    atomic.Uint64
}

// NewBroker wires feed to websocket viewers using the limits from cfg.
func NewBroker(cfg *configpkg.Config, feed FrameFeed, opts ...BrokerOption) *Broker {
	b := &Broker{
		feed:          feed,
		authenticator: allowAllAuthenticator{},
		maxClients:    cfg.MaxClients,
		maxPayload:    cfg.MaxPayloadBytes,
		pingInterval:  cfg.PingInterval,
		throttle:      networking.NewThrottle(cfg.ViewerBandwidth, nil),
		log:           logging.L(),
		started:       time.Now(),
		clients:       make(map[*viewer]struct{}),
	}
	if b.pingInterval <= 0 {
		b.pingInterval = configpkg.DefaultPingInterval
	}
	b.upgrader = websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// originChecker accepts every origin when none are configured. Requests without
// an Origin header come from non-browser clients and are always accepted.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

// ClientCount reports connected viewers.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// SetStartupError marks the broker unready.
func (b *Broker) SetStartupError(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.startupErr = err
	b.mu.Unlock()
}

// StartupError returns the error recorded while bringing the broker up.
func (b *Broker) StartupError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startupErr
}

// Uptime reports how long the broker has been running.
func (b *Broker) Uptime() time.Duration {
	return time.Since(b.started)
}

// ViewerUsage reports frame pacing per connected viewer.
func (b *Broker) ViewerUsage() []networking.ViewerUsage {
	return b.throttle.Usage()
}

// ImpulseCounts returns accepted and rejected viewer impulses.
func (b *Broker) ImpulseCounts() (accepted, rejected uint64) {
	return b.impulses.Load(), b.rejected.Load()
}

func (b *Broker) admit(v *viewer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		return false
	}
	b.clients[v] = struct{}{}
	return true
}

func (b *Broker) drop(v *viewer) {
	b.mu.Lock()
	delete(b.clients, v)
	b.mu.Unlock()
}

// serveWS upgrades the request and streams binary frames until either side
// goes away.
func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	//1.- Authenticate before the upgrade so failures get a plain HTTP status.
	identity, err := b.authenticator.Authenticate(r)
	if err != nil {
		b.log.Warn("viewer rejected", logging.Error(err), logging.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", logging.Error(err), logging.String("remote", r.RemoteAddr))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &viewer{conn: conn, id: r.RemoteAddr, identity: identity, cancel: cancel}
	if identity.Viewer != "" {
		v.id = identity.Viewer
	}
	v.key = fmt.Sprintf("%s#%d", v.id, b.connections.Add(1))

	//2.- Enforce the viewer cap after the upgrade so the client sees a close reason.
	if !b.admit(v) {
		cancel()
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "viewer limit reached"), deadline)
		_ = conn.Close()
		return
	}
	frames, unsubscribe, err := b.feed.SubscribeFrames(ctx)
	if err != nil {
		b.drop(v)
		cancel()
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "simulation stopped"), deadline)
		_ = conn.Close()
		return
	}
	log := b.log.With(logging.String("viewer", v.id), logging.String("scope", string(identity.Scope)))
	log.Info("viewer connected")

	go b.writeLoop(v, frames, log)
	b.readLoop(ctx, v, log)

	unsubscribe()
	cancel()
	b.drop(v)
	usage, _ := b.throttle.Forget(v.key)
	log.Info("viewer disconnected",
		logging.Int64("frames_sent", usage.SentFrames),
		logging.Int64("frames_skipped", usage.SkippedFrames),
		logging.Int64("bytes_sent", usage.SentBytes),
	)
}

// writeLoop sends the latest frame first, then every published frame and
// periodic pings.
func (b *Broker) writeLoop(v *viewer, frames <-chan *wire.Frame, log *logging.Logger) {
	ticker := time.NewTicker(b.pingInterval)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()
	if latest, ok := b.feed.LatestFrame(); ok {
		if err := b.writeFrame(v, latest, false); err != nil {
			log.Debug("initial frame write failed", logging.Error(err))
			return
		}
	}
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = v.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := b.writeFrame(v, frame, true); err != nil {
				log.Debug("frame write failed", logging.Error(err))
				return
			}
		case <-ticker.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeFrame encodes and sends frame. Paced frames over the viewer's
// bandwidth budget are skipped without error.
func (b *Broker) writeFrame(v *viewer, frame *wire.Frame, paced bool) error {
	payload, err := frame.Marshal()
	if err != nil {
		return err
	}
	if paced && !b.throttle.Allow(v.key, len(payload)) {
		return nil
	}
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// readLoop keeps the connection alive and applies impulses sent by viewers
// holding control scope.
func (b *Broker) readLoop(ctx context.Context, v *viewer, log *logging.Logger) {
	if b.maxPayload > 0 {
		v.conn.SetReadLimit(b.maxPayload)
	}
	pongWait := 2 * b.pingInterval
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, payload, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("viewer read failed", logging.Error(err))
			}
			return
		}
		_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.BinaryMessage {
			continue
		}
		b.handleImpulse(ctx, v, payload, log)
	}
}

func (b *Broker) handleImpulse(ctx context.Context, v *viewer, payload []byte, log *logging.Logger) {
	if !v.identity.Scope.CanControl() {
		b.rejected.Add(1)
		log.Debug("impulse ignored for watch-only viewer")
		return
	}
	var req wire.ImpulseRequest
	if err := req.Unmarshal(payload); err != nil {
		b.rejected.Add(1)
		log.Debug("impulse decode failed", logging.Error(err))
		return
	}
	tick, err := b.feed.ApplyImpulse(ctx, req.Acceleration)
	if err != nil {
		b.rejected.Add(1)
		log.Debug("impulse rejected", logging.Error(err))
		return
	}
	b.impulses.Add(1)
	log.Debug("impulse queued", logging.Uint64("tick", tick))
}

// Close disconnects every viewer and refuses new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	viewers := make([]*viewer, 0, len(b.clients))
	for v := range b.clients {
		viewers = append(viewers, v)
	}
	b.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	for _, v := range viewers {
		_ = v.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "broker shutting down"), deadline)
		v.cancel()
		_ = v.conn.Close()
	}
}
