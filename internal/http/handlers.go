package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"gfxlab/broker/internal/camera"
	"gfxlab/broker/internal/cloth"
	"gfxlab/broker/internal/logging"
	"gfxlab/broker/internal/networking"
	"gfxlab/broker/internal/raytrace"
	"gfxlab/broker/internal/replay"
	"gfxlab/broker/internal/simulation"
	"gfxlab/broker/internal/wire"
)

const (
	// MaxRenderWidth caps the width accepted by the render endpoint.
	MaxRenderWidth = 1920
	// MaxRenderHeight caps the height accepted by the render endpoint.
	MaxRenderHeight = 1080

	maxBodyBytes = 1 << 12
)

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	ClientCount() int
	StartupError() error
	Uptime() time.Duration
}

// Cloth is the subset of the simulation engine the handlers drive.
type Cloth interface {
	Stats() simulation.EngineStats
	LatestFrame() (*wire.Frame, bool)
	ApplyImpulse(ctx context.Context, accel mgl64.Vec3) (uint64, error)
	Pin(row, col int) error
	Release(row, col int) error
}

// Camera is the subset of camera.Controller the handlers drive.
type Camera interface {
	SetYawVelocity(v float64)
	SetPitchVelocity(v float64)
	Zoom(delta float64)
	AdjustSpeed(delta float64)
	Stop()
	RayCamera(width, height int) raytrace.Camera
	State() camera.State
}

// SceneFunc builds a fresh scene around the supplied cloth snapshot.
type SceneFunc func(snapshot cloth.Snapshot) (*raytrace.Scene, error)

// RateLimiter gates how frequently expensive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Readiness     ReadinessProvider
	Cloth         Cloth
	Camera        Camera
	Scene         SceneFunc
	Renderer      raytrace.Renderer
	RenderWidth   int
	RenderHeight  int
	RenderLimiter RateLimiter
	ReplayStats   func() replay.StorageStats
	ViewerUsage   func() []networking.ViewerUsage
	TimeSource    func() time.Time
}

// HandlerSet bundles the broker HTTP API.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	cloth        Cloth
	camera       Camera
	scene        SceneFunc
	renderer     raytrace.Renderer
	renderWidth  int
	renderHeight int
	limiter      RateLimiter
	replayStats  func() replay.StorageStats
	viewerUsage  func() []networking.ViewerUsage
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	scene := opts.Scene
	if scene == nil {
		scene = SunsetWithCloth
	}
	return &HandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		cloth:        opts.Cloth,
		camera:       opts.Camera,
		scene:        scene,
		renderer:     opts.Renderer,
		renderWidth:  opts.RenderWidth,
		renderHeight: opts.RenderHeight,
		limiter:      opts.RenderLimiter,
		replayStats:  opts.ReplayStats,
		viewerUsage:  opts.ViewerUsage,
		now:          now,
	}
}

// SunsetWithCloth is the default SceneFunc.
func SunsetWithCloth(snapshot cloth.Snapshot) (*raytrace.Scene, error) {
	scene := raytrace.SunsetScene()
	if err := scene.WithMesh(snapshot.Positions, snapshot.Indices, raytrace.ClothColor); err != nil {
		return nil, err
	}
	return scene, nil
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/api/stats", h.StatsHandler())
	mux.HandleFunc("/api/render", h.RenderHandler())
	mux.HandleFunc("/api/input", h.InputHandler())
	mux.HandleFunc("/api/pin", h.PinHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including viewer counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients = h.readiness.ClientCount()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		if h.cloth != nil && h.cloth.Stats().Diverged {
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			resp.Message = simulation.ErrDiverged.Error()
		}
		writeJSON(w, status, resp)
	}
}

// StatsHandler serves solver, timing, viewer and replay statistics as JSON.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	type response struct {
		simulation.EngineStats
		Clients int                      `json:"clients"`
		Camera  *camera.State            `json:"camera,omitempty"`
		Replay  *replay.StorageStats     `json:"replay,omitempty"`
		Viewers []networking.ViewerUsage `json:"viewers,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		if h.cloth == nil {
			http.Error(w, "simulation unavailable", http.StatusServiceUnavailable)
			return
		}
		resp := response{EngineStats: h.cloth.Stats()}
		if h.readiness != nil {
			resp.Clients = h.readiness.ClientCount()
		}
		if h.camera != nil {
			state := h.camera.State()
			resp.Camera = &state
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			resp.Replay = &stats
		}
		if h.viewerUsage != nil {
			resp.Viewers = h.viewerUsage()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		uptime, clients := 0.0, 0
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
			clients = h.readiness.ClientCount()
		}
		metric(w, "gfxlab_uptime_seconds", "gauge", "Broker uptime in seconds.", "%.0f", uptime)
		metric(w, "gfxlab_clients", "gauge", "Connected WebSocket viewers.", "%d", clients)
		if h.cloth != nil {
			stats := h.cloth.Stats()
			metric(w, "gfxlab_ticks_total", "counter", "Simulation ticks published.", "%d", stats.Tick)
			metric(w, "gfxlab_solver_iterations_total", "counter", "Constraint relaxation iterations run.", "%d", stats.Iterations)
			metric(w, "gfxlab_degenerate_constraints_total", "counter", "Constraint evaluations skipped for coincident particles.", "%d", stats.Degenerate)
			metric(w, "gfxlab_max_stretch", "gauge", "Largest constraint deviation from rest length.", "%g", stats.MaxStretch)
			metric(w, "gfxlab_frame_subscribers", "gauge", "Live frame subscribers.", "%d", stats.Subscribers)
			metric(w, "gfxlab_step_seconds_avg", "gauge", "Average step duration.", "%g", stats.Timing.Average.Seconds())
			metric(w, "gfxlab_step_seconds_max", "gauge", "Worst step duration.", "%g", stats.Timing.Max.Seconds())
			metric(w, "gfxlab_step_overruns_total", "counter", "Steps that exceeded the tick budget.", "%d", stats.Timing.Overruns)
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			metric(w, "gfxlab_replay_sessions", "gauge", "Recorded sessions on disk.", "%d", stats.Sessions)
			metric(w, "gfxlab_replay_bytes", "gauge", "Disk usage of recorded sessions.", "%d", stats.Bytes)
		}
		if h.viewerUsage != nil {
			var sent, skipped int64
			for _, usage := range h.viewerUsage() {
				sent += usage.SentFrames
				skipped += usage.SkippedFrames
			}
			metric(w, "gfxlab_viewer_frames_sent", "gauge", "Frames sent to connected viewers.", "%d", sent)
			metric(w, "gfxlab_viewer_frames_skipped", "gauge", "Frames skipped by viewer bandwidth pacing.", "%d", skipped)
		}
	}
}

func metric(w io.Writer, name, kind, help, format string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s "+format+"\n", name, value)
}

// RenderHandler ray-traces the current cloth into the configured scene and
// returns a PNG. Optional w and h query parameters override the size.
func (h *HandlerSet) RenderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context()).With(logging.String("handler", "render"))
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		if h.cloth == nil || h.camera == nil {
			http.Error(w, "rendering unavailable", http.StatusServiceUnavailable)
			return
		}
		width, err := dimension(r, "w", h.renderWidth, MaxRenderWidth)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		height, err := dimension(r, "h", h.renderHeight, MaxRenderHeight)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if h.limiter != nil && !h.limiter.Allow() {
			reqLogger.Warn("render denied: rate limit exceeded")
			if hinted, ok := h.limiter.(interface{ RetryAfter() time.Duration }); ok {
				if wait := hinted.RetryAfter(); wait > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				}
			}
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		//1.- Build the scene around an immutable frame so the solver keeps running.
		frame, ok := h.cloth.LatestFrame()
		if !ok {
			http.Error(w, "no frame published yet", http.StatusServiceUnavailable)
			return
		}
		scene, err := h.scene(frame.Snapshot)
		if err != nil {
			reqLogger.Error("render scene build failed", logging.Error(err))
			http.Error(w, "failed to build scene", http.StatusInternalServerError)
			return
		}
		started := h.now()
		img, err := h.renderer.Render(r.Context(), scene, h.camera.RayCamera(width, height))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			reqLogger.Error("render failed", logging.Error(err))
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}

		//2.- Encode into a buffer so encoding failures can still return 500.
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			reqLogger.Error("png encode failed", logging.Error(err))
			http.Error(w, "encode failed", http.StatusInternalServerError)
			return
		}
		reqLogger.Debug("render complete",
			logging.Uint64("tick", frame.Tick),
			logging.Int("width", width),
			logging.Int("height", height),
			logging.Duration("elapsed", h.now().Sub(started)),
		)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Frame-Tick", strconv.FormatUint(frame.Tick, 10))
		_, _ = w.Write(buf.Bytes())
	}
}

func dimension(r *http.Request, key string, fallback, limit int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 || value > limit {
		return 0, fmt.Errorf("%s must be an integer in [1, %d]", key, limit)
	}
	return value, nil
}

// InputRequest carries camera velocity setters and an optional cloth impulse.
// Absent fields leave the corresponding state untouched.
type InputRequest struct {
	YawVelocity   *float64    `json:"yaw_velocity,omitempty"`
	PitchVelocity *float64    `json:"pitch_velocity,omitempty"`
	Zoom          *float64    `json:"zoom,omitempty"`
	SpeedDelta    *float64    `json:"speed_delta,omitempty"`
	Stop          bool        `json:"stop,omitempty"`
	Impulse       *[3]float64 `json:"impulse,omitempty"`
}

// InputHandler applies camera input and optional impulses.
func (h *HandlerSet) InputHandler() http.HandlerFunc {
	type response struct {
		Camera      camera.State `json:"camera"`
		ImpulseTick uint64       `json:"impulse_tick,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if h.camera == nil || h.cloth == nil {
			http.Error(w, "input unavailable", http.StatusServiceUnavailable)
			return
		}
		var req InputRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, v := range []*float64{req.YawVelocity, req.PitchVelocity, req.Zoom, req.SpeedDelta} {
			if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
				http.Error(w, "input values must be finite", http.StatusBadRequest)
				return
			}
		}

		//1.- Validate the impulse before touching any state.
		var resp response
		if req.Impulse != nil {
			accel := mgl64.Vec3(*req.Impulse)
			if err := simulation.ValidateImpulse(accel); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			tick, err := h.cloth.ApplyImpulse(r.Context(), accel)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			resp.ImpulseTick = tick
		}
		//2.- Stop first so a request can halt and then set new velocities.
		if req.Stop {
			h.camera.Stop()
		}
		if req.YawVelocity != nil {
			h.camera.SetYawVelocity(*req.YawVelocity)
		}
		if req.PitchVelocity != nil {
			h.camera.SetPitchVelocity(*req.PitchVelocity)
		}
		if req.Zoom != nil {
			h.camera.Zoom(*req.Zoom)
		}
		if req.SpeedDelta != nil {
			h.camera.AdjustSpeed(*req.SpeedDelta)
		}
		resp.Camera = h.camera.State()
		writeJSON(w, http.StatusOK, resp)
	}
}

// PinRequest pins or releases the particle at Row, Col.
type PinRequest struct {
	Row    int  `json:"row"`
	Col    int  `json:"col"`
	Pinned bool `json:"pinned"`
}

// PinHandler pins or releases a particle.
func (h *HandlerSet) PinHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if h.cloth == nil {
			http.Error(w, "simulation unavailable", http.StatusServiceUnavailable)
			return
		}
		var req PinRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		apply := h.cloth.Release
		if req.Pinned {
			apply = h.cloth.Pin
		}
		if err := apply(req.Row, req.Col); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

// writeEngineError maps engine failures onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, simulation.ErrClosed), errors.Is(err, simulation.ErrDiverged):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusRequestTimeout)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
