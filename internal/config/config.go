package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"gfxlab/broker/internal/cloth"
)

// ErrInvalid wraps every environment validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	// DefaultAddr is the default TCP address the HTTP/WebSocket server listens on.
	DefaultAddr = ":8470"
	// DefaultGRPCAddr is the default gRPC listen address. Empty disables gRPC.
	DefaultGRPCAddr = ":8471"
	// DefaultPingInterval controls the keepalive cadence for WebSocket viewers.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 16
	// DefaultMaxClients bounds concurrent WebSocket viewers. Zero disables the limit.
	DefaultMaxClients = 64
	// DefaultViewerTokenLeeway tolerates clock skew when checking viewer token expiry.
	DefaultViewerTokenLeeway = 2 * time.Second

	// DefaultTickRate is the simulation rate in steps per second.
	DefaultTickRate = 60
	// DefaultIterations is the number of solver iterations per step.
	DefaultIterations = 8
	// DefaultClothRows is the number of particle rows.
	DefaultClothRows = 20
	// DefaultClothCols is the number of particle columns.
	DefaultClothCols = 20
	// DefaultClothSpacing is the rest distance between neighbours.
	DefaultClothSpacing = 0.1
	// DefaultClothMass is the per-particle mass.
	DefaultClothMass = 1.0
	// DefaultWindStrength scales the seeded wind.
	DefaultWindStrength = 2.0
	// DefaultSeed feeds every seeded generator.
	DefaultSeed uint64 = 1

	// DefaultRenderWidth is the width of /api/render images.
	DefaultRenderWidth = 320
	// DefaultRenderHeight is the height of /api/render images.
	DefaultRenderHeight = 200
	// DefaultRenderScene names the preset traced by /api/render.
	DefaultRenderScene = SceneSunset
	// DefaultRenderWindow bounds how frequently renders may be requested.
	DefaultRenderWindow = time.Second
	// DefaultRenderBurst sets how many renders may be made per window.
	DefaultRenderBurst = 4

	// DefaultReplayMaxSessions caps how many recorded sessions are kept on disk.
	DefaultReplayMaxSessions = 20
	// DefaultReplayMaxAge prunes recorded sessions older than this.
	DefaultReplayMaxAge = 72 * time.Hour

	// DefaultLogLevel controls verbosity.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 50
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles zstd compression for rotated log files.
	DefaultLogCompress = true
)

// Scene presets accepted by GFXLAB_RENDER_SCENE.
const (
	SceneSunset  = "sunset"
	SceneTerrain = "terrain"
)

// GRPCAuthMode selects how gRPC callers are authenticated.
type GRPCAuthMode string

const (
	// GRPCAuthModeNone accepts every caller.
	GRPCAuthModeNone GRPCAuthMode = "none"
	// GRPCAuthModeSharedSecret requires a shared secret in call metadata.
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	// GRPCAuthModeMTLS requires client certificates signed by the configured CA.
	GRPCAuthModeMTLS GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the cloth broker.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	// ViewerTokenSecret of empty lets every viewer connect without a token.
	ViewerTokenSecret string
	ViewerTokenLeeway time.Duration
	// ViewerBandwidth caps outgoing frame bytes per second per viewer. Zero disables pacing.
	ViewerBandwidth float64

	GRPCAddress        string
	GRPCAuthMode       GRPCAuthMode
	GRPCSharedSecret   string
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string

	TickRate   int
	Iterations int
	Cloth      ClothConfig
	Render     RenderConfig
	Replay     ReplayConfig
	Logging    LoggingConfig
}

// ReplayConfig controls session recording and on-disk retention.
type ReplayConfig struct {
	// Dir of empty disables recording.
	Dir         string
	MaxSessions int
	MaxAge      time.Duration
}

// ClothConfig holds the cloth grid and environment parameters.
type ClothConfig struct {
	Rows         int
	Cols         int
	Spacing      float64
	Mass         float64
	Gravity      [3]float64
	WindStrength float64
	Seed         uint64
}

// RenderConfig holds ray tracer output settings.
type RenderConfig struct {
	Width  int
	Height int
	// Workers of zero uses GOMAXPROCS.
	Workers int
	Scene   string
	Window  time.Duration
	Burst   int
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level string
	// Path of empty logs to stdout only.
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// TimeStep is the integration step implied by the tick rate.
func (c *Config) TimeStep() float64 {
	if c == nil || c.TickRate <= 0 {
		return 1.0 / DefaultTickRate
	}
	return 1 / float64(c.TickRate)
}

// SubstepTime returns the integration step of a single solver iteration.
// A tick runs Iterations substeps so the cloth advances TimeStep per tick.
func (c *Config) SubstepTime() float64 {
	if c == nil || c.Iterations <= 0 {
		return c.TimeStep() / DefaultIterations
	}
	return c.TimeStep() / float64(c.Iterations)
}

// ClothConfig builds the solver configuration shared by the broker and the
// desktop viewer: the grid is centred on x and hangs from its top corners.
func (c *Config) ClothConfig() cloth.Config {
	cc := c.Cloth
	width := float64(cc.Cols-1) * cc.Spacing
	return cloth.Config{
		Rows:         cc.Rows,
		Cols:         cc.Cols,
		Spacing:      cc.Spacing,
		Mass:         cc.Mass,
		Origin:       mgl64.Vec3{-width / 2, 1.5, 0},
		Pinned:       []cloth.GridIndex{{Row: 0, Col: 0}, {Row: 0, Col: cc.Cols - 1}},
		TimeStep:     c.SubstepTime(),
		Gravity:      mgl64.Vec3(cc.Gravity),
		WindStrength: cc.WindStrength,
		Seed:         cc.Seed,
	}
}

// loader accumulates parse problems across every variable.
type loader struct {
	problems []string
}

func (l *loader) fail(format string, args ...any) {
	l.problems = append(l.problems, fmt.Sprintf(format, args...))
}

func (l *loader) intVar(key string, dst *int, lo int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < lo {
		l.fail("%s must be an integer >= %d, got %q", key, lo, raw)
		return
	}
	*dst = value
}

func (l *loader) uint64Var(key string, dst *uint64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		l.fail("%s must be an unsigned integer, got %q", key, raw)
		return
	}
	*dst = value
}

func (l *loader) floatVar(key string, dst *float64, allowZero bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || value < 0 || (!allowZero && value == 0) {
		l.fail("%s must be a positive number, got %q", key, raw)
		return
	}
	*dst = value
}

func (l *loader) durationVar(key string, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		l.fail("%s must be a positive duration, got %q", key, raw)
		return
	}
	*dst = value
}

func (l *loader) boolVar(key string, dst *bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		l.fail("%s must be a boolean value, got %q", key, raw)
		return
	}
	*dst = value
}

func (l *loader) vectorVar(key string, dst *[3]float64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		l.fail("%s must be three comma separated numbers, got %q", key, raw)
		return
	}
	var out [3]float64
	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			l.fail("%s component %d is not a number: %q", key, i, part)
			return
		}
		out[i] = value
	}
	*dst = out
}

// Load reads the broker configuration from GFXLAB_* environment variables,
// applying defaults and returning every invalid override in one error.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("GFXLAB_ADDR", DefaultAddr),
		AllowedOrigins:  parseList(os.Getenv("GFXLAB_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxClients:      DefaultMaxClients,

		ViewerTokenSecret: strings.TrimSpace(os.Getenv("GFXLAB_VIEWER_TOKEN_SECRET")),
		ViewerTokenLeeway: DefaultViewerTokenLeeway,

		GRPCAddress:        getStringAllowEmpty("GFXLAB_GRPC_ADDR", DefaultGRPCAddr),
		GRPCAuthMode:       GRPCAuthMode(strings.ToLower(getString("GFXLAB_GRPC_AUTH_MODE", string(GRPCAuthModeNone)))),
		GRPCSharedSecret:   strings.TrimSpace(os.Getenv("GFXLAB_GRPC_SHARED_SECRET")),
		GRPCServerCertPath: strings.TrimSpace(os.Getenv("GFXLAB_GRPC_TLS_CERT")),
		GRPCServerKeyPath:  strings.TrimSpace(os.Getenv("GFXLAB_GRPC_TLS_KEY")),
		GRPCClientCAPath:   strings.TrimSpace(os.Getenv("GFXLAB_GRPC_CLIENT_CA")),

		TickRate:   DefaultTickRate,
		Iterations: DefaultIterations,
		Cloth: ClothConfig{
			Rows:         DefaultClothRows,
			Cols:         DefaultClothCols,
			Spacing:      DefaultClothSpacing,
			Mass:         DefaultClothMass,
			Gravity:      [3]float64{0, -9.81, 0},
			WindStrength: DefaultWindStrength,
			Seed:         DefaultSeed,
		},
		Render: RenderConfig{
			Width:  DefaultRenderWidth,
			Height: DefaultRenderHeight,
			Scene:  strings.ToLower(getString("GFXLAB_RENDER_SCENE", DefaultRenderScene)),
			Window: DefaultRenderWindow,
			Burst:  DefaultRenderBurst,
		},
		Replay: ReplayConfig{
			Dir:         strings.TrimSpace(os.Getenv("GFXLAB_REPLAY_DIR")),
			MaxSessions: DefaultReplayMaxSessions,
			MaxAge:      DefaultReplayMaxAge,
		},
		Logging: LoggingConfig{
			Level:      getString("GFXLAB_LOG_LEVEL", DefaultLogLevel),
			Path:       strings.TrimSpace(os.Getenv("GFXLAB_LOG_PATH")),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	l := &loader{}
	payload := int(cfg.MaxPayloadBytes)
	l.intVar("GFXLAB_MAX_PAYLOAD_BYTES", &payload, 1)
	cfg.MaxPayloadBytes = int64(payload)
	l.durationVar("GFXLAB_PING_INTERVAL", &cfg.PingInterval)
	l.intVar("GFXLAB_MAX_CLIENTS", &cfg.MaxClients, 0)
	l.durationVar("GFXLAB_VIEWER_TOKEN_LEEWAY", &cfg.ViewerTokenLeeway)
	l.floatVar("GFXLAB_VIEWER_BANDWIDTH", &cfg.ViewerBandwidth, true)

	l.intVar("GFXLAB_TICK_RATE", &cfg.TickRate, 1)
	l.intVar("GFXLAB_ITERATIONS", &cfg.Iterations, 1)
	l.intVar("GFXLAB_CLOTH_ROWS", &cfg.Cloth.Rows, 2)
	l.intVar("GFXLAB_CLOTH_COLS", &cfg.Cloth.Cols, 2)
	l.floatVar("GFXLAB_CLOTH_SPACING", &cfg.Cloth.Spacing, false)
	l.floatVar("GFXLAB_CLOTH_MASS", &cfg.Cloth.Mass, false)
	l.vectorVar("GFXLAB_GRAVITY", &cfg.Cloth.Gravity)
	l.floatVar("GFXLAB_WIND_STRENGTH", &cfg.Cloth.WindStrength, true)
	l.uint64Var("GFXLAB_SEED", &cfg.Cloth.Seed)

	l.intVar("GFXLAB_RENDER_WIDTH", &cfg.Render.Width, 1)
	l.intVar("GFXLAB_RENDER_HEIGHT", &cfg.Render.Height, 1)
	l.intVar("GFXLAB_RENDER_WORKERS", &cfg.Render.Workers, 0)
	l.durationVar("GFXLAB_RENDER_WINDOW", &cfg.Render.Window)
	l.intVar("GFXLAB_RENDER_BURST", &cfg.Render.Burst, 1)
	if cfg.Render.Scene != SceneSunset && cfg.Render.Scene != SceneTerrain {
		l.fail("GFXLAB_RENDER_SCENE must be %q or %q, got %q", SceneSunset, SceneTerrain, cfg.Render.Scene)
	}

	l.intVar("GFXLAB_REPLAY_MAX_SESSIONS", &cfg.Replay.MaxSessions, 0)
	l.durationVar("GFXLAB_REPLAY_MAX_AGE", &cfg.Replay.MaxAge)

	l.intVar("GFXLAB_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, 1)
	l.intVar("GFXLAB_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, 0)
	l.intVar("GFXLAB_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, 0)
	l.boolVar("GFXLAB_LOG_COMPRESS", &cfg.Logging.Compress)

	switch cfg.GRPCAuthMode {
	case GRPCAuthModeNone:
	case GRPCAuthModeSharedSecret:
		if cfg.GRPCSharedSecret == "" {
			l.fail("GFXLAB_GRPC_SHARED_SECRET is required when GFXLAB_GRPC_AUTH_MODE=%s", GRPCAuthModeSharedSecret)
		}
	case GRPCAuthModeMTLS:
		if cfg.GRPCServerCertPath == "" || cfg.GRPCServerKeyPath == "" || cfg.GRPCClientCAPath == "" {
			l.fail("GFXLAB_GRPC_TLS_CERT, GFXLAB_GRPC_TLS_KEY and GFXLAB_GRPC_CLIENT_CA are required when GFXLAB_GRPC_AUTH_MODE=%s", GRPCAuthModeMTLS)
		}
	default:
		l.fail("GFXLAB_GRPC_AUTH_MODE must be one of none, shared_secret, mtls, got %q", cfg.GRPCAuthMode)
	}

	if len(l.problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(l.problems, "; "))
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// getStringAllowEmpty distinguishes an unset variable from one set to "".
func getStringAllowEmpty(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
