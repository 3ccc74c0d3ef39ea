package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/go-cmp/cmp"

	"gfxlab/broker/internal/cloth"
)

var allKeys = []string{
	"GFXLAB_ADDR", "GFXLAB_ALLOWED_ORIGINS", "GFXLAB_MAX_PAYLOAD_BYTES", "GFXLAB_PING_INTERVAL",
	"GFXLAB_MAX_CLIENTS", "GFXLAB_VIEWER_TOKEN_SECRET", "GFXLAB_VIEWER_TOKEN_LEEWAY", "GFXLAB_VIEWER_BANDWIDTH", "GFXLAB_GRPC_AUTH_MODE", "GFXLAB_GRPC_SHARED_SECRET",
	"GFXLAB_GRPC_TLS_CERT", "GFXLAB_GRPC_TLS_KEY", "GFXLAB_GRPC_CLIENT_CA", "GFXLAB_TICK_RATE",
	"GFXLAB_ITERATIONS", "GFXLAB_CLOTH_ROWS", "GFXLAB_CLOTH_COLS", "GFXLAB_CLOTH_SPACING",
	"GFXLAB_CLOTH_MASS", "GFXLAB_GRAVITY", "GFXLAB_WIND_STRENGTH", "GFXLAB_SEED",
	"GFXLAB_RENDER_WIDTH", "GFXLAB_RENDER_HEIGHT", "GFXLAB_RENDER_WORKERS", "GFXLAB_RENDER_SCENE",
	"GFXLAB_RENDER_WINDOW", "GFXLAB_RENDER_BURST", "GFXLAB_REPLAY_DIR", "GFXLAB_REPLAY_MAX_SESSIONS",
	"GFXLAB_REPLAY_MAX_AGE", "GFXLAB_LOG_LEVEL",
	"GFXLAB_LOG_PATH", "GFXLAB_LOG_MAX_SIZE_MB", "GFXLAB_LOG_MAX_BACKUPS", "GFXLAB_LOG_MAX_AGE_DAYS",
	"GFXLAB_LOG_COMPRESS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.GRPCAuthMode != GRPCAuthModeNone {
		t.Fatalf("expected auth mode none, got %q", cfg.GRPCAuthMode)
	}
	want := ClothConfig{
		Rows:         DefaultClothRows,
		Cols:         DefaultClothCols,
		Spacing:      DefaultClothSpacing,
		Mass:         DefaultClothMass,
		Gravity:      [3]float64{0, -9.81, 0},
		WindStrength: DefaultWindStrength,
		Seed:         DefaultSeed,
	}
	if diff := cmp.Diff(want, cfg.Cloth); diff != "" {
		t.Fatalf("unexpected cloth defaults (-want +got):\n%s", diff)
	}
	if cfg.Render.Scene != SceneSunset || cfg.Render.Width != DefaultRenderWidth || cfg.Render.Burst != DefaultRenderBurst {
		t.Fatalf("unexpected render defaults %+v", cfg.Render)
	}
	if cfg.TimeStep() != 1.0/DefaultTickRate {
		t.Fatalf("unexpected time step %v", cfg.TimeStep())
	}
	if cfg.Replay.Dir != "" || cfg.Logging.Path != "" {
		t.Fatalf("replay and log file should be disabled by default, got %q %q", cfg.Replay.Dir, cfg.Logging.Path)
	}
	if cfg.Replay.MaxSessions != DefaultReplayMaxSessions || cfg.Replay.MaxAge != DefaultReplayMaxAge {
		t.Fatalf("unexpected replay retention defaults %+v", cfg.Replay)
	}
	if cfg.ViewerTokenSecret != "" || cfg.ViewerTokenLeeway != DefaultViewerTokenLeeway {
		t.Fatalf("unexpected viewer token defaults %q %v", cfg.ViewerTokenSecret, cfg.ViewerTokenLeeway)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GFXLAB_ADDR", "127.0.0.1:9000")
	t.Setenv("GFXLAB_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("GFXLAB_PING_INTERVAL", "45s")
	t.Setenv("GFXLAB_TICK_RATE", "120")
	t.Setenv("GFXLAB_ITERATIONS", "16")
	t.Setenv("GFXLAB_CLOTH_ROWS", "8")
	t.Setenv("GFXLAB_GRAVITY", "0, -1.62, 0")
	t.Setenv("GFXLAB_WIND_STRENGTH", "0")
	t.Setenv("GFXLAB_SEED", "18446744073709551615")
	t.Setenv("GFXLAB_RENDER_SCENE", "Terrain")
	t.Setenv("GFXLAB_RENDER_WINDOW", "250ms")
	t.Setenv("GFXLAB_GRPC_AUTH_MODE", "shared_secret")
	t.Setenv("GFXLAB_GRPC_SHARED_SECRET", "hunter2")
	t.Setenv("GFXLAB_LOG_COMPRESS", "false")
	t.Setenv("GFXLAB_REPLAY_MAX_AGE", "2h")
	t.Setenv("GFXLAB_VIEWER_TOKEN_SECRET", " s3cret ")
	t.Setenv("GFXLAB_VIEWER_TOKEN_LEEWAY", "5s")
	t.Setenv("GFXLAB_VIEWER_BANDWIDTH", "250000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if diff := cmp.Diff([]string{"https://example.com", "https://demo.local"}, cfg.AllowedOrigins); diff != "" {
		t.Fatalf("unexpected origins (-want +got):\n%s", diff)
	}
	if cfg.PingInterval != 45*time.Second || cfg.TickRate != 120 || cfg.Iterations != 16 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if cfg.Cloth.Rows != 8 || cfg.Cloth.Gravity != [3]float64{0, -1.62, 0} || cfg.Cloth.WindStrength != 0 {
		t.Fatalf("unexpected cloth overrides %+v", cfg.Cloth)
	}
	if cfg.Cloth.Seed != ^uint64(0) {
		t.Fatalf("unexpected seed %d", cfg.Cloth.Seed)
	}
	if cfg.Render.Scene != SceneTerrain || cfg.Render.Window != 250*time.Millisecond {
		t.Fatalf("unexpected render overrides %+v", cfg.Render)
	}
	if cfg.GRPCAuthMode != GRPCAuthModeSharedSecret || cfg.GRPCSharedSecret != "hunter2" {
		t.Fatalf("unexpected grpc auth %q %q", cfg.GRPCAuthMode, cfg.GRPCSharedSecret)
	}
	if cfg.Logging.Compress {
		t.Fatal("expected log compression disabled")
	}
	if cfg.ViewerTokenSecret != "s3cret" || cfg.ViewerTokenLeeway != 5*time.Second {
		t.Fatalf("unexpected viewer token overrides %q %v", cfg.ViewerTokenSecret, cfg.ViewerTokenLeeway)
	}
	if cfg.ViewerBandwidth != 250000 {
		t.Fatalf("unexpected viewer bandwidth %v", cfg.ViewerBandwidth)
	}
	if cfg.Replay.MaxAge != 2*time.Hour {
		t.Fatalf("unexpected replay max age %v", cfg.Replay.MaxAge)
	}
}

func TestLoadCollectsEveryProblem(t *testing.T) {
	clearEnv(t)
	t.Setenv("GFXLAB_CLOTH_ROWS", "1")
	t.Setenv("GFXLAB_CLOTH_MASS", "-3")
	t.Setenv("GFXLAB_GRAVITY", "0,1")
	t.Setenv("GFXLAB_PING_INTERVAL", "soon")
	t.Setenv("GFXLAB_RENDER_SCENE", "cathedral")
	t.Setenv("GFXLAB_GRPC_AUTH_MODE", "mtls")

	_, err := Load()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, key := range []string{"GFXLAB_CLOTH_ROWS", "GFXLAB_CLOTH_MASS", "GFXLAB_GRAVITY", "GFXLAB_PING_INTERVAL", "GFXLAB_RENDER_SCENE", "GFXLAB_GRPC_TLS_CERT"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected error to mention %s, got %q", key, err.Error())
		}
	}
}

func TestEmptyGRPCAddressDisablesServer(t *testing.T) {
	clearEnv(t)
	t.Setenv("GFXLAB_GRPC_ADDR", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.GRPCAddress != "" {
		t.Fatalf("expected gRPC disabled, got %q", cfg.GRPCAddress)
	}
}

func TestClothConfigSplitsTickAcrossIterations(t *testing.T) {
	clearEnv(t)
	t.Setenv("GFXLAB_TICK_RATE", "120")
	t.Setenv("GFXLAB_ITERATIONS", "4")
	t.Setenv("GFXLAB_CLOTH_ROWS", "3")
	t.Setenv("GFXLAB_CLOTH_COLS", "5")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := cfg.ClothConfig()
	if want := 1.0 / 480; got.TimeStep != want {
		t.Fatalf("expected substep %v, got %v", want, got.TimeStep)
	}
	if diff := cmp.Diff([]cloth.GridIndex{{Row: 0, Col: 0}, {Row: 0, Col: 4}}, got.Pinned); diff != "" {
		t.Fatalf("unexpected pins (-want +got):\n%s", diff)
	}
	if want := (mgl64.Vec3{-2 * DefaultClothSpacing, 1.5, 0}); got.Origin != want {
		t.Fatalf("expected centred origin %v, got %v", want, got.Origin)
	}
	if _, err := cloth.New(got); err != nil {
		t.Fatalf("cloth.New rejected the derived config: %v", err)
	}
}
