package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"gfxlab/broker/internal/auth"
	configpkg "gfxlab/broker/internal/config"
	"gfxlab/broker/internal/logging"
	"gfxlab/broker/internal/replay"
	"gfxlab/broker/internal/wire"
)

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		Address:           "127.0.0.1:0",
		MaxPayloadBytes:   configpkg.DefaultMaxPayloadBytes,
		PingInterval:      time.Second,
		MaxClients:        4,
		ViewerTokenLeeway: time.Second,
		GRPCAuthMode:      configpkg.GRPCAuthModeNone,
		TickRate:          120,
		Iterations:        4,
		Cloth: configpkg.ClothConfig{
			Rows:    4,
			Cols:    4,
			Spacing: 0.1,
			Mass:    1,
			Gravity: [3]float64{0, -9.81, 0},
			Seed:    7,
		},
		Render: configpkg.RenderConfig{
			Width:  16,
			Height: 8,
			Scene:  configpkg.SceneSunset,
			Window: time.Second,
			Burst:  4,
		},
		Replay: configpkg.ReplayConfig{MaxSessions: 5, MaxAge: time.Hour},
	}
}

type runningApp struct {
	app  *app
	addr string
	stop func()
}

func startApp(t *testing.T, cfg *configpkg.Config) *runningApp {
	t.Helper()
	a, err := newApp(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln, nil) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancellation")
		}
		a.Close()
	}
	t.Cleanup(stop)
	return &runningApp{app: a, addr: ln.Addr().String(), stop: stop}
}

func (r *runningApp) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws://" + r.addr + "/ws"
	if token != "" {
		url += "?auth_token=" + token
	}
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	return dialer.Dial(url, nil)
}

func readFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got %d", kind)
	}
	frame := &wire.Frame{}
	if err := frame.Unmarshal(payload); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestViewerReceivesBinaryFrames(t *testing.T) {
	running := startApp(t, testConfig())
	conn, _, err := running.dial(t, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readFrame(t, conn)
	if first.Snapshot.Rows != 4 || first.Snapshot.Cols != 4 || len(first.Snapshot.Positions) != 48 {
		t.Fatalf("unexpected snapshot shape %dx%d with %d coordinates", first.Snapshot.Rows, first.Snapshot.Cols, len(first.Snapshot.Positions))
	}
	next := readFrame(t, conn)
	if next.Tick <= first.Tick {
		t.Fatalf("expected ticks to advance, got %d then %d", first.Tick, next.Tick)
	}
	waitFor(t, "client registration", func() bool { return running.app.broker.ClientCount() == 1 })
}

func TestViewerImpulseRespectsTokenScope(t *testing.T) {
	cfg := testConfig()
	cfg.ViewerTokenSecret = "s3cret"
	running := startApp(t, cfg)

	if _, resp, err := running.dial(t, ""); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got err=%v resp=%v", err, resp)
	}

	issuer, err := auth.NewIssuer("s3cret")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	payload, err := (&wire.ImpulseRequest{Acceleration: mgl64.Vec3{0, 0, 5}}).Marshal()
	if err != nil {
		t.Fatalf("marshal impulse: %v", err)
	}

	watchToken, err := issuer.Issue("watcher", auth.ScopeWatch, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	watcher, _, err := running.dial(t, watchToken)
	if err != nil {
		t.Fatalf("dial watcher: %v", err)
	}
	defer watcher.Close()
	if err := watcher.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write impulse: %v", err)
	}
	waitFor(t, "watch impulse rejection", func() bool {
		_, rejected := running.app.broker.ImpulseCounts()
		return rejected == 1
	})

	controlToken, err := issuer.Issue("pilot", auth.ScopeControl, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	pilot, _, err := running.dial(t, controlToken)
	if err != nil {
		t.Fatalf("dial pilot: %v", err)
	}
	defer pilot.Close()
	if err := pilot.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write impulse: %v", err)
	}
	waitFor(t, "control impulse", func() bool {
		accepted, _ := running.app.broker.ImpulseCounts()
		return accepted == 1
	})
}

func TestViewerLimitClosesExtraConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 1
	running := startApp(t, cfg)

	first, _, err := running.dial(t, "")
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	waitFor(t, "first viewer", func() bool { return running.app.broker.ClientCount() == 1 })

	second, _, err := running.dial(t, "")
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected try-again-later close, got %v", err)
	}
}

func TestViewerBandwidthSkipsFrames(t *testing.T) {
	cfg := testConfig()
	cfg.ViewerBandwidth = 1
	running := startApp(t, cfg)
	conn, _, err := running.dial(t, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn)

	waitFor(t, "skipped frames", func() bool {
		usage := running.app.broker.ViewerUsage()
		return len(usage) == 1 && usage[0].SentFrames == 1 && usage[0].SkippedFrames > 0
	})
}

func TestShutdownClosesViewers(t *testing.T) {
	running := startApp(t, testConfig())
	conn, _, err := running.dial(t, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn)

	running.stop()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.Fatalf("expected orderly close, got %v", err)
			}
			return
		}
	}
}

func TestRoutesServeAPIWithTraceHeader(t *testing.T) {
	a, err := newApp(testConfig(), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()
	a.engine.Step(a.engine.StepDuration())

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(logging.TraceIDHeader) == "" {
		t.Fatal("expected trace id header")
	}
	var body struct {
		Tick uint64 `json:"tick"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if body.Tick != 1 {
		t.Fatalf("expected tick 1, got %d", body.Tick)
	}

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/render?w=8&h=4", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected render response %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestReplaySessionWrittenOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Replay.Dir = t.TempDir()
	running := startApp(t, cfg)
	waitFor(t, "simulated ticks", func() bool { return running.app.engine.Stats().Tick >= 30 })
	if err := running.app.engine.Pin(3, 1); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	running.stop()

	entries, err := os.ReadDir(cfg.Replay.Dir)
	if err != nil {
		t.Fatalf("read replay dir: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), replaySessionName+"-") {
		t.Fatalf("expected one cloth session, got %v", entries)
	}
	session, err := replay.Open(filepath.Join(cfg.Replay.Dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if session.Header.Seed != 7 || session.Header.Scene != configpkg.SceneSunset {
		t.Fatalf("unexpected header %+v", session.Header)
	}
	if session.Header.Params["rows"] != 4 {
		t.Fatalf("expected rows parameter, got %+v", session.Header.Params)
	}
	if len(session.Frames) == 0 {
		t.Fatal("expected recorded frames")
	}
	if len(session.Events) != 1 || session.Events[0].Type != "pin" {
		t.Fatalf("expected a single pin event, got %+v", session.Events)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://viewer.example/"})
	cases := map[string]bool{
		"":                       true,
		"https://viewer.example": true,
		"HTTPS://VIEWER.EXAMPLE": true,
		"https://evil.example":   false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := check(req); got != want {
			t.Fatalf("origin %q: got %v want %v", origin, got, want)
		}
	}
	if !originChecker(nil)(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Fatal("expected open origin policy without configuration")
	}
}

func TestSceneFuncSelectsPreset(t *testing.T) {
	a, err := newApp(testConfig(), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()
	frame, _ := a.engine.LatestFrame()

	for _, preset := range []string{configpkg.SceneSunset, configpkg.SceneTerrain} {
		cfg := testConfig()
		cfg.Render.Scene = preset
		scene, err := sceneFunc(cfg)(frame.Snapshot)
		if err != nil {
			t.Fatalf("%s: %v", preset, err)
		}
		// 3x3 quads give 18 cloth triangles on top of the preset objects.
		if len(scene.Objects) < 18+2 {
			t.Fatalf("%s: expected cloth triangles in scene, got %d objects", preset, len(scene.Objects))
		}
	}
}
