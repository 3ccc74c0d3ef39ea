package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"gfxlab/broker/internal/camera"
	"gfxlab/broker/internal/cloth"
	configpkg "gfxlab/broker/internal/config"
	grpcstream "gfxlab/broker/internal/grpc"
	httpapi "gfxlab/broker/internal/http"
	"gfxlab/broker/internal/logging"
	"gfxlab/broker/internal/raytrace"
	"gfxlab/broker/internal/replay"
	"gfxlab/broker/internal/simulation"
)

const (
	shutdownTimeout   = 10 * time.Second
	retentionInterval = time.Hour
	replaySessionName = "cloth"
)

func main() {
	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("broker stopped with error", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("broker stopped")
	_ = logger.Sync()
}

func run(ctx context.Context, cfg *configpkg.Config, logger *logging.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	httpLn, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	var grpcLn net.Listener
	if a.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listen grpc: %w", err)
		}
	}
	return a.Serve(ctx, httpLn, grpcLn)
}

// app owns every long-lived component of the broker.
type app struct {
	cfg        *configpkg.Config
	log        *logging.Logger
	engine     *simulation.Engine
	camera     *camera.Controller
	loop       *simulation.Loop
	broker     *Broker
	recorder   *replay.Writer
	retention  *replay.Retention
	handler    http.Handler
	grpcServer *grpc.Server
	grpcTLS    bool
}

func newApp(cfg *configpkg.Config, logger *logging.Logger) (*app, error) {
	if logger == nil {
		logger = logging.L()
	}
	a := &app{cfg: cfg, log: logger}

	//1.- Build the cloth and, when a replay directory is set, its recorder.
	system, err := cloth.New(cfg.ClothConfig())
	if err != nil {
		return nil, fmt.Errorf("build cloth: %w", err)
	}
	engineOpts := []simulation.EngineOption{simulation.WithEngineLogger(logger)}
	if cfg.Replay.Dir != "" {
		if err := a.openReplay(); err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, simulation.WithRecorder(a.recorder))
	}
	step := time.Second / time.Duration(cfg.TickRate)
	a.engine, err = simulation.NewEngine(system, cfg.Iterations, step, engineOpts...)
	if err != nil {
		a.closeRecorder()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	//2.- The camera integrates on the same fixed step as the cloth.
	a.camera = camera.NewController(camera.DefaultConfig())
	a.loop = simulation.NewLoop(float64(cfg.TickRate), func(dt time.Duration) {
		a.engine.Step(dt)
		a.camera.Update(dt.Seconds())
	})

	//3.- Viewers, HTTP API and optional gRPC share the engine.
	brokerOpts := []BrokerOption{WithBrokerLogger(logger)}
	if cfg.ViewerTokenSecret != "" {
		authenticator, err := newTokenAuthenticator(cfg.ViewerTokenSecret, cfg.ViewerTokenLeeway)
		if err != nil {
			a.closeRecorder()
			return nil, fmt.Errorf("viewer auth: %w", err)
		}
		brokerOpts = append(brokerOpts, WithViewerAuthenticator(authenticator))
		logger.Info("viewer token authentication enabled")
	}
	a.broker = NewBroker(cfg, a.engine, brokerOpts...)
	a.handler = a.routes()

	if cfg.GRPCAddress != "" {
		opts, tlsEnabled, err := configureGRPCSecurity(cfg, logger)
		if err != nil {
			a.closeRecorder()
			return nil, fmt.Errorf("configure grpc: %w", err)
		}
		opts = append(opts, grpc.ForceServerCodec(grpcstream.Codec{}))
		a.grpcServer = grpc.NewServer(opts...)
		a.grpcTLS = tlsEnabled
		grpcstream.Register(a.grpcServer, grpcstream.NewService(a.engine, grpcstream.WithLogger(logger)))
	}
	return a, nil
}

func (a *app) openReplay() error {
	writer, manifest, err := replay.NewWriter(a.cfg.Replay.Dir, replaySessionName, replay.DefaultFrameInterval, time.Now)
	if err != nil {
		return fmt.Errorf("open replay: %w", err)
	}
	c := a.cfg.Cloth
	writer.SetHeader(c.Seed, a.cfg.Render.Scene, replay.SceneParameters{
		"rows":          float64(c.Rows),
		"cols":          float64(c.Cols),
		"spacing":       c.Spacing,
		"mass":          c.Mass,
		"gravity_y":     c.Gravity[1],
		"wind_strength": c.WindStrength,
		"tick_rate":     float64(a.cfg.TickRate),
		"iterations":    float64(a.cfg.Iterations),
	})
	a.recorder = writer
	a.retention = replay.NewRetention(a.cfg.Replay.Dir, replay.RetentionPolicy{
		MaxSessions: a.cfg.Replay.MaxSessions,
		MaxAge:      a.cfg.Replay.MaxAge,
	}, a.log)
	a.retention.Protect(writer.Directory())
	a.log.Info("replay recording enabled", logging.String("session", manifest.SessionID), logging.String("directory", writer.Directory()))
	return nil
}

func (a *app) routes() http.Handler {
	var replayStats func() replay.StorageStats
	if a.retention != nil {
		replayStats = a.retention.Stats
	}
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:        a.log,
		Readiness:     a.broker,
		Cloth:         a.engine,
		Camera:        a.camera,
		Scene:         sceneFunc(a.cfg),
		Renderer:      raytrace.Renderer{Workers: a.cfg.Render.Workers},
		RenderWidth:   a.cfg.Render.Width,
		RenderHeight:  a.cfg.Render.Height,
		RenderLimiter: httpapi.NewSlidingWindowLimiter(a.cfg.Render.Window, a.cfg.Render.Burst, nil),
		ReplayStats:   replayStats,
		ViewerUsage:   a.broker.ViewerUsage,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.HandleFunc("/ws", a.broker.serveWS)
	return logging.HTTPTraceMiddleware(a.log)(mux)
}

// sceneFunc picks the preset traced behind the cloth.
func sceneFunc(cfg *configpkg.Config) httpapi.SceneFunc {
	if cfg.Render.Scene != configpkg.SceneTerrain {
		return httpapi.SunsetWithCloth
	}
	seed := cfg.Cloth.Seed
	return func(snapshot cloth.Snapshot) (*raytrace.Scene, error) {
		scene := raytrace.TerrainScene(seed)
		if err := scene.WithMesh(snapshot.Positions, snapshot.Indices, raytrace.ClothColor); err != nil {
			return nil, err
		}
		return scene, nil
	}
}

// Serve runs the simulation and every listener until ctx ends or one fails.
func (a *app) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	httpServer := &http.Server{Handler: a.handler, ReadHeaderTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)

	a.loop.Start(gctx)
	if a.retention != nil {
		g.Go(func() error {
			a.retention.Run(gctx, retentionInterval)
			return nil
		})
	}
	g.Go(func() error {
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.grpcServer != nil && grpcLn != nil {
		g.Go(func() error {
			if err := a.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	grpcAddr := ""
	if grpcLn != nil {
		grpcAddr = grpcLn.Addr().String()
	}
	for _, ep := range advertisedEndpoints(httpLn.Addr().String(), grpcAddr, a.grpcTLS) {
		a.log.Info("broker listening", logging.String("listener", ep.Name), logging.String("url", ep.URL))
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down broker")
		//1.- Stop producing frames, then release every stream that waits on them.
		a.loop.Stop()
		a.broker.Close()
		a.engine.Close()
		if a.grpcServer != nil {
			stopped := make(chan struct{})
			go func() {
				a.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(shutdownTimeout):
				a.grpcServer.Stop()
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases the recorder after the loop has stopped.
func (a *app) Close() {
	if a == nil {
		return
	}
	a.loop.Stop()
	a.engine.Close()
	accepted, rejected := a.broker.ImpulseCounts()
	a.log.Info("viewer impulses", logging.Uint64("accepted", accepted), logging.Uint64("rejected", rejected))
	a.closeRecorder()
}

func (a *app) closeRecorder() {
	if a.recorder == nil {
		return
	}
	stats := a.recorder.Stats()
	if err := a.recorder.Close(); err != nil {
		a.log.Warn("replay close failed", logging.Error(err))
		return
	}
	a.log.Info("replay session closed",
		logging.String("directory", a.recorder.Directory()),
		logging.Uint64("frames", stats.Frames),
		logging.Uint64("dropped", stats.Dropped),
		logging.Uint64("events", stats.Events),
	)
}
