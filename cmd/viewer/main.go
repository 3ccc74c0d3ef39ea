// Command viewer opens a desktop window that simulates the cloth locally and
// ray-traces it into the sunset or terrain scene.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"os"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	configpkg "gfxlab/broker/internal/config"
	"gfxlab/broker/internal/logging"
	"gfxlab/broker/internal/raytrace"
	"gfxlab/broker/internal/viewer"
)

const helpText = "drag/arrows: orbit  wheel: zoom  W/S: speed  X: stop  G: gust  P: pause"

func main() {
	scale := flag.Int("scale", 3, "window pixels per traced pixel")
	width := flag.Int("width", 0, "traced width, defaults to GFXLAB_RENDER_WIDTH")
	height := flag.Int("height", 0, "traced height, defaults to GFXLAB_RENDER_HEIGHT")
	flag.Parse()

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
	if *width > 0 {
		cfg.Render.Width = *width
	}
	if *height > 0 {
		cfg.Render.Height = *height
	}
	if *scale < 1 {
		*scale = 1
	}

	session, err := viewer.NewSession(viewer.Config{
		Cloth:      cfg.ClothConfig(),
		Iterations: cfg.Iterations,
		Width:      cfg.Render.Width,
		Height:     cfg.Render.Height,
		Scene:      sceneFunc(cfg),
		Renderer:   raytrace.Renderer{Workers: cfg.Render.Workers},
		Logger:     logger,
	})
	if err != nil {
		logger.Error("viewer setup failed", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &game{ctx: ctx, session: session, width: cfg.Render.Width, height: cfg.Render.Height}
	ebiten.SetWindowTitle("gfxlab cloth viewer")
	ebiten.SetWindowSize(cfg.Render.Width**scale, cfg.Render.Height**scale)
	ebiten.SetTPS(cfg.TickRate)
	err = ebiten.RunGame(g)
	cancel()
	if err != nil {
		logger.Error("viewer stopped with error", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("viewer closed", logging.Uint64("ticks", session.Tick()))
	_ = logger.Sync()
}

func sceneFunc(cfg *configpkg.Config) func() *raytrace.Scene {
	if cfg.Render.Scene == configpkg.SceneTerrain {
		seed := cfg.Cloth.Seed
		return func() *raytrace.Scene { return raytrace.TerrainScene(seed) }
	}
	return func() *raytrace.Scene { return raytrace.SunsetScene() }
}

type game struct {
	ctx     context.Context
	session *viewer.Session
	width   int
	height  int

	frame     *ebiten.Image
	shown     *image.RGBA
	lastX     int
	lastY     int
	dragging  bool
	tickShown uint64
}

func (g *game) Update() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		return ebiten.Termination
	}
	if err := g.session.Update(g.pollInput()); err != nil {
		return err
	}
	g.session.RequestRender(g.ctx)
	return nil
}

// pollInput converts this tick's keyboard and mouse state into a viewer.Input.
func (g *game) pollInput() viewer.Input {
	in := viewer.Input{
		Left:        ebiten.IsKeyPressed(ebiten.KeyLeft) || ebiten.IsKeyPressed(ebiten.KeyA),
		Right:       ebiten.IsKeyPressed(ebiten.KeyRight) || ebiten.IsKeyPressed(ebiten.KeyD),
		Up:          ebiten.IsKeyPressed(ebiten.KeyUp),
		Down:        ebiten.IsKeyPressed(ebiten.KeyDown),
		Faster:      inpututil.IsKeyJustPressed(ebiten.KeyW),
		Slower:      inpututil.IsKeyJustPressed(ebiten.KeyS),
		Stop:        inpututil.IsKeyJustPressed(ebiten.KeyX),
		Gust:        inpututil.IsKeyJustPressed(ebiten.KeyG) || inpututil.IsKeyJustPressed(ebiten.KeySpace),
		TogglePause: inpututil.IsKeyJustPressed(ebiten.KeyP),
	}
	_, in.Wheel = ebiten.Wheel()

	//1.- Drags are measured between consecutive ticks while the button is held.
	x, y := ebiten.CursorPosition()
	if ebiten.IsMouseButtonPressed(ebiten.MouseButtonLeft) {
		if g.dragging {
			in.Dragging = true
			in.DragDX = float64(x - g.lastX)
			in.DragDY = float64(y - g.lastY)
		}
		g.dragging = true
	} else {
		g.dragging = false
	}
	g.lastX, g.lastY = x, y
	return in
}

func (g *game) Draw(screen *ebiten.Image) {
	img, tick := g.session.Latest()
	if img != nil && img != g.shown {
		if g.frame == nil {
			g.frame = ebiten.NewImage(g.width, g.height)
		}
		g.frame.WritePixels(img.Pix)
		g.shown, g.tickShown = img, tick
	}
	if g.frame != nil {
		screen.DrawImage(g.frame, nil)
	}
	state := g.session.Camera().State()
	status := fmt.Sprintf("tick %d (shown %d)  speed %.1f  dist %.2f", g.session.Tick(), g.tickShown, state.Speed, state.Distance)
	if g.session.Paused() {
		status += "  [paused]"
	}
	ebitenutil.DebugPrint(screen, status+"\n"+helpText)
}

func (g *game) Layout(int, int) (int, int) {
	return g.width, g.height
}
