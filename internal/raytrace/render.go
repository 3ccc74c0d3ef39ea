package raytrace

import (
	"context"
	"image"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Renderer traces whole frames, one row per task.
type Renderer struct {
	// Workers bounds concurrent rows. Zero uses GOMAXPROCS.
	Workers int
}

// Render traces every pixel of cam against scene. Rows run in parallel over
// read-only scene data. A cancelled context stops scheduling rows and returns
// the context error.
func (r Renderer) Render(ctx context.Context, scene *Scene, cam Camera) (*image.RGBA, error) {
	if err := cam.Validate(); err != nil {
		return nil, err
	}
	workers := r.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	img := image.NewRGBA(image.Rect(0, 0, cam.Width, cam.Height))
	b := cam.basis()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for y := 0; y < cam.Height; y++ {
		if gctx.Err() != nil {
			break
		}
		row := y
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			//1.- Each task owns one row of the image, so writes never overlap.
			for x := 0; x < cam.Width; x++ {
				img.SetRGBA(x, row, scene.RenderPixel(b.ray(cam.Eye, float64(x), float64(row), cam.Width, cam.Height)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return img, nil
}
