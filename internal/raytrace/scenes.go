package raytrace

import (
	"github.com/go-gl/mathgl/mgl64"
)

// Preset colours shared by the built-in scenes.
var (
	GroundColor = mgl64.Vec3{0.35, 0.25, 0.2}
	SunColor    = mgl64.Vec3{1.0, 0.85, 0.4}
	BirdColor   = mgl64.Vec3{0.05, 0.05, 0.08}
	ClothColor  = mgl64.Vec3{0.75, 0.2, 0.25}
	GrassColor  = mgl64.Vec3{0.3, 0.5, 0.25}
)

// GroundY is the height of the sunset scene's ground plane.
const GroundY = -0.5

// Sun is the emissive disc low on the sunset horizon.
var Sun = Sphere{Center: mgl64.Vec3{0, 4, -60}, Radius: 6, Color: SunColor, Emissive: true}

// Bird returns a small two-triangle silhouette centred on c with wingspan s.
func Bird(c mgl64.Vec3, s float64) []Triangle {
	body := c.Add(mgl64.Vec3{0, -0.2 * s, 0})
	left := c.Add(mgl64.Vec3{-s / 2, 0.15 * s, 0})
	right := c.Add(mgl64.Vec3{s / 2, 0.15 * s, 0})
	return []Triangle{
		NewTriangle(left, body, c.Add(mgl64.Vec3{0, 0.05 * s, 0}), BirdColor),
		NewTriangle(c.Add(mgl64.Vec3{0, 0.05 * s, 0}), body, right, BirdColor),
	}
}

// SunsetScene returns the ground, the sun, a small flock and any extra objects
// such as a cloth mesh.
func SunsetScene(extra ...Intersectable) *Scene {
	const half = 100.0
	a := mgl64.Vec3{-half, GroundY, half}
	b := mgl64.Vec3{half, GroundY, half}
	c := mgl64.Vec3{half, GroundY, -half}
	d := mgl64.Vec3{-half, GroundY, -half}

	objects := []Intersectable{
		NewTriangle(a, b, c, GroundColor),
		NewTriangle(a, c, d, GroundColor),
		Sun,
	}
	for _, centre := range []mgl64.Vec3{{-3, 3.5, -20}, {-2.2, 4.1, -22}, {2.5, 3.2, -18}} {
		for _, tri := range Bird(centre, 0.8) {
			objects = append(objects, tri)
		}
	}
	objects = append(objects, extra...)
	return &Scene{
		Objects:    objects,
		Light:      Light{Direction: Sun.Center.Normalize(), Color: mgl64.Vec3{1, 0.9, 0.75}},
		Ambient:    0.25,
		Background: SunsetSky,
		Shadows:    true,
	}
}

// TerrainScene returns seeded Perlin terrain under the sunset sky.
func TerrainScene(seed uint64, extra ...Intersectable) *Scene {
	terrain := Marched{
		Field:       NewTerrainField(seed, GroundY-1, 2),
		Color:       GrassColor,
		MaxDistance: 150,
		MaxSteps:    192,
		Epsilon:     2e-3,
	}
	objects := append([]Intersectable{terrain, Sun}, extra...)
	return &Scene{
		Objects:    objects,
		Light:      Light{Direction: mgl64.Vec3{0.3, 0.6, -0.7}.Normalize(), Color: mgl64.Vec3{1, 0.95, 0.85}},
		Ambient:    0.2,
		Background: SunsetSky,
	}
}

// WithMesh converts a flat mesh into triangles and appends them to the scene.
func (s *Scene) WithMesh(positions []float64, indices []uint32, color mgl64.Vec3) error {
	tris, err := MeshTriangles(positions, indices, color)
	if err != nil {
		return err
	}
	for _, tri := range tris {
		s.Objects = append(s.Objects, tri)
	}
	return nil
}
