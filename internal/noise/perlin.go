// Package noise implements seeded gradient noise for procedural terrain.
package noise

import (
	"math"
	"math/rand/v2"
)

// Perlin is Ken Perlin's improved gradient noise over a seeded permutation table.
type Perlin struct {
	perm [512]int
}

// NewPerlin shuffles the permutation table with a generator derived from seed.
func NewPerlin(seed uint64) *Perlin {
	rng := rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
	p := &Perlin{}
	var base [256]int
	for i := range base {
		base[i] = i
	}
	rng.Shuffle(len(base), func(i, j int) { base[i], base[j] = base[j], base[i] })
	//1.- Duplicate the table so lookups never need to wrap.
	for i := 0; i < 512; i++ {
		p.perm[i] = base[i&255]
	}
	return p
}

func fade(t float64) float64 {
	return t * t * t * (t*(t*6-15) + 10)
}

func lerp(t, a, b float64) float64 {
	return a + t*(b-a)
}

func grad(hash int, x, y, z float64) float64 {
	h := hash & 15
	u := y
	if h < 8 {
		u = x
	}
	var v float64
	switch {
	case h < 4:
		v = y
	case h == 12 || h == 14:
		v = x
	default:
		v = z
	}
	if h&1 != 0 {
		u = -u
	}
	if h&2 != 0 {
		v = -v
	}
	return u + v
}

// Noise3D samples the noise field. The result lies in [-1, 1] and is zero on integer lattice points.
func (p *Perlin) Noise3D(x, y, z float64) float64 {
	//1.- Locate the unit cube and the point's offset inside it.
	xf, yf, zf := math.Floor(x), math.Floor(y), math.Floor(z)
	X, Y, Z := int(xf)&255, int(yf)&255, int(zf)&255
	x, y, z = x-xf, y-yf, z-zf
	u, v, w := fade(x), fade(y), fade(z)

	//2.- Hash the eight cube corners.
	perm := &p.perm
	A := perm[X] + Y
	AA := perm[A] + Z
	AB := perm[A+1] + Z
	B := perm[X+1] + Y
	BA := perm[B] + Z
	BB := perm[B+1] + Z

	//3.- Blend the corner gradients with the fade curves.
	return lerp(w,
		lerp(v,
			lerp(u, grad(perm[AA], x, y, z), grad(perm[BA], x-1, y, z)),
			lerp(u, grad(perm[AB], x, y-1, z), grad(perm[BB], x-1, y-1, z))),
		lerp(v,
			lerp(u, grad(perm[AA+1], x, y, z-1), grad(perm[BA+1], x-1, y, z-1)),
			lerp(u, grad(perm[AB+1], x, y-1, z-1), grad(perm[BB+1], x-1, y-1, z-1))))
}

// Noise2D samples the z=0 slice of the 3D field.
func (p *Perlin) Noise2D(x, y float64) float64 {
	return p.Noise3D(x, y, 0)
}

// Fractal layers octaves of noise. Each octave scales frequency by Lacunarity
// and amplitude by Persistence.
type Fractal struct {
	Octaves     int
	Frequency   float64
	Persistence float64
	Lacunarity  float64
}

// DefaultFractal is a five-octave setting suited to rolling terrain.
func DefaultFractal() Fractal {
	return Fractal{Octaves: 5, Frequency: 0.08, Persistence: 0.5, Lacunarity: 2}
}

// Sample2D sums the octaves and normalises by the total amplitude, keeping the
// result in [-1, 1].
func (f Fractal) Sample2D(p *Perlin, x, y float64) float64 {
	if p == nil || f.Octaves <= 0 {
		return 0
	}
	frequency := f.Frequency
	if frequency == 0 {
		frequency = 1
	}
	amplitude := 1.0
	total, norm := 0.0, 0.0
	for i := 0; i < f.Octaves; i++ {
		total += p.Noise2D(x*frequency, y*frequency) * amplitude
		norm += amplitude
		frequency *= f.Lacunarity
		amplitude *= f.Persistence
	}
	if norm == 0 {
		return 0
	}
	return total / norm
}
