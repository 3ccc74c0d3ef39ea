package cloth

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// Snapshot is a read-only, flat copy of the grid ready for a rasteriser or the wire.
// Vertices are row-major: 3 floats per vertex for positions and normals, 2 for UVs.
type Snapshot struct {
	Rows      int
	Cols      int
	Positions []float64
	Normals   []float64
	UVs       []float64
	Indices   []uint32
}

// VertexCount returns the number of vertices described by the snapshot.
func (s Snapshot) VertexCount() int {
	return len(s.Positions) / 3
}

// Position returns vertex i as a vector.
func (s Snapshot) Position(i int) mgl64.Vec3 {
	return mgl64.Vec3{s.Positions[3*i], s.Positions[3*i+1], s.Positions[3*i+2]}
}

// Snapshot copies the current particle state into flat arrays.
func (s *System) Snapshot() Snapshot {
	n := len(s.particles)
	snap := Snapshot{
		Rows:      s.cfg.Rows,
		Cols:      s.cfg.Cols,
		Positions: make([]float64, 0, n*3),
		Normals:   make([]float64, n*3),
		UVs:       make([]float64, 0, n*2),
		Indices:   append([]uint32(nil), s.indices...),
	}
	for i := range s.particles {
		p := &s.particles[i]
		snap.Positions = append(snap.Positions, p.Current[0], p.Current[1], p.Current[2])
		snap.UVs = append(snap.UVs, p.UV[0], p.UV[1])
	}

	//1.- Accumulate area-weighted face normals onto their vertices.
	accum := make([]mgl64.Vec3, n)
	for t := 0; t+2 < len(s.indices); t += 3 {
		a, b, c := s.indices[t], s.indices[t+1], s.indices[t+2]
		pa, pb, pc := s.particles[a].Current, s.particles[b].Current, s.particles[c].Current
		face := pb.Sub(pa).Cross(pc.Sub(pa))
		accum[a] = accum[a].Add(face)
		accum[b] = accum[b].Add(face)
		accum[c] = accum[c].Add(face)
	}
	//2.- Normalise, leaving zero normals for vertices of collapsed triangles.
	for i, sum := range accum {
		if l := sum.Len(); l > 0 {
			sum = sum.Mul(1 / l)
		}
		snap.Normals[3*i] = sum[0]
		snap.Normals[3*i+1] = sum[1]
		snap.Normals[3*i+2] = sum[2]
	}
	return snap
}

// LoadPositions rebuilds particle positions from a flat row-major array and
// clears implicit velocity.
func (s *System) LoadPositions(positions []float64) error {
	if len(positions) != len(s.particles)*3 {
		return fmt.Errorf("%w: expected %d position floats for %dx%d grid, got %d",
			ErrInvalidConfig, len(s.particles)*3, s.cfg.Rows, s.cfg.Cols, len(positions))
	}
	for i := range s.particles {
		s.particles[i].Reset(mgl64.Vec3{positions[3*i], positions[3*i+1], positions[3*i+2]})
	}
	return nil
}
