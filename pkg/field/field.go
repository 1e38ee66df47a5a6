// Package field provides scalar field grids addressable by normalized
// coordinates, and pluggable sampling strategies over them.
package field

import (
	"fmt"
	"math"
)

// Shape holds the voxel extents of a field along X, Y and Z.
// Two-dimensional fields have a Z extent of 1.
type Shape [3]int

// Count returns the total number of voxels in the shape.
func (s Shape) Count() int {
	return s[0] * s[1] * s[2]
}

// Is2D reports whether the shape describes a single-slice field.
func (s Shape) Is2D() bool {
	return s[2] == 1
}

// Coord is a normalized sample coordinate. Each component addresses the
// corresponding field axis over [0, 1]; values outside that range are a
// defined, handled case rather than an error.
type Coord [3]float64

// InUnitCube reports whether every component lies within [0, 1].
func (c Coord) InUnitCube() bool {
	for _, v := range c {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}

// Grid is a scalar field stored as a dense float32 array in x-fastest
// order. Grids are read-only once constructed and safe for concurrent
// sampling.
type Grid struct {
	shape Shape
	data  []float32
}

// NewGrid creates a grid over the given backing data. The data length
// must match the shape's voxel count.
func NewGrid(shape Shape, data []float32) (*Grid, error) {
	for axis, n := range shape {
		if n <= 0 {
			return nil, fmt.Errorf("invalid grid extent at axis %d: %d", axis, n)
		}
	}
	if len(data) != shape.Count() {
		return nil, fmt.Errorf("grid data length %d does not match shape %v (%d voxels)", len(data), shape, shape.Count())
	}
	return &Grid{shape: shape, data: data}, nil
}

// Shape returns the grid's voxel extents.
func (g *Grid) Shape() Shape {
	return g.shape
}

// At returns the voxel value at integer indices. Indices outside the
// grid are clamped to the nearest edge voxel (clamp-to-edge).
func (g *Grid) At(i, j, k int) float64 {
	i = clampIndex(i, g.shape[0])
	j = clampIndex(j, g.shape[1])
	k = clampIndex(k, g.shape[2])
	return float64(g.data[i+j*g.shape[0]+k*g.shape[0]*g.shape[1]])
}

// Range returns the minimum and maximum finite values in the grid.
// NaN voxels are ignored; a grid of only NaNs yields (0, 0).
func (g *Grid) Range() (lo, hi float64) {
	found := false
	for _, v := range g.data {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		if !found {
			lo, hi = f, f
			found = true
			continue
		}
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	return lo, hi
}

// Normalized returns a copy of the grid with values linearly remapped so
// that lo maps to 0 and hi maps to 1. Values outside [lo, hi] are
// clamped; NaN voxels are preserved. A degenerate range yields zeros.
func (g *Grid) Normalized(lo, hi float64) *Grid {
	out := make([]float32, len(g.data))
	span := hi - lo
	for i, v := range g.data {
		f := float64(v)
		if math.IsNaN(f) {
			out[i] = float32(math.NaN())
			continue
		}
		if span == 0 {
			out[i] = 0
			continue
		}
		t := (f - lo) / span
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		out[i] = float32(t)
	}
	return &Grid{shape: g.shape, data: out}
}

// Sampler resolves a scalar value from a grid at a normalized
// coordinate. Implementations never fail and have no side effects.
type Sampler interface {
	Sample(g *Grid, c Coord) float64
}

// NearestSampler performs a direct nearest-texel lookup with
// clamp-to-edge boundary behavior.
type NearestSampler struct{}

// Sample returns the value of the voxel containing c.
func (NearestSampler) Sample(g *Grid, c Coord) float64 {
	sh := g.Shape()
	return g.At(texelIndex(c[0], sh[0]), texelIndex(c[1], sh[1]), texelIndex(c[2], sh[2]))
}

// LinearSampler performs trilinear interpolation between the eight
// voxels surrounding the coordinate, clamped at the field edges.
type LinearSampler struct{}

// Sample returns the trilinearly interpolated value at c.
func (LinearSampler) Sample(g *Grid, c Coord) float64 {
	sh := g.Shape()

	var base [3]int
	var frac [3]float64
	for axis := 0; axis < 3; axis++ {
		base[axis], frac[axis] = texelOffset(c[axis], sh[axis])
	}

	var sum float64
	for dk := 0; dk < 2; dk++ {
		wk := axisWeight(frac[2], dk, sh[2])
		if wk == 0 {
			continue
		}
		for dj := 0; dj < 2; dj++ {
			wj := axisWeight(frac[1], dj, sh[1])
			if wj == 0 {
				continue
			}
			for di := 0; di < 2; di++ {
				wi := axisWeight(frac[0], di, sh[0])
				if wi == 0 {
					continue
				}
				sum += wi * wj * wk * g.At(base[0]+di, base[1]+dj, base[2]+dk)
			}
		}
	}
	return sum
}

// texelIndex maps a normalized coordinate to the index of the texel
// containing it, clamped to the field edge.
func texelIndex(x float64, n int) int {
	return clampIndex(int(math.Floor(x*float64(n))), n)
}

// texelOffset maps a normalized coordinate to the index of the lower
// neighbouring texel centre and the fractional distance towards the
// next one.
func texelOffset(x float64, n int) (int, float64) {
	if n == 1 {
		return 0, 0
	}
	p := x*float64(n) - 0.5
	base := math.Floor(p)
	return int(base), p - base
}

func axisWeight(frac float64, d, n int) float64 {
	if n == 1 {
		if d == 0 {
			return 1
		}
		return 0
	}
	if d == 0 {
		return 1 - frac
	}
	return frac
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
