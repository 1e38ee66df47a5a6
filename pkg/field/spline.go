package field

// SplineSampler performs smoothed lookup by cubic B-spline resampling
// over the 4x4x4 voxel neighbourhood of the coordinate (4x4 for 2D
// fields). The spline does not interpolate the voxel values exactly;
// it trades fidelity at the voxel centres for a smooth reconstruction,
// which is the intended behavior of the smoothed lookup strategy.
type SplineSampler struct{}

// Sample returns the B-spline-smoothed value at c.
func (SplineSampler) Sample(g *Grid, c Coord) float64 {
	sh := g.Shape()

	var base [3]int
	var w [3][4]float64
	for axis := 0; axis < 3; axis++ {
		if sh[axis] == 1 {
			base[axis] = 0
			w[axis] = [4]float64{0, 1, 0, 0}
			continue
		}
		b, frac := texelOffset(c[axis], sh[axis])
		base[axis] = b
		w[axis] = bsplineWeights(frac)
	}

	var sum float64
	for dk := 0; dk < 4; dk++ {
		wk := w[2][dk]
		if wk == 0 {
			continue
		}
		for dj := 0; dj < 4; dj++ {
			wj := w[1][dj]
			if wj == 0 {
				continue
			}
			for di := 0; di < 4; di++ {
				wi := w[0][di]
				if wi == 0 {
					continue
				}
				sum += wi * wj * wk * g.At(base[0]+di-1, base[1]+dj-1, base[2]+dk-1)
			}
		}
	}
	return sum
}

// bsplineWeights returns the four uniform cubic B-spline basis weights
// for a fractional offset t in [0, 1). The weights sum to 1.
func bsplineWeights(t float64) [4]float64 {
	t2 := t * t
	t3 := t2 * t
	return [4]float64{
		(1 - 3*t + 3*t2 - t3) / 6,
		(4 - 6*t2 + 3*t3) / 6,
		(1 + 3*t + 3*t2 - 3*t3) / 6,
		t3 / 6,
	}
}
