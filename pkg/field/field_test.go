package field

import (
	"math"
	"testing"
)

func TestNewGrid_LengthMismatch(t *testing.T) {
	t.Parallel()

	if _, err := NewGrid(Shape{2, 2, 2}, make([]float32, 7)); err == nil {
		t.Fatal("expected error for short data")
	}
	if _, err := NewGrid(Shape{2, 0, 2}, nil); err == nil {
		t.Fatal("expected error for zero extent")
	}
}

func TestGridAt_ClampToEdge(t *testing.T) {
	t.Parallel()

	g, err := NewGrid(Shape{2, 2, 1}, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}

	if got := g.At(-5, 0, 0); got != 1 {
		t.Errorf("At(-5,0,0) = %v, want 1", got)
	}
	if got := g.At(10, 10, 10); got != 4 {
		t.Errorf("At(10,10,10) = %v, want 4", got)
	}
}

func TestNearestSampler(t *testing.T) {
	t.Parallel()

	g, err := NewGrid(Shape{4, 1, 1}, []float32{10, 20, 30, 40})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}

	var s NearestSampler
	cases := []struct {
		x    float64
		want float64
	}{
		{0.0, 10},
		{0.126, 10},
		{0.3, 20},
		{0.51, 30},
		{0.99, 40},
		{1.0, 40},   // upper edge clamps into the last texel
		{-0.5, 10},  // out of range clamps to the first texel
		{1.5, 40},   // out of range clamps to the last texel
	}
	for _, tc := range cases {
		if got := s.Sample(g, Coord{tc.x, 0, 0}); got != tc.want {
			t.Errorf("Sample(x=%v) = %v, want %v", tc.x, got, tc.want)
		}
	}
}

func TestLinearSampler_Midpoint(t *testing.T) {
	t.Parallel()

	g, err := NewGrid(Shape{2, 1, 1}, []float32{0, 10})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}

	var s LinearSampler
	// x = 0.5 is exactly between the two texel centres.
	if got := s.Sample(g, Coord{0.5, 0, 0}); math.Abs(got-5) > 1e-12 {
		t.Errorf("Sample(0.5) = %v, want 5", got)
	}
	// Texel centres reproduce the stored values.
	if got := s.Sample(g, Coord{0.25, 0, 0}); math.Abs(got-0) > 1e-12 {
		t.Errorf("Sample(0.25) = %v, want 0", got)
	}
	if got := s.Sample(g, Coord{0.75, 0, 0}); math.Abs(got-10) > 1e-12 {
		t.Errorf("Sample(0.75) = %v, want 10", got)
	}
}

func TestNearestSampler_NaNPropagates(t *testing.T) {
	t.Parallel()

	nan := float32(math.NaN())
	g, err := NewGrid(Shape{1, 1, 1}, []float32{nan})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}

	var s NearestSampler
	if got := s.Sample(g, Coord{0.5, 0.5, 0.5}); !math.IsNaN(got) {
		t.Errorf("expected NaN, got %v", got)
	}
}

func TestCoordInUnitCube(t *testing.T) {
	t.Parallel()

	cases := []struct {
		c    Coord
		want bool
	}{
		{Coord{0, 0, 0}, true},
		{Coord{1, 1, 1}, true},
		{Coord{0.5, 0.5, 0.5}, true},
		{Coord{-0.001, 0.5, 0.5}, false},
		{Coord{0.5, 1.001, 0.5}, false},
		{Coord{0.5, 0.5, 2}, false},
	}
	for _, tc := range cases {
		if got := tc.c.InUnitCube(); got != tc.want {
			t.Errorf("InUnitCube(%v) = %v, want %v", tc.c, got, tc.want)
		}
	}
}

func TestGridRange(t *testing.T) {
	t.Parallel()

	nan := float32(math.NaN())
	g, err := NewGrid(Shape{4, 1, 1}, []float32{3, nan, -1, 7})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}

	lo, hi := g.Range()
	if lo != -1 || hi != 7 {
		t.Errorf("Range() = (%v, %v), want (-1, 7)", lo, hi)
	}
}

func TestGridNormalized(t *testing.T) {
	t.Parallel()

	nan := float32(math.NaN())
	g, err := NewGrid(Shape{4, 1, 1}, []float32{0, 5, 10, nan})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}

	n := g.Normalized(0, 10)
	var s NearestSampler
	if got := s.Sample(n, Coord{0.1, 0, 0}); got != 0 {
		t.Errorf("normalized low = %v, want 0", got)
	}
	if got := s.Sample(n, Coord{0.3, 0, 0}); got != 0.5 {
		t.Errorf("normalized mid = %v, want 0.5", got)
	}
	if got := s.Sample(n, Coord{0.6, 0, 0}); got != 1 {
		t.Errorf("normalized high = %v, want 1", got)
	}
	if got := s.Sample(n, Coord{0.9, 0, 0}); !math.IsNaN(got) {
		t.Errorf("normalized NaN = %v, want NaN", got)
	}
}

func TestGridShape2D(t *testing.T) {
	t.Parallel()

	if !(Shape{8, 8, 1}).Is2D() {
		t.Error("expected depth-1 shape to be 2D")
	}
	if (Shape{8, 8, 2}).Is2D() {
		t.Error("expected depth-2 shape to be 3D")
	}
}
