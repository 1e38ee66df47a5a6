package render

import (
	"bytes"
	"image"
	"image/png"
	"math"
	"testing"

	"github.com/voltile/server/pkg/colormap"
	"github.com/voltile/server/pkg/field"
	"github.com/voltile/server/pkg/voxel"
)

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png decode: %v", err)
	}
	return img
}

func greyEngine(t *testing.T, values []float32, shape field.Shape) (*voxel.Engine, field.Shape) {
	t.Helper()
	g, err := field.NewGrid(shape, values)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	eng := voxel.New(voxel.Config{
		Primary:  g,
		PosTable: colormap.Greyscale,
		Opts: voxel.Opts{
			Clip:      voxel.ClipRange{Low: -1, High: 2},
			CmapXform: colormap.Identity,
		},
	})
	return eng, shape
}

func TestParsePlane(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"axial", "coronal", "sagittal"} {
		if _, err := ParsePlane(name); err != nil {
			t.Errorf("ParsePlane(%q): %v", name, err)
		}
	}
	if _, err := ParsePlane("diagonal"); err == nil {
		t.Error("expected error for unknown plane")
	}
}

func TestSliceDepth(t *testing.T) {
	t.Parallel()

	shape := field.Shape{3, 5, 7}
	if got := SliceDepth(shape, PlaneSagittal); got != 3 {
		t.Errorf("sagittal depth = %d, want 3", got)
	}
	if got := SliceDepth(shape, PlaneCoronal); got != 5 {
		t.Errorf("coronal depth = %d, want 5", got)
	}
	if got := SliceDepth(shape, PlaneAxial); got != 7 {
		t.Errorf("axial depth = %d, want 7", got)
	}
}

func TestRenderSlice_GreyscaleHalves(t *testing.T) {
	t.Parallel()

	// Left half of the field is 0 (black), right half 1 (white).
	eng, shape := greyEngine(t, []float32{0, 1, 0, 1}, field.Shape{2, 2, 1})
	r := NewSliceRenderer(Config{SliceSize: 4})

	data, err := r.RenderSlice(eng, shape, PlaneAxial, 0)
	if err != nil {
		t.Fatalf("RenderSlice: %v", err)
	}
	img := decodePNG(t, data)

	cr, cg, cb, ca := img.At(0, 0).RGBA()
	if cr != 0 || cg != 0 || cb != 0 || ca == 0 {
		t.Errorf("left pixel = (%d,%d,%d,%d), want opaque black", cr, cg, cb, ca)
	}
	cr, cg, cb, ca = img.At(3, 3).RGBA()
	if cr != 0xffff || cg != 0xffff || cb != 0xffff || ca == 0 {
		t.Errorf("right pixel = (%d,%d,%d,%d), want opaque white", cr, cg, cb, ca)
	}
}

func TestRenderSlice_NaNLeavesTransparentPixels(t *testing.T) {
	t.Parallel()

	nan := float32(math.NaN())
	eng, shape := greyEngine(t, []float32{nan, nan, nan, nan}, field.Shape{2, 2, 1})
	r := NewSliceRenderer(Config{SliceSize: 2})

	data, err := r.RenderSlice(eng, shape, PlaneAxial, 0)
	if err != nil {
		t.Fatalf("RenderSlice: %v", err)
	}
	img := decodePNG(t, data)

	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
				t.Fatalf("pixel (%d,%d) alpha = %d, want transparent", x, y, a)
			}
		}
	}
}

func TestRenderSlice_IndexOutOfRange(t *testing.T) {
	t.Parallel()

	eng, shape := greyEngine(t, []float32{0, 1, 0, 1}, field.Shape{2, 2, 1})
	r := NewSliceRenderer(Config{SliceSize: 2})

	if _, err := r.RenderSlice(eng, shape, PlaneAxial, 1); err == nil {
		t.Error("expected error for index past depth")
	}
	if _, err := r.RenderSlice(eng, shape, PlaneAxial, -1); err == nil {
		t.Error("expected error for negative index")
	}
}

func TestRenderColourBar(t *testing.T) {
	t.Parallel()

	data, err := RenderColourBar(colormap.Greyscale, 64, 8)
	if err != nil {
		t.Fatalf("RenderColourBar: %v", err)
	}
	img := decodePNG(t, data)

	cr, _, _, _ := img.At(0, 4).RGBA()
	if cr != 0 {
		t.Errorf("left end R = %d, want 0", cr)
	}
	cr, _, _, _ = img.At(63, 4).RGBA()
	if cr != 0xffff {
		t.Errorf("right end R = %d, want 0xffff", cr)
	}

	if _, err := RenderColourBar(colormap.Greyscale, 1, 0); err == nil {
		t.Error("expected error for degenerate size")
	}
}
