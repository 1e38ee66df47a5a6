package volume

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/voltile/server/pkg/field"
)

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeChunk(t *testing.T, path string, values []float32) {
	t.Helper()
	raw := make([]byte, len(values)*4)
	for i, v := range values {
		bits := math.Float32bits(v)
		raw[i*4] = byte(bits)
		raw[i*4+1] = byte(bits >> 8)
		raw[i*4+2] = byte(bits >> 16)
		raw[i*4+3] = byte(bits >> 24)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, compressed, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func arrayMetaJSON(shape, chunkShape []int, fill interface{}) map[string]interface{} {
	return map[string]interface{}{
		"shape":     shape,
		"data_type": "float32",
		"chunk_grid": map[string]interface{}{
			"name": "regular",
			"configuration": map[string]interface{}{
				"chunk_shape": chunkShape,
			},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name": "default",
			"configuration": map[string]interface{}{
				"separator": "/",
			},
		},
		"fill_value":  fill,
		"zarr_format": 3,
		"node_type":   "array",
	}
}

// writeTestStore builds a 2x2x2 store whose image values are
// 0,1,2,...,7 in x-fastest order, chunked along z. The second z chunk
// is left on disk; the clip array's only chunk is missing so it reads
// as all fill value (9).
func writeTestStore(t *testing.T, dir string) {
	t.Helper()

	writeJSON(t, filepath.Join(dir, "metadata.json"), map[string]interface{}{
		"name":           "testvol",
		"format_version": "1",
		"shape":          []int{2, 2, 2},
		"data_range":     []float64{0, 7},
	})

	writeJSON(t, filepath.Join(dir, "image", "zarr.json"),
		arrayMetaJSON([]int{2, 2, 2}, []int{1, 2, 2}, 0))
	writeChunk(t, filepath.Join(dir, "image", "c", "0", "0", "0"), []float32{0, 1, 2, 3})
	writeChunk(t, filepath.Join(dir, "image", "c", "1", "0", "0"), []float32{4, 5, 6, 7})

	writeJSON(t, filepath.Join(dir, "clip", "zarr.json"),
		arrayMetaJSON([]int{2, 2, 2}, []int{2, 2, 2}, 9))
}

func TestReader_Image(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestStore(t, dir)

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if r.Metadata().Name != "testvol" {
		t.Errorf("unexpected name: %q", r.Metadata().Name)
	}

	g, err := r.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if g.Shape() != (field.Shape{2, 2, 2}) {
		t.Fatalf("unexpected shape: %v", g.Shape())
	}

	// x-fastest: value == i + j*2 + k*4.
	for k := 0; k < 2; k++ {
		for j := 0; j < 2; j++ {
			for i := 0; i < 2; i++ {
				want := float64(i + j*2 + k*4)
				if got := g.At(i, j, k); got != want {
					t.Errorf("At(%d,%d,%d) = %v, want %v", i, j, k, got, want)
				}
			}
		}
	}

	// Second read hits the cache and must agree.
	g2, err := r.Image()
	if err != nil {
		t.Fatalf("Image (cached): %v", err)
	}
	if g2 != g {
		t.Error("expected cached grid pointer")
	}
}

func TestReader_MissingChunkIsFillValue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestStore(t, dir)

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	g, err := r.ClipGrid()
	if err != nil {
		t.Fatalf("ClipGrid: %v", err)
	}
	for k := 0; k < 2; k++ {
		for j := 0; j < 2; j++ {
			for i := 0; i < 2; i++ {
				if got := g.At(i, j, k); got != 9 {
					t.Fatalf("At(%d,%d,%d) = %v, want fill value 9", i, j, k, got)
				}
			}
		}
	}
}

func TestReader_AbsentArray(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestStore(t, dir)

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if r.HasArray(RoleModulate) {
		t.Error("modulate array should be absent")
	}
	if _, err := r.ModulateGrid(); !errors.Is(err, ErrNoArray) {
		t.Fatalf("expected ErrNoArray, got %v", err)
	}
}

func TestReader_2DArray(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "metadata.json"), map[string]interface{}{
		"name":  "slice2d",
		"shape": []int{2, 2, 1},
	})
	writeJSON(t, filepath.Join(dir, "image", "zarr.json"),
		arrayMetaJSON([]int{2, 2}, []int{2, 2}, 0))
	writeChunk(t, filepath.Join(dir, "image", "c", "0", "0"), []float32{1, 2, 3, 4})

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	g, err := r.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if g.Shape() != (field.Shape{2, 2, 1}) {
		t.Fatalf("unexpected shape: %v", g.Shape())
	}
	if got := g.At(1, 1, 0); got != 4 {
		t.Errorf("At(1,1,0) = %v, want 4", got)
	}
}

func TestReader_NaNFillValue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "metadata.json"), map[string]interface{}{
		"name":  "nanfill",
		"shape": []int{1, 1, 1},
	})
	writeJSON(t, filepath.Join(dir, "image", "zarr.json"),
		arrayMetaJSON([]int{1, 1, 1}, []int{1, 1, 1}, "NaN"))

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	g, err := r.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if got := g.At(0, 0, 0); !math.IsNaN(got) {
		t.Errorf("At(0,0,0) = %v, want NaN", got)
	}
}

func TestResolveArrayURI(t *testing.T) {
	t.Parallel()

	if _, err := ResolveArrayURI("   "); err == nil {
		t.Fatal("expected error for empty path")
	}
	got, err := ResolveArrayURI("s3://bucket/volume")
	if err != nil {
		t.Fatalf("ResolveArrayURI: %v", err)
	}
	if got != "s3://bucket/volume" {
		t.Errorf("remote URI was rewritten: %q", got)
	}
}

func TestTileDBVolumeStub(t *testing.T) {
	dir := t.TempDir()

	v, err := NewTileDBVolume(dir)
	if err != nil {
		t.Fatalf("NewTileDBVolume: %v", err)
	}
	if v.Supported() {
		t.Skip("built with tiledb support; stub behavior not applicable")
	}
	if _, err := v.ReadGrid(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	if _, err := NewTileDBVolume(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing local array")
	}
}
