// Package volume provides read-only access to chunked scalar volume
// stores. A store directory holds a metadata.json beside one array
// directory per role ("image", and optionally "clip" and "modulate");
// each array has Zarr-v3-style zarr.json metadata and zstd-compressed
// chunks under c/.
package volume

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/voltile/server/pkg/field"
)

// Array roles within a store.
const (
	RoleImage    = "image"
	RoleClip     = "clip"
	RoleModulate = "modulate"
)

// ErrNoArray indicates the store does not contain an array for the
// requested role.
var ErrNoArray = errors.New("array not present in volume store")

// Metadata describes a volume store.
type Metadata struct {
	Name          string            `json:"name"`
	FormatVersion string            `json:"format_version"`
	// Shape is the image extent as [x, y, z]; 2D volumes omit z or set
	// it to 1.
	Shape     []int     `json:"shape"`
	DataRange []float64 `json:"data_range,omitempty"`
	// Arrays maps a role to its array directory name. Roles default to
	// directory names equal to the role.
	Arrays map[string]string `json:"arrays,omitempty"`
}

// Reader provides access to the grids of one volume store. Grids are
// loaded lazily and cached; a Reader is safe for concurrent use.
type Reader struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder

	mu    sync.Mutex
	grids map[string]*field.Grid
}

// arrayMeta is the Zarr v3 array metadata (zarr.json).
type arrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{} `json:"fill_value"`
	ZarrFormat int         `json:"zarr_format"`
	NodeType   string      `json:"node_type"`
}

// NewReader opens a volume store.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
		grids:    make(map[string]*field.Grid),
	}

	if err := r.loadMetadata(); err != nil {
		r.decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}

	if metadata.Name == "" {
		metadata.Name = filepath.Base(r.basePath)
	}
	r.metadata = &metadata
	return nil
}

func (r *Reader) arrayDir(role string) string {
	if dir, ok := r.metadata.Arrays[role]; ok && dir != "" {
		return dir
	}
	return role
}

// HasArray reports whether the store contains an array for the role.
func (r *Reader) HasArray(role string) bool {
	path := filepath.Join(r.basePath, r.arrayDir(role), "zarr.json")
	_, err := os.Stat(path)
	return err == nil
}

// Image returns the primary scalar grid.
func (r *Reader) Image() (*field.Grid, error) {
	return r.Grid(RoleImage)
}

// ClipGrid returns the clip grid, or ErrNoArray when absent.
func (r *Reader) ClipGrid() (*field.Grid, error) {
	return r.Grid(RoleClip)
}

// ModulateGrid returns the modulate grid, or ErrNoArray when absent.
func (r *Reader) ModulateGrid() (*field.Grid, error) {
	return r.Grid(RoleModulate)
}

// Grid returns the grid for a role, loading and caching it on first
// use.
func (r *Reader) Grid(role string) (*field.Grid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.grids[role]; ok {
		return g, nil
	}
	if !r.HasArray(role) {
		return nil, fmt.Errorf("%w: %s", ErrNoArray, role)
	}

	g, err := r.readArray(filepath.Join(r.basePath, r.arrayDir(role)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s array: %w", role, err)
	}

	if role == RoleImage && len(r.metadata.Shape) > 0 {
		if err := checkShape(g.Shape(), r.metadata.Shape); err != nil {
			return nil, err
		}
	}

	r.grids[role] = g
	return g, nil
}

func checkShape(got field.Shape, want []int) error {
	expect := field.Shape{1, 1, 1}
	for i := 0; i < len(want) && i < 3; i++ {
		expect[i] = want[i]
	}
	if got != expect {
		return fmt.Errorf("image shape %v does not match metadata shape %v", got, expect)
	}
	return nil
}

func (r *Reader) loadArrayMeta(arrayPath string) (*arrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta arrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// readArray assembles a full grid from an array's chunks. Array shapes
// are C-order: [z, y, x] for 3D arrays, [y, x] for 2D ones.
func (r *Reader) readArray(arrayPath string) (*field.Grid, error) {
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load array metadata: %w", err)
	}
	if meta.DataType != "float32" {
		return nil, fmt.Errorf("unsupported data_type: %s", meta.DataType)
	}

	var nz, ny, nx int
	switch len(meta.Shape) {
	case 2:
		nz, ny, nx = 1, meta.Shape[0], meta.Shape[1]
	case 3:
		nz, ny, nx = meta.Shape[0], meta.Shape[1], meta.Shape[2]
	default:
		return nil, fmt.Errorf("unsupported array rank: %d", len(meta.Shape))
	}

	chunkShape := meta.ChunkGrid.Configuration.ChunkShape
	if len(chunkShape) != len(meta.Shape) {
		return nil, fmt.Errorf("chunk shape rank %d does not match array rank %d", len(chunkShape), len(meta.Shape))
	}
	var cz, cy, cx int
	if len(chunkShape) == 2 {
		cz, cy, cx = 1, chunkShape[0], chunkShape[1]
	} else {
		cz, cy, cx = chunkShape[0], chunkShape[1], chunkShape[2]
	}
	if cz <= 0 || cy <= 0 || cx <= 0 {
		return nil, fmt.Errorf("invalid chunk shape: %v", chunkShape)
	}

	fill, err := fillValueFloat32(meta.FillValue)
	if err != nil {
		return nil, err
	}

	data := make([]float32, nx*ny*nz)
	for zc := 0; zc < ceilDiv(nz, cz); zc++ {
		for yc := 0; yc < ceilDiv(ny, cy); yc++ {
			for xc := 0; xc < ceilDiv(nx, cx); xc++ {
				zLen := min(cz, nz-zc*cz)
				yLen := min(cy, ny-yc*cy)
				xLen := min(cx, nx-xc*cx)

				indices := []int{zc, yc, xc}
				if len(meta.Shape) == 2 {
					indices = []int{yc, xc}
				}
				chunk, err := r.readChunkAt(arrayPath, meta, indices, zLen*yLen*xLen, fill)
				if err != nil {
					return nil, fmt.Errorf("failed to read chunk %v: %w", indices, err)
				}

				for lz := 0; lz < zLen; lz++ {
					gz := zc*cz + lz
					for ly := 0; ly < yLen; ly++ {
						gy := yc*cy + ly
						src := ((lz*yLen)+ly)*xLen * 4
						dst := (xc * cx) + gy*nx + gz*nx*ny
						for lx := 0; lx < xLen; lx++ {
							off := src + lx*4
							bits := uint32(chunk[off]) |
								uint32(chunk[off+1])<<8 |
								uint32(chunk[off+2])<<16 |
								uint32(chunk[off+3])<<24
							data[dst+lx] = math.Float32frombits(bits)
						}
					}
				}
			}
		}
	}

	return field.NewGrid(field.Shape{nx, ny, nz}, data)
}

// readChunkAt reads and decompresses one chunk. A chunk missing on disk
// represents an all-fill-value chunk.
func (r *Reader) readChunkAt(arrayPath string, meta *arrayMeta, indices []int, elements int, fill float32) ([]byte, error) {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	key := strings.Join(parts, sep)

	compressed, err := os.ReadFile(filepath.Join(arrayPath, "c", key))
	if os.IsNotExist(err) {
		return fillBytes(fill, elements), nil
	}
	if err != nil {
		return nil, err
	}

	decompressed, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	if len(decompressed) < elements*4 {
		return nil, fmt.Errorf("chunk too short: got %d bytes, expected %d", len(decompressed), elements*4)
	}
	return decompressed, nil
}

func fillValueFloat32(fill interface{}) (float32, error) {
	switch v := fill.(type) {
	case nil:
		return 0, nil
	case float64:
		return float32(v), nil
	case float32:
		return v, nil
	case int:
		return float32(v), nil
	case string:
		// Zarr v3 writes non-finite fill values as strings.
		switch v {
		case "NaN":
			return float32(math.NaN()), nil
		case "Infinity":
			return float32(math.Inf(1)), nil
		case "-Infinity":
			return float32(math.Inf(-1)), nil
		}
	}
	return 0, fmt.Errorf("unsupported fill_value: %v", fill)
}

func fillBytes(fill float32, elements int) []byte {
	out := make([]byte, elements*4)
	bits := math.Float32bits(fill)
	if bits == 0 {
		return out
	}
	for i := 0; i < elements; i++ {
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
