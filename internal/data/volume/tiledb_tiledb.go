//go:build tiledb

package volume

import (
	"fmt"
	"os"
	"strings"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/voltile/server/pkg/field"
)

// TileDBVolume reads dense scalar volumes from a TileDB array. The
// array must be dense with up to three int64 dimensions and a float32
// attribute named "value".
type TileDBVolume struct {
	uri string
	ctx *tiledb.Context
}

// NewTileDBVolume creates a TileDB-backed volume.
func NewTileDBVolume(path string) (*TileDBVolume, error) {
	uri, err := ResolveArrayURI(path)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(uri, "://") {
		if _, statErr := os.Stat(uri); statErr != nil {
			return nil, fmt.Errorf("tiledb array not found at %s: %w", uri, statErr)
		}
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &TileDBVolume{uri: uri, ctx: ctx}, nil
}

func (v *TileDBVolume) Supported() bool { return true }

func (v *TileDBVolume) URI() string { return v.uri }

// ReadGrid reads the dense scalar array into a grid.
func (v *TileDBVolume) ReadGrid() (*field.Grid, error) {
	arr, err := tiledb.NewArray(v.ctx, v.uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", v.uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	defer schema.Free()
	domain, err := schema.Domain()
	if err != nil {
		return nil, fmt.Errorf("failed to get domain: %w", err)
	}
	defer domain.Free()
	ndim, err := domain.NDim()
	if err != nil {
		return nil, fmt.Errorf("failed to get dimension count: %w", err)
	}
	if ndim == 0 || ndim > 3 {
		return nil, fmt.Errorf("unsupported dimensionality: %d", ndim)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()

	// Dimensions are stored slowest-first (z, y, x); extents collapse
	// to 1 for missing leading dims.
	extents := [3]int{1, 1, 1}
	for d := uint(0); d < ndim; d++ {
		ned, isEmpty, err := arr.NonEmptyDomainFromIndex(d)
		if err != nil {
			return nil, fmt.Errorf("failed to get non-empty domain for dim %d: %w", d, err)
		}
		if isEmpty || ned == nil {
			return nil, fmt.Errorf("array dimension %d is empty", d)
		}
		lo, hi, err := boundsMinMaxInt64(ned.Bounds)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bounds for dim %d: %w", d, err)
		}
		if err := sub.AddRange(uint32(d), tiledb.MakeRange[int64](lo, hi)); err != nil {
			return nil, fmt.Errorf("failed to add range for dim %d: %w", d, err)
		}
		extents[3-int(ndim)+int(d)] = int(hi-lo) + 1
	}
	nz, ny, nx := extents[0], extents[1], extents[2]

	q, err := tiledb.NewQuery(v.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	data := make([]float32, nx*ny*nz)
	if _, err := q.SetDataBuffer("value", data); err != nil {
		return nil, fmt.Errorf("failed to set value buffer: %w", err)
	}

	if err := q.Submit(); err != nil {
		return nil, fmt.Errorf("query submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, fmt.Errorf("query status failed: %w", err)
	}
	if status != tiledb.TILEDB_COMPLETED {
		return nil, fmt.Errorf("unexpected query status: %v", status)
	}

	// Row-major [z][y][x] matches the grid's x-fastest layout.
	return field.NewGrid(field.Shape{nx, ny, nz}, data)
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}
