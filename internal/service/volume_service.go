// Package service provides business logic for the slice tile server.
package service

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/voltile/server/internal/cache"
	"github.com/voltile/server/internal/config"
	"github.com/voltile/server/internal/data/volume"
	"github.com/voltile/server/internal/render"
	"github.com/voltile/server/pkg/colormap"
	"github.com/voltile/server/pkg/field"
	"github.com/voltile/server/pkg/voxel"
)

// DisplayOptions controls how a volume is mapped to colours for one
// render. Zero values are filled from the volume's configured defaults
// by the API layer before reaching the service.
type DisplayOptions struct {
	Colormap            string  `json:"colormap"`
	NegativeColormap    string  `json:"negative_colormap"`
	UseNegativeColormap bool    `json:"use_negative_colormap"`
	DisplayLow          float64 `json:"display_low"`
	DisplayHigh         float64 `json:"display_high"`
	ClipLow             float64 `json:"clip_low"`
	ClipHigh            float64 `json:"clip_high"`
	InvertClipping      bool    `json:"invert_clipping"`
	ModulateAlpha       bool    `json:"modulate_alpha"`
	Interpolation       string  `json:"interpolation"`
}

// cacheKey returns a canonical string for cache key construction.
func (o DisplayOptions) cacheKey() string {
	return fmt.Sprintf("%s:%s:%t:%g:%g:%g:%g:%t:%t:%s",
		o.Colormap, o.NegativeColormap, o.UseNegativeColormap,
		o.DisplayLow, o.DisplayHigh,
		o.ClipLow, o.ClipHigh, o.InvertClipping,
		o.ModulateAlpha, o.Interpolation)
}

// VolumeServiceConfig contains volume service configuration. Exactly
// one of Reader and TileDB must provide the image; clip and modulate
// arrays are only available through a store Reader.
type VolumeServiceConfig struct {
	VolumeID string
	Reader   *volume.Reader
	TileDB   *volume.TileDBVolume
	Cache    *cache.Manager
	Renderer *render.SliceRenderer
	Display  config.DisplayConfig
}

// VolumeService renders slices of one volume.
type VolumeService struct {
	volumeID string
	reader   *volume.Reader
	tiledb   *volume.TileDBVolume
	cache    *cache.Manager
	renderer *render.SliceRenderer
	display  config.DisplayConfig

	image  *field.Grid
	dataLo float64
	dataHi float64

	clipOnce sync.Once
	clipGrid *field.Grid
	clipErr  error

	modOnce sync.Once
	modGrid *field.Grid
	modErr  error

	statsOnce sync.Once
	stats     *VolumeStats
}

// NewVolumeService creates a volume service. The image grid is loaded
// eagerly so that shape and data range are available for metadata and
// option defaults.
func NewVolumeService(cfg VolumeServiceConfig) (*VolumeService, error) {
	if cfg.VolumeID == "" {
		return nil, fmt.Errorf("volume id is required")
	}

	var (
		img *field.Grid
		err error
	)
	switch {
	case cfg.Reader != nil:
		img, err = cfg.Reader.Image()
	case cfg.TileDB != nil:
		img, err = cfg.TileDB.ReadGrid()
	default:
		return nil, fmt.Errorf("volume %s: no data source configured", cfg.VolumeID)
	}
	if err != nil {
		return nil, fmt.Errorf("volume %s: failed to load image: %w", cfg.VolumeID, err)
	}

	lo, hi := img.Range()
	if md := metadataOf(cfg.Reader); md != nil && len(md.DataRange) == 2 {
		lo, hi = md.DataRange[0], md.DataRange[1]
	}

	return &VolumeService{
		volumeID: cfg.VolumeID,
		reader:   cfg.Reader,
		tiledb:   cfg.TileDB,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		display:  cfg.Display,
		image:    img,
		dataLo:   lo,
		dataHi:   hi,
	}, nil
}

func metadataOf(r *volume.Reader) *volume.Metadata {
	if r == nil {
		return nil
	}
	return r.Metadata()
}

// VolumeID returns the service's volume identifier.
func (s *VolumeService) VolumeID() string {
	return s.volumeID
}

// Shape returns the image extent.
func (s *VolumeService) Shape() field.Shape {
	return s.image.Shape()
}

// DataRange returns the image value range.
func (s *VolumeService) DataRange() (lo, hi float64) {
	return s.dataLo, s.dataHi
}

// DefaultOptions returns the volume's configured display defaults,
// with unset ranges derived from the data range. The default clipping
// range is padded so that extreme data values are not discarded by the
// inclusive clip boundaries.
func (s *VolumeService) DefaultOptions() DisplayOptions {
	opts := DisplayOptions{
		Colormap:            s.display.Colormap,
		NegativeColormap:    s.display.NegativeColormap,
		UseNegativeColormap: s.display.UseNegativeColormap,
		InvertClipping:      s.display.InvertClipping,
		ModulateAlpha:       s.display.ModulateAlpha,
		Interpolation:       s.display.Interpolation,
	}

	if len(s.display.DisplayRange) == 2 {
		opts.DisplayLow = s.display.DisplayRange[0]
		opts.DisplayHigh = s.display.DisplayRange[1]
	} else {
		opts.DisplayLow = s.dataLo
		opts.DisplayHigh = s.dataHi
	}

	if len(s.display.ClippingRange) == 2 {
		opts.ClipLow = s.display.ClippingRange[0]
		opts.ClipHigh = s.display.ClippingRange[1]
	} else {
		pad := (s.dataHi - s.dataLo) * 0.01
		if pad == 0 {
			pad = 1
		}
		opts.ClipLow = s.dataLo - pad
		opts.ClipHigh = s.dataHi + pad
	}

	return opts
}

func (s *VolumeService) loadClipGrid() (*field.Grid, error) {
	s.clipOnce.Do(func() {
		if s.reader == nil || !s.reader.HasArray(volume.RoleClip) {
			return
		}
		s.clipGrid, s.clipErr = s.reader.ClipGrid()
	})
	return s.clipGrid, s.clipErr
}

// loadModGrid returns the modulate grid normalized to [0, 1], so that
// modulate values can be used directly as alpha factors.
func (s *VolumeService) loadModGrid() (*field.Grid, error) {
	s.modOnce.Do(func() {
		if s.reader == nil || !s.reader.HasArray(volume.RoleModulate) {
			return
		}
		raw, err := s.reader.ModulateGrid()
		if err != nil {
			s.modErr = err
			return
		}
		lo, hi := raw.Range()
		s.modGrid = raw.Normalized(lo, hi)
	})
	return s.modGrid, s.modErr
}

// HasClipField reports whether the volume has a separate clip array.
func (s *VolumeService) HasClipField() bool {
	return s.reader != nil && s.reader.HasArray(volume.RoleClip)
}

// HasModulateField reports whether the volume has a separate modulate
// array.
func (s *VolumeService) HasModulateField() bool {
	return s.reader != nil && s.reader.HasArray(volume.RoleModulate)
}

// buildEngine assembles a voxel engine for one set of display options.
// Grids are cached on the service, so building an engine is cheap.
func (s *VolumeService) buildEngine(opts DisplayOptions) (*voxel.Engine, error) {
	posTable, err := colormap.Get(opts.Colormap)
	if err != nil {
		return nil, fmt.Errorf("invalid colormap: %w", err)
	}

	negTable := posTable
	if opts.UseNegativeColormap {
		negTable, err = colormap.Get(opts.NegativeColormap)
		if err != nil {
			return nil, fmt.Errorf("invalid negative colormap: %w", err)
		}
	}

	clipGrid, err := s.loadClipGrid()
	if err != nil {
		return nil, fmt.Errorf("failed to load clip field: %w", err)
	}

	var modGrid *field.Grid
	if opts.ModulateAlpha {
		modGrid, err = s.loadModGrid()
		if err != nil {
			return nil, fmt.Errorf("failed to load modulate field: %w", err)
		}
	}

	return voxel.New(voxel.Config{
		Primary:  s.image,
		Clip:     clipGrid,
		Mod:      modGrid,
		PosTable: posTable,
		NegTable: negTable,
		Opts: voxel.Opts{
			Clip: voxel.ClipRange{
				Low:    opts.ClipLow,
				High:   opts.ClipHigh,
				Invert: opts.InvertClipping,
			},
			Neg: voxel.NegCmap{
				Enabled: opts.UseNegativeColormap,
				Pivot:   0,
			},
			Mod: voxel.Modulate{
				Enabled:         opts.ModulateAlpha,
				SourceIsPrimary: modGrid == nil,
			},
			ClipIsPrimary: clipGrid == nil,
			UseSpline:     strings.EqualFold(opts.Interpolation, "spline"),
			CmapXform:     colormap.RangeToCoord(opts.DisplayLow, opts.DisplayHigh),
		},
	}), nil
}

// GetSlice renders one slice as a PNG, consulting the slice cache.
func (s *VolumeService) GetSlice(plane render.Plane, index int, opts DisplayOptions) ([]byte, error) {
	cacheKey := cache.SliceKey(s.volumeID, string(plane), index, opts.cacheKey())
	if data, ok := s.cache.GetSlice(cacheKey); ok {
		return data, nil
	}

	eng, err := s.buildEngine(opts)
	if err != nil {
		return nil, err
	}

	data, err := s.renderer.RenderSlice(eng, s.image.Shape(), plane, index)
	if err != nil {
		return nil, fmt.Errorf("failed to render slice: %w", err)
	}

	s.cache.SetSlice(cacheKey, data)
	return data, nil
}

// SliceFile records one slice rendered to disk by SnapshotStack.
type SliceFile struct {
	Plane string
	Index int
	Path  string
}

// SnapshotStack renders every slice of a plane into outDir as numbered
// PNG files. The progress callback, if non-nil, is invoked after each
// slice. Cancellation is checked between slices.
func (s *VolumeService) SnapshotStack(ctx context.Context, plane render.Plane, opts DisplayOptions, outDir string, progress func(done, total int)) ([]SliceFile, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	eng, err := s.buildEngine(opts)
	if err != nil {
		return nil, err
	}

	shape := s.image.Shape()
	depth := render.SliceDepth(shape, plane)
	files := make([]SliceFile, 0, depth)
	for i := 0; i < depth; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.renderer.RenderSlice(eng, shape, plane, i)
		if err != nil {
			return nil, fmt.Errorf("failed to render slice %d: %w", i, err)
		}

		name := fmt.Sprintf("%s_%04d.png", plane, i)
		path := filepath.Join(outDir, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write slice %d: %w", i, err)
		}

		files = append(files, SliceFile{Plane: string(plane), Index: i, Path: name})
		if progress != nil {
			progress(i+1, depth)
		}
	}

	return files, nil
}

// VolumeStats summarises the image field.
type VolumeStats struct {
	Voxels   int     `json:"voxels"`
	NaNCount int     `json:"nan_count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
}

// GetStats computes image statistics, ignoring NaN voxels. The result
// is computed once and cached.
func (s *VolumeService) GetStats() *VolumeStats {
	s.statsOnce.Do(func() {
		shape := s.image.Shape()
		st := &VolumeStats{Voxels: shape.Count()}

		values := make([]float64, 0, st.Voxels)
		sum := 0.0
		for k := 0; k < shape[2]; k++ {
			for j := 0; j < shape[1]; j++ {
				for i := 0; i < shape[0]; i++ {
					v := s.image.At(i, j, k)
					if math.IsNaN(v) {
						st.NaNCount++
						continue
					}
					values = append(values, v)
					sum += v
				}
			}
		}

		if len(values) > 0 {
			sort.Float64s(values)
			st.Min = values[0]
			st.Max = values[len(values)-1]
			st.Mean = sum / float64(len(values))
			st.Median = values[len(values)/2]
		}

		s.stats = st
	})
	return s.stats
}

// VolumeMetadata is the metadata payload served for one volume.
type VolumeMetadata struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Shape       []int          `json:"shape"`
	DataRange   []float64      `json:"data_range"`
	Depths      map[string]int `json:"depths"`
	HasClip     bool           `json:"has_clip_field"`
	HasModulate bool           `json:"has_modulate_field"`
	Display     DisplayOptions `json:"display"`
}

// Metadata returns descriptive metadata for the volume.
func (s *VolumeService) Metadata() *VolumeMetadata {
	shape := s.image.Shape()
	name := s.volumeID
	if md := metadataOf(s.reader); md != nil && md.Name != "" {
		name = md.Name
	}

	return &VolumeMetadata{
		ID:        s.volumeID,
		Name:      name,
		Shape:     []int{shape[0], shape[1], shape[2]},
		DataRange: []float64{s.dataLo, s.dataHi},
		Depths: map[string]int{
			string(render.PlaneSagittal): render.SliceDepth(shape, render.PlaneSagittal),
			string(render.PlaneCoronal):  render.SliceDepth(shape, render.PlaneCoronal),
			string(render.PlaneAxial):    render.SliceDepth(shape, render.PlaneAxial),
		},
		HasClip:     s.HasClipField(),
		HasModulate: s.HasModulateField(),
		Display:     s.DefaultOptions(),
	}
}
