// Package render renders volume slices to PNG using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/voltile/server/pkg/field"
	"github.com/voltile/server/pkg/voxel"
)

// Plane identifies an orthogonal slicing plane.
type Plane string

const (
	PlaneAxial    Plane = "axial"    // fixed z
	PlaneCoronal  Plane = "coronal"  // fixed y
	PlaneSagittal Plane = "sagittal" // fixed x
)

// ParsePlane parses a plane name.
func ParsePlane(s string) (Plane, error) {
	switch Plane(s) {
	case PlaneAxial, PlaneCoronal, PlaneSagittal:
		return Plane(s), nil
	}
	return "", fmt.Errorf("unknown plane: %s", s)
}

// Axis returns the volume axis fixed by the plane.
func (p Plane) Axis() int {
	switch p {
	case PlaneSagittal:
		return 0
	case PlaneCoronal:
		return 1
	default:
		return 2
	}
}

// Config contains renderer configuration.
type Config struct {
	SliceSize int
}

// SliceRenderer renders engine-evaluated volume slices.
type SliceRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewSliceRenderer creates a new slice renderer.
func NewSliceRenderer(cfg Config) *SliceRenderer {
	return &SliceRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.SliceSize, cfg.SliceSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// SliceSize returns the output image edge length in pixels.
func (r *SliceRenderer) SliceSize() int {
	return r.config.SliceSize
}

// SliceDepth returns the number of slices a volume has along a plane.
func SliceDepth(shape field.Shape, plane Plane) int {
	return shape[plane.Axis()]
}

// RenderSlice renders one orthogonal slice of a volume through the
// engine. Discarded fragments are left transparent.
func (r *SliceRenderer) RenderSlice(eng *voxel.Engine, shape field.Shape, plane Plane, index int) ([]byte, error) {
	depth := SliceDepth(shape, plane)
	if index < 0 || index >= depth {
		return nil, fmt.Errorf("slice index %d out of range [0, %d)", index, depth)
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	// Clear to transparent
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()

	size := r.config.SliceSize
	fixed := (float64(index) + 0.5) / float64(depth)

	for py := 0; py < size; py++ {
		v := (float64(py) + 0.5) / float64(size)
		for px := 0; px < size; px++ {
			u := (float64(px) + 0.5) / float64(size)

			var c field.Coord
			switch plane {
			case PlaneSagittal:
				c = field.Coord{fixed, u, v}
			case PlaneCoronal:
				c = field.Coord{u, fixed, v}
			default:
				c = field.Coord{u, v, fixed}
			}

			accept, _, colour := eng.EvaluateAt(c)
			if !accept {
				continue
			}

			dc.SetColor(colour.NRGBA())
			dc.SetPixel(px, py)
		}
	}

	return r.encodeContext(dc)
}

func (r *SliceRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
