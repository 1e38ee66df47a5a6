// Package voxel implements the voxel sampling and colour-mapping
// pipeline: given normalized sample coordinates into a scalar volume,
// it produces either a discard signal or a final RGBA colour, applying
// range clipping against a second field, alpha modulation against a
// third, and a dual positive/negative colour-map policy.
//
// Evaluation is a pure function of its inputs. An Engine holds only
// immutable per-pass configuration and is safe for concurrent use.
package voxel

import (
	"math"

	"github.com/voltile/server/pkg/colormap"
	"github.com/voltile/server/pkg/field"
)

// ClipRange decides whether a sample is discarded based on an auxiliary
// clip value. With Invert false, values at or outside [Low, High] are
// discarded; with Invert true, values inside it are.
type ClipRange struct {
	Low    float64
	High   float64
	Invert bool
}

// Discards reports whether v fails the clip test. Comparisons follow
// IEEE-754 semantics, so a NaN clip value never discards.
func (r ClipRange) Discards(v float64) bool {
	if r.Invert {
		return v >= r.Low && v <= r.High
	}
	return v <= r.Low || v >= r.High
}

// Midpoint returns the centre of the clip range, used as the neutral
// clip value when the clip coordinate falls outside the clip field.
// Under the non-inverted policy the midpoint never discards; under the
// inverted policy it always does, so out-of-field clip data means "no
// clipping applied" only in the non-inverted case.
func (r ClipRange) Midpoint() float64 {
	return r.Low + 0.5*(r.High-r.Low)
}

// NegCmap selects the negative colour table for values at or below the
// pivot, reflecting them about it.
type NegCmap struct {
	Enabled bool
	Pivot   float64
}

func (n NegCmap) reflect(v float64) float64 {
	return n.Pivot + (n.Pivot - v)
}

// Modulate controls alpha modulation. When disabled, or when the source
// is the primary field, no extra lookup is performed.
type Modulate struct {
	Enabled         bool
	SourceIsPrimary bool
}

// Opts is the per-pass decision table for the engine. All fields are
// plain values; there is no dynamic dispatch in the pipeline.
type Opts struct {
	Clip          ClipRange
	Neg           NegCmap
	Mod           Modulate
	ClipIsPrimary bool
	UseSpline     bool

	// CmapXform maps a (possibly reflected) field value to a colour
	// table coordinate in [0, 1].
	CmapXform colormap.Affine
}

// Config assembles the per-pass resources for an engine.
type Config struct {
	Primary *field.Grid
	Clip    *field.Grid // may be nil; forces ClipIsPrimary
	Mod     *field.Grid // may be nil; forces Mod.SourceIsPrimary

	PosTable colormap.Table
	NegTable colormap.Table

	Opts Opts

	// Smooth is the smoothed-interpolation strategy used when
	// Opts.UseSpline is set. Defaults to field.SplineSampler.
	Smooth field.Sampler
}

// Engine evaluates volume samples into accept/discard decisions and
// final colours.
type Engine struct {
	primary *field.Grid
	clip    *field.Grid
	mod     *field.Grid
	pos     colormap.Table
	neg     colormap.Table
	opts    Opts
	direct  field.Sampler
	smooth  field.Sampler
}

// New creates an engine. A nil clip or modulate grid forces the
// corresponding source back to the primary field.
func New(cfg Config) *Engine {
	opts := cfg.Opts
	if cfg.Clip == nil {
		opts.ClipIsPrimary = true
	}
	if cfg.Mod == nil {
		opts.Mod.SourceIsPrimary = true
	}

	smooth := cfg.Smooth
	if smooth == nil {
		smooth = field.SplineSampler{}
	}

	return &Engine{
		primary: cfg.Primary,
		clip:    cfg.Clip,
		mod:     cfg.Mod,
		pos:     cfg.PosTable,
		neg:     cfg.NegTable,
		opts:    opts,
		direct:  field.NearestSampler{},
		smooth:  smooth,
	}
}

// Opts returns the engine's decision table.
func (e *Engine) Opts() Opts {
	return e.opts
}

func (e *Engine) sample(g *field.Grid, c field.Coord) float64 {
	if e.opts.UseSpline {
		return e.smooth.Sample(g, c)
	}
	return e.direct.Sample(g, c)
}

// Evaluate runs the sampling and colour-mapping pipeline for one
// fragment. It returns accept=false when the fragment contributes
// nothing to the image; this is the expected "discard" outcome, not an
// error. On accept, value is the (possibly reflected) primary sample
// and colour the final RGBA with each channel in [0, 1].
func (e *Engine) Evaluate(primaryCoord, clipCoord, modCoord field.Coord) (accept bool, value float64, colour colormap.RGBA) {
	voxValue := e.sample(e.primary, primaryCoord)

	// A NaN primary sample discards before any clip, modulate or
	// colour logic runs.
	if math.IsNaN(voxValue) {
		return false, 0, colormap.RGBA{}
	}

	var clipValue float64
	switch {
	case e.opts.ClipIsPrimary:
		clipValue = voxValue
	case !clipCoord.InUnitCube():
		clipValue = e.opts.Clip.Midpoint()
	default:
		clipValue = e.sample(e.clip, clipCoord)
	}

	var modValue float64
	switch {
	case !e.opts.Mod.Enabled || e.opts.Mod.SourceIsPrimary:
		modValue = voxValue
	case !modCoord.InUnitCube():
		modValue = 1
	default:
		modValue = e.sample(e.mod, modCoord)
	}

	negative := false
	if e.opts.Neg.Enabled && voxValue <= e.opts.Neg.Pivot {
		negative = true
		voxValue = e.opts.Neg.reflect(voxValue)
		// The clip value shares the raw sample only when clipping
		// against the primary field, so only then is it reflected too.
		if e.opts.ClipIsPrimary {
			clipValue = e.opts.Neg.reflect(clipValue)
		}
	}

	if e.opts.Clip.Discards(clipValue) {
		return false, 0, colormap.RGBA{}
	}

	texCoord := e.opts.CmapXform.Apply(voxValue)
	if negative {
		colour = e.neg.At(texCoord)
	} else {
		colour = e.pos.At(texCoord)
	}

	if e.opts.Mod.Enabled {
		colour.A = clamp01(modValue)
	}

	return true, voxValue, colour
}

// EvaluateAt evaluates with the same coordinate for the primary, clip
// and modulate fields, the common case when all fields share one
// spatial extent.
func (e *Engine) EvaluateAt(c field.Coord) (bool, float64, colormap.RGBA) {
	return e.Evaluate(c, c, c)
}

// ColourFromField colours a line or point primitive by resampling a
// separate scalar field at the primitive's position. The raw sample is
// remapped to its native range via remap, then handed to generate,
// typically a plain positive-table lookup. No clip, modulate or
// negative-map logic applies here.
//
// A NaN raw sample discards (ok=false), matching the engine's
// fail-closed rule for primary samples.
func ColourFromField(g *field.Grid, c field.Coord, s field.Sampler, remap colormap.Affine, generate func(float64) colormap.RGBA) (colour colormap.RGBA, ok bool) {
	raw := s.Sample(g, c)
	if math.IsNaN(raw) {
		return colormap.RGBA{}, false
	}
	return generate(remap.Apply(raw)), true
}

// TableGenerator returns a single-value-to-colour function performing a
// plain table lookup through a value-to-coordinate transform, the
// simplified colouring step used with ColourFromField.
func TableGenerator(tbl colormap.Table, xform colormap.Affine) func(float64) colormap.RGBA {
	return func(v float64) colormap.RGBA {
		return tbl.At(xform.Apply(v))
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
