// Package colormap provides 1-D colour lookup tables for visualization.
package colormap

import (
	"fmt"
	"image/color"
	"sort"
)

// RGBA is a colour with normalized float channels in [0, 1].
type RGBA struct {
	R, G, B, A float64
}

// NRGBA converts to an 8-bit non-premultiplied colour.
func (c RGBA) NRGBA() color.NRGBA {
	return color.NRGBA{
		R: channelByte(c.R),
		G: channelByte(c.G),
		B: channelByte(c.B),
		A: channelByte(c.A),
	}
}

func channelByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// Affine is a linear transform value*Scale + Offset. It converts stored
// field values back to their native range, and native values to colour
// table coordinates.
type Affine struct {
	Scale  float64
	Offset float64
}

// Apply transforms v.
func (a Affine) Apply(v float64) float64 {
	return v*a.Scale + a.Offset
}

// Identity is the no-op transform.
var Identity = Affine{Scale: 1, Offset: 0}

// RangeToCoord returns the transform mapping [lo, hi] onto [0, 1].
// A degenerate range maps everything to 0.
func RangeToCoord(lo, hi float64) Affine {
	span := hi - lo
	if span == 0 {
		return Affine{Scale: 0, Offset: 0}
	}
	return Affine{Scale: 1 / span, Offset: -lo / span}
}

// Table is a 1-D colour lookup table. Lookups linearly interpolate
// between the table entries; the input coordinate is clamped to [0, 1].
type Table struct {
	colors []RGBA
}

// NewTable creates a table from its entries. At least one entry is
// required.
func NewTable(colors []RGBA) Table {
	if len(colors) == 0 {
		colors = []RGBA{{}}
	}
	return Table{colors: colors}
}

// At returns the interpolated colour at coordinate x in [0, 1].
func (t Table) At(x float64) RGBA {
	if x <= 0 {
		return t.colors[0]
	}
	if x >= 1 {
		return t.colors[len(t.colors)-1]
	}

	idx := x * float64(len(t.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(t.colors) {
		upper = len(t.colors) - 1
	}

	frac := idx - float64(lower)
	return lerp(t.colors[lower], t.colors[upper], frac)
}

// Len returns the number of table entries.
func (t Table) Len() int {
	return len(t.colors)
}

func lerp(c1, c2 RGBA, t float64) RGBA {
	return RGBA{
		R: c1.R + t*(c2.R-c1.R),
		G: c1.G + t*(c2.G-c1.G),
		B: c1.B + t*(c2.B-c1.B),
		A: c1.A + t*(c2.A-c1.A),
	}
}

func fromBytes(entries [][3]uint8) Table {
	colors := make([]RGBA, len(entries))
	for i, e := range entries {
		colors[i] = RGBA{
			R: float64(e[0]) / 255,
			G: float64(e[1]) / 255,
			B: float64(e[2]) / 255,
			A: 1,
		}
	}
	return Table{colors: colors}
}

// Greyscale maps 0 to black and 1 to white.
var Greyscale = NewTable([]RGBA{
	{R: 0, G: 0, B: 0, A: 1},
	{R: 1, G: 1, B: 1, A: 1},
})

// RedYellow is the classic positive overlay map.
var RedYellow = NewTable([]RGBA{
	{R: 1, G: 0, B: 0, A: 1},
	{R: 1, G: 1, B: 0, A: 1},
})

// BlueLightBlue is the classic negative overlay map, conventionally
// paired with RedYellow.
var BlueLightBlue = NewTable([]RGBA{
	{R: 0, G: 0, B: 1, A: 1},
	{R: 0, G: 1, B: 1, A: 1},
})

// Viridis colormap (matplotlib viridis)
var Viridis = fromBytes([][3]uint8{
	{68, 1, 84},
	{72, 35, 116},
	{64, 67, 135},
	{52, 94, 141},
	{41, 120, 142},
	{32, 144, 140},
	{34, 167, 132},
	{68, 190, 112},
	{121, 209, 81},
	{189, 222, 38},
	{253, 231, 37},
})

// Plasma colormap
var Plasma = fromBytes([][3]uint8{
	{13, 8, 135},
	{75, 3, 161},
	{125, 3, 168},
	{168, 34, 150},
	{203, 70, 121},
	{229, 107, 93},
	{248, 148, 65},
	{253, 195, 40},
	{240, 249, 33},
})

// Inferno colormap
var Inferno = fromBytes([][3]uint8{
	{0, 0, 4},
	{40, 11, 84},
	{101, 21, 110},
	{159, 42, 99},
	{212, 72, 66},
	{245, 125, 21},
	{250, 193, 39},
	{252, 255, 164},
})

// Magma colormap
var Magma = fromBytes([][3]uint8{
	{0, 0, 4},
	{28, 16, 68},
	{79, 18, 123},
	{129, 37, 129},
	{181, 54, 122},
	{229, 80, 100},
	{251, 135, 97},
	{254, 194, 135},
	{252, 253, 191},
})

var registry = map[string]Table{
	"greyscale":      Greyscale,
	"red-yellow":     RedYellow,
	"blue-lightblue": BlueLightBlue,
	"viridis":        Viridis,
	"plasma":         Plasma,
	"inferno":        Inferno,
	"magma":          Magma,
}

// Get returns the named built-in table.
func Get(name string) (Table, error) {
	t, ok := registry[name]
	if !ok {
		return Table{}, fmt.Errorf("unknown colormap: %s", name)
	}
	return t, nil
}

// Names returns the built-in table names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
