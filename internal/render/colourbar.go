package render

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/fogleman/gg"

	"github.com/voltile/server/pkg/colormap"
)

// RenderColourBar renders a horizontal gradient of a colour table.
func RenderColourBar(tbl colormap.Table, width, height int) ([]byte, error) {
	if width < 2 || height < 1 {
		return nil, fmt.Errorf("invalid colour bar size %dx%d", width, height)
	}

	dc := gg.NewContext(width, height)
	for x := 0; x < width; x++ {
		t := float64(x) / float64(width-1)
		dc.SetColor(tbl.At(t).NRGBA())
		dc.DrawRectangle(float64(x), 0, 1, float64(height))
		dc.Fill()
	}

	buf := bytes.NewBuffer(nil)
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
