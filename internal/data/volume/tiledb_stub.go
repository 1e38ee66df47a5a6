//go:build !tiledb

package volume

import (
	"fmt"
	"os"
	"strings"

	"github.com/voltile/server/pkg/field"
)

// TileDBVolume is a stub when built without "-tags tiledb".
type TileDBVolume struct {
	uri string
}

// NewTileDBVolume creates a TileDB-backed volume (stub). It still
// resolves and validates the array location so config issues can be
// caught early, but ReadGrid returns ErrUnsupported.
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
	return &TileDBVolume{uri: uri}, nil
}

func (v *TileDBVolume) Supported() bool { return false }

func (v *TileDBVolume) URI() string { return v.uri }

// ReadGrid reads the dense scalar array into a grid.
func (v *TileDBVolume) ReadGrid() (*field.Grid, error) {
	return nil, ErrUnsupported
}
