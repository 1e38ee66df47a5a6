package volume

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupported indicates this binary was built without TileDB
	// support.
	ErrUnsupported = errors.New("tiledb support is not enabled in this build (build server with: go build -tags tiledb)")
)

// ResolveArrayURI normalizes a configured TileDB array location. Remote
// URIs (s3://, tiledb://) pass through untouched; local paths are
// env-expanded and cleaned.
func ResolveArrayURI(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", errors.New("empty tiledb array path")
	}
	if strings.Contains(p, "://") {
		return p, nil
	}
	p = os.ExpandEnv(p)
	return filepath.Clean(p), nil
}
