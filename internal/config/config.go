// Package config handles configuration loading for the VolTile server.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Jobs   JobsConfig   `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DataConfig contains volume data source settings.
type DataConfig struct {
	DefaultVolume string                  `yaml:"default_volume"`
	Volumes       map[string]VolumeConfig `yaml:"volumes"`
}

// VolumeConfig describes one volume store and its display defaults.
type VolumeConfig struct {
	StorePath string `yaml:"store_path"`
	// TileDBPath points at a dense TileDB array holding the image
	// instead of a chunked store. Requires a binary built with
	// -tags tiledb.
	TileDBPath string        `yaml:"tiledb_path,omitempty"`
	Display    DisplayConfig `yaml:"display"`
}

// DisplayConfig contains per-volume display defaults. Ranges are
// two-element [low, high] slices; an empty display range derives from
// the volume's data range.
type DisplayConfig struct {
	Colormap            string    `yaml:"colormap"`
	NegativeColormap    string    `yaml:"negative_colormap"`
	UseNegativeColormap bool      `yaml:"use_negative_colormap"`
	DisplayRange        []float64 `yaml:"display_range,omitempty"`
	ClippingRange       []float64 `yaml:"clipping_range,omitempty"`
	InvertClipping      bool      `yaml:"invert_clipping"`
	ModulateAlpha       bool      `yaml:"modulate_alpha"`
	Interpolation       string    `yaml:"interpolation"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	SliceSizeMB     int `yaml:"slice_size_mb"`
	SliceTTLMinutes int `yaml:"slice_ttl_minutes"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	SliceSize       int    `yaml:"slice_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// JobsConfig contains snapshot job settings.
type JobsConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	OutputDir     string `yaml:"output_dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "VolTile",
		},
		Cache: CacheConfig{
			SliceSizeMB:     512,
			SliceTTLMinutes: 10,
		},
		Render: RenderConfig{
			SliceSize:       256,
			DefaultColormap: "greyscale",
		},
		Jobs: JobsConfig{
			SQLitePath:    "./data/jobs.sqlite",
			OutputDir:     "./data/snapshots",
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
	}
}

// VolumeIDs returns the configured volume IDs in sorted order, with the
// default volume first.
func (d DataConfig) VolumeIDs() []string {
	ids := make([]string, 0, len(d.Volumes))
	for id := range d.Volumes {
		if id == d.DefaultVolume {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if _, ok := d.Volumes[d.DefaultVolume]; ok {
		ids = append([]string{d.DefaultVolume}, ids...)
	}
	return ids
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Cache.SliceSizeMB == 0 {
		cfg.Cache.SliceSizeMB = defaults.Cache.SliceSizeMB
	}
	if cfg.Cache.SliceTTLMinutes == 0 {
		cfg.Cache.SliceTTLMinutes = defaults.Cache.SliceTTLMinutes
	}
	if cfg.Render.SliceSize == 0 {
		cfg.Render.SliceSize = defaults.Render.SliceSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.OutputDir == "" {
		cfg.Jobs.OutputDir = defaults.Jobs.OutputDir
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}

	if cfg.Data.DefaultVolume == "" && len(cfg.Data.Volumes) > 0 {
		ids := make([]string, 0, len(cfg.Data.Volumes))
		for id := range cfg.Data.Volumes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		cfg.Data.DefaultVolume = ids[0]
	}

	for id, vol := range cfg.Data.Volumes {
		if vol.Display.Colormap == "" {
			vol.Display.Colormap = cfg.Render.DefaultColormap
		}
		if vol.Display.NegativeColormap == "" {
			vol.Display.NegativeColormap = "blue-lightblue"
		}
		if vol.Display.Interpolation == "" {
			vol.Display.Interpolation = "none"
		}
		cfg.Data.Volumes[id] = vol
	}
}

func validate(cfg *Config) error {
	for id, vol := range cfg.Data.Volumes {
		if vol.StorePath == "" && vol.TileDBPath == "" {
			return fmt.Errorf("volume %q: one of store_path or tiledb_path is required", id)
		}
		for name, r := range map[string][]float64{
			"display_range":  vol.Display.DisplayRange,
			"clipping_range": vol.Display.ClippingRange,
		} {
			if len(r) != 0 && len(r) != 2 {
				return fmt.Errorf("volume %q: %s must have exactly two elements", id, name)
			}
		}
		switch vol.Display.Interpolation {
		case "none", "spline":
		default:
			return fmt.Errorf("volume %q: unknown interpolation %q", id, vol.Display.Interpolation)
		}
	}
	if cfg.Data.DefaultVolume != "" {
		if _, ok := cfg.Data.Volumes[cfg.Data.DefaultVolume]; !ok {
			return fmt.Errorf("default_volume %q is not configured", cfg.Data.DefaultVolume)
		}
	}
	return nil
}
