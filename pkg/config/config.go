// Package config provides configuration loading and management for
// linc-convert. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/kabilar/linc-convert/pkg/reduce"
	"github.com/kabilar/linc-convert/pkg/zarr"
)

// Config represents the conversion configuration loaded from YAML
type Config struct {
	// Output parameters
	Output struct {
		// Chunk is the storage chunk size along each spatial axis
		Chunk int `yaml:"chunk"`

		// Compressor selects the chunk codec: raw, zlib or zstd
		Compressor string `yaml:"compressor"`

		// CompressionLevel is the codec level (0 selects the default)
		CompressionLevel int `yaml:"compressionLevel"`

		// NIfTI enables embedding a NIfTI header into the store
		NIfTI bool `yaml:"nifti"`

		// Orientation is the anatomical orientation code or alias
		// (e.g. "RAS", "coronal")
		Orientation string `yaml:"orientation"`

		// Center maps the field-of-view center to physical (0, 0, 0)
		Center bool `yaml:"center"`

		// Unit is the spatial unit of the voxel sizes ("um" or "mm")
		Unit string `yaml:"unit"`
	} `yaml:"output"`

	// Processing parameters
	Processing struct {
		// MaxLoad bounds the per-axis extent of one in-memory sub-tile
		MaxLoad int `yaml:"maxLoad"`

		// MaxLevels caps the pyramid depth for the volume converter
		MaxLevels int `yaml:"maxLevels"`

		// NoPool is a spatial axis index excluded from halving, or -1
		NoPool int `yaml:"noPool"`

		// Mode is the windowed reduction: mean or median
		Mode string `yaml:"mode"`

		// Workers is the number of concurrent sub-tile operations
		Workers int `yaml:"workers"`
	} `yaml:"processing"`

	// Acquisition parameters written to the sidecar descriptor
	Acquisition struct {
		// PixelSize is the in-plane physical pixel size
		PixelSize []float64 `yaml:"pixelSize"`

		// PixelSizeUnits is the unit of PixelSize
		PixelSizeUnits string `yaml:"pixelSizeUnits"`

		// SliceThickness is the physical thickness of one slice
		SliceThickness float64 `yaml:"sliceThickness"`

		// SliceThicknessUnits is the unit of SliceThickness
		SliceThicknessUnits string `yaml:"sliceThicknessUnits"`

		// SampleStaining identifies the stain applied to the sample
		SampleStaining string `yaml:"sampleStaining"`
	} `yaml:"acquisition"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Output.Chunk = 128
	cfg.Output.Compressor = string(zarr.Zstd)
	cfg.Output.CompressionLevel = 0
	cfg.Output.Orientation = "RAS"
	cfg.Output.Center = true
	cfg.Output.Unit = "um"

	cfg.Processing.MaxLoad = 128
	cfg.Processing.MaxLevels = 5
	cfg.Processing.NoPool = -1
	cfg.Processing.Mode = string(reduce.Mean)
	cfg.Processing.Workers = runtime.NumCPU()

	cfg.Acquisition.PixelSizeUnits = "um"
	cfg.Acquisition.SliceThicknessUnits = "mm"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the closed-set options name known variants
func (c *Config) Validate() error {
	if _, err := zarr.ParseCompressor(c.Output.Compressor, c.Output.CompressionLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := reduce.ParseMode(c.Processing.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
