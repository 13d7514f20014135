// Package config loads extraction settings from a YAML file.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultIntensityMax is the backscatter ceiling used when no other value is
// configured.
const DefaultIntensityMax = 220

// Config represents the configuration file structure. Unset fields are nil.
type Config struct {
	Hop           *int      `yaml:"hop,omitempty"`
	DecimalPoints *int      `yaml:"decimal_points,omitempty"`
	IntensityMax  *float64  `yaml:"intensity_max,omitempty"`
	NoNormalize   *bool     `yaml:"no_normalize,omitempty"`
	Concurrency   *int      `yaml:"concurrency,omitempty"`
	CRS           string    `yaml:"crs,omitempty"`
	Geotransform  []float64 `yaml:"geotransform,omitempty"`
}

// Settings are resolved extraction settings.
type Settings struct {
	Hop           int
	DecimalPoints int
	IntensityMax  float64
	Normalize     bool
	Concurrency   int
	CRS           string
	Geotransform  []float64
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		Hop:           1,
		DecimalPoints: 8,
		IntensityMax:  DefaultIntensityMax,
		Normalize:     true,
		Concurrency:   1,
	}
}

// Load reads and parses the YAML configuration file from the specified path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Apply overrides the fields of s that are set in c. A nil c is a no-op.
func (c *Config) Apply(s Settings) Settings {
	if c == nil {
		return s
	}
	if c.Hop != nil {
		s.Hop = *c.Hop
	}
	if c.DecimalPoints != nil {
		s.DecimalPoints = *c.DecimalPoints
	}
	if c.IntensityMax != nil {
		s.IntensityMax = *c.IntensityMax
	}
	if c.NoNormalize != nil {
		s.Normalize = !*c.NoNormalize
	}
	if c.Concurrency != nil {
		s.Concurrency = *c.Concurrency
	}
	if c.CRS != "" {
		s.CRS = c.CRS
	}
	if c.Geotransform != nil {
		s.Geotransform = c.Geotransform
	}
	return s
}
