package config

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete visitor configuration.
type Config struct {
	Source      string         `yaml:"source"`
	Demo        bool           `yaml:"demo"`
	Frames      int            `yaml:"frames"`       // demo only; 0 runs until interrupted
	Interval    string         `yaml:"interval"`     // consumer cadence, e.g. "30ms"
	StopTimeout string         `yaml:"stop_timeout"` // bound on waiting for the producer
	JPEGQuality int            `yaml:"jpeg_quality"`
	Preview     PreviewConfig  `yaml:"preview"`
	Regions     RegionsConfig  `yaml:"regions"`
	Engine      EngineConfig   `yaml:"engine"`
	Database    DatabaseConfig `yaml:"database"`
	Log         LogConfig      `yaml:"log"`

	// Parsed durations, filled by Validate.
	IntervalDuration    time.Duration `yaml:"-"`
	StopTimeoutDuration time.Duration `yaml:"-"`
	ReadTimeoutDuration time.Duration `yaml:"-"`
}

// PreviewConfig sizes and serves the live preview.
type PreviewConfig struct {
	Addr   string `yaml:"addr"` // empty disables the MJPEG server
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// RegionsConfig holds fixed counting lines. When both are set the region
// helper is skipped.
type RegionsConfig struct {
	A [][]int `yaml:"a"` // [[x1,y1], [x2,y2], ...]
	B [][]int `yaml:"b"`
}

// EngineConfig describes the external counter.
type EngineConfig struct {
	Command        []string `yaml:"command"`
	RegionsCommand []string `yaml:"regions_command"`
	ReadTimeout    string   `yaml:"read_timeout"` // empty waits forever
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Interval:    "30ms",
		StopTimeout: "2s",
		JPEGQuality: 95,
		Preview:     PreviewConfig{Addr: ":8080", Width: 640, Height: 480},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults. Call Validate once flag
// overrides have been applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	// Unknown keys are rejected; the archive location in particular is fixed.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and parses its durations.
func Validate(cfg *Config) error {
	var errs []error

	parse := func(field, s string, allowZero bool) time.Duration {
		if s == "" {
			return 0
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return 0
		}
		if d < 0 || (d == 0 && !allowZero) {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", field, s))
		}
		return d
	}
	cfg.IntervalDuration = parse("interval", cfg.Interval, false)
	cfg.StopTimeoutDuration = parse("stop_timeout", cfg.StopTimeout, false)
	cfg.ReadTimeoutDuration = parse("engine.read_timeout", cfg.Engine.ReadTimeout, false)

	if !cfg.Demo && cfg.Source == "" {
		errs = append(errs, errors.New("source is required unless demo is enabled"))
	}
	if cfg.Frames < 0 {
		errs = append(errs, fmt.Errorf("frames must not be negative, got %d", cfg.Frames))
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality must be 1..100, got %d", cfg.JPEGQuality))
	}
	if cfg.Preview.Width <= 0 || cfg.Preview.Height <= 0 {
		errs = append(errs, fmt.Errorf("preview size must be positive, got %dx%d", cfg.Preview.Width, cfg.Preview.Height))
	}
	for _, r := range []struct {
		name string
		pts  [][]int
	}{{"regions.a", cfg.Regions.A}, {"regions.b", cfg.Regions.B}} {
		for i, p := range r.pts {
			if len(p) != 2 {
				errs = append(errs, fmt.Errorf("%s[%d]: expected [x, y], got %v", r.name, i, p))
			}
		}
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format))
	}
	return errors.Join(errs...)
}

// PreviewSize returns the preview surface as a point.
func (c *Config) PreviewSize() image.Point {
	return image.Pt(c.Preview.Width, c.Preview.Height)
}

// FixedRegions converts the configured lines. Only meaningful after Validate.
func (c *Config) FixedRegions() (a, b []image.Point) {
	conv := func(pts [][]int) []image.Point {
		var out []image.Point
		for _, p := range pts {
			if len(p) == 2 {
				out = append(out, image.Pt(p[0], p[1]))
			}
		}
		return out
	}
	return conv(c.Regions.A), conv(c.Regions.B)
}
