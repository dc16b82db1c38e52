package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghalamif/histstream/internal/adapters/codec"
	"github.com/ghalamif/histstream/internal/adapters/export"
	"github.com/ghalamif/histstream/internal/adapters/historian"
	"github.com/ghalamif/histstream/internal/adapters/observability"
	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

// DefaultStreamName is used when neither the config nor the command line
// names a stream.
const DefaultStreamName = "SomeStream"

// Environment overrides applied after the file is parsed.
const (
	EnvSourceDSN      = "HISTSTREAM_SOURCE_DSN"
	EnvStreamName     = "HISTSTREAM_STREAM_NAME"
	EnvExportEndpoint = "HISTSTREAM_EXPORT_ENDPOINT"
)

type Config struct {
	Poll      ports.Policy                `yaml:"poll"`
	Source    historian.Config            `yaml:"source"`
	Codec     codec.Options               `yaml:"codec"`
	Stream    StreamConfig                `yaml:"stream"`
	Export    export.Config               `yaml:"export"`
	Metrics   MetricsConfig               `yaml:"metrics"`
	Log       observability.LogConfig     `yaml:"log"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
	Simulator historian.SimulatorConfig   `yaml:"simulator"`
}

type StreamConfig struct {
	Dir             string `yaml:"dir"`
	Name            string `yaml:"name"`
	MaxBytes        int64  `yaml:"max_bytes"`
	FullPolicy      string `yaml:"full_policy"`
	ExportBatchSize int    `yaml:"export_batch_size"`
	SegmentBytes    int64  `yaml:"segment_bytes"`
	Fsync           bool   `yaml:"fsync"`
	// ResetOnStart deletes and recreates the stream at launch. Defaults to
	// true; set false to resume an existing stream.
	ResetOnStart *bool `yaml:"reset_on_start"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads YAML from path, applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvSourceDSN); ok && v != "" {
		c.Source.DSN = v
	}
	if v, ok := lookup(EnvStreamName); ok && v != "" {
		c.Stream.Name = v
	}
	if v, ok := lookup(EnvExportEndpoint); ok && v != "" {
		c.Export.Identifier = v
	}
}

func (c *Config) applyDefaults() {
	if c.Poll.PollInterval == 0 {
		c.Poll.PollInterval = 5 * time.Second
	}
	if c.Poll.BatchSize == 0 {
		c.Poll.BatchSize = 5
	}
	if c.Poll.CompactInterval > 0 && c.Poll.Retention == 0 {
		c.Poll.Retention = 24 * time.Hour
	}
	if c.Stream.Dir == "" {
		c.Stream.Dir = "./data/streams"
	}
	if c.Stream.Name == "" {
		c.Stream.Name = DefaultStreamName
	}
	if c.Stream.MaxBytes == 0 {
		c.Stream.MaxBytes = domain.DefaultMaxBytes
	}
	if c.Stream.ResetOnStart == nil {
		reset := true
		c.Stream.ResetOnStart = &reset
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	c.Source.ApplyDefaults()
	c.Codec.ApplyDefaults()
	c.Export.ApplyDefaults()
	c.Simulator.ApplyDefaults()
}

func (c *Config) validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}
	if err := c.Codec.Validate(); err != nil {
		return fmt.Errorf("codec config: %w", err)
	}
	if err := c.Export.Validate(); err != nil {
		return fmt.Errorf("export config: %w", err)
	}
	if c.Poll.PollInterval < 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if c.Poll.BatchSize < 0 {
		return fmt.Errorf("poll.batch_size must be positive")
	}
	if c.Stream.MaxBytes < 0 {
		return fmt.Errorf("stream.max_bytes must be positive")
	}
	if _, err := domain.ParseFullPolicy(c.Stream.FullPolicy); err != nil {
		return fmt.Errorf("stream.full_policy: %w", err)
	}
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	return nil
}

// StreamConfig resolves the named stream's domain configuration. An empty
// name falls back to the configured one.
func (c *Config) StreamConfig(name string) domain.StreamConfig {
	if name == "" {
		name = c.Stream.Name
	}
	policy, _ := domain.ParseFullPolicy(c.Stream.FullPolicy)
	return domain.StreamConfig{
		Name:            name,
		MaxBytes:        c.Stream.MaxBytes,
		FullPolicy:      policy,
		ExportBatchSize: c.Stream.ExportBatchSize,
		ExportTarget:    c.Export.Target(),
		SegmentBytes:    c.Stream.SegmentBytes,
		Fsync:           c.Stream.Fsync,
	}.WithDefaults()
}

// ResetOnStart reports whether the stream is recreated at launch.
func (c *Config) ResetOnStart() bool {
	return c.Stream.ResetOnStart == nil || *c.Stream.ResetOnStart
}
