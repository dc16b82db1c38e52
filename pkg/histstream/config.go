package histstream

import (
	"github.com/ghalamif/histstream/internal/adapters/codec"
	"github.com/ghalamif/histstream/internal/adapters/export"
	"github.com/ghalamif/histstream/internal/adapters/historian"
	"github.com/ghalamif/histstream/internal/adapters/observability"
	"github.com/ghalamif/histstream/internal/app/config"
	"github.com/ghalamif/histstream/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy controls poll cadence, batch size and progress retention.
	Policy = ports.Policy
	// SourceConfig describes the historian connection and table layout.
	SourceConfig = historian.Config
	// SourceTables names the measurement and progress tables.
	SourceTables = historian.Tables
	// CodecOptions controls quality mapping and ingest timestamps.
	CodecOptions = codec.Options
	// StreamConfig configures the on-disk stream.
	StreamConfig = config.StreamConfig
	// ExportConfig selects the export consumer.
	ExportConfig = export.Config
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// LogConfig selects the log format and level.
	LogConfig = observability.LogConfig
	// TracingConfig configures the OTLP trace exporter.
	TracingConfig = observability.TracingConfig
	// SimulatorConfig drives the development data generator.
	SimulatorConfig = historian.SimulatorConfig
)

// DefaultStreamName is used when no stream name is configured.
const DefaultStreamName = config.DefaultStreamName

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig parses YAML held in memory.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
