package ports

import "time"

// Policy controls poll cadence, batch bounds and progress retention.
type Policy struct {
	PollInterval    time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	CompactInterval time.Duration `yaml:"compact_interval"`
	Retention       time.Duration `yaml:"retention"`
}
