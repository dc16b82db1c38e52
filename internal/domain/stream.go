package domain

import (
	"fmt"
	"strings"
)

// DefaultMaxBytes bounds a stream when the config leaves it unset.
const DefaultMaxBytes int64 = 256 << 20

// FullPolicy decides what Append does when a record would exceed MaxBytes.
type FullPolicy string

const (
	OverwriteOldest FullPolicy = "overwrite_oldest"
	RejectNew       FullPolicy = "reject_new"
	// Block waits for the exporter to free space instead of evicting.
	Block FullPolicy = "block"
)

// ParseFullPolicy accepts the config spellings of a FullPolicy.
func ParseFullPolicy(s string) (FullPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite_oldest", "overwriteoldest", "overwrite":
		return OverwriteOldest, nil
	case "reject_new", "rejectnew", "reject":
		return RejectNew, nil
	case "block":
		return Block, nil
	default:
		return "", fmt.Errorf("unknown full policy %q", s)
	}
}

// ExportTarget identifies where a stream's exporter ships batches.
type ExportTarget struct {
	Kind       string `yaml:"kind"`
	Identifier string `yaml:"identifier"`
	BatchSize  int    `yaml:"batch_size"`
}

// StreamConfig describes one named stream.
type StreamConfig struct {
	Name            string
	MaxBytes        int64
	FullPolicy      FullPolicy
	ExportBatchSize int
	ExportTarget    ExportTarget
	SegmentBytes    int64
	Fsync           bool
}

// WithDefaults returns a copy with zero fields filled in.
func (c StreamConfig) WithDefaults() StreamConfig {
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.FullPolicy == "" {
		c.FullPolicy = OverwriteOldest
	}
	if c.ExportBatchSize <= 0 {
		c.ExportBatchSize = c.ExportTarget.BatchSize
	}
	if c.ExportBatchSize <= 0 {
		c.ExportBatchSize = 5
	}
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = c.MaxBytes / 8
		if c.SegmentBytes > 64<<20 {
			c.SegmentBytes = 64 << 20
		}
	}
	return c
}
