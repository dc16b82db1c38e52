package ports

import (
	"context"

	"github.com/ghalamif/histstream/internal/domain"
)

// Stream is the append side of a bounded stream as seen by the poll loop.
type Stream interface {
	Append(ctx context.Context, msg domain.BufferedMessage) (uint64, error)
	Stats() StreamStats
}

type StreamStats struct {
	Name              string
	SizeBytes         int64
	MaxBytes          int64
	Messages          int
	NextSequence      uint64
	ExportedThrough   uint64
	Evicted           uint64
	EvictedUnexported uint64
}
