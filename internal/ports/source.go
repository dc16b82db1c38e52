package ports

import (
	"context"
	"time"

	"github.com/ghalamif/histstream/internal/domain"
)

// ProgressTracker reads un-forwarded entries from the historian and records
// which ones have been forwarded.
type ProgressTracker interface {
	// UnprocessedBatch returns up to limit entries with no progress record,
	// oldest source timestamp first, ties broken by id.
	UnprocessedBatch(ctx context.Context, limit int) ([]domain.SourceEntry, error)
	HasProcessed(ctx context.Context, id string) (bool, error)
	// MarkProcessed is idempotent: marking an id twice is not an error.
	MarkProcessed(ctx context.Context, id string, observedAt time.Time) error
	// Compact drops progress records whose source row is gone and whose
	// mark is older than olderThan.
	Compact(ctx context.Context, olderThan time.Time) (int64, error)
}
