package ports

import (
	"context"

	"github.com/ghalamif/histstream/internal/domain"
)

// Consumer is the downstream export target of a stream. Export returns nil
// on acknowledgment. Errors wrapping domain.ErrRejected are terminal; any
// other error is retried with the same batch.
type Consumer interface {
	Export(ctx context.Context, batch []domain.BufferedMessage) error
	Name() string
}
