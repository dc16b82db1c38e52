package ports

import "github.com/ghalamif/histstream/internal/domain"

// Encoder maps a historian row into its stream representation.
type Encoder interface {
	Encode(domain.SourceEntry) (domain.BufferedMessage, error)
}
