package histstream

import (
	"time"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

// SourceEntry is one historian row as read by a ProgressTracker.
type SourceEntry = domain.SourceEntry

// BufferedMessage is the stream-resident form handed to consumers.
type BufferedMessage = domain.BufferedMessage

// ProgressTracker reads unforwarded rows and records forwarded ones.
type ProgressTracker = ports.ProgressTracker

// Encoder maps a SourceEntry into a BufferedMessage.
type Encoder = ports.Encoder

// Consumer receives exported batches. Returning an error wrapping
// ErrRejected drops the batch; any other error retries it.
type Consumer = ports.Consumer

// Observability emits metrics and logs about polling, appends and exports.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// StreamStats is a point-in-time view of a stream.
type StreamStats = ports.StreamStats

// FullPolicy decides what happens when the stream is at capacity.
type FullPolicy = domain.FullPolicy

const (
	OverwriteOldest = domain.OverwriteOldest
	RejectNew       = domain.RejectNew
	Block           = domain.Block
)

var (
	ErrStreamFull      = domain.ErrStreamFull
	ErrMessageTooLarge = domain.ErrMessageTooLarge
	ErrAlreadyExists   = domain.ErrAlreadyExists
	ErrStreamNotFound  = domain.ErrStreamNotFound
	ErrRejected        = domain.ErrRejected
	ErrUnknownQuality  = domain.ErrUnknownQuality
)

// Message mirrors the internal BufferedMessage with plain field types so
// callbacks do not depend on internal packages.
type Message struct {
	Sequence      uint64
	EntryID       string
	PropertyAlias string
	Value         float64
	Quality       string
	IngestTime    time.Time
}

// MessageBatchHandler is invoked with ordered batches read from the stream.
type MessageBatchHandler func([]Message) error

func messageFromDomain(m domain.BufferedMessage) Message {
	return Message{
		Sequence:      m.Sequence,
		EntryID:       m.EntryID,
		PropertyAlias: m.PropertyAlias,
		Value:         m.Value,
		Quality:       string(m.Quality),
		IngestTime:    m.IngestTime.Time(),
	}
}

func convertBatch(batch []domain.BufferedMessage) []Message {
	if len(batch) == 0 {
		return nil
	}
	out := make([]Message, len(batch))
	for i, m := range batch {
		out[i] = messageFromDomain(m)
	}
	return out
}
