package export

import (
	"context"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

// LogConsumer acknowledges every batch after logging it. Useful for dry runs.
type LogConsumer struct {
	label string
	obs   ports.Observability
}

func NewLogConsumer(label string, obs ports.Observability) *LogConsumer {
	return &LogConsumer{label: label, obs: obs}
}

func (l *LogConsumer) Name() string { return "log" }

func (l *LogConsumer) Export(_ context.Context, batch []domain.BufferedMessage) error {
	for _, m := range batch {
		l.obs.LogInfo("export_message",
			ports.Field{Key: "target", Value: l.label},
			ports.Field{Key: "seq", Value: m.Sequence},
			ports.Field{Key: "entry_id", Value: m.EntryID},
			ports.Field{Key: "property_alias", Value: m.PropertyAlias},
			ports.Field{Key: "value", Value: m.Value},
			ports.Field{Key: "quality", Value: string(m.Quality)},
			ports.Field{Key: "ingest_time", Value: m.IngestTime.Time()})
	}
	return nil
}

var _ ports.Consumer = (*LogConsumer)(nil)
