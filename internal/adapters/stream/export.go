package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ghalamif/histstream/internal/adapters/codec"
	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

var tracer = otel.Tracer("github.com/ghalamif/histstream/internal/adapters/stream")

// DefaultBackOff retries a failed batch after 500ms, doubling up to 30s,
// forever.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Start launches the exporter goroutine. It is a no-op for streams without
// a consumer.
func (s *Stream) Start(ctx context.Context) {
	if s.consumer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.closed {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.runExporter(ctx)
}

// runExporter ships unexported records in sequence order. A batch is only
// acknowledged after the consumer accepts it; retryable failures repeat the
// batch from the same watermark, terminal rejections skip it.
func (s *Stream) runExporter(ctx context.Context) {
	defer close(s.done)
	bo := s.newBackOff()

	for {
		batch, decodeErr := s.nextBatch()
		if len(batch) == 0 {
			select {
			case <-s.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		err := decodeErr
		if err == nil {
			err = s.exportBatch(ctx, batch)
		}
		last := batch[len(batch)-1].Sequence

		switch {
		case err == nil:
			s.obs.ObserveLatency(ports.LatencyExport, time.Since(start).Seconds())
			s.acknowledge(last)
			s.obs.IncCounter(ports.MetricExported, float64(len(batch)))
			bo.Reset()
		case errors.Is(err, domain.ErrRejected):
			s.obs.LogError("export_batch_rejected", err,
				ports.Field{Key: "stream", Value: s.cfg.Name},
				ports.Field{Key: "first_seq", Value: batch[0].Sequence},
				ports.Field{Key: "last_seq", Value: last})
			for _, m := range batch {
				s.obs.RecordDLQ(m.EntryID, err)
			}
			s.obs.IncCounter(ports.MetricExportRejected, float64(len(batch)))
			s.acknowledge(last)
			bo.Reset()
		default:
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				wait = 30 * time.Second
			}
			s.obs.IncCounter(ports.MetricExportRetries, 1)
			s.obs.LogError("export_batch_failed", err,
				ports.Field{Key: "stream", Value: s.cfg.Name},
				ports.Field{Key: "consumer", Value: s.consumer.Name()},
				ports.Field{Key: "backoff", Value: wait.String()},
				ports.Field{Key: "first_seq", Value: batch[0].Sequence})

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

// nextBatch snapshots up to ExportBatchSize unexported records. The lock is
// held only for the copy. The batch ends before the first record that fails
// to decode; when that record leads the batch it is returned alone as a
// rejection so it is skipped rather than retried forever.
func (s *Stream) nextBatch() ([]domain.BufferedMessage, error) {
	s.mu.Lock()
	items := s.ledger.Batch(s.exported, s.cfg.ExportBatchSize)
	s.mu.Unlock()

	out := make([]domain.BufferedMessage, 0, len(items))
	for _, it := range items {
		m, err := codec.Unmarshal(it.Payload)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			out = append(out, domain.BufferedMessage{Sequence: it.Seq})
			return out, fmt.Errorf("%w: seq %d: %v", domain.ErrRejected, it.Seq, err)
		}
		m.Sequence = it.Seq
		out = append(out, m)
	}
	return out, nil
}

func (s *Stream) exportBatch(ctx context.Context, batch []domain.BufferedMessage) (err error) {
	ctx, span := tracer.Start(ctx, "stream.export_batch")
	span.SetAttributes(
		attribute.String("stream", s.cfg.Name),
		attribute.String("consumer", s.consumer.Name()),
		attribute.Int("batch.size", len(batch)),
		attribute.Int64("batch.first_seq", int64(batch[0].Sequence)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return s.consumer.Export(ctx, batch)
}

// acknowledge advances the exported watermark to upto, persists it and
// frees the bytes held by the acknowledged records.
func (s *Stream) acknowledge(upto uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger.ReleaseThrough(upto)
	if upto > s.exported {
		s.exported = upto
		if err := s.log.Commit(upto); err != nil {
			s.obs.LogError("stream_commit_failed", err, ports.Field{Key: "stream", Value: s.cfg.Name})
		}
	}
	if err := s.log.TruncateBefore(s.headLocked()); err != nil {
		s.obs.LogError("stream_segment_cleanup_failed", err, ports.Field{Key: "stream", Value: s.cfg.Name})
	}
	s.publishGaugesLocked()

	select {
	case s.freed <- struct{}{}:
	default:
	}
}
