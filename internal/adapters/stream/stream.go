package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/ghalamif/histstream/internal/adapters/codec"
	"github.com/ghalamif/histstream/internal/adapters/queue"
	"github.com/ghalamif/histstream/internal/adapters/wal"
	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

// Stream is a named, size-capped, append-only log with an asynchronous
// exporter. Append, eviction and export acknowledgment all mutate the same
// ledger and are serialized by mu; consumer I/O happens outside it.
type Stream struct {
	cfg        domain.StreamConfig
	consumer   ports.Consumer
	obs        ports.Observability
	newBackOff func() backoff.BackOff

	mu                sync.Mutex
	log               *wal.FileWAL
	ledger            *queue.ByteQueue
	nextSeq           uint64
	exported          uint64
	evicted           uint64
	evictedUnexported uint64
	evictedThrough    uint64
	closed            bool

	notify chan struct{}
	freed  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func openStream(dir string, cfg domain.StreamConfig, consumer ports.Consumer, obs ports.Observability, newBackOff func() backoff.BackOff) (*Stream, error) {
	l, err := wal.NewFileWAL(dir, wal.Options{SegmentBytes: cfg.SegmentBytes, Fsync: cfg.Fsync})
	if err != nil {
		return nil, fmt.Errorf("open stream %q: %w", cfg.Name, err)
	}

	s := &Stream{
		cfg:        cfg,
		consumer:   consumer,
		obs:        obs,
		newBackOff: newBackOff,
		log:        l,
		ledger:     queue.NewByteQueue(),
		notify:     make(chan struct{}, 1),
		freed:      make(chan struct{}, 1),
	}
	if err := s.recover(); err != nil {
		_ = l.Close()
		return nil, err
	}
	return s, nil
}

// recover rebuilds the ledger from disk, skipping everything at or below the
// exported watermark or below the persisted eviction head, then trims to
// MaxBytes in case the limit shrank.
func (s *Stream) recover() error {
	s.exported = s.log.Committed()
	head := s.log.Head()
	if head > 0 {
		s.evictedThrough = head - 1
	}
	err := s.log.Replay(func(seq uint64, payload []byte) error {
		if seq <= s.exported || seq < head {
			return nil
		}
		s.ledger.Push(queue.Item{Seq: seq, Size: wal.RecordSize(len(payload)), Payload: payload})
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover stream %q: %w", s.cfg.Name, err)
	}

	last := s.log.LastSeq()
	if s.exported > last {
		last = s.exported
	}
	if s.evictedThrough > last {
		last = s.evictedThrough
	}
	s.nextSeq = last + 1

	for s.ledger.SizeBytes() > s.cfg.MaxBytes {
		s.evictOldestLocked()
	}
	s.persistEvictionHeadLocked()
	if s.ledger.Len() > 0 {
		s.obs.LogInfo("stream_recovered",
			ports.Field{Key: "stream", Value: s.cfg.Name},
			ports.Field{Key: "messages", Value: s.ledger.Len()},
			ports.Field{Key: "exported_through", Value: s.exported})
	}
	s.publishGaugesLocked()
	return s.log.TruncateBefore(s.headLocked())
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.cfg.Name }

// Config returns the effective configuration.
func (s *Stream) Config() domain.StreamConfig { return s.cfg }

// RecordSize is the number of bytes msg occupies against MaxBytes.
func RecordSize(msg domain.BufferedMessage) (int64, error) {
	payload, err := codec.Marshal(msg)
	if err != nil {
		return 0, err
	}
	return wal.RecordSize(len(payload)), nil
}

// Append assigns the next sequence number to msg and persists it. When the
// record does not fit, the stream's FullPolicy decides: evict the oldest
// records, fail with domain.ErrStreamFull, or wait for the exporter.
func (s *Stream) Append(ctx context.Context, msg domain.BufferedMessage) (uint64, error) {
	payload, err := codec.Marshal(msg)
	if err != nil {
		return 0, err
	}
	size := wal.RecordSize(len(payload))
	if size > s.cfg.MaxBytes {
		return 0, fmt.Errorf("%w: record %d bytes, stream %d bytes", domain.ErrMessageTooLarge, size, s.cfg.MaxBytes)
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, domain.ErrStreamClosed
		}
		if s.ledger.SizeBytes()+size <= s.cfg.MaxBytes {
			break
		}

		switch s.cfg.FullPolicy {
		case domain.RejectNew:
			s.mu.Unlock()
			return 0, fmt.Errorf("%w: %q holds %d of %d bytes", domain.ErrStreamFull, s.cfg.Name, s.ledger.SizeBytes(), s.cfg.MaxBytes)
		case domain.Block:
			s.mu.Unlock()
			select {
			case <-s.freed:
				continue
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		default:
			for s.ledger.SizeBytes()+size > s.cfg.MaxBytes {
				s.evictOldestLocked()
			}
			s.persistEvictionHeadLocked()
		}
		break
	}
	defer s.mu.Unlock()

	seq := s.nextSeq
	if _, err := s.log.Append(seq, payload); err != nil {
		return 0, fmt.Errorf("append to %q: %w", s.cfg.Name, err)
	}
	s.nextSeq++
	s.ledger.Push(queue.Item{Seq: seq, Size: size, Payload: payload})

	if err := s.log.TruncateBefore(s.headLocked()); err != nil {
		s.obs.LogError("stream_segment_cleanup_failed", err, ports.Field{Key: "stream", Value: s.cfg.Name})
	}
	s.obs.IncCounter(ports.MetricAppended, 1)
	s.publishGaugesLocked()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return seq, nil
}

// evictOldestLocked drops the record with the smallest sequence. Losing a
// record that was never acknowledged is counted, not reported as an error.
func (s *Stream) evictOldestLocked() {
	it, ok := s.ledger.PopOldest()
	if !ok {
		return
	}
	s.evicted++
	s.evictedThrough = it.Seq
	s.obs.IncCounter(ports.MetricEvicted, 1)
	if it.Seq > s.exported {
		s.evictedUnexported++
		s.obs.IncCounter(ports.MetricEvictedUnexported, 1)
	}
}

// persistEvictionHeadLocked records that nothing at or below evictedThrough
// may be replayed. A failed write is logged; the records it covers would
// only come back after a restart.
func (s *Stream) persistEvictionHeadLocked() {
	if s.evictedThrough == 0 {
		return
	}
	if err := s.log.SetHead(s.evictedThrough + 1); err != nil {
		s.obs.LogError("stream_eviction_head_persist_failed", err,
			ports.Field{Key: "stream", Value: s.cfg.Name},
			ports.Field{Key: "evicted_through", Value: s.evictedThrough})
	}
}

// headLocked is the smallest sequence still needed on disk.
func (s *Stream) headLocked() uint64 {
	if h := s.ledger.Head(); h != 0 {
		return h
	}
	return s.nextSeq
}

func (s *Stream) publishGaugesLocked() {
	s.obs.SetGauge(ports.GaugeStreamBytes, float64(s.ledger.SizeBytes()))
	s.obs.SetGauge(ports.GaugeStreamMessages, float64(s.ledger.Len()))
}

// Messages returns the buffered contents in sequence order.
func (s *Stream) Messages() ([]domain.BufferedMessage, error) {
	s.mu.Lock()
	items := s.ledger.Items()
	s.mu.Unlock()

	out := make([]domain.BufferedMessage, 0, len(items))
	for _, it := range items {
		m, err := codec.Unmarshal(it.Payload)
		if err != nil {
			return nil, fmt.Errorf("stream %q seq %d: %w", s.cfg.Name, it.Seq, err)
		}
		m.Sequence = it.Seq
		out = append(out, m)
	}
	return out, nil
}

func (s *Stream) Stats() ports.StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.StreamStats{
		Name:              s.cfg.Name,
		SizeBytes:         s.ledger.SizeBytes(),
		MaxBytes:          s.cfg.MaxBytes,
		Messages:          s.ledger.Len(),
		NextSequence:      s.nextSeq,
		ExportedThrough:   s.exported,
		Evicted:           s.evicted,
		EvictedUnexported: s.evictedUnexported,
	}
}

// Close stops the exporter and releases the log. An unacknowledged batch in
// flight is resumed from the exported watermark when the stream is reopened.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Close()
}

var _ ports.Stream = (*Stream)(nil)
