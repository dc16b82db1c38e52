package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/histstream/internal/adapters/queue"
	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

func testMessage(i int) domain.BufferedMessage {
	return domain.BufferedMessage{
		EntryID:       fmt.Sprintf("entry-%03d", i),
		PropertyAlias: "/ER/297/Generator/Temperature",
		Value:         22.1,
		Quality:       domain.QualityGood,
		IngestTime:    domain.IngestTime{Seconds: 1_700_000_000, OffsetNanos: 500},
	}
}

func recordSize(t *testing.T) int64 {
	t.Helper()
	size, err := RecordSize(testMessage(1))
	require.NoError(t, err)
	return size
}

func newTestManager(t *testing.T, obs ports.Observability) *Manager {
	t.Helper()
	if obs == nil {
		obs = newFakeObs()
	}
	m, err := NewManager(t.TempDir(), obs, WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func sequences(t *testing.T, s *Stream) []uint64 {
	t.Helper()
	msgs, err := s.Messages()
	require.NoError(t, err)
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sequence
	}
	return out
}

func TestAppendAssignsIncreasingSequences(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(domain.StreamConfig{Name: "SomeStream"}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	var last uint64
	for i := 1; i <= 20; i++ {
		seq, err := s.Append(ctx, testMessage(i))
		require.NoError(t, err)
		require.Greater(t, seq, last)
		require.Equal(t, uint64(i), seq)
		last = seq
	}

	msgs, err := s.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	require.Equal(t, "entry-001", msgs[0].EntryID)
	require.Equal(t, domain.QualityGood, msgs[0].Quality)
}

func TestOverwriteOldestEvictsSmallestSequence(t *testing.T) {
	obs := newFakeObs()
	m := newTestManager(t, obs)
	s, err := m.Create(domain.StreamConfig{
		Name:       "overwrite",
		MaxBytes:   3 * recordSize(t),
		FullPolicy: domain.OverwriteOldest,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := s.Append(ctx, testMessage(i))
		require.NoError(t, err)
	}

	require.Equal(t, []uint64{2, 3, 4}, sequences(t, s))
	stats := s.Stats()
	require.LessOrEqual(t, stats.SizeBytes, stats.MaxBytes)
	require.Equal(t, uint64(1), stats.EvictedUnexported)
	require.Equal(t, float64(1), obs.counter(ports.MetricEvictedUnexported))
}

func TestOverwriteOldestStaysBounded(t *testing.T) {
	m := newTestManager(t, nil)
	size := recordSize(t)
	s, err := m.Create(domain.StreamConfig{
		Name:         "bounded",
		MaxBytes:     5*size + size/2,
		SegmentBytes: 2 * size,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 50; i++ {
		_, err := s.Append(ctx, testMessage(i))
		require.NoError(t, err)
		stats := s.Stats()
		require.LessOrEqual(t, stats.SizeBytes, stats.MaxBytes)
	}
	require.Equal(t, []uint64{46, 47, 48, 49, 50}, sequences(t, s))
}

func TestRejectNewLeavesContentUnchanged(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(domain.StreamConfig{
		Name:       "reject",
		MaxBytes:   3 * recordSize(t),
		FullPolicy: domain.RejectNew,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := s.Append(ctx, testMessage(i))
		require.NoError(t, err)
	}
	before := s.Stats()

	_, err = s.Append(ctx, testMessage(4))
	require.ErrorIs(t, err, domain.ErrStreamFull)

	require.Equal(t, []uint64{1, 2, 3}, sequences(t, s))
	after := s.Stats()
	require.Equal(t, before.SizeBytes, after.SizeBytes)
	require.Equal(t, before.NextSequence, after.NextSequence)
}

func TestAppendRejectsOversizedMessage(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(domain.StreamConfig{Name: "tiny", MaxBytes: 8}, nil)
	require.NoError(t, err)

	_, err = s.Append(context.Background(), testMessage(1))
	require.ErrorIs(t, err, domain.ErrMessageTooLarge)
}

func TestCreateDeleteLifecycle(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Delete(ctx, "SomeStream"), "deleting a missing stream is a no-op")

	s, err := m.Create(domain.StreamConfig{Name: "SomeStream"}, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, testMessage(1))
	require.NoError(t, err)

	_, err = m.Create(domain.StreamConfig{Name: "SomeStream"}, nil)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, m.Delete(ctx, "SomeStream"))
	_, ok := m.Get("SomeStream")
	require.False(t, ok)

	s, err = m.Create(domain.StreamConfig{Name: "SomeStream"}, nil)
	require.NoError(t, err)
	require.Empty(t, sequences(t, s))
	require.Equal(t, uint64(1), s.Stats().NextSequence)

	_, err = m.Create(domain.StreamConfig{Name: "../escape"}, nil)
	require.Error(t, err)
}

func TestOpenResumesAfterExportedWatermark(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	cfg := domain.StreamConfig{Name: "durable", ExportBatchSize: 2}

	m1, err := NewManager(root, newFakeObs())
	require.NoError(t, err)
	consumer := &fakeConsumer{}
	s, err := m1.Create(cfg, consumer)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		_, err := s.Append(ctx, testMessage(i))
		require.NoError(t, err)
	}
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Stats().ExportedThrough == 2 }, 2*time.Second, 5*time.Millisecond)

	// Appended after export, never acknowledged.
	_, err = s.Append(ctx, testMessage(3))
	require.NoError(t, err)
	consumer.setErr(errors.New("consumer offline"))
	require.NoError(t, m1.Close(ctx))

	m2, err := NewManager(root, newFakeObs())
	require.NoError(t, err)
	defer m2.Close(ctx)

	_, err = m2.Open(domain.StreamConfig{Name: "missing"}, nil)
	require.ErrorIs(t, err, domain.ErrStreamNotFound)

	s2, err := m2.Open(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, sequences(t, s2))
	require.Equal(t, uint64(2), s2.Stats().ExportedThrough)

	seq, err := s2.Append(ctx, testMessage(4))
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)
}

func TestReopenKeepsEvictedRecordsGone(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	size := recordSize(t)
	cfg := domain.StreamConfig{
		Name:         "evicting",
		MaxBytes:     3 * size,
		FullPolicy:   domain.OverwriteOldest,
		SegmentBytes: 1 << 20,
	}

	m1, err := NewManager(root, newFakeObs())
	require.NoError(t, err)
	s, err := m1.Create(cfg, nil)
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err := s.Append(ctx, testMessage(i))
		require.NoError(t, err)
	}
	require.Equal(t, []uint64{2, 3, 4}, sequences(t, s))
	require.NoError(t, m1.Close(ctx))

	// Same limit: nothing is evicted or counted a second time.
	obs := newFakeObs()
	m2, err := NewManager(root, obs)
	require.NoError(t, err)
	s2, err := m2.Open(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3, 4}, sequences(t, s2))
	require.Zero(t, obs.counter(ports.MetricEvictedUnexported))
	require.NoError(t, m2.Close(ctx))

	// A larger limit must not bring back the evicted record.
	bigger := cfg
	bigger.MaxBytes = 10 * size
	m3, err := NewManager(root, newFakeObs())
	require.NoError(t, err)
	defer m3.Close(ctx)
	s3, err := m3.Open(bigger, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3, 4}, sequences(t, s3))

	seq, err := s3.Append(ctx, testMessage(5))
	require.NoError(t, err)
	require.Equal(t, uint64(5), seq)
}

func TestExporterShipsInOrderInBatches(t *testing.T) {
	obs := newFakeObs()
	m := newTestManager(t, obs)
	consumer := &fakeConsumer{}
	s, err := m.Create(domain.StreamConfig{Name: "export", ExportBatchSize: 2}, consumer)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.Append(ctx, testMessage(i))
		require.NoError(t, err)
	}
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Stats().ExportedThrough == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, consumer.exportedSequences())
	for _, b := range consumer.batchSizes() {
		require.LessOrEqual(t, b, 2)
	}
	require.Zero(t, s.Stats().Messages)
	require.Zero(t, s.Stats().SizeBytes)
	require.Equal(t, float64(5), obs.counter(ports.MetricExported))
}

func TestExporterRetriesTransientFailure(t *testing.T) {
	obs := newFakeObs()
	m := newTestManager(t, obs)
	consumer := &fakeConsumer{failures: 2, failErr: errors.New("503 service unavailable")}
	s, err := m.Create(domain.StreamConfig{Name: "retry", ExportBatchSize: 10}, consumer)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := s.Append(ctx, testMessage(i))
		require.NoError(t, err)
	}
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Stats().ExportedThrough == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{1, 2, 3}, consumer.exportedSequences())
	require.Equal(t, 3, consumer.callCount())
	require.Equal(t, float64(2), obs.counter(ports.MetricExportRetries))
}

func TestExporterSkipsRejectedBatch(t *testing.T) {
	obs := newFakeObs()
	m := newTestManager(t, obs)
	consumer := &fakeConsumer{rejectFirst: true}
	s, err := m.Create(domain.StreamConfig{Name: "reject-export", ExportBatchSize: 2}, consumer)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := s.Append(ctx, testMessage(i))
		require.NoError(t, err)
	}
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Stats().ExportedThrough == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{3, 4}, consumer.exportedSequences())
	require.Equal(t, 2, consumer.callCount(), "rejected batch must not be retried")
	require.Equal(t, float64(2), obs.counter(ports.MetricExportRejected))
	require.Equal(t, float64(2), obs.counter(ports.MetricDLQ))
}

func TestExporterShipsRecordsBeforeUndecodableOne(t *testing.T) {
	obs := newFakeObs()
	m := newTestManager(t, obs)
	consumer := &fakeConsumer{}
	s, err := m.Create(domain.StreamConfig{Name: "corrupt", ExportBatchSize: 10}, consumer)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		_, err := s.Append(ctx, testMessage(i))
		require.NoError(t, err)
	}
	s.mu.Lock()
	s.ledger.Push(queue.Item{Seq: s.nextSeq, Size: 8, Payload: []byte{0xff, 0xff, 0xff}})
	s.nextSeq++
	s.mu.Unlock()
	_, err = s.Append(ctx, testMessage(4))
	require.NoError(t, err)

	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Stats().ExportedThrough == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{1, 2, 4}, consumer.exportedSequences())
	require.Equal(t, float64(1), obs.counter(ports.MetricDLQ))
	require.Equal(t, float64(3), obs.counter(ports.MetricExported))
}

func TestBlockPolicyWaitsForExport(t *testing.T) {
	m := newTestManager(t, nil)
	gate := make(chan struct{})
	consumer := &fakeConsumer{gate: gate}
	s, err := m.Create(domain.StreamConfig{
		Name:            "block",
		MaxBytes:        recordSize(t),
		FullPolicy:      domain.Block,
		ExportBatchSize: 1,
	}, consumer)
	require.NoError(t, err)

	ctx := context.Background()
	s.Start(ctx)
	_, err = s.Append(ctx, testMessage(1))
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Append(shortCtx, testMessage(2))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	appended := make(chan uint64, 1)
	go func() {
		seq, err := s.Append(ctx, testMessage(2))
		if err == nil {
			appended <- seq
		}
	}()
	close(gate)

	select {
	case seq := <-appended:
		require.Equal(t, uint64(2), seq)
	case <-time.After(2 * time.Second):
		t.Fatal("append stayed blocked after export freed space")
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	m := newTestManager(t, nil)
	s, err := m.Create(domain.StreamConfig{Name: "closed"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	_, err = s.Append(context.Background(), testMessage(1))
	require.ErrorIs(t, err, domain.ErrStreamClosed)
}

type fakeConsumer struct {
	mu          sync.Mutex
	batches     [][]domain.BufferedMessage
	calls       int
	failures    int
	failErr     error
	rejectFirst bool
	gate        chan struct{}
}

func (f *fakeConsumer) Name() string { return "fake" }

func (f *fakeConsumer) Export(ctx context.Context, batch []domain.BufferedMessage) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.rejectFirst && f.calls == 1 {
		return fmt.Errorf("%w: validation failed", domain.ErrRejected)
	}
	if f.failures > 0 {
		f.failures--
		return f.failErr
	}
	if f.failErr != nil && f.failures < 0 {
		return f.failErr
	}
	cp := make([]domain.BufferedMessage, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	return nil
}

// setErr makes every following call fail.
func (f *fakeConsumer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
	f.failures = -1
}

func (f *fakeConsumer) exportedSequences() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint64
	for _, b := range f.batches {
		for _, m := range b {
			out = append(out, m.Sequence)
		}
	}
	return out
}

func (f *fakeConsumer) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.batches))
	for i, b := range f.batches {
		out[i] = len(b)
	}
	return out
}

func (f *fakeConsumer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeObs struct {
	mu       sync.Mutex
	counters map[string]float64
}

func newFakeObs() *fakeObs {
	return &fakeObs{counters: make(map[string]float64)}
}

func (o *fakeObs) counter(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name]
}

func (o *fakeObs) LogInfo(string, ...ports.Field)            {}
func (o *fakeObs) LogError(string, error, ...ports.Field)    {}
func (o *fakeObs) LogCritical(string, error, ...ports.Field) {}
func (o *fakeObs) ObserveLatency(string, float64)            {}
func (o *fakeObs) SetGauge(string, float64)                  {}
func (o *fakeObs) RecordDLQ(string, error)                   { o.IncCounter(ports.MetricDLQ, 1) }
func (o *fakeObs) IncCounter(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counters[name] += v
}
