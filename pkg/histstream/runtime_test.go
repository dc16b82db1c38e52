package histstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghalamif/histstream/internal/domain"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(`
source:
  dsn: "user:pass@tcp(localhost:3306)/historian"
poll:
  interval: 10ms
metrics:
  addr: "127.0.0.1:0"
`))
	require.NoError(t, err)
	cfg.Stream.Dir = t.TempDir()
	return cfg
}

func TestNewRuntimeWithCustomAdapters(t *testing.T) {
	cfg := testConfig(t)

	tr := newMemTracker()
	enc := &stubEncoder{}
	cons := NewCallbackConsumer("stub", func([]Message) error { return nil })
	obs := &stubObservability{}

	rt, err := NewRuntime(cfg,
		WithTracker(tr),
		WithEncoder(enc),
		WithConsumer(cons),
		WithObservability(obs),
		WithStreamName("Custom"),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	if rt.tracker != tr {
		t.Fatalf("expected custom tracker to be used")
	}
	if rt.encoder != enc {
		t.Fatalf("expected custom encoder to be used")
	}
	if rt.consumer != cons {
		t.Fatalf("expected custom consumer to be used")
	}
	if rt.obs != obs {
		t.Fatalf("expected custom observability to be used")
	}
	if rt.db != nil {
		t.Fatalf("expected db to be nil when a custom tracker is provided")
	}
	if rt.streamCfg.Name != "Custom" {
		t.Fatalf("expected stream name override, got %s", rt.streamCfg.Name)
	}
}

func TestRuntimeForwardsEntriesToConsumer(t *testing.T) {
	cfg := testConfig(t)

	tr := newMemTracker(domain.SourceEntry{
		ID:            "1",
		PropertyAlias: "Generator.Temperature",
		Value:         21.5,
		Quality:       "GOOD",
		Timestamp:     time.Unix(1700000000, 0).UTC(),
	})
	got := make(chan []Message, 1)
	cons := NewCallbackConsumer("cb", func(batch []Message) error {
		got <- batch
		return nil
	})

	rt, err := NewRuntime(cfg,
		WithTracker(tr),
		WithConsumer(cons),
		WithObservability(&stubObservability{}),
		WithoutMetricsServer(),
	)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, rt.Shutdown(ctx))
	}()

	select {
	case batch := <-got:
		require.Len(t, batch, 1)
		require.Equal(t, "1", batch[0].EntryID)
		require.Equal(t, "Generator.Temperature", batch[0].PropertyAlias)
		require.Equal(t, 21.5, batch[0].Value)
		require.Equal(t, "GOOD", batch[0].Quality)
		require.Equal(t, uint64(1), batch[0].Sequence)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for exported batch")
	}

	require.Eventually(t, func() bool { return tr.marked("1") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return rt.Stats().ExportedThrough == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRuntimeStartFailsWhenHistorianUnreachable(t *testing.T) {
	cfg := testConfig(t)
	tr := newMemTracker()
	tr.pingErr = errors.New("connection refused")

	rt, err := NewRuntime(cfg,
		WithTracker(tr),
		WithObservability(&stubObservability{}),
		WithoutMetricsServer(),
	)
	require.NoError(t, err)

	err = rt.Start(context.Background())
	var fatal *domain.FatalStartupError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, "historian", fatal.Resource)
}

func TestRuntimeStartFailsWhenExportCannotPrepare(t *testing.T) {
	rt, err := NewRuntime(testConfig(t),
		WithTracker(newMemTracker()),
		WithConsumer(&preparingConsumer{err: errors.New("permission denied for schema public")}),
		WithObservability(&stubObservability{}),
		WithoutMetricsServer(),
	)
	require.NoError(t, err)

	err = rt.Start(context.Background())
	var fatal *domain.FatalStartupError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, "export preparing", fatal.Resource)
}

func TestRuntimeResetOnStart(t *testing.T) {
	cfg := testConfig(t)
	keep := false
	cfg.Stream.ResetOnStart = &keep

	publishOne := func() {
		cons, _, closeFn := NewChannelConsumer("held", 0)
		defer closeFn()
		rt, err := NewRuntime(cfg,
			WithTracker(newMemTracker()),
			WithConsumer(cons),
			WithObservability(&stubObservability{}),
			WithoutMetricsServer(),
		)
		require.NoError(t, err)
		require.NoError(t, rt.Start(context.Background()))
		_, err = rt.Publish(context.Background(), domain.SourceEntry{
			ID: "p-1", PropertyAlias: "a", Value: 1.0, Quality: "GOOD", Timestamp: time.Now(),
		})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, rt.Shutdown(ctx))
	}

	restart := func() StreamStats {
		cons, _, closeFn := NewChannelConsumer("held", 0)
		defer closeFn()
		rt, err := NewRuntime(cfg,
			WithTracker(newMemTracker()),
			WithConsumer(cons),
			WithObservability(&stubObservability{}),
			WithoutMetricsServer(),
		)
		require.NoError(t, err)
		require.NoError(t, rt.Start(context.Background()))
		stats := rt.Stats()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, rt.Shutdown(ctx))
		return stats
	}

	publishOne()
	if stats := restart(); stats.Messages != 1 {
		t.Fatalf("expected unexported message to survive reopen, got %+v", stats)
	}

	reset := true
	cfg.Stream.ResetOnStart = &reset
	if stats := restart(); stats.Messages != 0 || stats.NextSequence != 1 {
		t.Fatalf("expected fresh stream after reset, got %+v", stats)
	}
}

func TestPublishBeforeStart(t *testing.T) {
	rt, err := NewRuntime(testConfig(t),
		WithTracker(newMemTracker()),
		WithObservability(&stubObservability{}),
	)
	require.NoError(t, err)
	if _, err := rt.Publish(context.Background(), domain.SourceEntry{ID: "x"}); err == nil {
		t.Fatalf("expected publish before start to fail")
	}
	if rt.PollState() != "idle" {
		t.Fatalf("expected idle poll state, got %s", rt.PollState())
	}
}

type memTracker struct {
	mu      sync.Mutex
	entries []domain.SourceEntry
	done    map[string]time.Time
	pingErr error
}

func newMemTracker(entries ...domain.SourceEntry) *memTracker {
	return &memTracker{entries: entries, done: make(map[string]time.Time)}
}

func (m *memTracker) Ping(context.Context) error { return m.pingErr }

func (m *memTracker) UnprocessedBatch(_ context.Context, limit int) ([]domain.SourceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SourceEntry
	for _, e := range m.entries {
		if _, ok := m.done[e.ID]; ok {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memTracker) HasProcessed(_ context.Context, id string) (bool, error) {
	return m.marked(id), nil
}

func (m *memTracker) MarkProcessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.done[id]; !ok {
		m.done[id] = at
	}
	return nil
}

func (m *memTracker) Compact(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memTracker) marked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.done[id]
	return ok
}

type preparingConsumer struct {
	err error
}

func (p *preparingConsumer) Export(context.Context, []domain.BufferedMessage) error { return nil }
func (p *preparingConsumer) Name() string                                           { return "preparing" }
func (p *preparingConsumer) Prepare(context.Context) error                          { return p.err }

type stubEncoder struct{}

func (s *stubEncoder) Encode(e domain.SourceEntry) (domain.BufferedMessage, error) {
	return domain.BufferedMessage{EntryID: e.ID}, nil
}

type stubObservability struct{}

func (s *stubObservability) LogInfo(string, ...Field)            {}
func (s *stubObservability) LogError(string, error, ...Field)    {}
func (s *stubObservability) LogCritical(string, error, ...Field) {}
func (s *stubObservability) IncCounter(string, float64)          {}
func (s *stubObservability) ObserveLatency(string, float64)      {}
func (s *stubObservability) SetGauge(string, float64)            {}
func (s *stubObservability) RecordDLQ(string, error)             {}
