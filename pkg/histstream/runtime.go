package histstream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghalamif/histstream/internal/adapters/codec"
	"github.com/ghalamif/histstream/internal/adapters/export"
	"github.com/ghalamif/histstream/internal/adapters/historian"
	"github.com/ghalamif/histstream/internal/adapters/observability"
	"github.com/ghalamif/histstream/internal/adapters/stream"
	"github.com/ghalamif/histstream/internal/app/pipeline"
	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	tracker       ProgressTracker
	encoder       Encoder
	consumer      Consumer
	observability Observability
	registry      *prometheus.Registry
	streamName    string
	noMetrics     bool
}

// WithTracker injects a custom progress tracker instead of the SQL historian.
func WithTracker(t ProgressTracker) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.tracker = t
	}
}

// WithEncoder overrides the default quality and value codec.
func WithEncoder(e Encoder) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.encoder = e
	}
}

// WithConsumer injects a custom export consumer so messages can be sent to any API.
func WithConsumer(c Consumer) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.consumer = c
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithRegistry registers metrics on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithStreamName overrides the configured stream name.
func WithStreamName(name string) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.streamName = name
	}
}

// WithoutMetricsServer skips the /metrics and /healthz listener.
func WithoutMetricsServer() RuntimeOption {
	return func(o *runtimeOverrides) {
		o.noMetrics = true
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// preparer is implemented by consumers that set up their destination before
// the first export.
type preparer interface {
	Prepare(ctx context.Context) error
}

// Runtime wires historian → poll loop → stream → exporter and exposes
// simple lifecycle hooks for embedding histstream inside any Go service.
type Runtime struct {
	cfg       *Config
	streamCfg domain.StreamConfig
	obs       ports.Observability
	registry  *prometheus.Registry
	tracker   ports.ProgressTracker
	encoder   ports.Encoder
	consumer  ports.Consumer
	manager   *stream.Manager
	db        *sql.DB
	noMetrics bool

	mu            sync.Mutex
	stream        *stream.Stream
	loop          *pipeline.PollLoop
	cancel        context.CancelFunc
	loopDone      chan struct{}
	metricsSrv    *http.Server
	gaugeStopCh   chan struct{}
	traceShutdown func(context.Context) error
}

// NewRuntime bootstraps the default adapters (SQL historian tracker, codec,
// configured export consumer, Prometheus observability). Options override
// any of them. Nothing is contacted until Start.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	reg := overrides.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	obs := overrides.observability
	if obs == nil {
		logger, err := observability.NewLogger(os.Stderr, cfg.Log)
		if err != nil {
			return nil, err
		}
		obs = observability.NewPromObs(reg, logger)
	}

	enc := overrides.encoder
	if enc == nil {
		c, err := codec.New(cfg.Codec)
		if err != nil {
			return nil, fmt.Errorf("codec: %w", err)
		}
		enc = c
	}

	var db *sql.DB
	tr := overrides.tracker
	if tr == nil {
		var err error
		db, err = historian.Open(cfg.Source)
		if err != nil {
			return nil, err
		}
		t, err := historian.NewTracker(db, cfg.Source)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		tr = t
	}

	cons := overrides.consumer
	if cons == nil {
		c, err := export.New(cfg.Export, obs)
		if err != nil {
			if db != nil {
				_ = db.Close()
			}
			return nil, fmt.Errorf("export consumer: %w", err)
		}
		cons = c
	}

	mgr, err := stream.NewManager(cfg.Stream.Dir, obs)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}

	return &Runtime{
		cfg:       cfg,
		streamCfg: cfg.StreamConfig(overrides.streamName),
		obs:       obs,
		registry:  reg,
		tracker:   tr,
		encoder:   enc,
		consumer:  cons,
		manager:   mgr,
		db:        db,
		noMetrics: overrides.noMetrics,
	}, nil
}

// Start checks the historian, prepares the export destination and the
// stream, then launches the poll loop, the exporter and the observability
// stack. Startup failures are returned as *domain.FatalStartupError.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return fmt.Errorf("runtime already started")
	}

	shutdown, err := observability.InitTracing(ctx, r.cfg.Tracing)
	if err != nil {
		r.obs.LogError("tracing_init_failed", err)
	} else {
		r.traceShutdown = shutdown
	}

	if p, ok := r.tracker.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return &domain.FatalStartupError{Resource: "historian", Err: err}
		}
	}

	if p, ok := r.consumer.(preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			return &domain.FatalStartupError{Resource: "export " + r.consumer.Name(), Err: err}
		}
	}

	s, err := r.prepareStream(ctx)
	if err != nil {
		return &domain.FatalStartupError{Resource: "stream " + r.streamCfg.Name, Err: err}
	}
	r.stream = s

	loop, err := pipeline.NewPollLoop(r.tracker, r.encoder, s, r.cfg.Poll, r.obs)
	if err != nil {
		return err
	}
	r.loop = loop

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	s.Start(runCtx)

	r.loopDone = make(chan struct{})
	go func() {
		defer close(r.loopDone)
		_ = loop.Run(runCtx)
	}()

	if !r.noMetrics {
		r.startMetrics()
	}
	r.gaugeStopCh = make(chan struct{})
	go r.recordStreamGauges(r.gaugeStopCh, time.Second)

	r.obs.LogInfo("runtime_started",
		ports.Field{Key: "stream", Value: r.streamCfg.Name},
		ports.Field{Key: "consumer", Value: r.consumer.Name()},
		ports.Field{Key: "poll_interval", Value: r.cfg.Poll.PollInterval.String()})
	return nil
}

// prepareStream recreates the stream when reset_on_start is set and
// reopens it otherwise, creating it if it was never made.
func (r *Runtime) prepareStream(ctx context.Context) (*stream.Stream, error) {
	if r.cfg.ResetOnStart() {
		if err := r.manager.Delete(ctx, r.streamCfg.Name); err != nil {
			return nil, err
		}
		return r.manager.Create(r.streamCfg, r.consumer)
	}
	s, err := r.manager.Open(r.streamCfg, r.consumer)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return r.manager.Create(r.streamCfg, r.consumer)
	}
	return s, err
}

// Run starts the runtime and blocks until the provided context is cancelled.
// Upon cancellation it attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Publish encodes e and appends it to the stream directly, bypassing the
// historian. The caller owns deduplication for published entries.
func (r *Runtime) Publish(ctx context.Context, e SourceEntry) (uint64, error) {
	r.mu.Lock()
	s := r.stream
	r.mu.Unlock()
	if s == nil {
		return 0, fmt.Errorf("runtime not started")
	}
	msg, err := r.encoder.Encode(e)
	if err != nil {
		return 0, err
	}
	return s.Append(ctx, msg)
}

// Stats reports the stream's current state. It is zero before Start.
func (r *Runtime) Stats() StreamStats {
	r.mu.Lock()
	s := r.stream
	r.mu.Unlock()
	if s == nil {
		return StreamStats{}
	}
	return s.Stats()
}

// PollState reports what the poll loop is doing.
func (r *Runtime) PollState() string {
	r.mu.Lock()
	loop := r.loop
	r.mu.Unlock()
	if loop == nil {
		return pipeline.StateIdle.String()
	}
	return loop.State().String()
}

// Shutdown stops polling and exporting, the metrics server and every
// connection the runtime opened.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error

	if r.gaugeStopCh != nil {
		close(r.gaugeStopCh)
		r.gaugeStopCh = nil
	}

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
		r.metricsSrv = nil
	}

	if r.cancel != nil {
		r.cancel()
		select {
		case <-r.loopDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		r.cancel = nil
	}

	if err := r.manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if c, ok := r.consumer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
		r.db = nil
	}

	if r.traceShutdown != nil {
		if err := r.traceShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		r.traceShutdown = nil
	}

	return errors.Join(errs...)
}

// MetricsHandler serves the runtime's registry.
func (r *Runtime) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Runtime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.metricsSrv = &http.Server{
		Addr:              r.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := r.metricsSrv
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("metrics_server_exited", err)
		}
	}()
}

func (r *Runtime) recordStreamGauges(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			stats := r.Stats()
			r.obs.SetGauge(ports.GaugeStreamBytes, float64(stats.SizeBytes))
			r.obs.SetGauge(ports.GaugeStreamMessages, float64(stats.Messages))
		}
	}
}
