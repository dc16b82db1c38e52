package histstream

import (
	"context"
	"fmt"
)

// Flow collects the overrides for one historian-to-export pipeline before
// the Runtime is built. StreamIN covers where rows come from and how they
// are encoded; StreamOUT covers where the stream's batches go.
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
}

// FlowOption adjusts a Flow right after its config is loaded.
type FlowOption func(*Flow)

// StreamInOption overrides the tracker, encoder or observability.
type StreamInOption func(*Flow)

// StreamOutOption overrides the consumer or the target stream.
type StreamOutOption func(*Flow)

// Conf reads the YAML config at path (env overrides included) and starts a Flow.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig starts a Flow from a Config built or parsed in memory.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config is the live configuration; edits made before StreamOUT take effect.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options adds RuntimeOptions that have no StreamIN/StreamOUT shorthand,
// such as WithRegistry or WithoutMetricsServer.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.add(opts...)
	return f
}

// StreamIN applies the source-side options.
func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StreamOUT applies the export-side options and builds the Runtime. Nothing
// is contacted until the Runtime starts.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run builds the Runtime and runs it until ctx is cancelled.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions passes RuntimeOptions through Conf.
func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) { f.add(opts...) }
}

// StreamInTracker reads rows from t instead of the configured SQL historian.
// t must honour MarkProcessed idempotence.
func StreamInTracker(t ProgressTracker) StreamInOption {
	if t == nil {
		return nil
	}
	return func(f *Flow) { f.add(WithTracker(t)) }
}

func StreamInEncoder(e Encoder) StreamInOption {
	if e == nil {
		return nil
	}
	return func(f *Flow) { f.add(WithEncoder(e)) }
}

// StreamInObservability routes metrics and logs to obs.
func StreamInObservability(obs Observability) StreamInOption {
	if obs == nil {
		return nil
	}
	return func(f *Flow) { f.add(WithObservability(obs)) }
}

// StreamOutConsumer exports the stream to c instead of the configured target.
func StreamOutConsumer(c Consumer) StreamOutOption {
	if c == nil {
		return nil
	}
	return func(f *Flow) { f.add(WithConsumer(c)) }
}

// StreamOutObservability is StreamInObservability on the export side; the last one wins.
func StreamOutObservability(obs Observability) StreamOutOption {
	if obs == nil {
		return nil
	}
	return func(f *Flow) { f.add(WithObservability(obs)) }
}

// StreamOutCallback exports to fn. A nil fn rejects every batch.
func StreamOutCallback(name string, fn MessageBatchHandler) StreamOutOption {
	return func(f *Flow) { f.add(WithConsumer(NewCallbackConsumer(name, fn))) }
}

// StreamOutName writes to the named stream, overriding config and env.
func StreamOutName(name string) StreamOutOption {
	if name == "" {
		return nil
	}
	return func(f *Flow) { f.add(WithStreamName(name)) }
}

// add is nil-safe so options can be applied to a Flow that failed to load.
func (f *Flow) add(opts ...RuntimeOption) {
	if f == nil {
		return
	}
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
