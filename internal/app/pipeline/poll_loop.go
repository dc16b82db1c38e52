package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

var tracer = otel.Tracer("github.com/ghalamif/histstream/internal/app/pipeline")

type State int32

const (
	StateIdle State = iota
	StatePolling
	StateEncoding
	StateAppending
	StateMarking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateEncoding:
		return "encoding"
	case StateAppending:
		return "appending"
	case StateMarking:
		return "marking"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Polled       int
	Appended     int
	Marked       int
	DeadLettered int
}

// PollLoop moves unprocessed historian entries into a stream and marks them
// forwarded. An entry is marked only after its append succeeded.
type PollLoop struct {
	src    ports.ProgressTracker
	enc    ports.Encoder
	stream ports.Stream
	pol    ports.Policy
	obs    ports.Observability
	now    func() time.Time

	state       atomic.Int32
	lastCompact time.Time
}

func NewPollLoop(src ports.ProgressTracker, enc ports.Encoder, stream ports.Stream, pol ports.Policy, obs ports.Observability) (*PollLoop, error) {
	if src == nil || enc == nil || stream == nil || obs == nil {
		return nil, errors.New("poll loop: tracker, encoder, stream and observability are required")
	}
	if pol.PollInterval <= 0 {
		pol.PollInterval = 5 * time.Second
	}
	if pol.BatchSize <= 0 {
		pol.BatchSize = 5
	}
	return &PollLoop{src: src, enc: enc, stream: stream, pol: pol, obs: obs, now: time.Now}, nil
}

func (l *PollLoop) State() State { return State(l.state.Load()) }

func (l *PollLoop) setState(s State) { l.state.Store(int32(s)) }

// Run polls until ctx is cancelled, waiting PollInterval after each cycle
// completes. Cycle failures are logged and never stop the loop.
func (l *PollLoop) Run(ctx context.Context) error {
	l.lastCompact = l.now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.setState(StateIdle)
			return nil
		case <-timer.C:
		}

		l.safeCycle(ctx)
		l.maybeCompact(ctx)
		timer.Reset(l.pol.PollInterval)
	}
}

func (l *PollLoop) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.setState(StateIdle)
			l.obs.LogCritical("poll_cycle_panic", fmt.Errorf("%v", r))
		}
	}()
	if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
		l.obs.LogError("poll_cycle_failed", err)
	}
}

// RunOnce executes a single Polling → Encoding → Appending → Marking pass.
// It returns an error when the poll or an append fails; entries already
// appended and marked in the cycle stay so.
func (l *PollLoop) RunOnce(ctx context.Context) (res CycleResult, err error) {
	ctx, span := tracer.Start(ctx, "poll.cycle")
	start := time.Now()
	defer func() {
		l.setState(StateIdle)
		l.obs.ObserveLatency(ports.LatencyPollCycle, time.Since(start).Seconds())
		span.SetAttributes(
			attribute.Int("entries.polled", res.Polled),
			attribute.Int("entries.appended", res.Appended),
			attribute.Int("entries.marked", res.Marked),
			attribute.Int("entries.dead_lettered", res.DeadLettered),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	l.setState(StatePolling)
	entries, err := l.src.UnprocessedBatch(ctx, l.pol.BatchSize)
	if err != nil {
		l.obs.IncCounter(ports.MetricPollErrors, 1)
		return res, fmt.Errorf("poll: %w", err)
	}
	res.Polled = len(entries)

	for _, e := range entries {
		l.setState(StateEncoding)
		msg, encErr := l.enc.Encode(e)
		if encErr != nil {
			if !domain.IsMalformedEntry(encErr) {
				l.obs.LogError("encode_failed", encErr, ports.Field{Key: "id", Value: e.ID})
				continue
			}
			l.obs.RecordDLQ(e.ID, encErr)
			res.DeadLettered++
			if l.mark(ctx, e) {
				res.Marked++
			}
			continue
		}

		l.setState(StateAppending)
		seq, appendErr := l.stream.Append(ctx, msg)
		if errors.Is(appendErr, domain.ErrMessageTooLarge) {
			// It can never fit; waiting would stall every row behind it.
			l.obs.RecordDLQ(e.ID, appendErr)
			res.DeadLettered++
			if l.mark(ctx, e) {
				res.Marked++
			}
			continue
		}
		if appendErr != nil {
			l.obs.IncCounter(ports.MetricAppendErrors, 1)
			return res, fmt.Errorf("append entry %s: %w", e.ID, appendErr)
		}
		res.Appended++

		if !l.mark(ctx, e) {
			continue
		}
		res.Marked++
		l.obs.LogInfo("entry_forwarded",
			ports.Field{Key: "id", Value: e.ID},
			ports.Field{Key: "seq", Value: seq})
	}
	return res, nil
}

// mark records e as forwarded. A failure is logged and counted; the entry
// is polled again next cycle and the duplicate append carries the same
// entry id.
func (l *PollLoop) mark(ctx context.Context, e domain.SourceEntry) bool {
	l.setState(StateMarking)
	if err := l.src.MarkProcessed(ctx, e.ID, e.Timestamp); err != nil {
		l.obs.IncCounter(ports.MetricMarkErrors, 1)
		l.obs.LogError("mark_processed_failed", err, ports.Field{Key: "id", Value: e.ID})
		return false
	}
	l.obs.IncCounter(ports.MetricMarked, 1)
	return true
}

func (l *PollLoop) maybeCompact(ctx context.Context) {
	if l.pol.CompactInterval <= 0 || l.pol.Retention <= 0 {
		return
	}
	now := l.now()
	if now.Sub(l.lastCompact) < l.pol.CompactInterval {
		return
	}
	l.lastCompact = now

	n, err := l.src.Compact(ctx, now.Add(-l.pol.Retention))
	if err != nil {
		l.obs.LogError("progress_compact_failed", err)
		return
	}
	if n > 0 {
		l.obs.IncCounter(ports.MetricCompacted, float64(n))
		l.obs.LogInfo("progress_compacted", ports.Field{Key: "records", Value: n})
	}
}
