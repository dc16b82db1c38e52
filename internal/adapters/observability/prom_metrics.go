package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/histstream/internal/ports"
)

type PromObs struct {
	log      *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

var counterHelp = map[string]string{
	ports.MetricAppended:          "Messages appended to the stream.",
	ports.MetricEvicted:           "Messages evicted to make room for newer ones.",
	ports.MetricEvictedUnexported: "Messages evicted before the exporter shipped them.",
	ports.MetricExported:          "Messages acknowledged by the export consumer.",
	ports.MetricExportRejected:    "Messages in batches the consumer permanently rejected.",
	ports.MetricExportRetries:     "Export attempts that failed and were scheduled for retry.",
	ports.MetricMarked:            "Historian entries marked as forwarded.",
	ports.MetricMarkErrors:        "Failed attempts to mark historian entries.",
	ports.MetricPollErrors:        "Failed historian polls.",
	ports.MetricAppendErrors:      "Failed stream appends.",
	ports.MetricDLQ:               "Entries or messages dead-lettered.",
	ports.MetricCompacted:         "Progress records removed by retention compaction.",
}

// NewPromObs registers the histstream collectors on reg and logs through
// logger. A nil reg uses the default registerer; a nil logger uses
// slog.Default.
func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &PromObs{
		log:      logger,
		counters: make(map[string]prometheus.Counter, len(counterHelp)),
		gauges:   make(map[string]prometheus.Gauge),
		histos:   make(map[string]prometheus.Observer),
	}

	var collectors []prometheus.Collector
	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		p.counters[name] = c
		collectors = append(collectors, c)
	}

	streamBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.GaugeStreamBytes,
		Help: "Serialized size of unexported and retained stream records.",
	})
	streamMessages := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.GaugeStreamMessages,
		Help: "Messages currently buffered in the stream.",
	})
	p.gauges[ports.GaugeStreamBytes] = streamBytes
	p.gauges[ports.GaugeStreamMessages] = streamMessages

	exportLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.LatencyExport,
		Help:    "Time from batch snapshot to consumer acknowledgment.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	pollLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.LatencyPollCycle,
		Help:    "Duration of one poll, append and mark cycle.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	p.histos[ports.LatencyExport] = exportLatency
	p.histos[ports.LatencyPollCycle] = pollLatency

	collectors = append(collectors, streamBytes, streamMessages, exportLatency, pollLatency)
	reg.MustRegister(collectors...)
	return p
}

// Logger returns the logger events are written to.
func (p *PromObs) Logger() *slog.Logger { return p.log }

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err), slog.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDLQ(entryID string, err error) {
	p.IncCounter(ports.MetricDLQ, 1)
	p.log.Warn("dead_letter", slog.String("entry_id", entryID), slog.Any("error", err))
}

var _ ports.Observability = (*PromObs)(nil)
