package ports

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)

	RecordDLQ(entryID string, err error)
}

type Field struct {
	Key   string
	Value any
}

// Metric names understood by Observability implementations.
const (
	MetricAppended          = "histstream_messages_appended_total"
	MetricEvicted           = "histstream_messages_evicted_total"
	MetricEvictedUnexported = "histstream_evicted_unexported_total"
	MetricExported          = "histstream_messages_exported_total"
	MetricExportRejected    = "histstream_export_rejected_total"
	MetricExportRetries     = "histstream_export_retries_total"
	MetricMarked            = "histstream_entries_marked_total"
	MetricMarkErrors        = "histstream_mark_errors_total"
	MetricPollErrors        = "histstream_poll_errors_total"
	MetricAppendErrors      = "histstream_append_errors_total"
	MetricDLQ               = "histstream_dlq_total"
	MetricCompacted         = "histstream_progress_compacted_total"

	GaugeStreamBytes    = "histstream_stream_size_bytes"
	GaugeStreamMessages = "histstream_stream_messages"

	LatencyExport    = "histstream_export_latency_seconds"
	LatencyPollCycle = "histstream_poll_cycle_seconds"
)
