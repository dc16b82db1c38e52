package histstream

import (
	base "github.com/ghalamif/histstream/pkg/histstream"
)

// Re-exported errors for convenience.
var (
	ErrStreamFull            = base.ErrStreamFull
	ErrMessageTooLarge       = base.ErrMessageTooLarge
	ErrAlreadyExists         = base.ErrAlreadyExists
	ErrStreamNotFound        = base.ErrStreamNotFound
	ErrRejected              = base.ErrRejected
	ErrUnknownQuality        = base.ErrUnknownQuality
	ErrChannelConsumerClosed = base.ErrChannelConsumerClosed
)

// Type aliases so consumers can import github.com/ghalamif/histstream directly.
type (
	Config              = base.Config
	Policy              = base.Policy
	SourceConfig        = base.SourceConfig
	SourceTables        = base.SourceTables
	CodecOptions        = base.CodecOptions
	StreamConfig        = base.StreamConfig
	ExportConfig        = base.ExportConfig
	MetricsConfig       = base.MetricsConfig
	LogConfig           = base.LogConfig
	TracingConfig       = base.TracingConfig
	SimulatorConfig     = base.SimulatorConfig
	Flow                = base.Flow
	FlowOption          = base.FlowOption
	StreamInOption      = base.StreamInOption
	StreamOutOption     = base.StreamOutOption
	Runtime             = base.Runtime
	RuntimeOption       = base.RuntimeOption
	Message             = base.Message
	MessageBatchHandler = base.MessageBatchHandler
	SourceEntry         = base.SourceEntry
	BufferedMessage     = base.BufferedMessage
	ProgressTracker     = base.ProgressTracker
	Encoder             = base.Encoder
	Consumer            = base.Consumer
	Observability       = base.Observability
	Field               = base.Field
	StreamStats         = base.StreamStats
	FullPolicy          = base.FullPolicy
)

const (
	DefaultStreamName = base.DefaultStreamName
	OverwriteOldest   = base.OverwriteOldest
	RejectNew         = base.RejectNew
	Block             = base.Block
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInTracker(t ProgressTracker) StreamInOption {
	return base.StreamInTracker(t)
}

func StreamInEncoder(e Encoder) StreamInOption {
	return base.StreamInEncoder(e)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutConsumer(c Consumer) StreamOutOption {
	return base.StreamOutConsumer(c)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn MessageBatchHandler) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

func StreamOutName(name string) StreamOutOption {
	return base.StreamOutName(name)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithTracker(t ProgressTracker) RuntimeOption {
	return base.WithTracker(t)
}

func WithEncoder(e Encoder) RuntimeOption {
	return base.WithEncoder(e)
}

func WithConsumer(c Consumer) RuntimeOption {
	return base.WithConsumer(c)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithStreamName(name string) RuntimeOption {
	return base.WithStreamName(name)
}

func WithoutMetricsServer() RuntimeOption {
	return base.WithoutMetricsServer()
}

// Consumer adapters.
func NewCallbackConsumer(name string, fn MessageBatchHandler) Consumer {
	return base.NewCallbackConsumer(name, fn)
}

func NewChannelConsumer(name string, buffer int) (Consumer, <-chan []Message, func()) {
	return base.NewChannelConsumer(name, buffer)
}
