package codec

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

const (
	// UnknownReject fails Encode with domain.ErrUnknownQuality.
	UnknownReject = "reject"
	// UnknownUncertain maps any unrecognised quality to UNCERTAIN.
	UnknownUncertain = "uncertain"

	// TimestampIngest stamps messages with a jittered ingestion time.
	TimestampIngest = "ingest"
	// TimestampSource stamps messages with the historian's own timestamp.
	TimestampSource = "source"

	maxOffsetNanos = 10_000
)

// Options configures a Codec. Zero values select the defaults.
type Options struct {
	UnknownQuality string        `yaml:"unknown_quality"`
	TimestampMode  string        `yaml:"timestamp_mode"`
	// IngestJitter defaults to one minute; a negative value disables it.
	IngestJitter   time.Duration `yaml:"ingest_jitter"`

	Now  func() time.Time `yaml:"-"`
	Rand *rand.Rand       `yaml:"-"`
}

func (o *Options) ApplyDefaults() {
	if o.UnknownQuality == "" {
		o.UnknownQuality = UnknownReject
	}
	if o.TimestampMode == "" {
		o.TimestampMode = TimestampIngest
	}
	if o.IngestJitter == 0 {
		o.IngestJitter = time.Minute
	}
}

func (o *Options) Validate() error {
	switch o.UnknownQuality {
	case UnknownReject, UnknownUncertain:
	default:
		return fmt.Errorf("unknown_quality must be %q or %q, got %q", UnknownReject, UnknownUncertain, o.UnknownQuality)
	}
	switch o.TimestampMode {
	case TimestampIngest, TimestampSource:
	default:
		return fmt.Errorf("timestamp_mode must be %q or %q, got %q", TimestampIngest, TimestampSource, o.TimestampMode)
	}
	return nil
}

// Codec turns historian rows into BufferedMessages.
type Codec struct {
	opts Options

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(opts Options) (*Codec, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Codec{opts: opts, rnd: rnd}, nil
}

// Encode maps e into a BufferedMessage. Sequence is left zero; the stream
// assigns it on append.
func (c *Codec) Encode(e domain.SourceEntry) (domain.BufferedMessage, error) {
	q, err := ParseQuality(e.Quality)
	if err != nil {
		if c.opts.UnknownQuality != UnknownUncertain {
			return domain.BufferedMessage{}, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		q = domain.QualityUncertain
	}

	v, err := ToFloat64(e.Value)
	if err != nil {
		return domain.BufferedMessage{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}

	return domain.BufferedMessage{
		EntryID:       e.ID,
		PropertyAlias: e.PropertyAlias,
		Value:         v,
		Quality:       q,
		IngestTime:    c.ingestTime(e.Timestamp),
	}, nil
}

// ingestTime is approximate by design: seconds are pulled back by up to the
// configured jitter and a sub-second offset below 10µs is added.
func (c *Codec) ingestTime(sourceTS time.Time) domain.IngestTime {
	if c.opts.TimestampMode == TimestampSource && !sourceTS.IsZero() {
		return domain.IngestTime{Seconds: sourceTS.Unix(), OffsetNanos: int64(sourceTS.Nanosecond())}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	secs := c.opts.Now().Unix()
	if jitter := int64(c.opts.IngestJitter / time.Second); jitter > 0 {
		secs -= c.rnd.Int64N(jitter + 1)
	}
	return domain.IngestTime{Seconds: secs, OffsetNanos: c.rnd.Int64N(maxOffsetNanos + 1)}
}

// ParseQuality accepts GOOD, BAD and UNCERTAIN, ignoring case and
// surrounding whitespace.
func ParseQuality(s string) (domain.Quality, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GOOD":
		return domain.QualityGood, nil
	case "BAD":
		return domain.QualityBad, nil
	case "UNCERTAIN":
		return domain.QualityUncertain, nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownQuality, s)
	}
}

// ToFloat64 converts a raw column value into a float64 regardless of the
// column type the driver produced.
func ToFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("%w: null", domain.ErrValueConversion)
	case bool:
		return 0, fmt.Errorf("%w: boolean %v", domain.ErrValueConversion, t)
	case []byte:
		v = strings.TrimSpace(string(t))
	case string:
		v = strings.TrimSpace(t)
	}

	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrValueConversion, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", domain.ErrValueConversion, f)
	}
	return f, nil
}

var _ ports.Encoder = (*Codec)(nil)
