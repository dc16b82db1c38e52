package codec

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghalamif/histstream/internal/domain"
)

func newTestCodec(t *testing.T, opts Options) *Codec {
	t.Helper()
	if opts.Now == nil {
		now := time.Unix(1_700_000_000, 0)
		opts.Now = func() time.Time { return now }
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(1, 2))
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestEncodeRoundTripsQualityAndValue(t *testing.T) {
	c := newTestCodec(t, Options{})

	for _, q := range []string{"GOOD", "BAD", "UNCERTAIN"} {
		entry := domain.SourceEntry{
			ID:            "42",
			PropertyAlias: "/ER/297/Generator/Temperature",
			Value:         "22.1",
			Quality:       q,
			Timestamp:     time.Unix(1_699_999_000, 0),
		}

		msg, err := c.Encode(entry)
		require.NoError(t, err)

		payload, err := Marshal(msg)
		require.NoError(t, err)
		decoded, err := Unmarshal(payload)
		require.NoError(t, err)

		require.Equal(t, domain.Quality(q), decoded.Quality)
		require.InDelta(t, 22.1, decoded.Value, 1e-9)
		require.Equal(t, "42", decoded.EntryID)
		require.Equal(t, entry.PropertyAlias, decoded.PropertyAlias)
		require.Equal(t, msg.IngestTime, decoded.IngestTime)
	}
}

func TestEncodeUnknownQuality(t *testing.T) {
	entry := domain.SourceEntry{ID: "1", Value: 1.5, Quality: "STALE"}

	_, err := newTestCodec(t, Options{}).Encode(entry)
	require.ErrorIs(t, err, domain.ErrUnknownQuality)
	require.True(t, domain.IsMalformedEntry(err))

	msg, err := newTestCodec(t, Options{UnknownQuality: UnknownUncertain}).Encode(entry)
	require.NoError(t, err)
	require.Equal(t, domain.QualityUncertain, msg.Quality)
}

func TestParseQualityIgnoresCaseAndSpace(t *testing.T) {
	q, err := ParseQuality("  good ")
	require.NoError(t, err)
	require.Equal(t, domain.QualityGood, q)
}

func TestToFloat64(t *testing.T) {
	cases := []struct {
		in      any
		want    float64
		wantErr bool
	}{
		{in: 22.1, want: 22.1},
		{in: int64(7), want: 7},
		{in: []byte("21.5"), want: 21.5},
		{in: " 3.25 ", want: 3.25},
		{in: "abc", wantErr: true},
		{in: nil, wantErr: true},
		{in: true, wantErr: true},
		{in: "NaN", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ToFloat64(tc.in)
		if tc.wantErr {
			require.ErrorIs(t, err, domain.ErrValueConversion, "input %v", tc.in)
			continue
		}
		require.NoError(t, err, "input %v", tc.in)
		require.InDelta(t, tc.want, got, 1e-9)
	}
}

func TestIngestTimeJitterBounds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newTestCodec(t, Options{
		IngestJitter: time.Minute,
		Now:          func() time.Time { return now },
	})

	for i := 0; i < 200; i++ {
		msg, err := c.Encode(domain.SourceEntry{ID: "x", Value: 1, Quality: "GOOD"})
		require.NoError(t, err)
		require.LessOrEqual(t, msg.IngestTime.Seconds, now.Unix())
		require.GreaterOrEqual(t, msg.IngestTime.Seconds, now.Unix()-60)
		require.GreaterOrEqual(t, msg.IngestTime.OffsetNanos, int64(0))
		require.LessOrEqual(t, msg.IngestTime.OffsetNanos, int64(maxOffsetNanos))
	}
}

func TestIngestTimeFromSource(t *testing.T) {
	ts := time.Unix(1_650_000_000, 500)
	c := newTestCodec(t, Options{TimestampMode: TimestampSource})

	msg, err := c.Encode(domain.SourceEntry{ID: "x", Value: 1, Quality: "BAD", Timestamp: ts})
	require.NoError(t, err)
	require.Equal(t, domain.IngestTime{Seconds: ts.Unix(), OffsetNanos: 500}, msg.IngestTime)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{UnknownQuality: "guess"})
	require.Error(t, err)
	_, err = New(Options{TimestampMode: "wallclock"})
	require.Error(t, err)
}

func TestIngestJitterDefaultsAndDisable(t *testing.T) {
	opts := Options{}
	opts.ApplyDefaults()
	require.Equal(t, time.Minute, opts.IngestJitter)

	c := newTestCodec(t, Options{IngestJitter: -1})
	for i := 0; i < 100; i++ {
		msg, err := c.Encode(domain.SourceEntry{ID: "1", Value: 1, Quality: "GOOD"})
		require.NoError(t, err)
		require.Equal(t, int64(1_700_000_000), msg.IngestTime.Seconds)
	}
}
