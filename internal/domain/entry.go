package domain

import "time"

// SourceEntry is one row read from the historian. Value and Quality are
// kept in their raw column form; the codec owns the mapping.
type SourceEntry struct {
	ID            string    `json:"id"`
	PropertyAlias string    `json:"property_alias"`
	Value         any       `json:"value"`
	Quality       string    `json:"quality"`
	Timestamp     time.Time `json:"ts"`
}

// ProgressRecord marks a SourceEntry as forwarded to the stream.
type ProgressRecord struct {
	ID       string    `json:"id"`
	MarkedAt time.Time `json:"marked_at"`
}

// Quality is the wire-level data quality of a measurement.
type Quality string

const (
	QualityGood      Quality = "GOOD"
	QualityBad       Quality = "BAD"
	QualityUncertain Quality = "UNCERTAIN"
)

// IngestTime is an approximate ingestion timestamp split into epoch seconds
// and a sub-second offset.
type IngestTime struct {
	Seconds     int64 `cbor:"1,keyasint" json:"timeInSeconds"`
	OffsetNanos int64 `cbor:"2,keyasint" json:"offsetInNanos"`
}

// Time converts the ingest time back into a time.Time.
func (t IngestTime) Time() time.Time {
	return time.Unix(t.Seconds, t.OffsetNanos).UTC()
}

// BufferedMessage is the stream-resident form of an entry. Sequence lives in
// the stream record header and is not part of the serialized payload.
type BufferedMessage struct {
	EntryID       string     `cbor:"1,keyasint"`
	PropertyAlias string     `cbor:"2,keyasint"`
	Value         float64    `cbor:"3,keyasint"`
	Quality       Quality    `cbor:"4,keyasint"`
	IngestTime    IngestTime `cbor:"5,keyasint"`
	Sequence      uint64     `cbor:"-"`
}
