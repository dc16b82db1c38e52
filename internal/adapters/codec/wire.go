package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ghalamif/histstream/internal/domain"
)

// Deterministic encoding keeps the serialized size of equal messages equal,
// which the stream's byte accounting relies on.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes the wire payload of m. Sequence is not included.
func Marshal(m domain.BufferedMessage) ([]byte, error) {
	b, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", m.EntryID, err)
	}
	return b, nil
}

// Unmarshal decodes a payload produced by Marshal.
func Unmarshal(b []byte) (domain.BufferedMessage, error) {
	var m domain.BufferedMessage
	if err := decMode.Unmarshal(b, &m); err != nil {
		return domain.BufferedMessage{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return m, nil
}
