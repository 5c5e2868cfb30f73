package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CodecName is the gRPC content-subtype used for every record in this package.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor dec mode: %v", err))
	}
}

// Codec encodes records as deterministic CBOR. It satisfies the gRPC
// encoding.Codec contract.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, ErrNilMessage
	}
	return encMode.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if v == nil {
		return ErrNilMessage
	}
	if len(data) == 0 {
		return nil
	}
	return decMode.Unmarshal(data, v)
}

// Encode is shorthand for Codec{}.Marshal.
func Encode(v any) ([]byte, error) {
	return Codec{}.Marshal(v)
}

// Decode is shorthand for Codec{}.Unmarshal that rejects empty input.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	return Codec{}.Unmarshal(data, v)
}
