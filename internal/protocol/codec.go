package protocol

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode wraps payloads that do not decode into the schema their type
// tag names.
var ErrDecode = errors.New("malformed frame payload")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 24,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode marshals v into a frame of type t.
func Encode(t Type, v any) (Frame, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", t, err)
	}
	if len(payload) > MaxPayloadLength {
		return Frame{}, fmt.Errorf("%w: %s payload is %d bytes", ErrPayloadTooLarge, t, len(payload))
	}
	return Frame{Type: t, Version: Version, Payload: payload}, nil
}

// Decode unmarshals f's payload into v after checking that f has type
// want.
func Decode(f Frame, want Type, v any) error {
	if f.Type != want {
		return fmt.Errorf("%w: expected %s frame, got %s", ErrDecode, want, f.Type)
	}
	if err := decMode.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, f.Type, err)
	}
	return nil
}
