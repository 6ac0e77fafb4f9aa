package protocol

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Payload is a structured record carried inside a packet. PayloadType must
// return a constant and be declared on the value receiver so the zero value
// of the type can name it.
type Payload interface {
	PayloadType() string
}

// Correlated payloads take part in request/reply exchanges. The identifier is
// serialized under the "id" key so replies can be matched without knowing
// their concrete type.
type Correlated interface {
	Payload
	CorrelationID() string
}

// Resendable payloads ask to be retransmitted after a reconnect.
type Resendable interface {
	Payload
	ResendOnReconnect() bool
}

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
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalPayload serializes p into its structured byte form.
func MarshalPayload(p Payload) ([]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.PayloadType(), err)
	}
	return data, nil
}

// UnmarshalPayload decodes data into v. Unknown fields are ignored.
func UnmarshalPayload(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type correlationEnvelope struct {
	ID string `cbor:"id"`
}

// CorrelationID extracts the "id" field from an encoded payload.
func CorrelationID(data []byte) (string, error) {
	var env correlationEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("read correlation id: %w", err)
	}
	if env.ID == "" {
		return "", fmt.Errorf("read correlation id: payload has no id")
	}
	return env.ID, nil
}

// TypeName returns the payload type name of T's zero value.
func TypeName[T Payload]() string {
	var zero T
	return zero.PayloadType()
}
