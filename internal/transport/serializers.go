package transport

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// Serializer is an interface that provides methods to Marshal/Unmarshal messages.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// detEncMode produces the deterministic "Core Deterministic Encoding" of RFC 8949.
	// Payloads that get signed are encoded with it, so that signer & verifier agree on bytes.
	detEncMode cbor.EncMode

	// strictDecMode rejects duplicated map keys that would allow ambiguous messages.
	strictDecMode cbor.DecMode
)

// CBORSerializer provides a Serializer that uses cbor Marshal/Unmarshal.
//
// Marshal output is deterministic.
type CBORSerializer struct{}

// Marshal encodes v using Core Deterministic Encoding.
func (self CBORSerializer) Marshal(v any) ([]byte, error) {
	return detEncMode.Marshal(v)
}

// Unmarshal decodes data, rejecting duplicate map keys.
func (self CBORSerializer) Unmarshal(data []byte, v any) error {
	return strictDecMode.Unmarshal(data, v)
}

var _ Serializer = CBORSerializer{}

// NewCBORSerializer returns a SafeSerializer wrapping a CBORSerializer.
func NewCBORSerializer() SafeSerializer {
	return WrapInSafeSerializer(CBORSerializer{})
}

// A SafeSerializer wraps a Serializer ensuring that marshaled/unmarshaled messages are
// validated when they have a Check method.
type SafeSerializer struct {
	Serializer
}

// WrapInSafeSerializer returns a SafeSerializer wrapping s.
func WrapInSafeSerializer(s Serializer) SafeSerializer {
	if c, isSafeSerializer := s.(SafeSerializer); isSafeSerializer {
		return c
	}

	return SafeSerializer{Serializer: s}

}

// Marshal performs 2 operations to deliver a serialized v.
// 1. If v has a Check method, Marshal calls it and errors in case it returns a non empty error
// 2. It marshals v using the wrapped Serializer and errors in case it fails.
func (self SafeSerializer) Marshal(v any) ([]byte, error) {

	// optionally validate v
	if c, validate := v.(Checker); validate {
		err := c.Check()
		if nil != err {
			return nil, wrapError(errors.Join(ValidationError, err), "invalid message")
		}
	}

	// performs actual serialization
	srzmsg, err := self.Serializer.Marshal(v)
	if nil != err {
		return nil, wrapError(errors.Join(SerializationError, err), "failed marshalling msg")
	}

	return srzmsg, nil
}

// Unmarshal performs 2 operations to deliver v.
// 1. It unmarshals data in v using the wrapped Serializer and errors in case it fails.
// 2. If v has a Check method, it calls it and errors in case it returns a non empty error
func (self SafeSerializer) Unmarshal(data []byte, v any) error {

	// performs actual deserialization
	err := self.Serializer.Unmarshal(data, v)
	if nil != err {
		return wrapError(errors.Join(SerializationError, err), "failed unmarshaling msg")
	}

	// optionally validate v
	if c, checkable := v.(Checker); checkable {
		err = c.Check()
		if nil != err {
			return wrapError(errors.Join(ValidationError, err), "invalid message")
		}
	}

	return nil
}

var _ Serializer = SafeSerializer{}

// Checker is an interface that provides a method Check to validate messages.
type Checker interface {
	Check() error
}

func init() {
	var err error
	detEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if nil != err {
		panic(err)
	}
	strictDecMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if nil != err {
		panic(err)
	}
}
