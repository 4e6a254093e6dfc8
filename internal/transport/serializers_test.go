package transport

import (
	"bytes"
	"errors"
	"testing"
)

type simpleMsg struct {
	Name  string `json:"name" cbor:"1,keyasint"`
	Value int    `json:"value" cbor:"2,keyasint"`
}

type checkedMsg struct {
	Required string `json:"required" cbor:"1,keyasint"`
}

func (self checkedMsg) Check() error {
	if "" == self.Required {
		return errors.New("required field is empty")
	}
	return nil
}

func TestCBORSerializerDeterministic(t *testing.T) {
	srz := CBORSerializer{}
	m1 := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}
	m2 := map[string]int{"mid": 3, "zeta": 1, "alpha": 2}

	b1, err := srz.Marshal(m1)
	if nil != err {
		t.Fatalf("failed Marshal(m1), got error %v", err)
	}
	for i := range 16 {
		b2, err := srz.Marshal(m2)
		if nil != err {
			t.Fatalf("#%d: failed Marshal(m2), got error %v", i, err)
		}
		if !bytes.Equal(b1, b2) {
			t.Fatalf("#%d: encoding is not deterministic, %X != %X", i, b1, b2)
		}
	}
}

func TestCBORSerializerRejectsDuplicateKeys(t *testing.T) {
	// {1: "a", 1: "b"}
	data := []byte{0xA2, 0x01, 0x61, 0x61, 0x01, 0x61, 0x62}
	var msg simpleMsg
	err := CBORSerializer{}.Unmarshal(data, &msg)
	if nil == err {
		t.Error("Unmarshal accepted duplicate map keys")
	}
}

func TestSafeSerializerRoundTrip(t *testing.T) {
	for _, srz := range []Serializer{NewCBORSerializer(), WrapInSafeSerializer(CBORSerializer{})} {
		src := simpleMsg{Name: "test", Value: 42}
		data, err := srz.Marshal(src)
		if nil != err {
			t.Fatalf("%T: failed Marshal, got error %v", srz, err)
		}
		dst := simpleMsg{}
		err = srz.Unmarshal(data, &dst)
		if nil != err {
			t.Fatalf("%T: failed Unmarshal, got error %v", srz, err)
		}
		if src != dst {
			t.Errorf("%T: failed round trip, %+v != %+v", srz, dst, src)
		}
	}
}

func TestSafeSerializerValidation(t *testing.T) {
	srz := NewCBORSerializer()

	_, err := srz.Marshal(checkedMsg{})
	if !errors.Is(err, ValidationError) {
		t.Errorf("Marshal of invalid msg did not return ValidationError, got %v", err)
	}

	data, err := CBORSerializer{}.Marshal(checkedMsg{})
	if nil != err {
		t.Fatalf("failed raw Marshal, got error %v", err)
	}
	err = srz.Unmarshal(data, &checkedMsg{})
	if !errors.Is(err, ValidationError) {
		t.Errorf("Unmarshal of invalid msg did not return ValidationError, got %v", err)
	}
	if !errors.Is(err, Error) {
		t.Errorf("Unmarshal error does not wrap transport.Error")
	}
}

func TestSafeSerializerInvalidData(t *testing.T) {
	err := NewCBORSerializer().Unmarshal([]byte{0xFF, 0x00}, &simpleMsg{})
	if !errors.Is(err, SerializationError) {
		t.Errorf("expected SerializationError, got %v", err)
	}
}

func TestWrapInSafeSerializerIdempotent(t *testing.T) {
	s1 := NewCBORSerializer()
	s2 := WrapInSafeSerializer(s1)
	if _, nested := s2.Serializer.(SafeSerializer); nested {
		t.Error("WrapInSafeSerializer nested a SafeSerializer")
	}
}
