package keys

import (
	"crypto/ecdh"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
)

// IdentityKey is the public part of a trusted contact DelegatedDecryptionKey.
// It is the subject of the key certificates issued by the customer.
type IdentityKey struct {
	*ecdh.PublicKey
}

// ParseIdentityKey decodes a 32 bytes X25519 public key.
func ParseIdentityKey(data []byte) (IdentityKey, error) {
	pubkey, err := ecdh.X25519().NewPublicKey(data)
	if nil != err {
		return IdentityKey{}, wrapError(errors.Join(ErrInvalidKey, err), "failed parsing X25519 public key")
	}

	return IdentityKey{PublicKey: pubkey}, nil
}

// IsZero returns true if self does not hold a key.
func (self IdentityKey) IsZero() bool {
	return nil == self.PublicKey
}

// Bytes returns the X25519 encoding of self, or nil for the zero key.
func (self IdentityKey) Bytes() []byte {
	if nil == self.PublicKey {
		return nil
	}
	return self.PublicKey.Bytes()
}

// Equal returns true if self and other hold the same key.
func (self IdentityKey) Equal(other IdentityKey) bool {
	if nil == self.PublicKey || nil == other.PublicKey {
		return false
	}
	return self.PublicKey.Equal(other.PublicKey)
}

func (self IdentityKey) String() string {
	return hex.EncodeToString(self.Bytes())
}

func (self IdentityKey) MarshalBinary() ([]byte, error) {
	return self.Bytes(), nil
}

func (self *IdentityKey) UnmarshalBinary(data []byte) error {
	if 0 == len(data) {
		self.PublicKey = nil
		return nil
	}
	idk, err := ParseIdentityKey(data)
	if nil != err {
		return err
	}
	*self = idk

	return nil
}

func (self IdentityKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.Bytes())
}

func (self *IdentityKey) UnmarshalJSON(data []byte) error {
	pkb := []byte{}
	err := json.Unmarshal(data, &pkb)
	if nil != err {
		return err
	}
	return self.UnmarshalBinary(pkb)
}

// DelegatedDecryptionKey is the long term X25519 keypair of a trusted contact.
// Its private part never leaves the trusted contact device.
type DelegatedDecryptionKey struct {
	*ecdh.PrivateKey
}

// GenerateDelegatedDecryptionKey returns a new DelegatedDecryptionKey.
func GenerateDelegatedDecryptionKey(rand io.Reader) (DelegatedDecryptionKey, error) {
	privkey, err := ecdh.X25519().GenerateKey(rand)
	if nil != err {
		return DelegatedDecryptionKey{}, wrapError(err, "failed generating X25519 keypair")
	}

	return DelegatedDecryptionKey{PrivateKey: privkey}, nil
}

// IsZero returns true if self does not hold a key.
func (self DelegatedDecryptionKey) IsZero() bool {
	return nil == self.PrivateKey
}

// IdentityKey returns the public part of self.
func (self DelegatedDecryptionKey) IdentityKey() IdentityKey {
	if nil == self.PrivateKey {
		return IdentityKey{}
	}
	return IdentityKey{PublicKey: self.PrivateKey.PublicKey()}
}

func (self DelegatedDecryptionKey) MarshalBinary() ([]byte, error) {
	if nil == self.PrivateKey {
		return nil, nil
	}
	return self.PrivateKey.Bytes(), nil
}

func (self *DelegatedDecryptionKey) UnmarshalBinary(data []byte) error {
	if 0 == len(data) {
		self.PrivateKey = nil
		return nil
	}
	privkey, err := ecdh.X25519().NewPrivateKey(data)
	if nil != err {
		return wrapError(errors.Join(ErrInvalidKey, err), "failed deserializing X25519 private key")
	}
	self.PrivateKey = privkey

	return nil
}
