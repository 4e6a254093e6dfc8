// Package keys provides the asymmetric keys used by the trusted contact protocols.
//
// Authority keys (app & hardware) are secp256k1 ECDSA keys. They sign tagged messages,
// the tag providing domain separation between the different statements a key can make.
//
// Delegated decryption keys are X25519 keys held by trusted contacts.
package keys

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	// DO NOT EDIT those tags, they are part of signed messages.
	TagHwEndorseAppKey    = "kerpass:tc:hw-endorse-app-key:v1"
	TagAppEndorseIdentity = "kerpass:tc:app-endorse-identity-key:v1"
	TagProofOfPossession  = "kerpass:tc:proof-of-possession:v1"
)

const (
	authPrivateKeySize = 32
	maxTagSize         = 255
)

// AuthPublicKey is a secp256k1 public key of a customer authority (app or hardware).
// Its zero value is not a valid key.
type AuthPublicKey struct {
	key *secp256k1.PublicKey
}

// ParseAuthPublicKey decodes a SEC1 compressed or uncompressed public key.
func ParseAuthPublicKey(data []byte) (AuthPublicKey, error) {
	pubkey, err := secp256k1.ParsePubKey(data)
	if nil != err {
		return AuthPublicKey{}, wrapError(errors.Join(ErrInvalidKey, err), "failed parsing secp256k1 public key")
	}

	return AuthPublicKey{key: pubkey}, nil
}

// IsZero returns true if self does not hold a key.
func (self AuthPublicKey) IsZero() bool {
	return nil == self.key
}

// Bytes returns the 33 bytes SEC1 compressed encoding of self, or nil for the zero key.
func (self AuthPublicKey) Bytes() []byte {
	if nil == self.key {
		return nil
	}
	return self.key.SerializeCompressed()
}

// Equal returns true if self and other hold the same key.
// Zero keys are never equal.
func (self AuthPublicKey) Equal(other AuthPublicKey) bool {
	if nil == self.key || nil == other.key {
		return false
	}
	return self.key.IsEqual(other.key)
}

// String returns the hex encoding of the compressed key.
func (self AuthPublicKey) String() string {
	return hex.EncodeToString(self.Bytes())
}

// Verify returns an error wrapping ErrBadSignature if sig is not a signature of the tagged msg by self.
func (self AuthPublicKey) Verify(tag string, msg []byte, sig []byte) error {
	if nil == self.key {
		return wrapError(ErrInvalidKey, "zero AuthPublicKey")
	}
	digest, err := taggedDigest(tag, msg)
	if nil != err {
		return wrapError(err, "failed computing message digest")
	}
	signature, err := ecdsa.ParseDERSignature(sig)
	if nil != err {
		return wrapError(errors.Join(ErrBadSignature, err), "failed parsing DER signature")
	}
	if !signature.Verify(digest, self.key) {
		return wrapError(ErrBadSignature, "signature does not verify")
	}

	return nil
}

func (self AuthPublicKey) MarshalBinary() ([]byte, error) {
	return self.Bytes(), nil
}

func (self *AuthPublicKey) UnmarshalBinary(data []byte) error {
	if 0 == len(data) {
		self.key = nil
		return nil
	}
	pubkey, err := ParseAuthPublicKey(data)
	if nil != err {
		return err
	}
	*self = pubkey

	return nil
}

func (self AuthPublicKey) MarshalText() ([]byte, error) {
	return hex.AppendEncode(nil, self.Bytes()), nil
}

func (self *AuthPublicKey) UnmarshalText(text []byte) error {
	data, err := hex.AppendDecode(nil, text)
	if nil != err {
		return wrapError(errors.Join(ErrInvalidKey, err), "failed hex decoding")
	}
	return self.UnmarshalBinary(data)
}

// AuthPrivateKey is a secp256k1 private key of a customer authority.
type AuthPrivateKey struct {
	key *secp256k1.PrivateKey
}

// NewAuthKey generates a new AuthPrivateKey reading entropy from rand.
func NewAuthKey(rand io.Reader) (AuthPrivateKey, error) {
	var seed [authPrivateKeySize]byte
	for range 8 {
		_, err := io.ReadFull(rand, seed[:])
		if nil != err {
			return AuthPrivateKey{}, wrapError(err, "failed reading entropy")
		}
		privkey := secp256k1.PrivKeyFromBytes(seed[:])
		if !privkey.Key.IsZero() {
			return AuthPrivateKey{key: privkey}, nil
		}
	}

	return AuthPrivateKey{}, newError("failed generating a non zero scalar")
}

// ParseAuthPrivateKey decodes a 32 bytes secp256k1 scalar.
func ParseAuthPrivateKey(data []byte) (AuthPrivateKey, error) {
	if authPrivateKeySize != len(data) {
		return AuthPrivateKey{}, wrapError(ErrInvalidKey, "invalid private key size %d", len(data))
	}
	privkey := secp256k1.PrivKeyFromBytes(data)
	if privkey.Key.IsZero() {
		return AuthPrivateKey{}, wrapError(ErrInvalidKey, "zero private key")
	}

	return AuthPrivateKey{key: privkey}, nil
}

// IsZero returns true if self does not hold a key.
func (self AuthPrivateKey) IsZero() bool {
	return nil == self.key
}

// PublicKey returns the AuthPublicKey that corresponds to self.
func (self AuthPrivateKey) PublicKey() AuthPublicKey {
	if nil == self.key {
		return AuthPublicKey{}
	}
	return AuthPublicKey{key: self.key.PubKey()}
}

// Sign returns the DER encoded ECDSA signature of the tagged msg.
// Signatures are deterministic (RFC 6979).
func (self AuthPrivateKey) Sign(tag string, msg []byte) ([]byte, error) {
	if nil == self.key {
		return nil, wrapError(ErrInvalidKey, "zero AuthPrivateKey")
	}
	digest, err := taggedDigest(tag, msg)
	if nil != err {
		return nil, wrapError(err, "failed computing message digest")
	}

	return ecdsa.Sign(self.key, digest).Serialize(), nil
}

func (self AuthPrivateKey) MarshalBinary() ([]byte, error) {
	if nil == self.key {
		return nil, nil
	}
	return self.key.Serialize(), nil
}

func (self *AuthPrivateKey) UnmarshalBinary(data []byte) error {
	if 0 == len(data) {
		self.key = nil
		return nil
	}
	privkey, err := ParseAuthPrivateKey(data)
	if nil != err {
		return err
	}
	*self = privkey

	return nil
}

// taggedDigest returns SHA256(len(tag) || tag || msg).
func taggedDigest(tag string, msg []byte) ([]byte, error) {
	if 0 == len(tag) || len(tag) > maxTagSize {
		return nil, newError("invalid tag size %d", len(tag))
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(len(tag)))
	buf.WriteString(tag)
	binary.Write(&buf, binary.BigEndian, uint32(len(msg)))
	buf.Write(msg)
	digest := sha256.Sum256(buf.Bytes())

	return digest[:], nil
}
