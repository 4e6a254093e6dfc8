// Package pake implements the enrollment key exchange between a customer and a trusted contact.
//
// The exchange is a [CPace] style PAKE over ristretto255. The customer derives a generator from the
// PakeCode & RelationshipId and publishes its enrollment key A = a*G through the relationship service.
// The trusted contact derives the same generator from the PakeCode it received out of band, computes
// B = b*G and K = b*A. K keys the sealing of the contact IdentityKey and a key confirmation tag.
// The customer recomputes K = a*B, validates the tag and opens the sealed IdentityKey.
//
// The relationship service only sees A, B, the sealed key & the tag, which do not allow an offline
// attack on the PakeCode.
//
// [CPace]: https://www.ietf.org/archive/id/draft-irtf-cfrg-cpace-06.html
package pake

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"io"

	"github.com/gtank/ristretto255"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"code.kerpass.org/trustedcontacts/pkg/keys"
)

const (
	// DO NOT EDIT those labels, changing them breaks pending enrollments.
	domainLabel       = "kerpass:tc:pake:v1"
	generatorLabel    = "kerpass:tc:pake:generator:v1"
	keyScheduleLabel  = "kerpass:tc:pake:keys:v1"
	confirmationLabel = "kerpass:tc:pake:confirm:v1"

	ElementSize = 32
	ScalarSize  = 32
	uniformSize = 64
	symKeySize  = chacha20poly1305.KeySize
)

// EnrollmentKey is the customer side ephemeral PAKE material of an invitation.
// Its Scalar must be kept secret until the trusted contact enrollment completes.
type EnrollmentKey struct {
	RelationshipId string `json:"rid" cbor:"1,keyasint"`
	Scalar         []byte `json:"scalar" cbor:"2,keyasint"`
	PublicKey      []byte `json:"pubkey" cbor:"3,keyasint"`
}

// Check returns an error if self is not a valid EnrollmentKey.
func (self EnrollmentKey) Check() error {
	if 0 == len(self.RelationshipId) {
		return newError("empty RelationshipId")
	}
	if ScalarSize != len(self.Scalar) {
		return newError("invalid Scalar size %d", len(self.Scalar))
	}
	if ElementSize != len(self.PublicKey) {
		return newError("invalid PublicKey size %d", len(self.PublicKey))
	}
	return nil
}

// SealedPayload is what the trusted contact uploads to the relationship service.
type SealedPayload struct {
	SealedDelegatedDecryptionKey    []byte `json:"sealed_ddk" cbor:"1,keyasint"`
	TrustedContactEnrollmentPakeKey []byte `json:"tc_pake_key" cbor:"2,keyasint"`
	KeyConfirmation                 []byte `json:"key_confirmation" cbor:"3,keyasint"`
}

// Check returns an error if self fields do not have the expected sizes.
func (self SealedPayload) Check() error {
	if ElementSize != len(self.TrustedContactEnrollmentPakeKey) {
		return wrapError(ErrInvalidPayload, "invalid TrustedContactEnrollmentPakeKey size %d", len(self.TrustedContactEnrollmentPakeKey))
	}
	if len(self.SealedDelegatedDecryptionKey) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return wrapError(ErrInvalidPayload, "SealedDelegatedDecryptionKey too short")
	}
	if 0 == len(self.KeyConfirmation) {
		return wrapError(ErrInvalidPayload, "empty KeyConfirmation")
	}
	return nil
}

// NewEnrollmentKey generates the customer enrollment key bound to code & rId.
func NewEnrollmentKey(rand io.Reader, code PakeCode, rId string) (EnrollmentKey, error) {
	if err := code.Check(); nil != err {
		return EnrollmentKey{}, err
	}
	if 0 == len(rId) {
		return EnrollmentKey{}, newError("empty RelationshipId")
	}
	gen, err := generator(code, rId)
	if nil != err {
		return EnrollmentKey{}, wrapError(err, "failed deriving generator")
	}
	scalar, err := randomScalar(rand)
	if nil != err {
		return EnrollmentKey{}, wrapError(err, "failed generating scalar")
	}
	pubkey := ristretto255.NewIdentityElement().ScalarMult(scalar, gen)

	return EnrollmentKey{
		RelationshipId: rId,
		Scalar:         scalar.Bytes(),
		PublicKey:      pubkey.Bytes(),
	}, nil
}

// EncryptDelegatedDecryptionKey runs the trusted contact side of the exchange.
//
// customerKey is the ProtectedCustomer enrollment key retrieved with the invitation.
// The returned SealedPayload contains idk sealed under the exchanged key, the contact enrollment key
// and the key confirmation tag.
func EncryptDelegatedDecryptionKey(rand io.Reader, code PakeCode, rId string, customerKey []byte, idk keys.IdentityKey) (SealedPayload, error) {
	var sp SealedPayload
	if err := code.Check(); nil != err {
		return sp, err
	}
	if idk.IsZero() {
		return sp, newError("zero IdentityKey")
	}
	peer, err := parseElement(customerKey)
	if nil != err {
		return sp, wrapError(err, "invalid customer enrollment key")
	}
	gen, err := generator(code, rId)
	if nil != err {
		return sp, wrapError(err, "failed deriving generator")
	}
	scalar, err := randomScalar(rand)
	if nil != err {
		return sp, wrapError(err, "failed generating scalar")
	}
	pubkey := ristretto255.NewIdentityElement().ScalarMult(scalar, gen).Bytes()
	shared := ristretto255.NewIdentityElement().ScalarMult(scalar, peer)

	transcript := transcriptHash(rId, customerKey, pubkey)
	encKey, macKey, err := keySchedule(shared, transcript)
	if nil != err {
		return sp, wrapError(err, "failed key schedule")
	}

	aead, err := chacha20poly1305.NewX(encKey)
	if nil != err {
		return sp, wrapError(err, "failed chacha20poly1305.NewX")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(idk.Bytes())+aead.Overhead())
	_, err = io.ReadFull(rand, nonce)
	if nil != err {
		return sp, wrapError(err, "failed generating nonce")
	}
	sealed := aead.Seal(nonce, nonce, idk.Bytes(), transcript)

	sp.SealedDelegatedDecryptionKey = sealed
	sp.TrustedContactEnrollmentPakeKey = pubkey
	sp.KeyConfirmation = confirmationTag(macKey, transcript, sealed)

	return sp, nil
}

// DecryptDelegatedDecryptionKey runs the customer side of the exchange and returns the contact IdentityKey.
//
// It errors with ErrKeyConfirmation if the payload was produced with another PakeCode or was altered.
func DecryptDelegatedDecryptionKey(ek EnrollmentKey, payload SealedPayload) (keys.IdentityKey, error) {
	if err := ek.Check(); nil != err {
		return keys.IdentityKey{}, wrapError(err, "invalid EnrollmentKey")
	}
	if err := payload.Check(); nil != err {
		return keys.IdentityKey{}, err
	}
	scalar, err := ristretto255.NewScalar().SetCanonicalBytes(ek.Scalar)
	if nil != err {
		return keys.IdentityKey{}, wrapError(err, "invalid EnrollmentKey scalar")
	}
	peer, err := parseElement(payload.TrustedContactEnrollmentPakeKey)
	if nil != err {
		return keys.IdentityKey{}, wrapError(err, "invalid trusted contact enrollment key")
	}
	shared := ristretto255.NewIdentityElement().ScalarMult(scalar, peer)

	transcript := transcriptHash(ek.RelationshipId, ek.PublicKey, payload.TrustedContactEnrollmentPakeKey)
	encKey, macKey, err := keySchedule(shared, transcript)
	if nil != err {
		return keys.IdentityKey{}, wrapError(err, "failed key schedule")
	}

	expected := confirmationTag(macKey, transcript, payload.SealedDelegatedDecryptionKey)
	if !hmac.Equal(expected, payload.KeyConfirmation) {
		return keys.IdentityKey{}, wrapError(ErrKeyConfirmation, "key confirmation does not match")
	}

	aead, err := chacha20poly1305.NewX(encKey)
	if nil != err {
		return keys.IdentityKey{}, wrapError(err, "failed chacha20poly1305.NewX")
	}
	sealed := payload.SealedDelegatedDecryptionKey
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, transcript)
	if nil != err {
		return keys.IdentityKey{}, wrapError(errors.Join(ErrKeyConfirmation, err), "failed opening sealed key")
	}
	idk, err := keys.ParseIdentityKey(plaintext)
	if nil != err {
		return keys.IdentityKey{}, wrapError(errors.Join(ErrInvalidPayload, err), "invalid sealed IdentityKey")
	}

	return idk, nil
}

// generator derives the ristretto255 base point shared by the parties knowing code.
func generator(code PakeCode, rId string) (*ristretto255.Element, error) {
	kdf := hkdf.New(sha512.New, code, []byte(rId), []byte(generatorLabel))
	uniform := make([]byte, uniformSize)
	_, err := io.ReadFull(kdf, uniform)
	if nil != err {
		return nil, err
	}

	return ristretto255.NewIdentityElement().SetUniformBytes(uniform)
}

func randomScalar(rand io.Reader) (*ristretto255.Scalar, error) {
	uniform := make([]byte, uniformSize)
	_, err := io.ReadFull(rand, uniform)
	if nil != err {
		return nil, err
	}

	return ristretto255.NewScalar().SetUniformBytes(uniform)
}

// parseElement decodes a peer element, rejecting the identity element.
func parseElement(data []byte) (*ristretto255.Element, error) {
	elt, err := ristretto255.NewIdentityElement().SetCanonicalBytes(data)
	if nil != err {
		return nil, wrapError(errors.Join(ErrInvalidPayload, err), "non canonical element")
	}
	if 1 == elt.Equal(ristretto255.NewIdentityElement()) {
		return nil, wrapError(ErrInvalidPayload, "identity element")
	}

	return elt, nil
}

// transcriptHash binds the exchanged keys to the domain & RelationshipId.
func transcriptHash(rId string, customerKey []byte, contactKey []byte) []byte {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(domainLabel), []byte(rId), customerKey, contactKey} {
		binary.Write(h, binary.BigEndian, uint32(len(part)))
		h.Write(part)
	}
	return h.Sum(nil)
}

func keySchedule(shared *ristretto255.Element, transcript []byte) ([]byte, []byte, error) {
	kdf := hkdf.New(sha256.New, shared.Bytes(), transcript, []byte(keyScheduleLabel))
	okm := make([]byte, 2*symKeySize)
	_, err := io.ReadFull(kdf, okm)
	if nil != err {
		return nil, nil, err
	}

	return okm[:symKeySize], okm[symKeySize:], nil
}

func confirmationTag(macKey []byte, transcript []byte, sealed []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(confirmationLabel))
	mac.Write(transcript)
	mac.Write(sealed)
	return mac.Sum(nil)
}
