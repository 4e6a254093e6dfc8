// Package certs issues and verifies trusted contact key certificates.
//
// A KeyCertificate binds a trusted contact IdentityKey to the customer authority keys:
//   - the hardware key signs the app key (AppAuthKeyHwSignature)
//   - the app key signs the IdentityKey together with the hardware key (IdentityKeyAppSignature)
//
// A certificate is valid if both signatures verify, which ties it to the customer hardware device.
package certs

import (
	"bytes"
	"context"
	"errors"

	"code.kerpass.org/trustedcontacts/pkg/keys"
)

// KeyCertificate is the customer endorsement of a trusted contact IdentityKey.
type KeyCertificate struct {
	DelegatedDecryptionKey  keys.IdentityKey   `json:"ddk" cbor:"1,keyasint"`
	HwAuthPublicKey         keys.AuthPublicKey `json:"hw_pubkey" cbor:"2,keyasint"`
	AppAuthPublicKey        keys.AuthPublicKey `json:"app_pubkey" cbor:"3,keyasint"`
	AppAuthKeyHwSignature   []byte             `json:"app_hw_sig" cbor:"4,keyasint"`
	IdentityKeyAppSignature []byte             `json:"idk_app_sig" cbor:"5,keyasint"`
}

// Check returns an error if self misses a field.
// It does not verify signatures, use Verify for this.
func (self KeyCertificate) Check() error {
	if self.DelegatedDecryptionKey.IsZero() {
		return wrapError(ErrInvalidFormat, "missing DelegatedDecryptionKey")
	}
	if self.HwAuthPublicKey.IsZero() {
		return wrapError(ErrInvalidFormat, "missing HwAuthPublicKey")
	}
	if self.AppAuthPublicKey.IsZero() {
		return wrapError(ErrInvalidFormat, "missing AppAuthPublicKey")
	}
	if 0 == len(self.AppAuthKeyHwSignature) {
		return wrapError(ErrInvalidFormat, "missing AppAuthKeyHwSignature")
	}
	if 0 == len(self.IdentityKeyAppSignature) {
		return wrapError(ErrInvalidFormat, "missing IdentityKeyAppSignature")
	}
	return nil
}

// IssuedBy returns true if self was issued by the app & hw authority keys.
// It does not verify signatures.
func (self KeyCertificate) IssuedBy(app keys.AuthPublicKey, hw keys.AuthPublicKey) bool {
	return self.AppAuthPublicKey.Equal(app) && self.HwAuthPublicKey.Equal(hw)
}

// Equal returns true if self and other have the same content.
func (self KeyCertificate) Equal(other KeyCertificate) bool {
	return self.DelegatedDecryptionKey.Equal(other.DelegatedDecryptionKey) &&
		self.IssuedBy(other.AppAuthPublicKey, other.HwAuthPublicKey) &&
		bytes.Equal(self.AppAuthKeyHwSignature, other.AppAuthKeyHwSignature) &&
		bytes.Equal(self.IdentityKeyAppSignature, other.IdentityKeyAppSignature)
}

// Authority holds the customer authority keys that issue KeyCertificate.
//
// The app key is held by the application, the hardware key is only known through its public key
// and its signature over the app key.
type Authority struct {
	AppKey                keys.AuthPrivateKey `cbor:"1,keyasint"`
	HwAuthPublicKey       keys.AuthPublicKey  `cbor:"2,keyasint"`
	AppAuthKeyHwSignature []byte              `cbor:"3,keyasint"`
}

// NewAuthority obtains from the pop hardware Signer the signature of appKey and returns the resulting Authority.
func NewAuthority(ctx context.Context, appKey keys.AuthPrivateKey, pop keys.Signer) (Authority, error) {
	if appKey.IsZero() {
		return Authority{}, newError("zero app key")
	}
	sig, err := pop.Sign(ctx, keys.TagHwEndorseAppKey, appKey.PublicKey().Bytes())
	if nil != err {
		return Authority{}, wrapError(err, "failed obtaining hardware signature of app key")
	}

	return LoadAuthority(appKey, pop.PublicKey(), sig)
}

// LoadAuthority returns an Authority after verifying that hwSig is the hardware signature of appKey.
func LoadAuthority(appKey keys.AuthPrivateKey, hwPubKey keys.AuthPublicKey, hwSig []byte) (Authority, error) {
	authority := Authority{
		AppKey:                appKey,
		HwAuthPublicKey:       hwPubKey,
		AppAuthKeyHwSignature: hwSig,
	}
	err := authority.Check()
	if nil != err {
		return Authority{}, err
	}

	return authority, nil
}

// Check returns an error if self hardware signature does not verify.
func (self Authority) Check() error {
	if self.AppKey.IsZero() {
		return newError("zero app key")
	}
	err := self.HwAuthPublicKey.Verify(keys.TagHwEndorseAppKey, self.AppAuthPublicKey().Bytes(), self.AppAuthKeyHwSignature)
	if nil != err {
		return wrapError(errors.Join(ErrVerification, err), "invalid hardware signature of app key")
	}
	return nil
}

// AppAuthPublicKey returns the public part of self AppKey.
func (self Authority) AppAuthPublicKey() keys.AuthPublicKey {
	return self.AppKey.PublicKey()
}

// Generate returns a KeyCertificate for idk issued by authority.
func Generate(idk keys.IdentityKey, authority Authority) (KeyCertificate, error) {
	if idk.IsZero() {
		return KeyCertificate{}, wrapError(ErrInvalidFormat, "zero IdentityKey")
	}
	err := authority.Check()
	if nil != err {
		return KeyCertificate{}, wrapError(err, "invalid authority")
	}

	sig, err := authority.AppKey.Sign(keys.TagAppEndorseIdentity, identityStatement(idk, authority.HwAuthPublicKey))
	if nil != err {
		return KeyCertificate{}, wrapError(err, "failed signing IdentityKey")
	}

	return KeyCertificate{
		DelegatedDecryptionKey:  idk,
		HwAuthPublicKey:         authority.HwAuthPublicKey,
		AppAuthPublicKey:        authority.AppAuthPublicKey(),
		AppAuthKeyHwSignature:   bytes.Clone(authority.AppAuthKeyHwSignature),
		IdentityKeyAppSignature: sig,
	}, nil
}

// Verify checks both cert signatures and returns the certified IdentityKey.
func Verify(cert KeyCertificate) (keys.IdentityKey, error) {
	err := cert.Check()
	if nil != err {
		return keys.IdentityKey{}, err
	}
	err = cert.HwAuthPublicKey.Verify(keys.TagHwEndorseAppKey, cert.AppAuthPublicKey.Bytes(), cert.AppAuthKeyHwSignature)
	if nil != err {
		return keys.IdentityKey{}, wrapError(errors.Join(ErrVerification, err), "invalid AppAuthKeyHwSignature")
	}
	err = cert.AppAuthPublicKey.Verify(
		keys.TagAppEndorseIdentity,
		identityStatement(cert.DelegatedDecryptionKey, cert.HwAuthPublicKey),
		cert.IdentityKeyAppSignature,
	)
	if nil != err {
		return keys.IdentityKey{}, wrapError(errors.Join(ErrVerification, err), "invalid IdentityKeyAppSignature")
	}

	return cert.DelegatedDecryptionKey, nil
}

// VerifyIssuedBy verifies cert and checks that it was issued by authority.
func VerifyIssuedBy(cert KeyCertificate, app keys.AuthPublicKey, hw keys.AuthPublicKey) (keys.IdentityKey, error) {
	if !cert.IssuedBy(app, hw) {
		return keys.IdentityKey{}, wrapError(ErrVerification, "certificate not issued by expected authority")
	}
	return Verify(cert)
}

// identityStatement is the message signed by the app key.
func identityStatement(idk keys.IdentityKey, hw keys.AuthPublicKey) []byte {
	stmt := make([]byte, 0, 64)
	stmt = append(stmt, idk.Bytes()...)
	return append(stmt, hw.Bytes()...)
}
