package keys

import (
	"context"
)

// Signer is the proof-of-possession capability of an authority key.
//
// The hardware authority key is never held by the application, Signer abstracts the device
// interaction that produces its signatures.
type Signer interface {
	// PublicKey returns the public key that verifies Signer signatures.
	PublicKey() AuthPublicKey

	// Sign returns the signature of the tagged msg.
	// It errors if ctx is done before the signature was obtained.
	Sign(ctx context.Context, tag string, msg []byte) ([]byte, error)
}

// SoftSigner is a Signer holding its AuthPrivateKey in memory.
// It stands for the hardware device in tests and tooling.
type SoftSigner struct {
	Key AuthPrivateKey
}

// PublicKey returns the public key of the inner AuthPrivateKey.
func (self SoftSigner) PublicKey() AuthPublicKey {
	return self.Key.PublicKey()
}

// Sign returns the signature of the tagged msg.
func (self SoftSigner) Sign(ctx context.Context, tag string, msg []byte) ([]byte, error) {
	if err := ctx.Err(); nil != err {
		return nil, wrapError(err, "signature aborted")
	}
	return self.Key.Sign(tag, msg)
}

var _ Signer = SoftSigner{}
