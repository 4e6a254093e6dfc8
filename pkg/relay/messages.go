package relay

import (
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
)

// EndorsementsMsg is the body of a certificates upload.
type EndorsementsMsg struct {
	Endorsements []rel.Endorsement `cbor:"1,keyasint"`
}

// Check returns an error if self is empty.
func (self EndorsementsMsg) Check() error {
	if 0 == len(self.Endorsements) {
		return wrapError(rel.ErrValidation, "no endorsement")
	}
	return nil
}

// ProtectedCustomersMsg is the body of a trusted contact relationships snapshot.
type ProtectedCustomersMsg struct {
	ProtectedCustomers []rel.ProtectedCustomer `cbor:"1,keyasint"`
}

// ProofMsg is the body of the customer requests that only carry a Proof.
type ProofMsg struct {
	Proof rel.Proof `cbor:"1,keyasint"`
}

// Check returns an error if self Proof is incomplete.
func (self ProofMsg) Check() error {
	if self.Proof.HwAuthPublicKey.IsZero() || 0 == len(self.Proof.Signature) {
		return wrapError(rel.ErrValidation, "missing Proof")
	}
	return nil
}
