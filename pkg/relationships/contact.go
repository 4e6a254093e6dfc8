package relationships

import (
	"bytes"

	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/pake"
)

// ContactInfo holds the fields common to all Contact variants.
type ContactInfo struct {
	RelationshipId      RelationshipId      `json:"rid" cbor:"1,keyasint"`
	Alias               string              `json:"alias" cbor:"2,keyasint"`
	Roles               Role                `json:"roles" cbor:"3,keyasint"`
	AuthenticationState AuthenticationState `json:"state" cbor:"4,keyasint"`
}

// Info returns self.
func (self ContactInfo) Info() ContactInfo {
	return self
}

// Check returns an error if self is invalid.
func (self ContactInfo) Check() error {
	if err := self.RelationshipId.Check(); nil != err {
		return err
	}
	if err := self.Roles.Check(); nil != err {
		return err
	}
	return self.AuthenticationState.Check()
}

// Contact is a trusted contact of a customer.
// It is either an UnendorsedTrustedContact or an EndorsedTrustedContact.
type Contact interface {
	Info() ContactInfo
	Check() error
	isContact()
}

// UnendorsedTrustedContact is a contact that completed the enrollment PAKE.
// Enrollment holds the payload that the customer authenticates before endorsement.
type UnendorsedTrustedContact struct {
	ContactInfo `cbor:"1,keyasint"`
	Enrollment  pake.SealedPayload `json:"enrollment" cbor:"2,keyasint"`
}

func (self UnendorsedTrustedContact) isContact() {}

// Check returns an error if self is invalid.
func (self UnendorsedTrustedContact) Check() error {
	if err := self.ContactInfo.Check(); nil != err {
		return err
	}
	switch self.AuthenticationState {
	case Verified, Tampered:
		return wrapError(ErrValidation, "UnendorsedTrustedContact can not be %s", self.AuthenticationState)
	}
	return nil
}

// EndorsedTrustedContact is a contact whose IdentityKey was certified by the customer.
type EndorsedTrustedContact struct {
	ContactInfo `cbor:"1,keyasint"`
	IdentityKey keys.IdentityKey     `json:"identity_key" cbor:"2,keyasint"`
	Certificate certs.KeyCertificate `json:"certificate" cbor:"3,keyasint"`
}

func (self EndorsedTrustedContact) isContact() {}

// Check returns an error if self is invalid.
func (self EndorsedTrustedContact) Check() error {
	if err := self.ContactInfo.Check(); nil != err {
		return err
	}
	switch self.AuthenticationState {
	case Verified, Tampered:
	default:
		return wrapError(ErrValidation, "EndorsedTrustedContact can not be %s", self.AuthenticationState)
	}
	if !self.IdentityKey.Equal(self.Certificate.DelegatedDecryptionKey) {
		return wrapError(ErrValidation, "IdentityKey does not match Certificate")
	}
	return nil
}

// contactKind tags the Contact variant held by a ContactRecord.
type contactKind uint8

const (
	kindUnendorsed contactKind = iota + 1
	kindEndorsed
)

// ContactRecord is the serializable form of a Contact.
type ContactRecord struct {
	Kind       contactKind               `cbor:"1,keyasint"`
	Unendorsed *UnendorsedTrustedContact `cbor:"2,keyasint,omitempty"`
	Endorsed   *EndorsedTrustedContact   `cbor:"3,keyasint,omitempty"`
}

// NewContactRecord returns a ContactRecord holding c.
func NewContactRecord(c Contact) ContactRecord {
	switch v := c.(type) {
	case UnendorsedTrustedContact:
		return ContactRecord{Kind: kindUnendorsed, Unendorsed: &v}
	case EndorsedTrustedContact:
		return ContactRecord{Kind: kindEndorsed, Endorsed: &v}
	default:
		return ContactRecord{}
	}
}

// Contact returns the Contact held by self.
func (self ContactRecord) Contact() (Contact, error) {
	switch {
	case kindUnendorsed == self.Kind && nil != self.Unendorsed:
		return *self.Unendorsed, nil
	case kindEndorsed == self.Kind && nil != self.Endorsed:
		return *self.Endorsed, nil
	default:
		return nil, wrapError(ErrValidation, "invalid ContactRecord kind %d", self.Kind)
	}
}

// MergeContact returns the Contact to keep when the relationship service reports remote for a
// relationship that is locally known as local.
//
// States received from the relationship service are never trusted. An unendorsed contact starts
// Unauthenticated. An endorsed contact becomes Verified only when its certificate was issued by
// authority for its IdentityKey, and a local contact that failed authentication is left unchanged.
func MergeContact(local Contact, remote Contact, authority certs.Authority) Contact {
	switch r := remote.(type) {
	case UnendorsedTrustedContact:
		switch l := local.(type) {
		case nil:
			r.AuthenticationState = Unauthenticated
			return r
		case UnendorsedTrustedContact:
			if l.AuthenticationState.IsTerminalFailure() {
				return l
			}
			if sameEnrollment(l.Enrollment, r.Enrollment) {
				r.AuthenticationState = l.AuthenticationState
			} else {
				// new enrollment attempt, restart authentication
				r.AuthenticationState = Unauthenticated
			}
			return r
		default:
			// already endorsed, the relationship service lags behind
			return local
		}
	case EndorsedTrustedContact:
		certified := certifiedBy(r, authority)
		switch l := local.(type) {
		case nil:
			if certified {
				r.AuthenticationState = Verified
			} else {
				r.AuthenticationState = Tampered
			}
			return r
		case UnendorsedTrustedContact:
			// endorsement published before the local record was updated
			if certified && Unauthenticated == l.AuthenticationState {
				r.AuthenticationState = Verified
				return r
			}
			return l
		case EndorsedTrustedContact:
			if !certified || l.Certificate.Equal(r.Certificate) {
				return l
			}
			r.AuthenticationState = l.AuthenticationState
			return r
		default:
			return local
		}
	default:
		return local
	}
}

// certifiedBy returns true if c Certificate was issued by authority for c IdentityKey.
func certifiedBy(c EndorsedTrustedContact, authority certs.Authority) bool {
	idk, err := certs.VerifyIssuedBy(c.Certificate, authority.AppAuthPublicKey(), authority.HwAuthPublicKey)
	return nil == err && idk.Equal(c.IdentityKey)
}

func sameEnrollment(a, b pake.SealedPayload) bool {
	return bytes.Equal(a.SealedDelegatedDecryptionKey, b.SealedDelegatedDecryptionKey) &&
		bytes.Equal(a.TrustedContactEnrollmentPakeKey, b.TrustedContactEnrollmentPakeKey) &&
		bytes.Equal(a.KeyConfirmation, b.KeyConfirmation)
}

// SameContent returns true if a and b are the same Contact variant holding the same enrollment
// payload or certificate. AuthenticationState is not compared.
func SameContent(a Contact, b Contact) bool {
	switch av := a.(type) {
	case UnendorsedTrustedContact:
		bv, ok := b.(UnendorsedTrustedContact)
		return ok && av.RelationshipId == bv.RelationshipId && sameEnrollment(av.Enrollment, bv.Enrollment)
	case EndorsedTrustedContact:
		bv, ok := b.(EndorsedTrustedContact)
		return ok && av.RelationshipId == bv.RelationshipId && av.Certificate.Equal(bv.Certificate)
	default:
		return false
	}
}
