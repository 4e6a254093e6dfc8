// Package relationships defines the trusted contact domain model shared by customers, trusted contacts
// and the relationship service.
//
// A customer invites a trusted contact, the contact completes the enrollment PAKE and becomes an
// UnendorsedTrustedContact. Once the customer authenticates the enrollment payload and issues a key
// certificate, the contact becomes an EndorsedTrustedContact.
package relationships

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/pake"
)

const (
	maxAliasSize = 128
)

// RelationshipId identifies the relationship between a customer and one trusted contact.
type RelationshipId string

// NewRelationshipId returns a random RelationshipId.
func NewRelationshipId() RelationshipId {
	return RelationshipId(uuid.NewString())
}

// Check returns an error if self is empty.
func (self RelationshipId) Check() error {
	if 0 == len(self) {
		return wrapError(ErrValidation, "empty RelationshipId")
	}
	return nil
}

// AccountId identifies a customer or trusted contact account at the relationship service.
type AccountId string

// NewAccountId returns a random AccountId.
func NewAccountId() AccountId {
	return AccountId(uuid.NewString())
}

// Check returns an error if self is not a valid uuid.
func (self AccountId) Check() error {
	err := uuid.Validate(string(self))
	if nil != err {
		return wrapError(ErrValidation, "invalid AccountId %q", string(self))
	}
	return nil
}

// Role is a bitset of the roles granted to a trusted contact.
type Role uint8

const (
	RoleSocialRecoveryContact Role = 1 << iota
	RoleBeneficiary

	allRoles = RoleSocialRecoveryContact | RoleBeneficiary
)

// Has returns true if all roles in r are set in self.
func (self Role) Has(r Role) bool {
	return r == self&r
}

// Check returns an error if self is empty or has unknown bits set.
func (self Role) Check() error {
	if 0 == self || 0 != self&^allRoles {
		return wrapError(ErrValidation, "invalid Role %d", self)
	}
	return nil
}

func (self Role) String() string {
	names := make([]string, 0, 2)
	if self.Has(RoleSocialRecoveryContact) {
		names = append(names, "recovery")
	}
	if self.Has(RoleBeneficiary) {
		names = append(names, "beneficiary")
	}
	return strings.Join(names, "|")
}

// ParseRole decodes a comma separated list of role names.
func ParseRole(s string) (Role, error) {
	var role Role
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "recovery":
			role |= RoleSocialRecoveryContact
		case "beneficiary":
			role |= RoleBeneficiary
		default:
			return 0, wrapError(ErrValidation, "unknown role %q", name)
		}
	}
	return role, nil
}

// Account is the local account of a customer or trusted contact.
// Authority is only set for customers.
type Account struct {
	Id        AccountId       `json:"id" cbor:"1,keyasint"`
	Authority certs.Authority `json:"-" cbor:"2,keyasint"`
}

// Check returns an error if self Id is invalid.
func (self Account) Check() error {
	return self.Id.Check()
}

// IsCustomer returns true if self holds an authority that can issue key certificates.
func (self Account) IsCustomer() bool {
	return !self.Authority.AppKey.IsZero()
}

// Invitation is the customer view of an invitation.
// PakeCode never leaves the customer device, it is only shared out of band with the invitee.
type Invitation struct {
	RelationshipId                     RelationshipId `json:"rid" cbor:"1,keyasint"`
	Alias                              string         `json:"alias" cbor:"2,keyasint"`
	Roles                              Role           `json:"roles" cbor:"3,keyasint"`
	ServerCode                         string         `json:"server_code" cbor:"4,keyasint"`
	PakeCode                           pake.PakeCode  `json:"-" cbor:"5,keyasint,omitempty"`
	ProtectedCustomerEnrollmentPakeKey []byte         `json:"pake_key" cbor:"6,keyasint"`
	ExpiresAt                          time.Time      `json:"expires_at" cbor:"7,keyasint"`
}

// Check returns an error if self is invalid.
func (self Invitation) Check() error {
	if err := self.RelationshipId.Check(); nil != err {
		return err
	}
	if err := CheckAlias(self.Alias); nil != err {
		return err
	}
	if err := self.Roles.Check(); nil != err {
		return err
	}
	if 0 == len(self.ServerCode) {
		return wrapError(ErrValidation, "empty ServerCode")
	}
	if pake.ElementSize != len(self.ProtectedCustomerEnrollmentPakeKey) {
		return wrapError(ErrValidation, "invalid ProtectedCustomerEnrollmentPakeKey size")
	}
	return nil
}

// InviteCode returns the code to be shared with the invitee.
// It returns an empty string if self PakeCode is not known.
func (self Invitation) InviteCode() string {
	if 0 == len(self.PakeCode) {
		return ""
	}
	return pake.FormatInviteCode(self.ServerCode, self.PakeCode)
}

// IsExpired returns true if self expired at now.
func (self Invitation) IsExpired(now time.Time) bool {
	return !now.Before(self.ExpiresAt)
}

// IncomingInvitation is the trusted contact view of an invitation.
// It does not leak the customer identity.
type IncomingInvitation struct {
	RelationshipId                     RelationshipId `json:"rid" cbor:"1,keyasint"`
	Roles                              Role           `json:"roles" cbor:"2,keyasint"`
	ProtectedCustomerEnrollmentPakeKey []byte         `json:"pake_key" cbor:"3,keyasint"`
	ExpiresAt                          time.Time      `json:"expires_at" cbor:"4,keyasint"`
}

// Check returns an error if self is invalid.
func (self IncomingInvitation) Check() error {
	if err := self.RelationshipId.Check(); nil != err {
		return err
	}
	if err := self.Roles.Check(); nil != err {
		return err
	}
	if pake.ElementSize != len(self.ProtectedCustomerEnrollmentPakeKey) {
		return wrapError(ErrValidation, "invalid ProtectedCustomerEnrollmentPakeKey size")
	}
	return nil
}

// IsExpired returns true if self expired at now.
func (self IncomingInvitation) IsExpired(now time.Time) bool {
	return !now.Before(self.ExpiresAt)
}

// PakeEnrollmentSecret is the customer material needed to authenticate an enrollment payload.
type PakeEnrollmentSecret struct {
	RelationshipId RelationshipId     `cbor:"1,keyasint"`
	PakeCode       pake.PakeCode      `cbor:"2,keyasint"`
	EnrollmentKey  pake.EnrollmentKey `cbor:"3,keyasint"`
	ExpiresAt      time.Time          `cbor:"4,keyasint"`
}

// Check returns an error if self is invalid.
func (self PakeEnrollmentSecret) Check() error {
	if err := self.RelationshipId.Check(); nil != err {
		return err
	}
	if err := self.PakeCode.Check(); nil != err {
		return wrapError(ErrValidation, "invalid PakeCode")
	}
	if err := self.EnrollmentKey.Check(); nil != err {
		return wrapError(ErrValidation, "invalid EnrollmentKey")
	}
	if string(self.RelationshipId) != self.EnrollmentKey.RelationshipId {
		return wrapError(ErrValidation, "EnrollmentKey bound to another relationship")
	}
	return nil
}

// IsExpired returns true if self expired at now.
// A zero ExpiresAt never expires.
func (self PakeEnrollmentSecret) IsExpired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}

// ProtectedCustomer is the trusted contact view of a customer that enrolled it.
type ProtectedCustomer struct {
	RelationshipId RelationshipId        `json:"rid" cbor:"1,keyasint"`
	Alias          string                `json:"alias" cbor:"2,keyasint"`
	Roles          Role                  `json:"roles" cbor:"3,keyasint"`
	Certificate    *certs.KeyCertificate `json:"certificate,omitempty" cbor:"4,keyasint,omitempty"`
}

// Check returns an error if self is invalid.
func (self ProtectedCustomer) Check() error {
	if err := self.RelationshipId.Check(); nil != err {
		return err
	}
	if err := CheckAlias(self.Alias); nil != err {
		return err
	}
	return self.Roles.Check()
}

// IsEndorsed returns true if the customer issued a certificate for the trusted contact.
func (self ProtectedCustomer) IsEndorsed() bool {
	return nil != self.Certificate
}

// Relationships is a snapshot of the relationships of an account.
type Relationships struct {
	Invitations        []Invitation               `json:"invitations" cbor:"1,keyasint"`
	Unendorsed         []UnendorsedTrustedContact `json:"unendorsed" cbor:"2,keyasint"`
	Endorsed           []EndorsedTrustedContact   `json:"endorsed" cbor:"3,keyasint"`
	ProtectedCustomers []ProtectedCustomer        `json:"protected_customers" cbor:"4,keyasint"`
}

// Endorsement is a key certificate issued for the contact of a relationship.
type Endorsement struct {
	RelationshipId RelationshipId       `json:"rid" cbor:"1,keyasint"`
	Certificate    certs.KeyCertificate `json:"certificate" cbor:"2,keyasint"`
}

// Check returns an error if self is invalid.
func (self Endorsement) Check() error {
	if err := self.RelationshipId.Check(); nil != err {
		return err
	}
	return self.Certificate.Check()
}

// CheckAlias returns an error if alias is empty or too long.
func CheckAlias(alias string) error {
	alias = strings.TrimSpace(alias)
	if 0 == len(alias) {
		return wrapError(ErrValidation, "empty alias")
	}
	if len(alias) > maxAliasSize {
		return wrapError(ErrValidation, "alias longer than %d", maxAliasSize)
	}
	return nil
}

// Operations authorized by a Proof.
const (
	OpCreateInvitation   = "create-invitation"
	OpRefreshInvitation  = "refresh-invitation"
	OpDeleteRelationship = "delete-relationship"
)

// Proof demonstrates that a customer request was authorized by its hardware key.
type Proof struct {
	HwAuthPublicKey keys.AuthPublicKey `json:"hw_pubkey" cbor:"1,keyasint"`
	Signature       []byte             `json:"signature" cbor:"2,keyasint"`
}

// Verify returns an error if self is not a valid Proof for op.
func (self Proof) Verify(op string, accountId AccountId, rId RelationshipId, extra []byte) error {
	err := self.HwAuthPublicKey.Verify(keys.TagProofOfPossession, PopStatement(op, accountId, rId, extra), self.Signature)
	if nil != err {
		return wrapError(errors.Join(ErrValidation, err), "invalid proof of possession")
	}
	return nil
}

// PopStatement returns the message that a customer hardware key signs to authorize op.
func PopStatement(op string, accountId AccountId, rId RelationshipId, extra []byte) []byte {
	var buf bytes.Buffer
	for _, part := range [][]byte{[]byte(op), []byte(accountId), []byte(rId), extra} {
		binary.Write(&buf, binary.BigEndian, uint32(len(part)))
		buf.Write(part)
	}
	return buf.Bytes()
}
