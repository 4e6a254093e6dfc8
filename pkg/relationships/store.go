package relationships

import (
	"context"
	"errors"
	"time"

	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/pake"
)

// UpdateFunc receives the current Contact of a relationship and returns its replacement.
// Returning an error aborts the update.
type UpdateFunc func(cur Contact) (Contact, error)

// Store is the local relationship database of a customer or trusted contact device.
//
// It is the single source of truth of contacts authentication state. Writes to a given
// RelationshipId are serialized, writes to different ids may proceed concurrently.
type Store interface {
	// LoadAccount loads the local account in dst.
	// It errors with ErrNotFound if no account was saved.
	LoadAccount(ctx context.Context, dst *Account) error

	// SaveAccount saves the local account.
	SaveAccount(ctx context.Context, account Account) error

	// LoadEnrollmentSecret loads the enrollment secret of rId in dst.
	// It errors with ErrNotFound if the secret is missing.
	LoadEnrollmentSecret(ctx context.Context, rId RelationshipId, dst *PakeEnrollmentSecret) error

	// SaveEnrollmentSecret saves secret.
	SaveEnrollmentSecret(ctx context.Context, secret PakeEnrollmentSecret) error

	// RemoveEnrollmentSecret removes the enrollment secret of rId.
	// It does not error if the secret is missing.
	RemoveEnrollmentSecret(ctx context.Context, rId RelationshipId) error

	// SaveInvitation saves inv.
	SaveInvitation(ctx context.Context, inv Invitation) error

	// ListInvitations returns the pending invitations.
	ListInvitations(ctx context.Context) ([]Invitation, error)

	// SyncRelationships merges the snapshot received from the relationship service.
	// Relationships missing from rels are removed, enrollment secrets excepted.
	// Endorsed contacts are checked against authority, see MergeContact.
	SyncRelationships(ctx context.Context, authority certs.Authority, rels Relationships) error

	// LoadContact returns the Contact of rId.
	// It errors with ErrNotFound if rId has no Contact.
	LoadContact(ctx context.Context, rId RelationshipId) (Contact, error)

	// UpdateContact atomically replaces the Contact of rId with the result of fn.
	// fn receives nil if rId has no Contact.
	UpdateContact(ctx context.Context, rId RelationshipId, fn UpdateFunc) (Contact, error)

	// SaveContactState sets the AuthenticationState of the Contact of rId.
	SaveContactState(ctx context.Context, rId RelationshipId, state AuthenticationState) error

	// ListUnendorsedContacts returns the contacts waiting for endorsement.
	ListUnendorsedContacts(ctx context.Context) ([]UnendorsedTrustedContact, error)

	// ListEndorsedContacts returns the contacts holding a key certificate.
	ListEndorsedContacts(ctx context.Context) ([]EndorsedTrustedContact, error)

	// RemoveRelationship removes all the data related to rId.
	RemoveRelationship(ctx context.Context, rId RelationshipId) error

	// SaveProtectedCustomer saves pc.
	SaveProtectedCustomer(ctx context.Context, pc ProtectedCustomer) error

	// ListProtectedCustomers returns the customers that enrolled the local trusted contact.
	ListProtectedCustomers(ctx context.Context) ([]ProtectedCustomer, error)

	// LoadDelegatedDecryptionKey loads the trusted contact key in dst.
	// It errors with ErrNotFound if the key was not generated yet.
	LoadDelegatedDecryptionKey(ctx context.Context, dst *keys.DelegatedDecryptionKey) error

	// SaveDelegatedDecryptionKey saves the trusted contact key.
	SaveDelegatedDecryptionKey(ctx context.Context, ddk keys.DelegatedDecryptionKey) error

	// Clear removes everything from the Store.
	Clear(ctx context.Context) error
}

// InvitationRequest asks the relationship service to register an invitation.
type InvitationRequest struct {
	AccountId                          AccountId      `cbor:"1,keyasint"`
	RelationshipId                     RelationshipId `cbor:"2,keyasint"`
	Alias                              string         `cbor:"3,keyasint"`
	Roles                              Role           `cbor:"4,keyasint"`
	ProtectedCustomerEnrollmentPakeKey []byte         `cbor:"5,keyasint"`
	Proof                              Proof          `cbor:"6,keyasint"`
}

// Check returns an error if self is invalid.
// It does not verify Proof.
func (self InvitationRequest) Check() error {
	if err := self.AccountId.Check(); nil != err {
		return err
	}
	if err := self.RelationshipId.Check(); nil != err {
		return err
	}
	if err := CheckAlias(self.Alias); nil != err {
		return err
	}
	if err := self.Roles.Check(); nil != err {
		return err
	}
	if pake.ElementSize != len(self.ProtectedCustomerEnrollmentPakeKey) {
		return wrapError(ErrValidation, "invalid ProtectedCustomerEnrollmentPakeKey size")
	}
	if self.Proof.HwAuthPublicKey.IsZero() || 0 == len(self.Proof.Signature) {
		return wrapError(ErrValidation, "missing Proof")
	}
	return nil
}

// InvitationReceipt is the relationship service answer to an InvitationRequest.
type InvitationReceipt struct {
	ServerCode string    `cbor:"1,keyasint"`
	ExpiresAt  time.Time `cbor:"2,keyasint"`
}

// AcceptRequest carries the trusted contact answer to an invitation.
type AcceptRequest struct {
	RelationshipId RelationshipId     `cbor:"1,keyasint"`
	CustomerAlias  string             `cbor:"2,keyasint"`
	Enrollment     pake.SealedPayload `cbor:"3,keyasint"`
}

// Check returns an error if self is invalid.
func (self AcceptRequest) Check() error {
	if err := self.RelationshipId.Check(); nil != err {
		return err
	}
	if err := CheckAlias(self.CustomerAlias); nil != err {
		return err
	}
	if err := self.Enrollment.Check(); nil != err {
		return wrapError(errors.Join(ErrValidation, err), "invalid Enrollment")
	}
	return nil
}

// ServiceClient gives access to the relationship service.
//
// Transport failures are reported with ErrNetwork, the caller may retry them.
type ServiceClient interface {
	// CreateInvitation registers an invitation, the request must carry a valid Proof.
	CreateInvitation(ctx context.Context, req InvitationRequest) (InvitationReceipt, error)

	// RefreshInvitation extends the validity of a pending invitation.
	RefreshInvitation(ctx context.Context, accountId AccountId, rId RelationshipId, proof Proof) (InvitationReceipt, error)

	// DeleteInvitation removes the invitation or contact of rId.
	DeleteInvitation(ctx context.Context, accountId AccountId, rId RelationshipId, proof Proof) error

	// FetchRelationships returns the customer relationships snapshot.
	FetchRelationships(ctx context.Context, accountId AccountId) (Relationships, error)

	// FetchUnendorsedContacts returns the customer contacts waiting for endorsement.
	FetchUnendorsedContacts(ctx context.Context, accountId AccountId) ([]UnendorsedTrustedContact, error)

	// UploadKeyCertificates publishes endorsements, either all of them are accepted or none.
	UploadKeyCertificates(ctx context.Context, accountId AccountId, endorsements []Endorsement) error

	// RetrieveInvitation returns the invitation identified by serverCode.
	RetrieveInvitation(ctx context.Context, serverCode string) (IncomingInvitation, error)

	// AcceptInvitation submits the trusted contact enrollment payload.
	AcceptInvitation(ctx context.Context, accountId AccountId, serverCode string, req AcceptRequest) error

	// FetchProtectedCustomers returns the customers that enrolled the trusted contact.
	FetchProtectedCustomers(ctx context.Context, accountId AccountId) ([]ProtectedCustomer, error)
}
