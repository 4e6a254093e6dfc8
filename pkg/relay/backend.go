package relay

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/pake"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
)

// InvitationRecord is the relationship service view of an invitation.
type InvitationRecord struct {
	CustomerId                         rel.AccountId      `cbor:"1,keyasint"`
	RelationshipId                     rel.RelationshipId `cbor:"2,keyasint"`
	Alias                              string             `cbor:"3,keyasint"`
	Roles                              rel.Role           `cbor:"4,keyasint"`
	ServerCode                         string             `cbor:"5,keyasint"`
	ProtectedCustomerEnrollmentPakeKey []byte             `cbor:"6,keyasint"`
	ExpiresAt                          time.Time          `cbor:"7,keyasint"`
}

// Invitation returns the customer view of self.
func (self InvitationRecord) Invitation() rel.Invitation {
	return rel.Invitation{
		RelationshipId:                     self.RelationshipId,
		Alias:                              self.Alias,
		Roles:                              self.Roles,
		ServerCode:                         self.ServerCode,
		ProtectedCustomerEnrollmentPakeKey: self.ProtectedCustomerEnrollmentPakeKey,
		ExpiresAt:                          self.ExpiresAt,
	}
}

// IncomingInvitation returns the trusted contact view of self.
func (self InvitationRecord) IncomingInvitation() rel.IncomingInvitation {
	return rel.IncomingInvitation{
		RelationshipId:                     self.RelationshipId,
		Roles:                              self.Roles,
		ProtectedCustomerEnrollmentPakeKey: self.ProtectedCustomerEnrollmentPakeKey,
		ExpiresAt:                          self.ExpiresAt,
	}
}

// Acceptance is the trusted contact answer to an invitation.
type Acceptance struct {
	ContactId     rel.AccountId
	ServerCode    string
	CustomerAlias string
	Enrollment    pake.SealedPayload
	At            time.Time
}

// Backend persists the relationship service data.
//
// Implementations must apply each method atomically.
type Backend interface {
	// BindAccountKey associates hwKey with accountId on first use.
	// It errors with ErrConflict if accountId is bound to another key.
	BindAccountKey(ctx context.Context, accountId rel.AccountId, hwKey keys.AuthPublicKey) error

	// LoadAccountKey returns the key bound to accountId.
	// It errors with ErrNotFound if accountId is not bound.
	LoadAccountKey(ctx context.Context, accountId rel.AccountId) (keys.AuthPublicKey, error)

	// CreateInvitation saves a new invitation.
	// It errors with ErrConflict if the RelationshipId or ServerCode is already used.
	CreateInvitation(ctx context.Context, rec InvitationRecord) error

	// RefreshInvitation sets the expiration time of a pending invitation.
	RefreshInvitation(ctx context.Context, customerId rel.AccountId, rId rel.RelationshipId, expiresAt time.Time) (InvitationRecord, error)

	// LoadInvitation returns the pending invitation identified by serverCode.
	LoadInvitation(ctx context.Context, serverCode string) (InvitationRecord, error)

	// AcceptInvitation turns a pending invitation into an unendorsed contact.
	// It errors with ErrExpired if the invitation expired at acc.At, and with ErrConflict if it was already accepted.
	AcceptInvitation(ctx context.Context, acc Acceptance) error

	// DeleteRelationship removes the invitation or contact of rId.
	DeleteRelationship(ctx context.Context, customerId rel.AccountId, rId rel.RelationshipId) error

	// SaveEndorsements replaces contacts with endorsed contacts, either all endorsements are saved or none.
	SaveEndorsements(ctx context.Context, customerId rel.AccountId, endorsements []rel.Endorsement) error

	// ListRelationships returns the customer pending invitations and contacts.
	ListRelationships(ctx context.Context, customerId rel.AccountId) (rel.Relationships, error)

	// ListProtectedCustomers returns the customers of a trusted contact.
	ListProtectedCustomers(ctx context.Context, contactId rel.AccountId) ([]rel.ProtectedCustomer, error)
}

// memRelationship is a MemBackend relationship, it holds either a pending invitation or a contact.
type memRelationship struct {
	invitation    InvitationRecord
	acceptedBy    rel.AccountId
	customerAlias string
	contact       rel.Contact
}

// MemBackend provides "in memory" implementation of Backend.
type MemBackend struct {
	mut           sync.Mutex
	accountKeys   map[rel.AccountId]keys.AuthPublicKey
	relationships map[rel.RelationshipId]*memRelationship
	serverCodes   map[string]rel.RelationshipId
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		accountKeys:   make(map[rel.AccountId]keys.AuthPublicKey),
		relationships: make(map[rel.RelationshipId]*memRelationship),
		serverCodes:   make(map[string]rel.RelationshipId),
	}
}

func (self *MemBackend) BindAccountKey(_ context.Context, accountId rel.AccountId, hwKey keys.AuthPublicKey) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	cur, found := self.accountKeys[accountId]
	if !found {
		self.accountKeys[accountId] = hwKey
		return nil
	}
	if !cur.Equal(hwKey) {
		return wrapError(rel.ErrConflict, "account bound to another key")
	}

	return nil
}

func (self *MemBackend) LoadAccountKey(_ context.Context, accountId rel.AccountId) (keys.AuthPublicKey, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	hwKey, found := self.accountKeys[accountId]
	if !found {
		return keys.AuthPublicKey{}, wrapError(rel.ErrNotFound, "unknown account")
	}

	return hwKey, nil
}

func (self *MemBackend) CreateInvitation(_ context.Context, rec InvitationRecord) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	if _, found := self.relationships[rec.RelationshipId]; found {
		return wrapError(rel.ErrConflict, "RelationshipId already used")
	}
	if _, found := self.serverCodes[rec.ServerCode]; found {
		return wrapError(rel.ErrConflict, "ServerCode already used")
	}
	self.relationships[rec.RelationshipId] = &memRelationship{invitation: rec}
	self.serverCodes[rec.ServerCode] = rec.RelationshipId

	return nil
}

func (self *MemBackend) RefreshInvitation(_ context.Context, customerId rel.AccountId, rId rel.RelationshipId, expiresAt time.Time) (InvitationRecord, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	mr, err := self.owned(customerId, rId)
	if nil != err {
		return InvitationRecord{}, err
	}
	if "" != mr.acceptedBy {
		return InvitationRecord{}, wrapError(rel.ErrConflict, "invitation already accepted")
	}
	mr.invitation.ExpiresAt = expiresAt

	return mr.invitation, nil
}

func (self *MemBackend) LoadInvitation(_ context.Context, serverCode string) (InvitationRecord, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	rId, found := self.serverCodes[serverCode]
	if !found {
		return InvitationRecord{}, wrapError(rel.ErrNotFound, "unknown server code")
	}
	mr := self.relationships[rId]
	if "" != mr.acceptedBy {
		return InvitationRecord{}, wrapError(rel.ErrConflict, "invitation already accepted")
	}

	return mr.invitation, nil
}

func (self *MemBackend) AcceptInvitation(_ context.Context, acc Acceptance) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	rId, found := self.serverCodes[acc.ServerCode]
	if !found {
		return wrapError(rel.ErrNotFound, "unknown server code")
	}
	mr := self.relationships[rId]
	if "" != mr.acceptedBy {
		return wrapError(rel.ErrConflict, "invitation already accepted")
	}
	if !acc.At.Before(mr.invitation.ExpiresAt) {
		return wrapError(rel.ErrExpired, "invitation expired")
	}
	mr.acceptedBy = acc.ContactId
	mr.customerAlias = acc.CustomerAlias
	mr.contact = newUnendorsed(mr.invitation, acc.Enrollment)

	return nil
}

func (self *MemBackend) DeleteRelationship(_ context.Context, customerId rel.AccountId, rId rel.RelationshipId) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	mr, err := self.owned(customerId, rId)
	if nil != err {
		return err
	}
	delete(self.serverCodes, mr.invitation.ServerCode)
	delete(self.relationships, rId)

	return nil
}

func (self *MemBackend) SaveEndorsements(_ context.Context, customerId rel.AccountId, endorsements []rel.Endorsement) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	// validate all before applying any
	targets := make([]*memRelationship, 0, len(endorsements))
	for _, e := range endorsements {
		mr, err := self.owned(customerId, e.RelationshipId)
		if nil != err {
			return err
		}
		if nil == mr.contact {
			return wrapError(rel.ErrConflict, "relationship %s has no contact", e.RelationshipId)
		}
		targets = append(targets, mr)
	}
	for i, mr := range targets {
		mr.contact = newEndorsed(mr.contact.Info(), endorsements[i])
	}

	return nil
}

func (self *MemBackend) ListRelationships(_ context.Context, customerId rel.AccountId) (rel.Relationships, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	rels := rel.Relationships{}
	for _, mr := range self.relationships {
		if customerId != mr.invitation.CustomerId {
			continue
		}
		switch c := mr.contact.(type) {
		case nil:
			rels.Invitations = append(rels.Invitations, mr.invitation.Invitation())
		case rel.UnendorsedTrustedContact:
			rels.Unendorsed = append(rels.Unendorsed, c)
		case rel.EndorsedTrustedContact:
			rels.Endorsed = append(rels.Endorsed, c)
		}
	}
	sortRelationships(&rels)

	return rels, nil
}

func (self *MemBackend) ListProtectedCustomers(_ context.Context, contactId rel.AccountId) ([]rel.ProtectedCustomer, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	rv := make([]rel.ProtectedCustomer, 0)
	for _, mr := range self.relationships {
		if "" == mr.acceptedBy || contactId != mr.acceptedBy {
			continue
		}
		rv = append(rv, newProtectedCustomer(mr.customerAlias, mr.contact))
	}
	slices.SortFunc(rv, func(a, b rel.ProtectedCustomer) int {
		return strings.Compare(string(a.RelationshipId), string(b.RelationshipId))
	})

	return rv, nil
}

// owned returns the relationship rId if it belongs to customerId.
func (self *MemBackend) owned(customerId rel.AccountId, rId rel.RelationshipId) (*memRelationship, error) {
	mr, found := self.relationships[rId]
	if !found || customerId != mr.invitation.CustomerId {
		return nil, wrapError(rel.ErrNotFound, "unknown relationship %s", rId)
	}
	return mr, nil
}

var _ Backend = &MemBackend{}

func newUnendorsed(inv InvitationRecord, enrollment pake.SealedPayload) rel.UnendorsedTrustedContact {
	return rel.UnendorsedTrustedContact{
		ContactInfo: rel.ContactInfo{
			RelationshipId: inv.RelationshipId,
			Alias:          inv.Alias,
			Roles:          inv.Roles,
		},
		Enrollment: enrollment,
	}
}

func newEndorsed(info rel.ContactInfo, e rel.Endorsement) rel.EndorsedTrustedContact {
	info.AuthenticationState = rel.Verified
	return rel.EndorsedTrustedContact{
		ContactInfo: info,
		IdentityKey: e.Certificate.DelegatedDecryptionKey,
		Certificate: e.Certificate,
	}
}

func newProtectedCustomer(customerAlias string, c rel.Contact) rel.ProtectedCustomer {
	info := c.Info()
	pc := rel.ProtectedCustomer{
		RelationshipId: info.RelationshipId,
		Alias:          customerAlias,
		Roles:          info.Roles,
	}
	if etc, endorsed := c.(rel.EndorsedTrustedContact); endorsed {
		cert := etc.Certificate
		pc.Certificate = &cert
	}
	return pc
}

func sortRelationships(rels *rel.Relationships) {
	slices.SortFunc(rels.Invitations, func(a, b rel.Invitation) int {
		return strings.Compare(string(a.RelationshipId), string(b.RelationshipId))
	})
	slices.SortFunc(rels.Unendorsed, func(a, b rel.UnendorsedTrustedContact) int {
		return strings.Compare(string(a.RelationshipId), string(b.RelationshipId))
	})
	slices.SortFunc(rels.Endorsed, func(a, b rel.EndorsedTrustedContact) int {
		return strings.Compare(string(a.RelationshipId), string(b.RelationshipId))
	})
}
