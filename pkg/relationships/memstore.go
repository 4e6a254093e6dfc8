package relationships

import (
	"context"
	"slices"
	"sync"

	"code.kerpass.org/trustedcontacts/internal/utils"
	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
)

// MemStore provides "in memory" implementation of Store.
type MemStore struct {
	idmut     utils.KeyedMutex[RelationshipId]
	mut       sync.Mutex
	account   *Account
	secrets   map[RelationshipId]PakeEnrollmentSecret
	invites   map[RelationshipId]Invitation
	contacts  map[RelationshipId]Contact
	customers map[RelationshipId]ProtectedCustomer
	ddk       keys.DelegatedDecryptionKey
}

func NewMemStore() *MemStore {
	return &MemStore{
		secrets:   make(map[RelationshipId]PakeEnrollmentSecret),
		invites:   make(map[RelationshipId]Invitation),
		contacts:  make(map[RelationshipId]Contact),
		customers: make(map[RelationshipId]ProtectedCustomer),
	}
}

// LoadAccount loads the local account in dst.
func (self *MemStore) LoadAccount(_ context.Context, dst *Account) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	if nil == self.account {
		return wrapError(ErrNotFound, "no account")
	}
	*dst = *self.account

	return nil
}

// SaveAccount saves the local account.
func (self *MemStore) SaveAccount(_ context.Context, account Account) error {
	err := account.Check()
	if nil != err {
		return wrapError(err, "invalid account")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	self.account = &account

	return nil
}

// LoadEnrollmentSecret loads the enrollment secret of rId in dst.
func (self *MemStore) LoadEnrollmentSecret(_ context.Context, rId RelationshipId, dst *PakeEnrollmentSecret) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	secret, found := self.secrets[rId]
	if !found {
		return wrapError(ErrNotFound, "no enrollment secret for %s", rId)
	}
	*dst = secret

	return nil
}

// SaveEnrollmentSecret saves secret.
func (self *MemStore) SaveEnrollmentSecret(_ context.Context, secret PakeEnrollmentSecret) error {
	err := secret.Check()
	if nil != err {
		return wrapError(err, "invalid secret")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	self.secrets[secret.RelationshipId] = secret

	return nil
}

// RemoveEnrollmentSecret removes the enrollment secret of rId.
func (self *MemStore) RemoveEnrollmentSecret(_ context.Context, rId RelationshipId) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	delete(self.secrets, rId)

	return nil
}

// SaveInvitation saves inv.
func (self *MemStore) SaveInvitation(_ context.Context, inv Invitation) error {
	err := inv.Check()
	if nil != err {
		return wrapError(err, "invalid invitation")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	self.invites[inv.RelationshipId] = inv

	return nil
}

// ListInvitations returns the pending invitations.
func (self *MemStore) ListInvitations(_ context.Context) ([]Invitation, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	invs := make([]Invitation, 0, len(self.invites))
	for _, inv := range self.invites {
		invs = append(invs, inv)
	}
	slices.SortFunc(invs, func(a, b Invitation) int {
		return compareId(a.RelationshipId, b.RelationshipId)
	})

	return invs, nil
}

// SyncRelationships merges the snapshot received from the relationship service.
func (self *MemStore) SyncRelationships(ctx context.Context, authority certs.Authority, rels Relationships) error {
	remote, err := rels.Contacts()
	if nil != err {
		return wrapError(err, "invalid snapshot")
	}

	self.mut.Lock()
	ids := make([]RelationshipId, 0, len(self.contacts)+len(remote))
	for rId := range self.contacts {
		ids = append(ids, rId)
	}
	self.invites = MergeInvitations(self.invites, rels.Invitations)
	for _, pc := range rels.ProtectedCustomers {
		self.customers[pc.RelationshipId] = pc
	}
	self.mut.Unlock()

	for rId := range remote {
		ids = append(ids, rId)
	}
	slices.SortFunc(ids, compareId)
	ids = slices.Compact(ids)

	for _, rId := range ids {
		_, err = self.UpdateContact(ctx, rId, func(cur Contact) (Contact, error) {
			rc, found := remote[rId]
			if !found {
				return nil, nil
			}
			return MergeContact(cur, rc, authority), nil
		})
		if nil != err {
			return wrapError(err, "failed merging contact %s", rId)
		}
	}

	return nil
}

// LoadContact returns the Contact of rId.
func (self *MemStore) LoadContact(_ context.Context, rId RelationshipId) (Contact, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	contact, found := self.contacts[rId]
	if !found {
		return nil, wrapError(ErrNotFound, "no contact for %s", rId)
	}

	return contact, nil
}

// UpdateContact atomically replaces the Contact of rId with the result of fn.
// A nil Contact returned by fn removes the Contact of rId.
func (self *MemStore) UpdateContact(ctx context.Context, rId RelationshipId, fn UpdateFunc) (Contact, error) {
	unlock := self.idmut.Lock(rId)
	defer unlock()

	if err := ctx.Err(); nil != err {
		return nil, wrapError(err, "update cancelled")
	}

	self.mut.Lock()
	cur := self.contacts[rId]
	self.mut.Unlock()

	next, err := fn(cur)
	if nil != err {
		return nil, err
	}
	if nil != next {
		if next.Info().RelationshipId != rId {
			return nil, wrapError(ErrValidation, "contact RelationshipId mismatch")
		}
		if err = next.Check(); nil != err {
			return nil, wrapError(err, "invalid contact")
		}
	}

	self.mut.Lock()
	defer self.mut.Unlock()
	if nil == next {
		delete(self.contacts, rId)
	} else {
		self.contacts[rId] = next
	}

	return next, nil
}

// SaveContactState sets the AuthenticationState of the Contact of rId.
func (self *MemStore) SaveContactState(ctx context.Context, rId RelationshipId, state AuthenticationState) error {
	_, err := self.UpdateContact(ctx, rId, func(cur Contact) (Contact, error) {
		return WithState(cur, state)
	})
	return err
}

// ListUnendorsedContacts returns the contacts waiting for endorsement.
func (self *MemStore) ListUnendorsedContacts(_ context.Context) ([]UnendorsedTrustedContact, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	rv := make([]UnendorsedTrustedContact, 0, len(self.contacts))
	for _, contact := range self.contacts {
		if utc, ok := contact.(UnendorsedTrustedContact); ok {
			rv = append(rv, utc)
		}
	}
	slices.SortFunc(rv, func(a, b UnendorsedTrustedContact) int {
		return compareId(a.RelationshipId, b.RelationshipId)
	})

	return rv, nil
}

// ListEndorsedContacts returns the contacts holding a key certificate.
func (self *MemStore) ListEndorsedContacts(_ context.Context) ([]EndorsedTrustedContact, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	rv := make([]EndorsedTrustedContact, 0, len(self.contacts))
	for _, contact := range self.contacts {
		if etc, ok := contact.(EndorsedTrustedContact); ok {
			rv = append(rv, etc)
		}
	}
	slices.SortFunc(rv, func(a, b EndorsedTrustedContact) int {
		return compareId(a.RelationshipId, b.RelationshipId)
	})

	return rv, nil
}

// RemoveRelationship removes all the data related to rId.
func (self *MemStore) RemoveRelationship(_ context.Context, rId RelationshipId) error {
	unlock := self.idmut.Lock(rId)
	defer unlock()

	self.mut.Lock()
	defer self.mut.Unlock()

	delete(self.secrets, rId)
	delete(self.invites, rId)
	delete(self.contacts, rId)
	delete(self.customers, rId)

	return nil
}

// SaveProtectedCustomer saves pc.
func (self *MemStore) SaveProtectedCustomer(_ context.Context, pc ProtectedCustomer) error {
	err := pc.Check()
	if nil != err {
		return wrapError(err, "invalid protected customer")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	self.customers[pc.RelationshipId] = pc

	return nil
}

// ListProtectedCustomers returns the customers that enrolled the local trusted contact.
func (self *MemStore) ListProtectedCustomers(_ context.Context) ([]ProtectedCustomer, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	rv := make([]ProtectedCustomer, 0, len(self.customers))
	for _, pc := range self.customers {
		rv = append(rv, pc)
	}
	slices.SortFunc(rv, func(a, b ProtectedCustomer) int {
		return compareId(a.RelationshipId, b.RelationshipId)
	})

	return rv, nil
}

// LoadDelegatedDecryptionKey loads the trusted contact key in dst.
func (self *MemStore) LoadDelegatedDecryptionKey(_ context.Context, dst *keys.DelegatedDecryptionKey) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	if self.ddk.IsZero() {
		return wrapError(ErrNotFound, "no delegated decryption key")
	}
	*dst = self.ddk

	return nil
}

// SaveDelegatedDecryptionKey saves the trusted contact key.
func (self *MemStore) SaveDelegatedDecryptionKey(_ context.Context, ddk keys.DelegatedDecryptionKey) error {
	if ddk.IsZero() {
		return wrapError(ErrValidation, "zero delegated decryption key")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	self.ddk = ddk

	return nil
}

// Clear removes everything from the MemStore.
func (self *MemStore) Clear(_ context.Context) error {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.account = nil
	self.secrets = make(map[RelationshipId]PakeEnrollmentSecret)
	self.invites = make(map[RelationshipId]Invitation)
	self.contacts = make(map[RelationshipId]Contact)
	self.customers = make(map[RelationshipId]ProtectedCustomer)
	self.ddk = keys.DelegatedDecryptionKey{}

	return nil
}

var _ Store = &MemStore{}
