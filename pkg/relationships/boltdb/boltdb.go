// Package boltdb provides a persistent relationships.Store that keeps data in a file.
package boltdb

import (
	"context"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/relationships"
)

const (
	connectTimeout = 5 * time.Second
)

var (
	accountTbl    = []byte("accountTbl")
	secretTbl     = []byte("secretTbl")
	invitationTbl = []byte("invitationTbl")
	contactTbl    = []byte("contactTbl")
	customerTbl   = []byte("customerTbl")
	keyTbl        = []byte("keyTbl")

	bucketNames = [][]byte{accountTbl, secretTbl, invitationTbl, contactTbl, customerTbl, keyTbl}

	// singleton records key
	selfKey = []byte("self")
)

type relStore struct {
	dbpath string
}

// New returns a relationships.Store implementation that persists relationships in a single file boltdb database.
// It errors if the database schema can not be created.
func New(dbpath string) (relationships.Store, error) {
	store := relStore{dbpath: dbpath}

	err := store.update(context.Background(), func(tx *bolt.Tx) error {
		for _, bucketname := range bucketNames {
			_, err := tx.CreateBucketIfNotExists(bucketname)
			if nil != err {
				return wrapError(err, "failed %s bucket creation", bucketname)
			}
		}
		return nil
	})
	if nil != err {
		return nil, wrapError(err, "failed db initialization")
	}

	return store, nil
}

// LoadAccount loads the local account in dst.
func (self relStore) LoadAccount(ctx context.Context, dst *relationships.Account) error {
	return self.view(ctx, func(sch schema) error {
		return sch.get(sch.accountTbl, selfKey, dst)
	})
}

// SaveAccount saves the local account.
func (self relStore) SaveAccount(ctx context.Context, account relationships.Account) error {
	err := account.Check()
	if nil != err {
		return wrapError(err, "invalid account")
	}
	return self.write(ctx, func(sch schema) error {
		return sch.put(sch.accountTbl, selfKey, account)
	})
}

// LoadEnrollmentSecret loads the enrollment secret of rId in dst.
func (self relStore) LoadEnrollmentSecret(ctx context.Context, rId relationships.RelationshipId, dst *relationships.PakeEnrollmentSecret) error {
	return self.view(ctx, func(sch schema) error {
		return sch.get(sch.secretTbl, []byte(rId), dst)
	})
}

// SaveEnrollmentSecret saves secret.
func (self relStore) SaveEnrollmentSecret(ctx context.Context, secret relationships.PakeEnrollmentSecret) error {
	err := secret.Check()
	if nil != err {
		return wrapError(err, "invalid secret")
	}
	return self.write(ctx, func(sch schema) error {
		return sch.put(sch.secretTbl, []byte(secret.RelationshipId), secret)
	})
}

// RemoveEnrollmentSecret removes the enrollment secret of rId.
func (self relStore) RemoveEnrollmentSecret(ctx context.Context, rId relationships.RelationshipId) error {
	return self.write(ctx, func(sch schema) error {
		return sch.secretTbl.Delete([]byte(rId))
	})
}

// SaveInvitation saves inv.
func (self relStore) SaveInvitation(ctx context.Context, inv relationships.Invitation) error {
	err := inv.Check()
	if nil != err {
		return wrapError(err, "invalid invitation")
	}
	return self.write(ctx, func(sch schema) error {
		return sch.put(sch.invitationTbl, []byte(inv.RelationshipId), inv)
	})
}

// ListInvitations returns the pending invitations.
func (self relStore) ListInvitations(ctx context.Context) ([]relationships.Invitation, error) {
	var invs []relationships.Invitation
	err := self.view(ctx, func(sch schema) error {
		var err error
		invs, err = listInvitations(sch)
		return err
	})

	return invs, err
}

// SyncRelationships merges the snapshot received from the relationship service.
func (self relStore) SyncRelationships(ctx context.Context, authority certs.Authority, rels relationships.Relationships) error {
	remote, err := rels.Contacts()
	if nil != err {
		return wrapError(err, "invalid snapshot")
	}

	return self.write(ctx, func(sch schema) error {
		// invitations
		invs, err := listInvitations(sch)
		if nil != err {
			return err
		}
		local := make(map[relationships.RelationshipId]relationships.Invitation, len(invs))
		for _, inv := range invs {
			local[inv.RelationshipId] = inv
			err = sch.invitationTbl.Delete([]byte(inv.RelationshipId))
			if nil != err {
				return err
			}
		}
		for rId, inv := range relationships.MergeInvitations(local, rels.Invitations) {
			err = sch.put(sch.invitationTbl, []byte(rId), inv)
			if nil != err {
				return err
			}
		}

		// contacts
		stale := make([][]byte, 0)
		err = sch.contactTbl.ForEach(func(k, _ []byte) error {
			if _, found := remote[relationships.RelationshipId(k)]; !found {
				stale = append(stale, append([]byte{}, k...))
			}
			return nil
		})
		if nil != err {
			return wrapError(err, "failed listing contacts")
		}
		for _, k := range stale {
			err = sch.contactTbl.Delete(k)
			if nil != err {
				return err
			}
		}
		for rId, rc := range remote {
			cur, err := sch.loadContact(rId)
			if nil != err && !errors.Is(err, relationships.ErrNotFound) {
				return err
			}
			err = sch.saveContact(relationships.MergeContact(cur, rc, authority))
			if nil != err {
				return wrapError(err, "failed saving contact %s", rId)
			}
		}

		// protected customers
		for _, pc := range rels.ProtectedCustomers {
			err = sch.put(sch.customerTbl, []byte(pc.RelationshipId), pc)
			if nil != err {
				return err
			}
		}

		return nil
	})
}

// LoadContact returns the Contact of rId.
func (self relStore) LoadContact(ctx context.Context, rId relationships.RelationshipId) (relationships.Contact, error) {
	var contact relationships.Contact
	err := self.view(ctx, func(sch schema) error {
		var err error
		contact, err = sch.loadContact(rId)
		return err
	})

	return contact, err
}

// UpdateContact atomically replaces the Contact of rId with the result of fn.
// A nil Contact returned by fn removes the Contact of rId.
func (self relStore) UpdateContact(ctx context.Context, rId relationships.RelationshipId, fn relationships.UpdateFunc) (relationships.Contact, error) {
	var next relationships.Contact
	err := self.write(ctx, func(sch schema) error {
		cur, err := sch.loadContact(rId)
		if nil != err && !errors.Is(err, relationships.ErrNotFound) {
			return err
		}
		next, err = fn(cur)
		if nil != err {
			return err
		}
		if nil == next {
			return sch.contactTbl.Delete([]byte(rId))
		}
		if next.Info().RelationshipId != rId {
			return wrapError(relationships.ErrValidation, "contact RelationshipId mismatch")
		}
		return sch.saveContact(next)
	})
	if nil != err {
		return nil, err
	}

	return next, nil
}

// SaveContactState sets the AuthenticationState of the Contact of rId.
func (self relStore) SaveContactState(ctx context.Context, rId relationships.RelationshipId, state relationships.AuthenticationState) error {
	_, err := self.UpdateContact(ctx, rId, func(cur relationships.Contact) (relationships.Contact, error) {
		return relationships.WithState(cur, state)
	})
	return err
}

// ListUnendorsedContacts returns the contacts waiting for endorsement.
func (self relStore) ListUnendorsedContacts(ctx context.Context) ([]relationships.UnendorsedTrustedContact, error) {
	rv := make([]relationships.UnendorsedTrustedContact, 0)
	err := self.view(ctx, func(sch schema) error {
		return sch.forEachContact(func(c relationships.Contact) {
			if utc, ok := c.(relationships.UnendorsedTrustedContact); ok {
				rv = append(rv, utc)
			}
		})
	})

	return rv, err
}

// ListEndorsedContacts returns the contacts holding a key certificate.
func (self relStore) ListEndorsedContacts(ctx context.Context) ([]relationships.EndorsedTrustedContact, error) {
	rv := make([]relationships.EndorsedTrustedContact, 0)
	err := self.view(ctx, func(sch schema) error {
		return sch.forEachContact(func(c relationships.Contact) {
			if etc, ok := c.(relationships.EndorsedTrustedContact); ok {
				rv = append(rv, etc)
			}
		})
	})

	return rv, err
}

// RemoveRelationship removes all the data related to rId.
func (self relStore) RemoveRelationship(ctx context.Context, rId relationships.RelationshipId) error {
	return self.write(ctx, func(sch schema) error {
		for _, bucket := range []*bolt.Bucket{sch.secretTbl, sch.invitationTbl, sch.contactTbl, sch.customerTbl} {
			err := bucket.Delete([]byte(rId))
			if nil != err {
				// unlikely as bucket is writable
				return err
			}
		}
		return nil
	})
}

// SaveProtectedCustomer saves pc.
func (self relStore) SaveProtectedCustomer(ctx context.Context, pc relationships.ProtectedCustomer) error {
	err := pc.Check()
	if nil != err {
		return wrapError(err, "invalid protected customer")
	}
	return self.write(ctx, func(sch schema) error {
		return sch.put(sch.customerTbl, []byte(pc.RelationshipId), pc)
	})
}

// ListProtectedCustomers returns the customers that enrolled the local trusted contact.
func (self relStore) ListProtectedCustomers(ctx context.Context) ([]relationships.ProtectedCustomer, error) {
	rv := make([]relationships.ProtectedCustomer, 0)
	err := self.view(ctx, func(sch schema) error {
		return sch.customerTbl.ForEach(func(_, v []byte) error {
			var pc relationships.ProtectedCustomer
			err := cbor.Unmarshal(v, &pc)
			if nil != err {
				return wrapError(err, "failed unmarshaling protected customer")
			}
			rv = append(rv, pc)
			return nil
		})
	})

	return rv, err
}

// LoadDelegatedDecryptionKey loads the trusted contact key in dst.
func (self relStore) LoadDelegatedDecryptionKey(ctx context.Context, dst *keys.DelegatedDecryptionKey) error {
	return self.view(ctx, func(sch schema) error {
		srzkey := sch.keyTbl.Get(selfKey)
		if nil == srzkey {
			return wrapError(relationships.ErrNotFound, "no delegated decryption key")
		}
		return dst.UnmarshalBinary(srzkey)
	})
}

// SaveDelegatedDecryptionKey saves the trusted contact key.
func (self relStore) SaveDelegatedDecryptionKey(ctx context.Context, ddk keys.DelegatedDecryptionKey) error {
	if ddk.IsZero() {
		return wrapError(relationships.ErrValidation, "zero delegated decryption key")
	}
	srzkey, err := ddk.MarshalBinary()
	if nil != err {
		return wrapError(err, "failed serializing delegated decryption key")
	}
	return self.write(ctx, func(sch schema) error {
		return sch.keyTbl.Put(selfKey, srzkey)
	})
}

// Clear removes everything from the relStore.
func (self relStore) Clear(ctx context.Context) error {
	return self.update(ctx, func(tx *bolt.Tx) error {
		for _, bucketname := range bucketNames {
			err := tx.DeleteBucket(bucketname)
			if nil != err && !errors.Is(err, bolt.ErrBucketNotFound) {
				return wrapError(err, "failed deleting %s bucket", bucketname)
			}
			_, err = tx.CreateBucket(bucketname)
			if nil != err {
				return wrapError(err, "failed %s bucket creation", bucketname)
			}
		}
		return nil
	})
}

// update runs fn in a read-write transaction.
func (self relStore) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); nil != err {
		return wrapError(err, "operation cancelled")
	}
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return wrapError(err, "failed connecting to database")
	}
	defer db.Close()

	return db.Update(fn)
}

// write runs fn in a read-write transaction with the schema loaded.
func (self relStore) write(ctx context.Context, fn func(sch schema) error) error {
	return self.update(ctx, func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loading schema")
		}
		return fn(sch)
	})
}

// view runs fn in a read-only transaction with the schema loaded.
func (self relStore) view(ctx context.Context, fn func(sch schema) error) error {
	if err := ctx.Err(); nil != err {
		return wrapError(err, "operation cancelled")
	}
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout, ReadOnly: true})
	if nil != err {
		return wrapError(err, "failed connecting to database")
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loading schema")
		}
		return fn(sch)
	})
}

// schema holds relStore buckets reference
type schema struct {
	accountTbl    *bolt.Bucket
	secretTbl     *bolt.Bucket
	invitationTbl *bolt.Bucket
	contactTbl    *bolt.Bucket
	customerTbl   *bolt.Bucket
	keyTbl        *bolt.Bucket
}

func loadSchema(tx *bolt.Tx) (schema, error) {
	rv := schema{
		accountTbl:    tx.Bucket(accountTbl),
		secretTbl:     tx.Bucket(secretTbl),
		invitationTbl: tx.Bucket(invitationTbl),
		contactTbl:    tx.Bucket(contactTbl),
		customerTbl:   tx.Bucket(customerTbl),
		keyTbl:        tx.Bucket(keyTbl),
	}
	var err error
	if nil == rv.accountTbl || nil == rv.secretTbl || nil == rv.invitationTbl ||
		nil == rv.contactTbl || nil == rv.customerTbl || nil == rv.keyTbl {
		err = newError("1 or more bucket is missing")
	}

	return rv, err
}

func (self schema) get(bucket *bolt.Bucket, key []byte, dst any) error {
	srzval := bucket.Get(key)
	if nil == srzval {
		return wrapError(relationships.ErrNotFound, "no record for key %s", key)
	}
	err := cbor.Unmarshal(srzval, dst)
	if nil != err {
		return wrapError(err, "failed cbor.Unmarshal")
	}

	return nil
}

func (self schema) put(bucket *bolt.Bucket, key []byte, val any) error {
	srzval, err := cbor.Marshal(val)
	if nil != err {
		return wrapError(err, "failed cbor.Marshal")
	}
	err = bucket.Put(key, srzval)
	if nil != err {
		return wrapError(err, "failed storing record")
	}

	return nil
}

func (self schema) loadContact(rId relationships.RelationshipId) (relationships.Contact, error) {
	var record relationships.ContactRecord
	err := self.get(self.contactTbl, []byte(rId), &record)
	if nil != err {
		return nil, err
	}

	return record.Contact()
}

func (self schema) saveContact(c relationships.Contact) error {
	err := c.Check()
	if nil != err {
		return wrapError(err, "invalid contact")
	}
	return self.put(self.contactTbl, []byte(c.Info().RelationshipId), relationships.NewContactRecord(c))
}

func (self schema) forEachContact(fn func(c relationships.Contact)) error {
	return self.contactTbl.ForEach(func(_, v []byte) error {
		var record relationships.ContactRecord
		err := cbor.Unmarshal(v, &record)
		if nil != err {
			return wrapError(err, "failed unmarshaling contact")
		}
		c, err := record.Contact()
		if nil != err {
			return err
		}
		fn(c)
		return nil
	})
}

func listInvitations(sch schema) ([]relationships.Invitation, error) {
	invs := make([]relationships.Invitation, 0)
	err := sch.invitationTbl.ForEach(func(_, v []byte) error {
		var inv relationships.Invitation
		err := cbor.Unmarshal(v, &inv)
		if nil != err {
			return wrapError(err, "failed unmarshaling invitation")
		}
		invs = append(invs, inv)
		return nil
	})

	return invs, err
}
