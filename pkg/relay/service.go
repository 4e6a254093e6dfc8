// Package relay implements the relationship service, an untrusted relay that stores invitations,
// enrollment payloads and key certificates on behalf of customers and trusted contacts.
//
// The relay never sees PakeCode nor private keys. It verifies customer proofs of possession and
// certificates signatures so that it can not be used to store data on behalf of other accounts.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"io"
	"time"

	"code.kerpass.org/trustedcontacts/internal/observability"
	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/pake"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
)

const (
	DefaultInvitationTTL = 7 * 24 * time.Hour
	serverCodeSize       = 6
)

var serverCodeEncoding = base32.NewEncoding(pake.B32Alphabet).WithPadding(base32.NoPadding)

// Service applies the relationship service rules on top of a Backend.
// It implements relationships.ServiceClient, allowing in process use of the relay.
type Service struct {
	Backend       Backend
	InvitationTTL time.Duration
	Clock         func() time.Time
	Rand          io.Reader
}

// NewService returns a Service using backend with default settings.
func NewService(backend Backend) *Service {
	return &Service{Backend: backend}
}

// Check returns an error if self is not usable.
func (self *Service) Check() error {
	if nil == self.Backend {
		return newError("nil Backend")
	}
	if self.InvitationTTL < 0 {
		return newError("negative InvitationTTL")
	}
	return nil
}

// CreateInvitation registers an invitation and returns its ServerCode.
func (self *Service) CreateInvitation(ctx context.Context, req rel.InvitationRequest) (rel.InvitationReceipt, error) {
	log := observability.GetObservability(ctx).Log().With("op", "create-invitation", "rId", req.RelationshipId)

	err := req.Check()
	if nil != err {
		return rel.InvitationReceipt{}, wrapError(err, "invalid request")
	}
	err = req.Proof.Verify(rel.OpCreateInvitation, req.AccountId, req.RelationshipId, req.ProtectedCustomerEnrollmentPakeKey)
	if nil != err {
		log.Debug("proof verification failed", "error", err)
		return rel.InvitationReceipt{}, err
	}
	err = self.Backend.BindAccountKey(ctx, req.AccountId, req.Proof.HwAuthPublicKey)
	if nil != err {
		return rel.InvitationReceipt{}, wrapError(err, "failed binding account key")
	}

	serverCode, err := self.newServerCode()
	if nil != err {
		return rel.InvitationReceipt{}, wrapError(err, "failed generating server code")
	}
	rec := InvitationRecord{
		CustomerId:                         req.AccountId,
		RelationshipId:                     req.RelationshipId,
		Alias:                              req.Alias,
		Roles:                              req.Roles,
		ServerCode:                         serverCode,
		ProtectedCustomerEnrollmentPakeKey: req.ProtectedCustomerEnrollmentPakeKey,
		ExpiresAt:                          self.expiresAt(),
	}
	err = self.Backend.CreateInvitation(ctx, rec)
	if nil != err {
		return rel.InvitationReceipt{}, wrapError(err, "failed saving invitation")
	}
	log.Debug("invitation created", "expiresAt", rec.ExpiresAt)

	return rel.InvitationReceipt{ServerCode: serverCode, ExpiresAt: rec.ExpiresAt}, nil
}

// RefreshInvitation extends the validity of a pending invitation.
func (self *Service) RefreshInvitation(ctx context.Context, accountId rel.AccountId, rId rel.RelationshipId, proof rel.Proof) (rel.InvitationReceipt, error) {
	err := self.verifyProof(ctx, proof, rel.OpRefreshInvitation, accountId, rId)
	if nil != err {
		return rel.InvitationReceipt{}, err
	}
	rec, err := self.Backend.RefreshInvitation(ctx, accountId, rId, self.expiresAt())
	if nil != err {
		return rel.InvitationReceipt{}, wrapError(err, "failed refreshing invitation")
	}

	return rel.InvitationReceipt{ServerCode: rec.ServerCode, ExpiresAt: rec.ExpiresAt}, nil
}

// DeleteInvitation removes the invitation or contact of rId.
func (self *Service) DeleteInvitation(ctx context.Context, accountId rel.AccountId, rId rel.RelationshipId, proof rel.Proof) error {
	err := self.verifyProof(ctx, proof, rel.OpDeleteRelationship, accountId, rId)
	if nil != err {
		return err
	}
	return wrapError(self.Backend.DeleteRelationship(ctx, accountId, rId), "failed deleting relationship")
}

// FetchRelationships returns the customer relationships snapshot.
func (self *Service) FetchRelationships(ctx context.Context, accountId rel.AccountId) (rel.Relationships, error) {
	if err := accountId.Check(); nil != err {
		return rel.Relationships{}, err
	}
	rels, err := self.Backend.ListRelationships(ctx, accountId)
	if nil != err {
		return rel.Relationships{}, wrapError(err, "failed listing relationships")
	}

	return rels, nil
}

// FetchUnendorsedContacts returns the customer contacts waiting for endorsement.
func (self *Service) FetchUnendorsedContacts(ctx context.Context, accountId rel.AccountId) ([]rel.UnendorsedTrustedContact, error) {
	rels, err := self.FetchRelationships(ctx, accountId)
	if nil != err {
		return nil, err
	}
	return rels.Unendorsed, nil
}

// UploadKeyCertificates verifies and saves endorsements.
// Certificates must verify and be issued by the hardware key bound to accountId.
func (self *Service) UploadKeyCertificates(ctx context.Context, accountId rel.AccountId, endorsements []rel.Endorsement) error {
	log := observability.GetObservability(ctx).Log().With("op", "upload-certificates")

	hwKey, err := self.Backend.LoadAccountKey(ctx, accountId)
	if nil != err {
		return wrapError(err, "failed loading account key")
	}
	for _, e := range endorsements {
		err = e.Check()
		if nil != err {
			return wrapError(errors.Join(rel.ErrValidation, err), "invalid endorsement for %s", e.RelationshipId)
		}
		if !e.Certificate.HwAuthPublicKey.Equal(hwKey) {
			return wrapError(rel.ErrValidation, "certificate for %s not issued by account key", e.RelationshipId)
		}
		_, err = certs.Verify(e.Certificate)
		if nil != err {
			log.Warn("rejected certificate", "rId", e.RelationshipId, "error", err)
			return wrapError(errors.Join(rel.ErrValidation, err), "invalid certificate for %s", e.RelationshipId)
		}
	}
	err = self.Backend.SaveEndorsements(ctx, accountId, endorsements)
	if nil != err {
		return wrapError(err, "failed saving endorsements")
	}
	log.Debug("certificates saved", "count", len(endorsements))

	return nil
}

// RetrieveInvitation returns the pending invitation identified by serverCode.
func (self *Service) RetrieveInvitation(ctx context.Context, serverCode string) (rel.IncomingInvitation, error) {
	rec, err := self.Backend.LoadInvitation(ctx, serverCode)
	if nil != err {
		return rel.IncomingInvitation{}, wrapError(err, "failed loading invitation")
	}
	inv := rec.IncomingInvitation()
	if inv.IsExpired(self.now()) {
		return rel.IncomingInvitation{}, wrapError(rel.ErrExpired, "invitation expired")
	}

	return inv, nil
}

// AcceptInvitation saves the trusted contact enrollment payload.
func (self *Service) AcceptInvitation(ctx context.Context, accountId rel.AccountId, serverCode string, req rel.AcceptRequest) error {
	if err := accountId.Check(); nil != err {
		return err
	}
	if err := req.Check(); nil != err {
		return wrapError(err, "invalid request")
	}
	rec, err := self.Backend.LoadInvitation(ctx, serverCode)
	if nil != err {
		return wrapError(err, "failed loading invitation")
	}
	if rec.RelationshipId != req.RelationshipId {
		return wrapError(rel.ErrValidation, "RelationshipId does not match invitation")
	}
	if rec.CustomerId == accountId {
		return wrapError(rel.ErrValidation, "customer can not be its own trusted contact")
	}

	acc := Acceptance{
		ContactId:     accountId,
		ServerCode:    serverCode,
		CustomerAlias: req.CustomerAlias,
		Enrollment:    req.Enrollment,
		At:            self.now(),
	}
	err = self.Backend.AcceptInvitation(ctx, acc)
	if nil != err {
		return wrapError(err, "failed accepting invitation")
	}
	observability.GetObservability(ctx).Log().Debug("invitation accepted", "rId", req.RelationshipId)

	return nil
}

// FetchProtectedCustomers returns the customers of a trusted contact.
func (self *Service) FetchProtectedCustomers(ctx context.Context, accountId rel.AccountId) ([]rel.ProtectedCustomer, error) {
	if err := accountId.Check(); nil != err {
		return nil, err
	}
	pcs, err := self.Backend.ListProtectedCustomers(ctx, accountId)
	if nil != err {
		return nil, wrapError(err, "failed listing protected customers")
	}

	return pcs, nil
}

// verifyProof checks that proof was produced by the key bound to accountId for op.
func (self *Service) verifyProof(ctx context.Context, proof rel.Proof, op string, accountId rel.AccountId, rId rel.RelationshipId) error {
	hwKey, err := self.Backend.LoadAccountKey(ctx, accountId)
	if nil != err {
		return wrapError(err, "failed loading account key")
	}
	if !hwKey.Equal(proof.HwAuthPublicKey) {
		return wrapError(rel.ErrValidation, "proof not produced by account key")
	}
	return proof.Verify(op, accountId, rId, nil)
}

func (self *Service) newServerCode() (string, error) {
	src := self.Rand
	if nil == src {
		src = rand.Reader
	}
	code := make([]byte, serverCodeSize)
	_, err := io.ReadFull(src, code)
	if nil != err {
		return "", err
	}
	return serverCodeEncoding.EncodeToString(code), nil
}

func (self *Service) now() time.Time {
	if nil == self.Clock {
		return time.Now()
	}
	return self.Clock()
}

// expiresAt returns the expiration time of an invitation created or refreshed now.
func (self *Service) expiresAt() time.Time {
	ttl := self.InvitationTTL
	if 0 == ttl {
		ttl = DefaultInvitationTTL
	}
	return self.now().Add(ttl).UTC().Truncate(time.Second)
}

var _ rel.ServiceClient = &Service{}
