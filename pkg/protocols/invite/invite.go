// Package invite implements the invitation side of trusted contact enrollment.
//
// A customer creates an invitation and shares its invite code out of band. The invitee retrieves the
// invitation with the code, seals its delegated decryption key under the enrollment PAKE and submits
// the result to the relationship service.
package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"time"

	"code.kerpass.org/trustedcontacts/internal/observability"
	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/pake"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
)

const (
	DefaultSecretRetention = 7 * 24 * time.Hour
	DefaultOpTimeout       = 10 * time.Second
)

// Cfg holds the Manager settings.
type Cfg struct {
	Store  rel.Store
	Client rel.ServiceClient

	// PoP signs customer requests, it is not needed on trusted contact devices.
	PoP keys.Signer

	// SecretRetention is how long an enrollment secret outlives its invitation.
	SecretRetention time.Duration

	// OpTimeout bounds each relationship service call.
	OpTimeout time.Duration

	Clock func() time.Time
	Rand  io.Reader
}

// Check returns an error if self is not usable.
func (self Cfg) Check() error {
	if nil == self.Store {
		return newError("nil Store")
	}
	if nil == self.Client {
		return newError("nil Client")
	}
	if self.SecretRetention < 0 {
		return newError("negative SecretRetention")
	}
	if self.OpTimeout < 0 {
		return newError("negative OpTimeout")
	}
	return nil
}

// Manager creates and answers invitations.
type Manager struct {
	store           rel.Store
	client          rel.ServiceClient
	pop             keys.Signer
	secretRetention time.Duration
	opTimeout       time.Duration
	clock           func() time.Time
	rand            io.Reader
}

// NewManager returns a Manager configured with cfg.
func NewManager(cfg Cfg) (*Manager, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid Cfg")
	}

	rv := &Manager{
		store:           cfg.Store,
		client:          cfg.Client,
		pop:             cfg.PoP,
		secretRetention: cfg.SecretRetention,
		opTimeout:       cfg.OpTimeout,
		clock:           cfg.Clock,
		rand:            cfg.Rand,
	}
	if 0 == rv.secretRetention {
		rv.secretRetention = DefaultSecretRetention
	}
	if 0 == rv.opTimeout {
		rv.opTimeout = DefaultOpTimeout
	}
	if nil == rv.clock {
		rv.clock = time.Now
	}
	if nil == rv.rand {
		rv.rand = rand.Reader
	}

	return rv, nil
}

// CreateInvitation registers a new invitation for a contact named alias.
// The returned Invitation InviteCode must be shared with the invitee out of band.
func (self *Manager) CreateInvitation(ctx context.Context, account rel.Account, alias string, roles rel.Role) (rel.Invitation, error) {
	var errmsg string
	rId := rel.NewRelationshipId()
	log := observability.GetObservability(ctx).Log().With("op", "create-invitation", "rId", rId)

	err := self.checkCustomer(account)
	if nil != err {
		return rel.Invitation{}, err
	}
	if err = rel.CheckAlias(alias); nil != err {
		return rel.Invitation{}, wrapError(err, "invalid alias")
	}
	if err = roles.Check(); nil != err {
		return rel.Invitation{}, wrapError(err, "invalid roles")
	}

	log.Debug("generating enrollment key")
	code, err := pake.NewPakeCode(self.rand)
	if nil != err {
		errmsg = "failed generating PakeCode"
		log.Debug(errmsg, "error", err)
		return rel.Invitation{}, wrapError(err, errmsg)
	}
	ek, err := pake.NewEnrollmentKey(self.rand, code, string(rId))
	if nil != err {
		errmsg = "failed generating enrollment key"
		log.Debug(errmsg, "error", err)
		return rel.Invitation{}, wrapError(err, errmsg)
	}

	// the secret is saved first, a relay invitation without secret could never be endorsed
	log.Debug("saving enrollment secret")
	secret := rel.PakeEnrollmentSecret{RelationshipId: rId, PakeCode: code, EnrollmentKey: ek}
	err = self.store.SaveEnrollmentSecret(ctx, secret)
	if nil != err {
		errmsg = "failed saving enrollment secret"
		log.Debug(errmsg, "error", err)
		return rel.Invitation{}, wrapError(err, errmsg)
	}

	log.Debug("obtaining proof of possession")
	proof, err := self.prove(ctx, rel.OpCreateInvitation, account.Id, rId, ek.PublicKey)
	if nil != err {
		self.discardSecret(ctx, rId)
		return rel.Invitation{}, err
	}

	log.Debug("registering invitation")
	req := rel.InvitationRequest{
		AccountId:                          account.Id,
		RelationshipId:                     rId,
		Alias:                              alias,
		Roles:                              roles,
		ProtectedCustomerEnrollmentPakeKey: ek.PublicKey,
		Proof:                              proof,
	}
	var receipt rel.InvitationReceipt
	err = self.remote(ctx, func(ctx context.Context) (err error) {
		receipt, err = self.client.CreateInvitation(ctx, req)
		return err
	})
	if nil != err {
		errmsg = "failed registering invitation"
		log.Debug(errmsg, "error", err)
		self.discardSecret(ctx, rId)
		return rel.Invitation{}, wrapError(err, errmsg)
	}

	inv := rel.Invitation{
		RelationshipId:                     rId,
		Alias:                              alias,
		Roles:                              roles,
		ServerCode:                         receipt.ServerCode,
		PakeCode:                           code,
		ProtectedCustomerEnrollmentPakeKey: ek.PublicKey,
		ExpiresAt:                          receipt.ExpiresAt,
	}
	err = self.saveLocal(ctx, inv, secret)
	if nil != err {
		errmsg = "failed saving invitation"
		log.Debug(errmsg, "error", err)
		return rel.Invitation{}, wrapError(err, errmsg)
	}

	log.Info("invitation created", "expiresAt", inv.ExpiresAt)
	return inv, nil
}

// RefreshInvitation extends the validity of the pending invitation rId.
func (self *Manager) RefreshInvitation(ctx context.Context, account rel.Account, rId rel.RelationshipId) (rel.Invitation, error) {
	var errmsg string
	log := observability.GetObservability(ctx).Log().With("op", "refresh-invitation", "rId", rId)

	err := self.checkCustomer(account)
	if nil != err {
		return rel.Invitation{}, err
	}
	inv, err := self.loadInvitation(ctx, rId)
	if nil != err {
		return rel.Invitation{}, err
	}
	var secret rel.PakeEnrollmentSecret
	err = self.store.LoadEnrollmentSecret(ctx, rId, &secret)
	if nil != err {
		errmsg = "failed loading enrollment secret"
		log.Debug(errmsg, "error", err)
		return rel.Invitation{}, wrapError(errors.Join(rel.ErrPakeDataUnavailable, err), errmsg)
	}

	proof, err := self.prove(ctx, rel.OpRefreshInvitation, account.Id, rId, nil)
	if nil != err {
		return rel.Invitation{}, err
	}
	var receipt rel.InvitationReceipt
	err = self.remote(ctx, func(ctx context.Context) (err error) {
		receipt, err = self.client.RefreshInvitation(ctx, account.Id, rId, proof)
		return err
	})
	if nil != err {
		errmsg = "failed refreshing invitation"
		log.Debug(errmsg, "error", err)
		return rel.Invitation{}, wrapError(err, errmsg)
	}

	inv.ServerCode = receipt.ServerCode
	inv.ExpiresAt = receipt.ExpiresAt
	err = self.saveLocal(ctx, inv, secret)
	if nil != err {
		errmsg = "failed saving invitation"
		log.Debug(errmsg, "error", err)
		return rel.Invitation{}, wrapError(err, errmsg)
	}

	log.Info("invitation refreshed", "expiresAt", inv.ExpiresAt)
	return inv, nil
}

// DeleteInvitation removes the relationship rId at the relationship service then locally.
// A relationship unknown to the relationship service is still removed locally.
func (self *Manager) DeleteInvitation(ctx context.Context, account rel.Account, rId rel.RelationshipId) error {
	log := observability.GetObservability(ctx).Log().With("op", "delete-invitation", "rId", rId)

	err := self.checkCustomer(account)
	if nil != err {
		return err
	}
	proof, err := self.prove(ctx, rel.OpDeleteRelationship, account.Id, rId, nil)
	if nil != err {
		return err
	}
	err = self.remote(ctx, func(ctx context.Context) error {
		return self.client.DeleteInvitation(ctx, account.Id, rId, proof)
	})
	switch {
	case nil == err:
	case errors.Is(err, rel.ErrNotFound):
		log.Debug("relationship unknown to relationship service")
	default:
		return wrapError(err, "failed deleting remote relationship")
	}

	err = self.store.RemoveRelationship(ctx, rId)
	if nil != err {
		return wrapError(err, "failed removing local relationship")
	}

	log.Info("relationship deleted")
	return nil
}

// Pending is an invitation retrieved by a trusted contact and not yet accepted.
type Pending struct {
	ServerCode string
	PakeCode   pake.PakeCode
	Invitation rel.IncomingInvitation
}

// RetrieveInvitation fetches the invitation identified by inviteCode.
func (self *Manager) RetrieveInvitation(ctx context.Context, inviteCode string) (Pending, error) {
	log := observability.GetObservability(ctx).Log().With("op", "retrieve-invitation")

	serverCode, code, err := pake.ParseInviteCode(inviteCode)
	if nil != err {
		return Pending{}, wrapError(errors.Join(rel.ErrValidation, err), "invalid invite code")
	}

	var inv rel.IncomingInvitation
	err = self.remote(ctx, func(ctx context.Context) (err error) {
		inv, err = self.client.RetrieveInvitation(ctx, serverCode)
		return err
	})
	if nil != err {
		log.Debug("failed retrieving invitation", "error", err)
		return Pending{}, wrapError(err, "failed retrieving invitation")
	}
	if inv.IsExpired(self.clock()) {
		return Pending{}, wrapError(rel.ErrExpired, "invitation expired")
	}

	log.Debug("invitation retrieved", "rId", inv.RelationshipId)
	return Pending{ServerCode: serverCode, PakeCode: code, Invitation: inv}, nil
}

// AcceptInvitation enrolls the local trusted contact in the pending invitation.
// customerAlias is the name under which the contact knows the inviting customer.
func (self *Manager) AcceptInvitation(ctx context.Context, account rel.Account, pending Pending, customerAlias string) (rel.ProtectedCustomer, error) {
	var errmsg string
	rId := pending.Invitation.RelationshipId
	log := observability.GetObservability(ctx).Log().With("op", "accept-invitation", "rId", rId)

	if err := account.Check(); nil != err {
		return rel.ProtectedCustomer{}, wrapError(err, "invalid account")
	}
	if err := pending.Invitation.Check(); nil != err {
		return rel.ProtectedCustomer{}, wrapError(err, "invalid invitation")
	}
	if err := rel.CheckAlias(customerAlias); nil != err {
		return rel.ProtectedCustomer{}, wrapError(err, "invalid customer alias")
	}

	log.Debug("loading delegated decryption key")
	ddk, err := self.delegatedDecryptionKey(ctx)
	if nil != err {
		errmsg = "failed loading delegated decryption key"
		log.Debug(errmsg, "error", err)
		return rel.ProtectedCustomer{}, wrapError(err, errmsg)
	}

	log.Debug("sealing delegated decryption key")
	payload, err := pake.EncryptDelegatedDecryptionKey(
		self.rand,
		pending.PakeCode,
		string(rId),
		pending.Invitation.ProtectedCustomerEnrollmentPakeKey,
		ddk.IdentityKey(),
	)
	if nil != err {
		errmsg = "failed sealing delegated decryption key"
		log.Debug(errmsg, "error", err)
		return rel.ProtectedCustomer{}, wrapError(errors.Join(rel.ErrInvalidCertificateInput, err), errmsg)
	}

	log.Debug("submitting enrollment")
	req := rel.AcceptRequest{RelationshipId: rId, CustomerAlias: customerAlias, Enrollment: payload}
	err = self.remote(ctx, func(ctx context.Context) error {
		return self.client.AcceptInvitation(ctx, account.Id, pending.ServerCode, req)
	})
	if nil != err {
		errmsg = "failed submitting enrollment"
		log.Debug(errmsg, "error", err)
		return rel.ProtectedCustomer{}, wrapError(err, errmsg)
	}

	pc := rel.ProtectedCustomer{RelationshipId: rId, Alias: customerAlias, Roles: pending.Invitation.Roles}
	err = self.store.SaveProtectedCustomer(ctx, pc)
	if nil != err {
		errmsg = "failed saving protected customer"
		log.Debug(errmsg, "error", err)
		return rel.ProtectedCustomer{}, wrapError(err, errmsg)
	}

	log.Info("invitation accepted")
	return pc, nil
}

// SyncProtectedCustomers refreshes the local list of customers that enrolled the trusted contact.
//
// Certificates that do not verify or that certify another key are not saved, the related customer is
// kept without certificate.
func (self *Manager) SyncProtectedCustomers(ctx context.Context, account rel.Account) ([]rel.ProtectedCustomer, error) {
	log := observability.GetObservability(ctx).Log().With("op", "sync-protected-customers")

	if err := account.Check(); nil != err {
		return nil, wrapError(err, "invalid account")
	}
	var pcs []rel.ProtectedCustomer
	err := self.remote(ctx, func(ctx context.Context) (err error) {
		pcs, err = self.client.FetchProtectedCustomers(ctx, account.Id)
		return err
	})
	if nil != err {
		return nil, wrapError(err, "failed fetching protected customers")
	}

	var ddk keys.DelegatedDecryptionKey
	err = self.store.LoadDelegatedDecryptionKey(ctx, &ddk)
	if nil != err && !errors.Is(err, rel.ErrNotFound) {
		return nil, wrapError(err, "failed loading delegated decryption key")
	}

	for i, pc := range pcs {
		if pc.IsEndorsed() {
			idk, err := certs.Verify(*pc.Certificate)
			if nil == err && (ddk.IsZero() || !idk.Equal(ddk.IdentityKey())) {
				err = newError("certificate does not certify local key")
			}
			if nil != err {
				log.Warn("dropping invalid certificate", "rId", pc.RelationshipId, "error", err)
				pc.Certificate = nil
			}
		}
		err = self.store.SaveProtectedCustomer(ctx, pc)
		if nil != err {
			return nil, wrapError(err, "failed saving protected customer %s", pc.RelationshipId)
		}
		pcs[i] = pc
	}

	return pcs, nil
}

// checkCustomer returns an error if account can not issue customer requests.
func (self *Manager) checkCustomer(account rel.Account) error {
	if err := account.Check(); nil != err {
		return wrapError(err, "invalid account")
	}
	if !account.IsCustomer() {
		return wrapError(rel.ErrValidation, "account has no authority")
	}
	if nil == self.pop {
		return newError("nil PoP")
	}
	if !self.pop.PublicKey().Equal(account.Authority.HwAuthPublicKey) {
		return wrapError(rel.ErrValidation, "PoP does not hold account hardware key")
	}
	return nil
}

func (self *Manager) prove(ctx context.Context, op string, accountId rel.AccountId, rId rel.RelationshipId, extra []byte) (rel.Proof, error) {
	sig, err := self.pop.Sign(ctx, keys.TagProofOfPossession, rel.PopStatement(op, accountId, rId, extra))
	if nil != err {
		return rel.Proof{}, wrapError(err, "failed obtaining proof of possession")
	}
	return rel.Proof{HwAuthPublicKey: self.pop.PublicKey(), Signature: sig}, nil
}

// remote runs fn with a context bounded by the Manager OpTimeout.
func (self *Manager) remote(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, self.opTimeout)
	defer cancel()
	return fn(ctx)
}

// saveLocal saves inv and aligns secret expiration on it.
func (self *Manager) saveLocal(ctx context.Context, inv rel.Invitation, secret rel.PakeEnrollmentSecret) error {
	secret.ExpiresAt = inv.ExpiresAt.Add(self.secretRetention)
	err := self.store.SaveEnrollmentSecret(ctx, secret)
	if nil != err {
		return err
	}
	return self.store.SaveInvitation(ctx, inv)
}

func (self *Manager) loadInvitation(ctx context.Context, rId rel.RelationshipId) (rel.Invitation, error) {
	invs, err := self.store.ListInvitations(ctx)
	if nil != err {
		return rel.Invitation{}, wrapError(err, "failed listing invitations")
	}
	for _, inv := range invs {
		if rId == inv.RelationshipId {
			return inv, nil
		}
	}
	return rel.Invitation{}, wrapError(rel.ErrNotFound, "no pending invitation %s", rId)
}

func (self *Manager) discardSecret(ctx context.Context, rId rel.RelationshipId) {
	err := self.store.RemoveEnrollmentSecret(ctx, rId)
	if nil != err {
		observability.GetObservability(ctx).Log().Debug("failed discarding enrollment secret", "rId", rId, "error", err)
	}
}

// delegatedDecryptionKey returns the trusted contact key, generating it on first use.
func (self *Manager) delegatedDecryptionKey(ctx context.Context) (keys.DelegatedDecryptionKey, error) {
	var ddk keys.DelegatedDecryptionKey
	err := self.store.LoadDelegatedDecryptionKey(ctx, &ddk)
	if nil == err {
		return ddk, nil
	}
	if !errors.Is(err, rel.ErrNotFound) {
		return ddk, err
	}

	ddk, err = keys.GenerateDelegatedDecryptionKey(self.rand)
	if nil != err {
		return ddk, err
	}
	err = self.store.SaveDelegatedDecryptionKey(ctx, ddk)

	return ddk, err
}
