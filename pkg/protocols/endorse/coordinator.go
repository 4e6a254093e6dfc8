// Package endorse implements the customer side authentication and endorsement of trusted contacts.
//
// Each contact is processed in isolation. Cryptographic failures are recorded as the contact
// AuthenticationState and reported in its Outcome, they never abort a batch. Failures to reach the
// relationship service are returned as errors so that the caller may retry the whole batch.
package endorse

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"code.kerpass.org/trustedcontacts/internal/observability"
	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/pake"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
)

const (
	DefaultConcurrency = 4
	DefaultOpTimeout   = 10 * time.Second
)

// Cfg holds the Coordinator settings.
type Cfg struct {
	Store  rel.Store
	Client rel.ServiceClient

	// Concurrency bounds the number of contacts processed in parallel.
	Concurrency int

	// OpTimeout bounds each relationship service call.
	OpTimeout time.Duration

	Clock func() time.Time
}

// Check returns an error if self is not usable.
func (self Cfg) Check() error {
	if nil == self.Store {
		return newError("nil Store")
	}
	if nil == self.Client {
		return newError("nil Client")
	}
	if self.Concurrency < 0 {
		return newError("negative Concurrency")
	}
	if self.OpTimeout < 0 {
		return newError("negative OpTimeout")
	}
	return nil
}

// Outcome records what happened to one contact during a batch.
type Outcome struct {
	RelationshipId rel.RelationshipId
	Alias          string
	Previous       rel.AuthenticationState
	State          rel.AuthenticationState

	// Cause is the reason why the contact did not reach Verified.
	Cause error

	// Certificate is set when a certificate was published for the contact.
	Certificate *certs.KeyCertificate

	At time.Time

	// Skipped is set when the contact was not processed, State then repeats the recorded state.
	Skipped bool
}

// Coordinator authenticates enrollment payloads and issues key certificates.
type Coordinator struct {
	store       rel.Store
	client      rel.ServiceClient
	concurrency int
	opTimeout   time.Duration
	clock       func() time.Time
}

// NewCoordinator returns a Coordinator configured with cfg.
func NewCoordinator(cfg Cfg) (*Coordinator, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid Cfg")
	}

	rv := &Coordinator{
		store:       cfg.Store,
		client:      cfg.Client,
		concurrency: cfg.Concurrency,
		opTimeout:   cfg.OpTimeout,
		clock:       cfg.Clock,
	}
	if 0 == rv.concurrency {
		rv.concurrency = DefaultConcurrency
	}
	if 0 == rv.opTimeout {
		rv.opTimeout = DefaultOpTimeout
	}
	if nil == rv.clock {
		rv.clock = time.Now
	}

	return rv, nil
}

// pendingEndorsement is a certificate waiting for publication.
type pendingEndorsement struct {
	pos     int
	contact rel.Contact
	cert    certs.KeyCertificate
}

// AuthenticateAndEndorse authenticates the enrollment payload of each contact and endorses the
// contacts that pass.
//
// Certificates are published in a single upload. If the upload fails the error is returned and the
// authenticated contacts remain Unauthenticated so that the batch can be retried.
// A contact whose store access fails is reported Skipped with the store error as Cause, the other
// contacts are still endorsed and the store errors are returned after publication.
func (self *Coordinator) AuthenticateAndEndorse(ctx context.Context, account rel.Account, contacts []rel.UnendorsedTrustedContact) ([]Outcome, error) {
	log := observability.GetObservability(ctx).Log().With("op", "authenticate-and-endorse", "count", len(contacts))

	err := checkAuthority(account)
	if nil != err {
		return nil, err
	}

	outcomes := make([]Outcome, len(contacts))
	pending := make([]*pendingEndorsement, len(contacts))
	storeErrs := make([]error, len(contacts))
	seen := make(map[rel.RelationshipId]bool, len(contacts))

	var g errgroup.Group
	g.SetLimit(self.concurrency)
	for pos, utc := range contacts {
		if seen[utc.RelationshipId] {
			outcomes[pos] = self.skipped(utc, wrapError(rel.ErrConflict, "duplicate contact"))
			continue
		}
		seen[utc.RelationshipId] = true
		g.Go(func() error {
			outcomes[pos], pending[pos], storeErrs[pos] = self.authenticate(ctx, account.Authority, utc)
			if nil != pending[pos] {
				pending[pos].pos = pos
			}
			return nil
		})
	}
	_ = g.Wait()
	storeErr := errors.Join(storeErrs...)
	if nil != storeErr {
		log.Error("failed accessing store", "error", storeErr)
		storeErr = wrapError(storeErr, "failed authenticating contacts")
	}

	err = self.publish(ctx, account.Id, compact(pending), outcomes, EventEndorsed)
	if nil != err {
		log.Error("failed publishing certificates", "error", err)
		return outcomes, joinErrors(err, storeErr)
	}
	for _, p := range compact(pending) {
		err = self.store.RemoveEnrollmentSecret(ctx, p.contact.Info().RelationshipId)
		if nil != err {
			log.Debug("failed removing enrollment secret", "rId", p.contact.Info().RelationshipId, "error", err)
		}
	}

	return outcomes, storeErr
}

// authenticate opens the enrollment payload of utc and prepares its certificate.
// Failures are recorded in the store, the returned error reports store failures only.
func (self *Coordinator) authenticate(ctx context.Context, authority certs.Authority, utc rel.UnendorsedTrustedContact) (Outcome, *pendingEndorsement, error) {
	rId := utc.RelationshipId
	log := observability.GetObservability(ctx).Log().With("step", "authenticate", "rId", rId)

	// the store is the source of truth of the contact state
	cur, err := self.store.LoadContact(ctx, rId)
	switch {
	case nil == err:
		stored, unendorsed := cur.(rel.UnendorsedTrustedContact)
		if !unendorsed {
			return self.skipped(cur, wrapError(rel.ErrConflict, "contact already endorsed")), nil, nil
		}
		utc = stored
	case errors.Is(err, rel.ErrNotFound):
		utc.AuthenticationState = rel.Unauthenticated
	default:
		return self.skipped(utc, err), nil, wrapError(err, "failed loading contact %s", rId)
	}
	if err = utc.Check(); nil != err {
		log.Warn("invalid contact", "error", err)
		return self.skipped(utc, errors.Join(rel.ErrInvalidCertificateInput, err)), nil, nil
	}
	if utc.AuthenticationState.IsTerminalFailure() {
		log.Debug("contact in terminal state", "state", utc.AuthenticationState)
		return self.skipped(utc, nil), nil, nil
	}

	log.Debug("loading enrollment secret")
	var secret rel.PakeEnrollmentSecret
	err = self.store.LoadEnrollmentSecret(ctx, rId, &secret)
	if nil == err && secret.IsExpired(self.clock()) {
		err = wrapError(rel.ErrExpired, "enrollment secret expired")
	}
	if nil != err {
		if !errors.Is(err, rel.ErrNotFound) && !errors.Is(err, rel.ErrExpired) {
			return self.skipped(utc, err), nil, wrapError(err, "failed loading enrollment secret %s", rId)
		}
		return self.record(ctx, utc, EventPakeDataMissing, errors.Join(rel.ErrPakeDataUnavailable, err))
	}

	log.Debug("opening enrollment payload")
	idk, err := pake.DecryptDelegatedDecryptionKey(secret.EnrollmentKey, utc.Enrollment)
	if nil != err {
		flag := rel.ErrKeyConfirmationMismatch
		if !errors.Is(err, pake.ErrKeyConfirmation) {
			log.Warn("malformed enrollment payload", "error", err)
			flag = rel.ErrInvalidCertificateInput
		}
		return self.record(ctx, utc, EventKeyConfirmationFailed, errors.Join(flag, err))
	}

	log.Debug("issuing certificate")
	cert, err := issue(idk, authority)
	if nil != err {
		// nothing is recorded, the contact stays Unauthenticated
		log.Warn("failed issuing certificate", "error", err)
		return self.outcome(utc, utc.AuthenticationState, err), nil, nil
	}

	return self.outcome(utc, utc.AuthenticationState, nil), &pendingEndorsement{contact: utc, cert: cert}, nil
}

// AuthenticateRegenerateAndEndorse reissues the certificates of Verified contacts after the customer
// rotated its authority keys. account.Authority holds the new keys: its AppKey is the new app
// authentication key and its AppAuthKeyHwSignature is the hardware signature of that key.
//
// A contact whose current certificate does not verify under oldApp and oldHw is marked Tampered and
// excluded from the new certificate set.
func (self *Coordinator) AuthenticateRegenerateAndEndorse(ctx context.Context, account rel.Account, contacts []rel.EndorsedTrustedContact, oldApp keys.AuthPublicKey, oldHw keys.AuthPublicKey) ([]Outcome, error) {
	log := observability.GetObservability(ctx).Log().With("op", "authenticate-regenerate-and-endorse", "count", len(contacts))

	err := checkAuthority(account)
	if nil != err {
		return nil, err
	}
	if oldApp.IsZero() || oldHw.IsZero() {
		return nil, wrapError(rel.ErrValidation, "missing old authority keys")
	}

	outcomes := make([]Outcome, len(contacts))
	pending := make([]*pendingEndorsement, len(contacts))
	storeErrs := make([]error, len(contacts))
	seen := make(map[rel.RelationshipId]bool, len(contacts))

	var g errgroup.Group
	g.SetLimit(self.concurrency)
	for pos, etc := range contacts {
		if seen[etc.RelationshipId] {
			outcomes[pos] = self.skipped(etc, wrapError(rel.ErrConflict, "duplicate contact"))
			continue
		}
		seen[etc.RelationshipId] = true
		g.Go(func() error {
			outcomes[pos], pending[pos], storeErrs[pos] = self.regenerate(ctx, account.Authority, etc, oldApp, oldHw)
			if nil != pending[pos] {
				pending[pos].pos = pos
			}
			return nil
		})
	}
	_ = g.Wait()
	storeErr := errors.Join(storeErrs...)
	if nil != storeErr {
		log.Error("failed accessing store", "error", storeErr)
		storeErr = wrapError(storeErr, "failed regenerating certificates")
	}

	err = self.publish(ctx, account.Id, compact(pending), outcomes, EventReissued)
	if nil != err {
		log.Error("failed publishing certificates", "error", err)
		return outcomes, joinErrors(err, storeErr)
	}

	return outcomes, storeErr
}

// regenerate checks the current certificate of etc and prepares its replacement.
func (self *Coordinator) regenerate(ctx context.Context, authority certs.Authority, etc rel.EndorsedTrustedContact, oldApp keys.AuthPublicKey, oldHw keys.AuthPublicKey) (Outcome, *pendingEndorsement, error) {
	rId := etc.RelationshipId
	log := observability.GetObservability(ctx).Log().With("step", "regenerate", "rId", rId)

	cur, err := self.store.LoadContact(ctx, rId)
	switch {
	case nil == err:
		stored, endorsed := cur.(rel.EndorsedTrustedContact)
		if !endorsed {
			return self.skipped(cur, wrapError(rel.ErrConflict, "contact not endorsed")), nil, nil
		}
		etc = stored
	case errors.Is(err, rel.ErrNotFound):
		return self.skipped(etc, err), nil, nil
	default:
		return self.skipped(etc, err), nil, wrapError(err, "failed loading contact %s", rId)
	}
	if rel.Verified != etc.AuthenticationState {
		log.Debug("contact not verified", "state", etc.AuthenticationState)
		return self.skipped(etc, nil), nil, nil
	}

	log.Debug("verifying certificate against old authority")
	idk, err := certs.VerifyIssuedBy(etc.Certificate, oldApp, oldHw)
	if nil == err && !idk.Equal(etc.IdentityKey) {
		err = wrapError(certs.ErrVerification, "certificate does not certify contact identity key")
	}
	if nil != err {
		log.Warn("certificate rejected", "error", err)
		return self.record(ctx, etc, EventCertificateRejected, errors.Join(rel.ErrCertificateVerification, err))
	}

	log.Debug("issuing certificate under new authority")
	cert, err := issue(idk, authority)
	if nil != err {
		log.Warn("regenerated certificate rejected", "error", err)
		return self.record(ctx, etc, EventCertificateRejected, err)
	}

	return self.outcome(etc, etc.AuthenticationState, nil), &pendingEndorsement{contact: etc, cert: cert}, nil
}

// VerifyEndorsedContacts returns the identity keys of the Verified contacts whose certificate was
// issued by the account current authority. It does not modify the store.
func (self *Coordinator) VerifyEndorsedContacts(ctx context.Context, account rel.Account, contacts []rel.EndorsedTrustedContact) (map[rel.RelationshipId]keys.IdentityKey, error) {
	log := observability.GetObservability(ctx).Log().With("op", "verify-endorsed-contacts")

	err := checkAuthority(account)
	if nil != err {
		return nil, err
	}
	app := account.Authority.AppAuthPublicKey()
	hw := account.Authority.HwAuthPublicKey

	rv := make(map[rel.RelationshipId]keys.IdentityKey, len(contacts))
	for _, etc := range contacts {
		if rel.Verified != etc.AuthenticationState {
			continue
		}
		idk, err := certs.VerifyIssuedBy(etc.Certificate, app, hw)
		if nil != err || !idk.Equal(etc.IdentityKey) {
			log.Debug("certificate not issued by current authority", "rId", etc.RelationshipId, "error", err)
			continue
		}
		rv[etc.RelationshipId] = idk
	}

	return rv, nil
}

// Sync merges the relationship service snapshot in the store and endorses the unendorsed contacts.
func (self *Coordinator) Sync(ctx context.Context, account rel.Account) ([]Outcome, error) {
	err := checkAuthority(account)
	if nil != err {
		return nil, err
	}

	var rels rel.Relationships
	err = self.remote(ctx, func(ctx context.Context) (err error) {
		rels, err = self.client.FetchRelationships(ctx, account.Id)
		return err
	})
	if nil != err {
		return nil, wrapError(err, "failed fetching relationships")
	}
	err = self.store.SyncRelationships(ctx, account.Authority, rels)
	if nil != err {
		return nil, wrapError(err, "failed merging relationships")
	}
	unendorsed, err := self.store.ListUnendorsedContacts(ctx)
	if nil != err {
		return nil, wrapError(err, "failed listing unendorsed contacts")
	}

	return self.AuthenticateAndEndorse(ctx, account, unendorsed)
}

// publish uploads the certificates of pending and records ev for each of them.
func (self *Coordinator) publish(ctx context.Context, accountId rel.AccountId, pending []*pendingEndorsement, outcomes []Outcome, ev Event) error {
	if 0 == len(pending) {
		return nil
	}

	endorsements := make([]rel.Endorsement, 0, len(pending))
	for _, p := range pending {
		endorsements = append(endorsements, rel.Endorsement{RelationshipId: p.contact.Info().RelationshipId, Certificate: p.cert})
	}
	err := self.remote(ctx, func(ctx context.Context) error {
		return self.client.UploadKeyCertificates(ctx, accountId, endorsements)
	})
	if nil != err {
		for _, p := range pending {
			outcomes[p.pos].Cause = err
		}
		return wrapError(err, "failed uploading %d certificates", len(endorsements))
	}

	var errs []error
	for _, p := range pending {
		out, err := self.commit(ctx, p, ev)
		outcomes[p.pos] = out
		if nil != err {
			errs = append(errs, err)
		}
	}

	return wrapError(errors.Join(errs...), "failed saving endorsed contacts") // nil if no errors
}

// commit saves the endorsed contact of p once its certificate is published.
func (self *Coordinator) commit(ctx context.Context, p *pendingEndorsement, ev Event) (Outcome, error) {
	info := p.contact.Info()
	next, err := transition(info.AuthenticationState, ev)
	if nil != err {
		return self.outcome(p.contact, info.AuthenticationState, err), err
	}
	etc := rel.EndorsedTrustedContact{
		ContactInfo: info,
		IdentityKey: p.cert.DelegatedDecryptionKey,
		Certificate: p.cert,
	}
	etc.AuthenticationState = next

	_, err = self.store.UpdateContact(ctx, info.RelationshipId, func(cur rel.Contact) (rel.Contact, error) {
		if !unchanged(cur, p.contact) {
			return nil, wrapError(rel.ErrConflict, "contact %s changed during endorsement", info.RelationshipId)
		}
		return etc, nil
	})
	if nil != err {
		return self.outcome(p.contact, info.AuthenticationState, err), wrapError(err, "failed saving contact %s", info.RelationshipId)
	}

	out := self.outcome(p.contact, next, nil)
	out.Certificate = &p.cert
	observability.GetObservability(ctx).Log().Info("contact endorsed", "rId", info.RelationshipId, "event", ev)

	return out, nil
}

// record applies ev to c in the store.
// The returned error reports store failures only, cause is reported in the Outcome.
// On store failure the Outcome is Skipped and its Cause carries the store error.
func (self *Coordinator) record(ctx context.Context, c rel.Contact, ev Event, cause error) (Outcome, *pendingEndorsement, error) {
	info := c.Info()
	next, err := transition(info.AuthenticationState, ev)
	if nil != err {
		return self.outcome(c, info.AuthenticationState, errors.Join(cause, err)), nil, nil
	}
	updated, err := rel.WithState(c, next)
	if nil != err {
		return self.skipped(c, errors.Join(cause, err)), nil, wrapError(err, "failed updating contact state")
	}

	_, err = self.store.UpdateContact(ctx, info.RelationshipId, func(cur rel.Contact) (rel.Contact, error) {
		if nil != cur && !unchanged(cur, c) {
			return nil, wrapError(rel.ErrConflict, "contact %s changed during authentication", info.RelationshipId)
		}
		return updated, nil
	})
	if nil != err {
		if errors.Is(err, rel.ErrConflict) {
			return self.skipped(c, errors.Join(cause, err)), nil, nil
		}
		return self.skipped(c, errors.Join(cause, err)), nil, wrapError(err, "failed saving contact %s", info.RelationshipId)
	}

	observability.GetObservability(ctx).Log().Info("contact state changed", "rId", info.RelationshipId, "state", next, "cause", cause)
	return self.outcome(c, next, cause), nil, nil
}

func (self *Coordinator) outcome(c rel.Contact, state rel.AuthenticationState, cause error) Outcome {
	info := c.Info()
	return Outcome{
		RelationshipId: info.RelationshipId,
		Alias:          info.Alias,
		Previous:       info.AuthenticationState,
		State:          state,
		Cause:          cause,
		At:             self.clock(),
	}
}

func (self *Coordinator) skipped(c rel.Contact, cause error) Outcome {
	out := self.outcome(c, c.Info().AuthenticationState, cause)
	out.Skipped = true
	return out
}

// joinErrors returns err joined with storeErr when the latter is set.
func joinErrors(err error, storeErr error) error {
	if nil == storeErr {
		return err
	}
	return errors.Join(err, storeErr)
}

// remote runs fn with a context bounded by the Coordinator OpTimeout.
func (self *Coordinator) remote(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, self.opTimeout)
	defer cancel()
	return fn(ctx)
}

// issue generates the certificate of idk and checks that it verifies under authority.
func issue(idk keys.IdentityKey, authority certs.Authority) (certs.KeyCertificate, error) {
	cert, err := certs.Generate(idk, authority)
	if nil != err {
		return cert, wrapError(errors.Join(rel.ErrCertificateVerification, err), "failed generating certificate")
	}
	certified, err := certs.VerifyIssuedBy(cert, authority.AppAuthPublicKey(), authority.HwAuthPublicKey)
	if nil == err && !certified.Equal(idk) {
		err = newError("certificate does not certify identity key")
	}
	if nil != err {
		return cert, wrapError(errors.Join(rel.ErrCertificateVerification, err), "inconsistent certificate")
	}
	return cert, nil
}

// unchanged returns true if cur still holds c as it was when processing started.
func unchanged(cur rel.Contact, c rel.Contact) bool {
	if nil == cur {
		_, unendorsed := c.(rel.UnendorsedTrustedContact)
		return unendorsed
	}
	return cur.Info().AuthenticationState == c.Info().AuthenticationState && rel.SameContent(cur, c)
}

func checkAuthority(account rel.Account) error {
	if err := account.Check(); nil != err {
		return wrapError(err, "invalid account")
	}
	if err := account.Authority.Check(); nil != err {
		return wrapError(errors.Join(rel.ErrValidation, err), "invalid account authority")
	}
	return nil
}

func compact(pending []*pendingEndorsement) []*pendingEndorsement {
	rv := make([]*pendingEndorsement, 0, len(pending))
	for _, p := range pending {
		if nil != p {
			rv = append(rv, p)
		}
	}
	return rv
}
