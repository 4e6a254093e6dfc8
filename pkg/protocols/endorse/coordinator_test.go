package endorse_test

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"code.kerpass.org/trustedcontacts/internal/observability"
	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/pake"
	"code.kerpass.org/trustedcontacts/pkg/protocols/endorse"
	"code.kerpass.org/trustedcontacts/pkg/protocols/invite"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
	"code.kerpass.org/trustedcontacts/pkg/relationships/storetest"
	"code.kerpass.org/trustedcontacts/pkg/relay"
)

// recordingClient records certificate uploads and serves rels snapshot,
// other ServiceClient methods are not implemented.
type recordingClient struct {
	rel.ServiceClient
	mut     sync.Mutex
	uploads [][]rel.Endorsement
	fail    error
	rels    rel.Relationships
}

func (self *recordingClient) FetchRelationships(context.Context, rel.AccountId) (rel.Relationships, error) {
	return self.rels, nil
}

func (self *recordingClient) UploadKeyCertificates(ctx context.Context, _ rel.AccountId, endorsements []rel.Endorsement) error {
	self.mut.Lock()
	defer self.mut.Unlock()
	if nil != self.fail {
		return self.fail
	}
	self.uploads = append(self.uploads, endorsements)
	return nil
}

func (self *recordingClient) uploaded() []rel.Endorsement {
	self.mut.Lock()
	defer self.mut.Unlock()
	var rv []rel.Endorsement
	for _, u := range self.uploads {
		rv = append(rv, u...)
	}
	return rv
}

var errDisk = errors.New("disk failure")

// failingStore fails store reads of a single relationship.
type failingStore struct {
	*rel.MemStore
	failSecret  rel.RelationshipId
	failContact rel.RelationshipId
}

func (self failingStore) LoadEnrollmentSecret(ctx context.Context, rId rel.RelationshipId, dst *rel.PakeEnrollmentSecret) error {
	if rId == self.failSecret {
		return errDisk
	}
	return self.MemStore.LoadEnrollmentSecret(ctx, rId, dst)
}

func (self failingStore) LoadContact(ctx context.Context, rId rel.RelationshipId) (rel.Contact, error) {
	if rId == self.failContact {
		return nil, errDisk
	}
	return self.MemStore.LoadContact(ctx, rId)
}

type customer struct {
	account rel.Account
	store   *rel.MemStore
	client  *recordingClient
	coord   *endorse.Coordinator
}

func newCustomer(t *testing.T) *customer {
	authority, _ := storetest.NewAuthority(t)
	c := &customer{
		account: rel.Account{Id: rel.NewAccountId(), Authority: authority},
		store:   rel.NewMemStore(),
		client:  &recordingClient{},
	}
	var err error
	c.coord, err = endorse.NewCoordinator(endorse.Cfg{Store: c.store, Client: c.client})
	if nil != err {
		t.Fatalf("failed NewCoordinator, got error %v", err)
	}
	return c
}

// enroll saves the fixture secret and unendorsed contact in the customer store.
func (self *customer) enroll(t *testing.T, fx storetest.Fixture, utc rel.UnendorsedTrustedContact) {
	ctx := context.Background()
	err := self.store.SaveEnrollmentSecret(ctx, fx.Secret)
	if nil != err {
		t.Fatalf("failed SaveEnrollmentSecret, got error %v", err)
	}
	self.put(t, utc)
}

func (self *customer) put(t *testing.T, c rel.Contact) {
	_, err := self.store.UpdateContact(context.Background(), c.Info().RelationshipId, func(rel.Contact) (rel.Contact, error) {
		return c, nil
	})
	if nil != err {
		t.Fatalf("failed UpdateContact, got error %v", err)
	}
}

func (self *customer) state(t *testing.T, rId rel.RelationshipId) rel.AuthenticationState {
	c, err := self.store.LoadContact(context.Background(), rId)
	if nil != err {
		t.Fatalf("failed LoadContact, got error %v", err)
	}
	return c.Info().AuthenticationState
}

func outcomeOf(t *testing.T, outcomes []endorse.Outcome, rId rel.RelationshipId) endorse.Outcome {
	for _, out := range outcomes {
		if rId == out.RelationshipId {
			return out
		}
	}
	t.Fatalf("no outcome for %s", rId)
	return endorse.Outcome{}
}

func TestNewCoordinatorInvalidCfg(t *testing.T) {
	testcases := []endorse.Cfg{
		{},
		{Store: rel.NewMemStore()},
		{Client: &recordingClient{}},
		{Store: rel.NewMemStore(), Client: &recordingClient{}, Concurrency: -1},
		{Store: rel.NewMemStore(), Client: &recordingClient{}, OpTimeout: -time.Second},
	}
	for pos, cfg := range testcases {
		_, err := endorse.NewCoordinator(cfg)
		if nil == err {
			t.Errorf("case #%d: failed invalid Cfg control", pos)
		}
	}
}

func TestAuthenticateAndEndorseIsolation(t *testing.T) {
	observability.SetTestDebugLogging(t)
	ctx := context.Background()
	cust := newCustomer(t)

	good := storetest.NewFixture(t, rel.NewRelationshipId())
	cust.enroll(t, good, good.Unendorsed("good"))

	bad := storetest.NewFixture(t, rel.NewRelationshipId())
	tampered := bad.Unendorsed("bad")
	tampered.Enrollment.KeyConfirmation = append([]byte{}, tampered.Enrollment.KeyConfirmation...)
	tampered.Enrollment.KeyConfirmation[0] ^= 0x01
	cust.enroll(t, bad, tampered)

	contacts, err := cust.store.ListUnendorsedContacts(ctx)
	if nil != err {
		t.Fatalf("failed ListUnendorsedContacts, got error %v", err)
	}
	outcomes, err := cust.coord.AuthenticateAndEndorse(ctx, cust.account, contacts)
	if nil != err {
		t.Fatalf("failed AuthenticateAndEndorse, got error %v", err)
	}
	if 2 != len(outcomes) {
		t.Fatalf("failed outcomes length control, got %d", len(outcomes))
	}

	out := outcomeOf(t, outcomes, good.Secret.RelationshipId)
	if rel.Verified != out.State || nil != out.Cause || nil == out.Certificate {
		t.Errorf("failed good outcome control, got %+v", out)
	}
	out = outcomeOf(t, outcomes, bad.Secret.RelationshipId)
	if rel.Failed != out.State || nil != out.Certificate {
		t.Errorf("failed bad outcome control, got %+v", out)
	}
	if !errors.Is(out.Cause, rel.ErrKeyConfirmationMismatch) || !errors.Is(out.Cause, pake.ErrKeyConfirmation) {
		t.Errorf("failed bad outcome cause control, got %v", out.Cause)
	}

	uploaded := cust.client.uploaded()
	if 1 != len(uploaded) {
		t.Fatalf("failed uploaded certificates control, got %d", len(uploaded))
	}
	if good.Secret.RelationshipId != uploaded[0].RelationshipId {
		t.Errorf("failed uploaded RelationshipId control")
	}
	idk, err := certs.Verify(uploaded[0].Certificate)
	if nil != err {
		t.Fatalf("failed certs.Verify, got error %v", err)
	}
	if !idk.Equal(good.Ddk.IdentityKey()) {
		t.Errorf("failed certified key control")
	}

	if rel.Verified != cust.state(t, good.Secret.RelationshipId) {
		t.Errorf("failed good stored state control")
	}
	if rel.Failed != cust.state(t, bad.Secret.RelationshipId) {
		t.Errorf("failed bad stored state control")
	}

	// secret of the endorsed contact is discarded, the failed one is kept
	var secret rel.PakeEnrollmentSecret
	err = cust.store.LoadEnrollmentSecret(ctx, good.Secret.RelationshipId, &secret)
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed good secret removal control, got %v", err)
	}
	err = cust.store.LoadEnrollmentSecret(ctx, bad.Secret.RelationshipId, &secret)
	if nil != err {
		t.Errorf("failed bad secret control, got error %v", err)
	}

	// terminal states are not processed again
	contacts, err = cust.store.ListUnendorsedContacts(ctx)
	if nil != err {
		t.Fatalf("failed ListUnendorsedContacts, got error %v", err)
	}
	outcomes, err = cust.coord.AuthenticateAndEndorse(ctx, cust.account, contacts)
	if nil != err {
		t.Fatalf("failed second AuthenticateAndEndorse, got error %v", err)
	}
	if 1 != len(outcomes) || !outcomes[0].Skipped || rel.Failed != outcomes[0].State {
		t.Errorf("failed terminal state skip control, got %+v", outcomes)
	}
	if 1 != len(cust.client.uploads) {
		t.Errorf("failed upload count control, got %d", len(cust.client.uploads))
	}
}

func TestAuthenticateAndEndorseStoreFailure(t *testing.T) {
	ctx := context.Background()
	cust := newCustomer(t)

	good := storetest.NewFixture(t, rel.NewRelationshipId())
	cust.enroll(t, good, good.Unendorsed("good"))
	bad := storetest.NewFixture(t, rel.NewRelationshipId())
	cust.enroll(t, bad, bad.Unendorsed("bad"))

	store := failingStore{MemStore: cust.store, failSecret: bad.Secret.RelationshipId}
	coord, err := endorse.NewCoordinator(endorse.Cfg{Store: store, Client: cust.client})
	if nil != err {
		t.Fatalf("failed NewCoordinator, got error %v", err)
	}
	contacts, err := cust.store.ListUnendorsedContacts(ctx)
	if nil != err {
		t.Fatalf("failed ListUnendorsedContacts, got error %v", err)
	}
	outcomes, err := coord.AuthenticateAndEndorse(ctx, cust.account, contacts)
	if !errors.Is(err, errDisk) {
		t.Errorf("failed store error control, got %v", err)
	}

	out := outcomeOf(t, outcomes, good.Secret.RelationshipId)
	if rel.Verified != out.State || nil != out.Cause || nil == out.Certificate {
		t.Errorf("failed good outcome control, got %+v", out)
	}
	out = outcomeOf(t, outcomes, bad.Secret.RelationshipId)
	if !out.Skipped || rel.Unauthenticated != out.State || !errors.Is(out.Cause, errDisk) {
		t.Errorf("failed bad outcome control, got %+v", out)
	}
	uploaded := cust.client.uploaded()
	if 1 != len(uploaded) || good.Secret.RelationshipId != uploaded[0].RelationshipId {
		t.Fatalf("failed uploaded certificates control, got %+v", uploaded)
	}
	if rel.Verified != cust.state(t, good.Secret.RelationshipId) {
		t.Errorf("failed good stored state control")
	}
	if rel.Unauthenticated != cust.state(t, bad.Secret.RelationshipId) {
		t.Errorf("failed bad stored state control")
	}
}

func TestAuthenticateAndEndorseMissingPakeData(t *testing.T) {
	ctx := context.Background()
	cust := newCustomer(t)
	clock := time.Now()
	coord, err := endorse.NewCoordinator(endorse.Cfg{
		Store:  cust.store,
		Client: cust.client,
		Clock:  func() time.Time { return clock },
	})
	if nil != err {
		t.Fatalf("failed NewCoordinator, got error %v", err)
	}

	missing := storetest.NewFixture(t, rel.NewRelationshipId())
	cust.put(t, missing.Unendorsed("missing"))

	expired := storetest.NewFixture(t, rel.NewRelationshipId())
	expired.Secret.ExpiresAt = clock.Add(-time.Minute)
	cust.enroll(t, expired, expired.Unendorsed("expired"))

	valid := storetest.NewFixture(t, rel.NewRelationshipId())
	cust.enroll(t, valid, valid.Unendorsed("valid"))

	contacts := []rel.UnendorsedTrustedContact{
		missing.Unendorsed("missing"),
		expired.Unendorsed("expired"),
		valid.Unendorsed("valid"),
	}
	outcomes, err := coord.AuthenticateAndEndorse(ctx, cust.account, contacts)
	if nil != err {
		t.Fatalf("failed AuthenticateAndEndorse, got error %v", err)
	}

	for pos, fx := range []storetest.Fixture{missing, expired} {
		out := outcomes[pos]
		if rel.PakeDataUnavailable != out.State || !errors.Is(out.Cause, rel.ErrPakeDataUnavailable) {
			t.Errorf("case #%d: failed outcome control, got %+v", pos, out)
		}
		if rel.PakeDataUnavailable != cust.state(t, fx.Secret.RelationshipId) {
			t.Errorf("case #%d: failed stored state control", pos)
		}
	}
	if rel.Verified != outcomes[2].State {
		t.Errorf("failed valid outcome control, got %+v", outcomes[2])
	}

	uploaded := cust.client.uploaded()
	if 1 != len(uploaded) || valid.Secret.RelationshipId != uploaded[0].RelationshipId {
		t.Errorf("failed uploaded certificates control, got %d", len(uploaded))
	}
}

func TestAuthenticateAndEndorseUploadFailure(t *testing.T) {
	ctx := context.Background()
	cust := newCustomer(t)
	cust.client.fail = errors.Join(rel.ErrNetwork, errors.New("connection refused"))

	fx := storetest.NewFixture(t, rel.NewRelationshipId())
	cust.enroll(t, fx, fx.Unendorsed("bob"))
	contacts := []rel.UnendorsedTrustedContact{fx.Unendorsed("bob")}

	outcomes, err := cust.coord.AuthenticateAndEndorse(ctx, cust.account, contacts)
	if !errors.Is(err, rel.ErrNetwork) {
		t.Fatalf("failed upload error control, got %v", err)
	}
	if 1 != len(outcomes) || rel.Unauthenticated != outcomes[0].State || !errors.Is(outcomes[0].Cause, rel.ErrNetwork) {
		t.Errorf("failed outcome control, got %+v", outcomes)
	}
	if rel.Unauthenticated != cust.state(t, fx.Secret.RelationshipId) {
		t.Errorf("failed stored state control")
	}

	// the batch can be retried
	cust.client.fail = nil
	outcomes, err = cust.coord.AuthenticateAndEndorse(ctx, cust.account, contacts)
	if nil != err {
		t.Fatalf("failed retry, got error %v", err)
	}
	if rel.Verified != outcomes[0].State {
		t.Errorf("failed retry outcome control, got %+v", outcomes[0])
	}
	endorsed, err := cust.store.ListEndorsedContacts(ctx)
	if nil != err {
		t.Fatalf("failed ListEndorsedContacts, got error %v", err)
	}
	if 1 != len(endorsed) || !endorsed[0].IdentityKey.Equal(fx.Ddk.IdentityKey()) {
		t.Errorf("failed endorsed contacts control")
	}
}

func TestAuthenticateAndEndorseDuplicates(t *testing.T) {
	ctx := context.Background()
	cust := newCustomer(t)
	fx := storetest.NewFixture(t, rel.NewRelationshipId())
	cust.enroll(t, fx, fx.Unendorsed("bob"))

	contacts := []rel.UnendorsedTrustedContact{fx.Unendorsed("bob"), fx.Unendorsed("bob")}
	outcomes, err := cust.coord.AuthenticateAndEndorse(ctx, cust.account, contacts)
	if nil != err {
		t.Fatalf("failed AuthenticateAndEndorse, got error %v", err)
	}
	if !outcomes[1].Skipped || !errors.Is(outcomes[1].Cause, rel.ErrConflict) {
		t.Errorf("failed duplicate outcome control, got %+v", outcomes[1])
	}
	if 1 != len(cust.client.uploaded()) {
		t.Errorf("failed single upload control")
	}
}

func TestAuthenticateAndEndorseInvalidAccount(t *testing.T) {
	cust := newCustomer(t)
	account := rel.Account{Id: cust.account.Id}
	_, err := cust.coord.AuthenticateAndEndorse(context.Background(), account, nil)
	if !errors.Is(err, rel.ErrValidation) {
		t.Errorf("failed invalid account control, got %v", err)
	}
}

func TestAuthenticateRegenerateAndEndorse(t *testing.T) {
	ctx := context.Background()
	cust := newCustomer(t)
	oldAuthority := cust.account.Authority

	// intact contacts certified by the old authority
	var intact []storetest.Fixture
	for range 3 {
		fx := storetest.NewFixture(t, rel.NewRelationshipId())
		fx.Authority = oldAuthority
		cust.put(t, fx.Endorsed(t, "intact"))
		intact = append(intact, fx)
	}

	// forged contact certified by another authority
	forged := storetest.NewFixture(t, rel.NewRelationshipId())
	cust.put(t, forged.Endorsed(t, "forged"))

	// rotate both authority keys
	newAuthority, _ := storetest.NewAuthority(t)
	cust.account.Authority = newAuthority

	contacts, err := cust.store.ListEndorsedContacts(ctx)
	if nil != err {
		t.Fatalf("failed ListEndorsedContacts, got error %v", err)
	}
	outcomes, err := cust.coord.AuthenticateRegenerateAndEndorse(
		ctx,
		cust.account,
		contacts,
		oldAuthority.AppAuthPublicKey(),
		oldAuthority.HwAuthPublicKey,
	)
	if nil != err {
		t.Fatalf("failed AuthenticateRegenerateAndEndorse, got error %v", err)
	}

	out := outcomeOf(t, outcomes, forged.Secret.RelationshipId)
	if rel.Tampered != out.State || !errors.Is(out.Cause, rel.ErrCertificateVerification) {
		t.Errorf("failed forged outcome control, got %+v", out)
	}
	if rel.Tampered != cust.state(t, forged.Secret.RelationshipId) {
		t.Errorf("failed forged stored state control")
	}

	uploaded := cust.client.uploaded()
	if len(intact) != len(uploaded) {
		t.Fatalf("failed uploaded certificates control, got %d", len(uploaded))
	}
	for _, e := range uploaded {
		if forged.Secret.RelationshipId == e.RelationshipId {
			t.Errorf("failed forged exclusion control")
		}
		_, err = certs.VerifyIssuedBy(e.Certificate, newAuthority.AppAuthPublicKey(), newAuthority.HwAuthPublicKey)
		if nil != err {
			t.Errorf("failed new certificate verification, got error %v", err)
		}
	}
	for _, fx := range intact {
		out = outcomeOf(t, outcomes, fx.Secret.RelationshipId)
		if rel.Verified != out.State || nil == out.Certificate {
			t.Errorf("failed intact outcome control, got %+v", out)
		}
		c, err := cust.store.LoadContact(ctx, fx.Secret.RelationshipId)
		if nil != err {
			t.Fatalf("failed LoadContact, got error %v", err)
		}
		etc := c.(rel.EndorsedTrustedContact)
		if !etc.Certificate.IssuedBy(newAuthority.AppAuthPublicKey(), newAuthority.HwAuthPublicKey) {
			t.Errorf("failed stored certificate issuer control")
		}
	}

	// tampered contacts are not reissued on later rotations
	contacts, err = cust.store.ListEndorsedContacts(ctx)
	if nil != err {
		t.Fatalf("failed ListEndorsedContacts, got error %v", err)
	}
	outcomes, err = cust.coord.AuthenticateRegenerateAndEndorse(ctx, cust.account, contacts, newAuthority.AppAuthPublicKey(), newAuthority.HwAuthPublicKey)
	if nil != err {
		t.Fatalf("failed second AuthenticateRegenerateAndEndorse, got error %v", err)
	}
	out = outcomeOf(t, outcomes, forged.Secret.RelationshipId)
	if !out.Skipped || rel.Tampered != out.State {
		t.Errorf("failed tampered skip control, got %+v", out)
	}
}

func TestAuthenticateRegenerateAndEndorseStoreFailure(t *testing.T) {
	ctx := context.Background()
	cust := newCustomer(t)
	oldAuthority := cust.account.Authority

	good := storetest.NewFixture(t, rel.NewRelationshipId())
	good.Authority = oldAuthority
	cust.put(t, good.Endorsed(t, "good"))
	bad := storetest.NewFixture(t, rel.NewRelationshipId())
	bad.Authority = oldAuthority
	cust.put(t, bad.Endorsed(t, "bad"))

	cust.account.Authority, _ = storetest.NewAuthority(t)
	store := failingStore{MemStore: cust.store, failContact: bad.Secret.RelationshipId}
	coord, err := endorse.NewCoordinator(endorse.Cfg{Store: store, Client: cust.client})
	if nil != err {
		t.Fatalf("failed NewCoordinator, got error %v", err)
	}
	contacts, err := cust.store.ListEndorsedContacts(ctx)
	if nil != err {
		t.Fatalf("failed ListEndorsedContacts, got error %v", err)
	}
	outcomes, err := coord.AuthenticateRegenerateAndEndorse(ctx, cust.account, contacts, oldAuthority.AppAuthPublicKey(), oldAuthority.HwAuthPublicKey)
	if !errors.Is(err, errDisk) {
		t.Errorf("failed store error control, got %v", err)
	}

	out := outcomeOf(t, outcomes, good.Secret.RelationshipId)
	if rel.Verified != out.State || nil == out.Certificate {
		t.Errorf("failed good outcome control, got %+v", out)
	}
	out = outcomeOf(t, outcomes, bad.Secret.RelationshipId)
	if !out.Skipped || !errors.Is(out.Cause, errDisk) {
		t.Errorf("failed bad outcome control, got %+v", out)
	}
	uploaded := cust.client.uploaded()
	if 1 != len(uploaded) || good.Secret.RelationshipId != uploaded[0].RelationshipId {
		t.Errorf("failed uploaded certificates control, got %+v", uploaded)
	}
}

func TestSyncDoesNotTrustRelayStates(t *testing.T) {
	ctx := context.Background()
	cust := newCustomer(t)

	// failed locally, the relay reports a certificate from a foreign authority
	failed := storetest.NewFixture(t, rel.NewRelationshipId())
	utc := failed.Unendorsed("failed")
	utc.AuthenticationState = rel.Failed
	cust.enroll(t, failed, utc)
	forged := failed.Endorsed(t, "failed")

	// unknown locally, the relay reports a foreign certificate as Verified
	planted := storetest.NewFixture(t, rel.NewRelationshipId()).Endorsed(t, "planted")

	// pending locally, the relay holds the certificate issued by the customer
	pending := storetest.NewFixture(t, rel.NewRelationshipId())
	cust.enroll(t, pending, pending.Unendorsed("pending"))
	pending.Authority = cust.account.Authority
	published := pending.Endorsed(t, "pending")
	published.AuthenticationState = rel.Tampered

	cust.client.rels = rel.Relationships{Endorsed: []rel.EndorsedTrustedContact{forged, planted, published}}
	outcomes, err := cust.coord.Sync(ctx, cust.account)
	if nil != err {
		t.Fatalf("failed Sync, got error %v", err)
	}
	if 1 != len(outcomes) || !outcomes[0].Skipped || rel.Failed != outcomes[0].State {
		t.Errorf("failed outcomes control, got %+v", outcomes)
	}
	if 0 != len(cust.client.uploaded()) {
		t.Errorf("failed upload control")
	}

	c, err := cust.store.LoadContact(ctx, failed.Secret.RelationshipId)
	if nil != err {
		t.Fatalf("failed LoadContact, got error %v", err)
	}
	if _, endorsed := c.(rel.EndorsedTrustedContact); endorsed || rel.Failed != c.Info().AuthenticationState {
		t.Errorf("failed forged certificate control, got %T in state %s", c, c.Info().AuthenticationState)
	}
	if rel.Tampered != cust.state(t, planted.RelationshipId) {
		t.Errorf("failed planted certificate control")
	}
	if rel.Verified != cust.state(t, pending.Secret.RelationshipId) {
		t.Errorf("failed published certificate control")
	}

	verified, err := cust.coord.VerifyEndorsedContacts(ctx, cust.account, mustListEndorsed(t, cust))
	if nil != err {
		t.Fatalf("failed VerifyEndorsedContacts, got error %v", err)
	}
	if 1 != len(verified) {
		t.Errorf("failed verified contacts control, got %d", len(verified))
	}
	if _, found := verified[pending.Secret.RelationshipId]; !found {
		t.Errorf("failed published contact verification")
	}
}

func mustListEndorsed(t *testing.T, cust *customer) []rel.EndorsedTrustedContact {
	t.Helper()
	contacts, err := cust.store.ListEndorsedContacts(context.Background())
	if nil != err {
		t.Fatalf("failed ListEndorsedContacts, got error %v", err)
	}
	return contacts
}

func TestAuthenticateRegenerateAndEndorseSubstitutedKey(t *testing.T) {
	ctx := context.Background()
	cust := newCustomer(t)
	oldAuthority := cust.account.Authority

	fx := storetest.NewFixture(t, rel.NewRelationshipId())
	fx.Authority = oldAuthority
	etc := fx.Endorsed(t, "bob")

	// the certified key is replaced after issuance
	other, err := keys.GenerateDelegatedDecryptionKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed GenerateDelegatedDecryptionKey, got error %v", err)
	}
	etc.IdentityKey = other.IdentityKey()
	etc.Certificate.DelegatedDecryptionKey = other.IdentityKey()
	cust.put(t, etc)

	newAuthority, _ := storetest.NewAuthority(t)
	cust.account.Authority = newAuthority
	outcomes, err := cust.coord.AuthenticateRegenerateAndEndorse(ctx, cust.account, []rel.EndorsedTrustedContact{etc}, oldAuthority.AppAuthPublicKey(), oldAuthority.HwAuthPublicKey)
	if nil != err {
		t.Fatalf("failed AuthenticateRegenerateAndEndorse, got error %v", err)
	}
	if rel.Tampered != outcomes[0].State || !errors.Is(outcomes[0].Cause, certs.ErrVerification) {
		t.Errorf("failed substituted key control, got %+v", outcomes[0])
	}
	if 0 != len(cust.client.uploaded()) {
		t.Errorf("failed empty upload control")
	}
}

func TestAuthenticateRegenerateAndEndorseMissingOldKeys(t *testing.T) {
	cust := newCustomer(t)
	_, err := cust.coord.AuthenticateRegenerateAndEndorse(context.Background(), cust.account, nil, keys.AuthPublicKey{}, cust.account.Authority.HwAuthPublicKey)
	if !errors.Is(err, rel.ErrValidation) {
		t.Errorf("failed missing old keys control, got %v", err)
	}
}

func TestVerifyEndorsedContacts(t *testing.T) {
	ctx := context.Background()
	cust := newCustomer(t)

	fx := storetest.NewFixture(t, rel.NewRelationshipId())
	fx.Authority = cust.account.Authority
	current := fx.Endorsed(t, "current")

	stale := storetest.NewFixture(t, rel.NewRelationshipId())
	tampered := fx.Endorsed(t, "tampered")
	tampered.RelationshipId = rel.NewRelationshipId()
	tampered.AuthenticationState = rel.Tampered

	contacts := []rel.EndorsedTrustedContact{current, stale.Endorsed(t, "stale"), tampered}
	verified, err := cust.coord.VerifyEndorsedContacts(ctx, cust.account, contacts)
	if nil != err {
		t.Fatalf("failed VerifyEndorsedContacts, got error %v", err)
	}
	if 1 != len(verified) {
		t.Fatalf("failed verified count control, got %d", len(verified))
	}
	if !verified[current.RelationshipId].Equal(fx.Ddk.IdentityKey()) {
		t.Errorf("failed verified key control")
	}
}

func TestSingleContactScenario(t *testing.T) {
	ctx := context.Background()
	const rId = rel.RelationshipId("test-relationship_id")

	testcases := []struct {
		name            string
		keyConfirmation []byte
		state           rel.AuthenticationState
		certificates    int
	}{
		{name: "valid", state: rel.Verified, certificates: 1},
		{name: "bad-confirmation", keyConfirmation: []byte("badConfirmation"), state: rel.Failed},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			cust := newCustomer(t)
			fx := storetest.NewFixture(t, rId)
			utc := fx.Unendorsed("trustedContactId")
			if nil != tc.keyConfirmation {
				utc.Enrollment.KeyConfirmation = tc.keyConfirmation
			}
			cust.enroll(t, fx, utc)

			outcomes, err := cust.coord.AuthenticateAndEndorse(ctx, cust.account, []rel.UnendorsedTrustedContact{utc})
			if nil != err {
				t.Fatalf("failed AuthenticateAndEndorse, got error %v", err)
			}
			if tc.state != outcomes[0].State || "trustedContactId" != outcomes[0].Alias {
				t.Errorf("failed outcome control, got %+v", outcomes[0])
			}
			uploaded := cust.client.uploaded()
			if tc.certificates != len(uploaded) {
				t.Fatalf("failed certificates count control, %d != %d", len(uploaded), tc.certificates)
			}
			if 0 != tc.certificates && !uploaded[0].Certificate.DelegatedDecryptionKey.Equal(fx.Ddk.IdentityKey()) {
				t.Errorf("failed certified key control")
			}
		})
	}
}

func TestEnrollmentFlow(t *testing.T) {
	observability.SetTestDebugLogging(t)
	ctx := context.Background()
	svc := relay.NewService(relay.NewMemBackend())

	// customer side
	authority, pop := storetest.NewAuthority(t)
	customer := rel.Account{Id: rel.NewAccountId(), Authority: authority}
	customerStore := rel.NewMemStore()
	customerInvites, err := invite.NewManager(invite.Cfg{Store: customerStore, Client: svc, PoP: pop})
	if nil != err {
		t.Fatalf("failed customer NewManager, got error %v", err)
	}
	coord, err := endorse.NewCoordinator(endorse.Cfg{Store: customerStore, Client: svc})
	if nil != err {
		t.Fatalf("failed NewCoordinator, got error %v", err)
	}

	// trusted contacts
	type contact struct {
		account rel.Account
		store   *rel.MemStore
		invites *invite.Manager
	}
	newContact := func() contact {
		c := contact{account: rel.Account{Id: rel.NewAccountId()}, store: rel.NewMemStore()}
		c.invites, err = invite.NewManager(invite.Cfg{Store: c.store, Client: svc})
		if nil != err {
			t.Fatalf("failed contact NewManager, got error %v", err)
		}
		return c
	}
	alice, mallory := newContact(), newContact()

	aliceInv, err := customerInvites.CreateInvitation(ctx, customer, "alice", rel.RoleSocialRecoveryContact)
	if nil != err {
		t.Fatalf("failed CreateInvitation, got error %v", err)
	}
	malloryInv, err := customerInvites.CreateInvitation(ctx, customer, "mallory", rel.RoleBeneficiary)
	if nil != err {
		t.Fatalf("failed CreateInvitation, got error %v", err)
	}

	pending, err := alice.invites.RetrieveInvitation(ctx, aliceInv.InviteCode())
	if nil != err {
		t.Fatalf("failed RetrieveInvitation, got error %v", err)
	}
	_, err = alice.invites.AcceptInvitation(ctx, alice.account, pending, "bob")
	if nil != err {
		t.Fatalf("failed AcceptInvitation, got error %v", err)
	}

	// mallory got the server code but guesses the PakeCode
	pending, err = mallory.invites.RetrieveInvitation(ctx, malloryInv.InviteCode())
	if nil != err {
		t.Fatalf("failed RetrieveInvitation, got error %v", err)
	}
	pending.PakeCode, err = pake.NewPakeCode(rand.Reader)
	if nil != err {
		t.Fatalf("failed NewPakeCode, got error %v", err)
	}
	_, err = mallory.invites.AcceptInvitation(ctx, mallory.account, pending, "bob")
	if nil != err {
		t.Fatalf("failed AcceptInvitation, got error %v", err)
	}

	outcomes, err := coord.Sync(ctx, customer)
	if nil != err {
		t.Fatalf("failed Sync, got error %v", err)
	}
	if 2 != len(outcomes) {
		t.Fatalf("failed outcomes count control, got %d", len(outcomes))
	}
	if rel.Verified != outcomeOf(t, outcomes, aliceInv.RelationshipId).State {
		t.Errorf("failed alice outcome control")
	}
	if rel.Failed != outcomeOf(t, outcomes, malloryInv.RelationshipId).State {
		t.Errorf("failed mallory outcome control")
	}

	pcs, err := alice.invites.SyncProtectedCustomers(ctx, alice.account)
	if nil != err {
		t.Fatalf("failed SyncProtectedCustomers, got error %v", err)
	}
	if 1 != len(pcs) || !pcs[0].IsEndorsed() {
		t.Fatalf("failed alice protected customers control, got %+v", pcs)
	}
	if !pcs[0].Certificate.IssuedBy(authority.AppAuthPublicKey(), authority.HwAuthPublicKey) {
		t.Errorf("failed alice certificate issuer control")
	}
	pcs, err = mallory.invites.SyncProtectedCustomers(ctx, mallory.account)
	if nil != err {
		t.Fatalf("failed SyncProtectedCustomers, got error %v", err)
	}
	if 1 != len(pcs) || pcs[0].IsEndorsed() {
		t.Errorf("failed mallory protected customers control, got %+v", pcs)
	}

	endorsed, err := customerStore.ListEndorsedContacts(ctx)
	if nil != err {
		t.Fatalf("failed ListEndorsedContacts, got error %v", err)
	}
	verified, err := coord.VerifyEndorsedContacts(ctx, customer, endorsed)
	if nil != err {
		t.Fatalf("failed VerifyEndorsedContacts, got error %v", err)
	}
	if _, found := verified[aliceInv.RelationshipId]; !found || 1 != len(verified) {
		t.Errorf("failed verified contacts control, got %v", verified)
	}

	// a second Sync keeps the recorded states
	outcomes, err = coord.Sync(ctx, customer)
	if nil != err {
		t.Fatalf("failed second Sync, got error %v", err)
	}
	for _, out := range outcomes {
		if !out.Skipped {
			t.Errorf("failed second Sync skip control, got %+v", out)
		}
	}
}
