// Package storetest provides fixtures and a conformance suite for relationships.Store implementations.
package storetest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/pake"
	"code.kerpass.org/trustedcontacts/pkg/relationships"
)

// Fixture holds a customer authority and the material of one enrollment.
type Fixture struct {
	Authority certs.Authority
	Pop       keys.SoftSigner
	Secret    relationships.PakeEnrollmentSecret
	Ddk       keys.DelegatedDecryptionKey
	Payload   pake.SealedPayload
}

// NewAuthority returns a customer authority whose hardware key is held by a SoftSigner.
func NewAuthority(t testing.TB) (certs.Authority, keys.SoftSigner) {
	t.Helper()
	appKey, err := keys.NewAuthKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed NewAuthKey, got error %v", err)
	}
	hwKey, err := keys.NewAuthKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed NewAuthKey, got error %v", err)
	}
	pop := keys.SoftSigner{Key: hwKey}
	authority, err := certs.NewAuthority(context.Background(), appKey, pop)
	if nil != err {
		t.Fatalf("failed NewAuthority, got error %v", err)
	}
	return authority, pop
}

// NewFixture runs the enrollment PAKE for rId.
func NewFixture(t testing.TB, rId relationships.RelationshipId) Fixture {
	t.Helper()
	var fx Fixture
	fx.Authority, fx.Pop = NewAuthority(t)

	code, err := pake.NewPakeCode(rand.Reader)
	if nil != err {
		t.Fatalf("failed NewPakeCode, got error %v", err)
	}
	ek, err := pake.NewEnrollmentKey(rand.Reader, code, string(rId))
	if nil != err {
		t.Fatalf("failed NewEnrollmentKey, got error %v", err)
	}
	fx.Secret = relationships.PakeEnrollmentSecret{
		RelationshipId: rId,
		PakeCode:       code,
		EnrollmentKey:  ek,
		ExpiresAt:      time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	fx.Ddk, err = keys.GenerateDelegatedDecryptionKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed GenerateDelegatedDecryptionKey, got error %v", err)
	}
	fx.Payload, err = pake.EncryptDelegatedDecryptionKey(rand.Reader, code, string(rId), ek.PublicKey, fx.Ddk.IdentityKey())
	if nil != err {
		t.Fatalf("failed EncryptDelegatedDecryptionKey, got error %v", err)
	}

	return fx
}

// Unendorsed returns the UnendorsedTrustedContact of the fixture enrollment.
func (self Fixture) Unendorsed(alias string) relationships.UnendorsedTrustedContact {
	return relationships.UnendorsedTrustedContact{
		ContactInfo: relationships.ContactInfo{
			RelationshipId: self.Secret.RelationshipId,
			Alias:          alias,
			Roles:          relationships.RoleSocialRecoveryContact,
		},
		Enrollment: self.Payload,
	}
}

// Endorsed returns the EndorsedTrustedContact of the fixture enrollment.
func (self Fixture) Endorsed(t testing.TB, alias string) relationships.EndorsedTrustedContact {
	t.Helper()
	cert, err := certs.Generate(self.Ddk.IdentityKey(), self.Authority)
	if nil != err {
		t.Fatalf("failed certs.Generate, got error %v", err)
	}
	return relationships.EndorsedTrustedContact{
		ContactInfo: relationships.ContactInfo{
			RelationshipId:      self.Secret.RelationshipId,
			Alias:               alias,
			Roles:               relationships.RoleSocialRecoveryContact,
			AuthenticationState: relationships.Verified,
		},
		IdentityKey: self.Ddk.IdentityKey(),
		Certificate: cert,
	}
}

// Invitation returns an Invitation for the fixture enrollment.
func (self Fixture) Invitation(alias string) relationships.Invitation {
	return relationships.Invitation{
		RelationshipId:                     self.Secret.RelationshipId,
		Alias:                              alias,
		Roles:                              relationships.RoleSocialRecoveryContact,
		ServerCode:                         "SRV" + string(self.Secret.RelationshipId[:4]),
		PakeCode:                           self.Secret.PakeCode,
		ProtectedCustomerEnrollmentPakeKey: self.Secret.EnrollmentKey.PublicKey,
		ExpiresAt:                          self.Secret.ExpiresAt,
	}
}

// Run runs the conformance suite against the Store returned by newStore.
// newStore must return an empty Store.
func Run(t *testing.T, newStore func(t *testing.T) relationships.Store) {
	t.Run("Account", func(t *testing.T) { testAccount(t, newStore(t)) })
	t.Run("EnrollmentSecret", func(t *testing.T) { testEnrollmentSecret(t, newStore(t)) })
	t.Run("Contacts", func(t *testing.T) { testContacts(t, newStore(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("Sync", func(t *testing.T) { testSync(t, newStore(t)) })
	t.Run("ContactSide", func(t *testing.T) { testContactSide(t, newStore(t)) })
	t.Run("Clear", func(t *testing.T) { testClear(t, newStore(t)) })
}

func testAccount(t *testing.T, store relationships.Store) {
	ctx := context.Background()

	var account relationships.Account
	err := store.LoadAccount(ctx, &account)
	if !errors.Is(err, relationships.ErrNotFound) {
		t.Fatalf("failed empty store control, got error %v", err)
	}

	authority, _ := NewAuthority(t)
	account = relationships.Account{Id: relationships.NewAccountId(), Authority: authority}
	err = store.SaveAccount(ctx, account)
	if nil != err {
		t.Fatalf("failed SaveAccount, got error %v", err)
	}

	var loaded relationships.Account
	err = store.LoadAccount(ctx, &loaded)
	if nil != err {
		t.Fatalf("failed LoadAccount, got error %v", err)
	}
	if loaded.Id != account.Id {
		t.Errorf("failed Id control, got %s != %s", loaded.Id, account.Id)
	}
	if err = loaded.Authority.Check(); nil != err {
		t.Errorf("failed Authority control, got error %v", err)
	}
	if !loaded.Authority.AppAuthPublicKey().Equal(authority.AppAuthPublicKey()) {
		t.Errorf("failed AppKey control")
	}
}

func testEnrollmentSecret(t *testing.T, store relationships.Store) {
	ctx := context.Background()
	fx := NewFixture(t, relationships.NewRelationshipId())
	rId := fx.Secret.RelationshipId

	var secret relationships.PakeEnrollmentSecret
	err := store.LoadEnrollmentSecret(ctx, rId, &secret)
	if !errors.Is(err, relationships.ErrNotFound) {
		t.Fatalf("failed missing secret control, got error %v", err)
	}

	err = store.SaveEnrollmentSecret(ctx, fx.Secret)
	if nil != err {
		t.Fatalf("failed SaveEnrollmentSecret, got error %v", err)
	}
	err = store.LoadEnrollmentSecret(ctx, rId, &secret)
	if nil != err {
		t.Fatalf("failed LoadEnrollmentSecret, got error %v", err)
	}
	if !secret.ExpiresAt.Equal(fx.Secret.ExpiresAt) || secret.PakeCode.String() != fx.Secret.PakeCode.String() {
		t.Errorf("failed secret reload control, got %+v", secret)
	}

	err = store.RemoveEnrollmentSecret(ctx, rId)
	if nil != err {
		t.Fatalf("failed RemoveEnrollmentSecret, got error %v", err)
	}
	err = store.LoadEnrollmentSecret(ctx, rId, &secret)
	if !errors.Is(err, relationships.ErrNotFound) {
		t.Fatalf("failed removed secret control, got error %v", err)
	}
	err = store.RemoveEnrollmentSecret(ctx, rId)
	if nil != err {
		t.Errorf("failed idempotent RemoveEnrollmentSecret, got error %v", err)
	}

	err = store.SaveEnrollmentSecret(ctx, relationships.PakeEnrollmentSecret{})
	if nil == err {
		t.Errorf("failed invalid secret control")
	}
}

func testContacts(t *testing.T, store relationships.Store) {
	ctx := context.Background()
	fx1 := NewFixture(t, "rid-1")
	fx2 := NewFixture(t, "rid-2")

	for _, c := range []relationships.Contact{fx1.Unendorsed("alice"), fx2.Endorsed(t, "bob")} {
		_, err := store.UpdateContact(ctx, c.Info().RelationshipId, func(cur relationships.Contact) (relationships.Contact, error) {
			if nil != cur {
				return nil, fmt.Errorf("unexpected contact %v", cur)
			}
			return c, nil
		})
		if nil != err {
			t.Fatalf("failed UpdateContact, got error %v", err)
		}
	}

	unendorsed, err := store.ListUnendorsedContacts(ctx)
	if nil != err {
		t.Fatalf("failed ListUnendorsedContacts, got error %v", err)
	}
	if 1 != len(unendorsed) || "rid-1" != unendorsed[0].RelationshipId || "alice" != unendorsed[0].Alias {
		t.Fatalf("failed unendorsed control, got %+v", unendorsed)
	}
	endorsed, err := store.ListEndorsedContacts(ctx)
	if nil != err {
		t.Fatalf("failed ListEndorsedContacts, got error %v", err)
	}
	if 1 != len(endorsed) || "rid-2" != endorsed[0].RelationshipId {
		t.Fatalf("failed endorsed control, got %+v", endorsed)
	}
	if _, err = certs.Verify(endorsed[0].Certificate); nil != err {
		t.Errorf("failed reloaded certificate control, got error %v", err)
	}

	err = store.SaveContactState(ctx, "rid-1", relationships.Failed)
	if nil != err {
		t.Fatalf("failed SaveContactState, got error %v", err)
	}
	contact, err := store.LoadContact(ctx, "rid-1")
	if nil != err {
		t.Fatalf("failed LoadContact, got error %v", err)
	}
	if relationships.Failed != contact.Info().AuthenticationState {
		t.Errorf("failed state control, got %s", contact.Info().AuthenticationState)
	}

	// invalid state for an endorsed contact
	err = store.SaveContactState(ctx, "rid-2", relationships.Failed)
	if !errors.Is(err, relationships.ErrValidation) {
		t.Errorf("failed invalid state control, got error %v", err)
	}
	err = store.SaveContactState(ctx, "rid-unknown", relationships.Failed)
	if !errors.Is(err, relationships.ErrNotFound) {
		t.Errorf("failed unknown contact control, got error %v", err)
	}

	// an error returned by fn aborts the update
	abort := errors.New("abort")
	_, err = store.UpdateContact(ctx, "rid-1", func(cur relationships.Contact) (relationships.Contact, error) {
		return nil, abort
	})
	if !errors.Is(err, abort) {
		t.Errorf("failed abort control, got error %v", err)
	}

	err = store.RemoveRelationship(ctx, "rid-1")
	if nil != err {
		t.Fatalf("failed RemoveRelationship, got error %v", err)
	}
	_, err = store.LoadContact(ctx, "rid-1")
	if !errors.Is(err, relationships.ErrNotFound) {
		t.Errorf("failed removed contact control, got error %v", err)
	}
}

func testConcurrentUpdates(t *testing.T, store relationships.Store) {
	ctx := context.Background()
	fx := NewFixture(t, "rid-concurrent")
	_, err := store.UpdateContact(ctx, "rid-concurrent", func(_ relationships.Contact) (relationships.Contact, error) {
		return fx.Unendorsed("carol"), nil
	})
	if nil != err {
		t.Fatalf("failed UpdateContact, got error %v", err)
	}

	// each update appends one character to the alias, lost updates would shorten it
	const workers = 16
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateContact(ctx, "rid-concurrent", func(cur relationships.Contact) (relationships.Contact, error) {
				utc := cur.(relationships.UnendorsedTrustedContact)
				utc.Alias += "+"
				return utc, nil
			})
			if nil != err {
				t.Errorf("failed concurrent UpdateContact, got error %v", err)
			}
		}()
	}
	wg.Wait()

	contact, err := store.LoadContact(ctx, "rid-concurrent")
	if nil != err {
		t.Fatalf("failed LoadContact, got error %v", err)
	}
	if len("carol")+workers != len(contact.Info().Alias) {
		t.Errorf("failed lost update control, got alias %q", contact.Info().Alias)
	}
}

func testSync(t *testing.T, store relationships.Store) {
	ctx := context.Background()
	authority, _ := NewAuthority(t)
	certified := func(rId relationships.RelationshipId) Fixture {
		fx := NewFixture(t, rId)
		fx.Authority = authority
		return fx
	}
	put := func(c relationships.Contact, state relationships.AuthenticationState) {
		t.Helper()
		_, err := store.UpdateContact(ctx, c.Info().RelationshipId, func(_ relationships.Contact) (relationships.Contact, error) {
			return relationships.WithState(c, state)
		})
		if nil != err {
			t.Fatalf("failed UpdateContact, got error %v", err)
		}
	}
	fxInv := NewFixture(t, "rid-invite")
	fxGone := NewFixture(t, "rid-gone")
	fxFailed := NewFixture(t, "rid-failed")
	fxRetry := NewFixture(t, "rid-retry")
	fxRestart := NewFixture(t, "rid-restart")
	fxForged := NewFixture(t, "rid-forged")
	fxPending := certified("rid-pending")
	fxEndorsed := certified("rid-endorsed")

	err := store.SaveInvitation(ctx, fxInv.Invitation("dave"))
	if nil != err {
		t.Fatalf("failed SaveInvitation, got error %v", err)
	}
	err = store.SaveInvitation(ctx, fxFailed.Invitation("erin"))
	if nil != err {
		t.Fatalf("failed SaveInvitation, got error %v", err)
	}
	put(fxGone.Unendorsed("gone"), relationships.Failed)
	put(fxFailed.Unendorsed("erin"), relationships.Failed)
	put(fxRetry.Unendorsed("frank"), relationships.Failed)
	put(fxRestart.Unendorsed("gina"), relationships.Unauthenticated)
	put(fxForged.Unendorsed("hank"), relationships.Failed)
	put(fxPending.Unendorsed("iris"), relationships.Unauthenticated)
	put(fxEndorsed.Endorsed(t, "jack"), relationships.Verified)

	// relay does not know local states nor PakeCode
	remoteInv := fxInv.Invitation("dave")
	remoteInv.PakeCode = nil
	unknown := NewFixture(t, "rid-unknown").Unendorsed("kate")
	unknown.AuthenticationState = relationships.Failed
	forged := fxForged.Endorsed(t, "hank")
	replaced := fxEndorsed
	replaced.Authority, _ = NewAuthority(t)
	planted := NewFixture(t, "rid-planted").Endorsed(t, "liam")
	restored := certified("rid-restored").Endorsed(t, "mona")
	restored.AuthenticationState = relationships.Tampered
	rels := relationships.Relationships{
		Invitations: []relationships.Invitation{remoteInv},
		Unendorsed: []relationships.UnendorsedTrustedContact{
			fxFailed.Unendorsed("erin"),
			NewFixture(t, "rid-retry").Unendorsed("frank"),
			NewFixture(t, "rid-restart").Unendorsed("gina"),
			unknown,
		},
		Endorsed: []relationships.EndorsedTrustedContact{
			forged,
			fxPending.Endorsed(t, "iris"),
			replaced.Endorsed(t, "jack"),
			planted,
			restored,
		},
	}
	err = store.SyncRelationships(ctx, authority, rels)
	if nil != err {
		t.Fatalf("failed SyncRelationships, got error %v", err)
	}

	invs, err := store.ListInvitations(ctx)
	if nil != err {
		t.Fatalf("failed ListInvitations, got error %v", err)
	}
	if 1 != len(invs) || "rid-invite" != invs[0].RelationshipId {
		t.Fatalf("failed invitations control, got %+v", invs)
	}
	if invs[0].PakeCode.String() != fxInv.Secret.PakeCode.String() {
		t.Errorf("failed PakeCode preservation control")
	}

	_, err = store.LoadContact(ctx, "rid-gone")
	if !errors.Is(err, relationships.ErrNotFound) {
		t.Errorf("failed removed contact control, got error %v", err)
	}

	testCases := []struct {
		rId      relationships.RelationshipId
		endorsed bool
		state    relationships.AuthenticationState
		desc     string
	}{
		{rId: "rid-failed", state: relationships.Failed, desc: "same enrollment keeps local state"},
		{rId: "rid-retry", state: relationships.Failed, desc: "terminal state is not reset by a new enrollment"},
		{rId: "rid-restart", state: relationships.Unauthenticated, desc: "new enrollment restarts authentication"},
		{rId: "rid-unknown", state: relationships.Unauthenticated, desc: "remote state is ignored"},
		{rId: "rid-forged", state: relationships.Failed, desc: "foreign certificate does not endorse a failed contact"},
		{rId: "rid-pending", endorsed: true, state: relationships.Verified, desc: "certificate of authority endorses a pending contact"},
		{rId: "rid-endorsed", endorsed: true, state: relationships.Verified, desc: "foreign certificate does not replace local one"},
		{rId: "rid-planted", endorsed: true, state: relationships.Tampered, desc: "unknown foreign certificate is tampered"},
		{rId: "rid-restored", endorsed: true, state: relationships.Verified, desc: "unknown certificate of authority is verified"},
	}
	for _, tc := range testCases {
		contact, err := store.LoadContact(ctx, tc.rId)
		if nil != err {
			t.Fatalf("%s: failed LoadContact, got error %v", tc.rId, err)
		}
		_, endorsed := contact.(relationships.EndorsedTrustedContact)
		if tc.endorsed != endorsed || tc.state != contact.Info().AuthenticationState {
			t.Errorf("%s: failed control (%s), got %T in state %s", tc.rId, tc.desc, contact, contact.Info().AuthenticationState)
		}
	}

	contact, err := store.LoadContact(ctx, "rid-retry")
	if nil != err {
		t.Fatalf("failed LoadContact, got error %v", err)
	}
	if !relationships.SameContent(contact, fxRetry.Unendorsed("frank")) {
		t.Errorf("failed terminal enrollment preservation control")
	}
	contact, err = store.LoadContact(ctx, "rid-endorsed")
	if nil != err {
		t.Fatalf("failed LoadContact, got error %v", err)
	}
	if !relationships.SameContent(contact, fxEndorsed.Endorsed(t, "jack")) {
		t.Errorf("failed local certificate preservation control")
	}
}

func testContactSide(t *testing.T, store relationships.Store) {
	ctx := context.Background()

	var ddk keys.DelegatedDecryptionKey
	err := store.LoadDelegatedDecryptionKey(ctx, &ddk)
	if !errors.Is(err, relationships.ErrNotFound) {
		t.Fatalf("failed missing key control, got error %v", err)
	}
	fx := NewFixture(t, "rid-customer")
	err = store.SaveDelegatedDecryptionKey(ctx, fx.Ddk)
	if nil != err {
		t.Fatalf("failed SaveDelegatedDecryptionKey, got error %v", err)
	}
	err = store.LoadDelegatedDecryptionKey(ctx, &ddk)
	if nil != err {
		t.Fatalf("failed LoadDelegatedDecryptionKey, got error %v", err)
	}
	if !ddk.IdentityKey().Equal(fx.Ddk.IdentityKey()) {
		t.Errorf("failed key reload control")
	}

	pc := relationships.ProtectedCustomer{
		RelationshipId: "rid-customer",
		Alias:          "grandma",
		Roles:          relationships.RoleBeneficiary,
	}
	err = store.SaveProtectedCustomer(ctx, pc)
	if nil != err {
		t.Fatalf("failed SaveProtectedCustomer, got error %v", err)
	}
	pcs, err := store.ListProtectedCustomers(ctx)
	if nil != err {
		t.Fatalf("failed ListProtectedCustomers, got error %v", err)
	}
	if 1 != len(pcs) || pc.Alias != pcs[0].Alias || pcs[0].IsEndorsed() {
		t.Errorf("failed protected customers control, got %+v", pcs)
	}
}

func testClear(t *testing.T, store relationships.Store) {
	ctx := context.Background()
	fx := NewFixture(t, "rid-clear")

	err := store.SaveEnrollmentSecret(ctx, fx.Secret)
	if nil != err {
		t.Fatalf("failed SaveEnrollmentSecret, got error %v", err)
	}
	err = store.SaveInvitation(ctx, fx.Invitation("henry"))
	if nil != err {
		t.Fatalf("failed SaveInvitation, got error %v", err)
	}

	err = store.Clear(ctx)
	if nil != err {
		t.Fatalf("failed Clear, got error %v", err)
	}

	var secret relationships.PakeEnrollmentSecret
	err = store.LoadEnrollmentSecret(ctx, "rid-clear", &secret)
	if !errors.Is(err, relationships.ErrNotFound) {
		t.Errorf("failed cleared secret control, got error %v", err)
	}
	invs, err := store.ListInvitations(ctx)
	if nil != err || 0 != len(invs) {
		t.Errorf("failed cleared invitations control, got %d invitations & error %v", len(invs), err)
	}
}
