package invite_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"code.kerpass.org/trustedcontacts/internal/observability"
	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/pake"
	"code.kerpass.org/trustedcontacts/pkg/protocols/invite"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
	"code.kerpass.org/trustedcontacts/pkg/relationships/storetest"
	"code.kerpass.org/trustedcontacts/pkg/relay"
)

type testClock struct {
	now time.Time
}

func (self *testClock) Now() time.Time {
	return self.now
}

// failingClient fails invitation creation with err.
type failingClient struct {
	rel.ServiceClient
	err error
}

func (self failingClient) CreateInvitation(context.Context, rel.InvitationRequest) (rel.InvitationReceipt, error) {
	return rel.InvitationReceipt{}, self.err
}

type party struct {
	account rel.Account
	pop     keys.SoftSigner
	store   *rel.MemStore
	mgr     *invite.Manager
}

func newCustomer(t *testing.T, client rel.ServiceClient, clock *testClock) party {
	authority, pop := storetest.NewAuthority(t)
	p := party{
		account: rel.Account{Id: rel.NewAccountId(), Authority: authority},
		pop:     pop,
		store:   rel.NewMemStore(),
	}
	var err error
	p.mgr, err = invite.NewManager(invite.Cfg{
		Store:           p.store,
		Client:          client,
		PoP:             pop,
		SecretRetention: time.Hour,
		Clock:           clock.Now,
	})
	if nil != err {
		t.Fatalf("failed NewManager, got error %v", err)
	}
	return p
}

func newContact(t *testing.T, client rel.ServiceClient, clock *testClock) party {
	p := party{
		account: rel.Account{Id: rel.NewAccountId()},
		store:   rel.NewMemStore(),
	}
	var err error
	p.mgr, err = invite.NewManager(invite.Cfg{Store: p.store, Client: client, Clock: clock.Now})
	if nil != err {
		t.Fatalf("failed NewManager, got error %v", err)
	}
	return p
}

func newTestService() (*relay.Service, *testClock) {
	clock := &testClock{now: time.Now()}
	svc := relay.NewService(relay.NewMemBackend())
	svc.InvitationTTL = time.Hour
	svc.Clock = clock.Now
	return svc, clock
}

func TestNewManagerInvalidCfg(t *testing.T) {
	testcases := []invite.Cfg{
		{},
		{Store: rel.NewMemStore()},
		{Client: relay.NewService(relay.NewMemBackend())},
		{Store: rel.NewMemStore(), Client: relay.NewService(relay.NewMemBackend()), SecretRetention: -time.Second},
		{Store: rel.NewMemStore(), Client: relay.NewService(relay.NewMemBackend()), OpTimeout: -time.Second},
	}
	for pos, cfg := range testcases {
		_, err := invite.NewManager(cfg)
		if nil == err {
			t.Errorf("case #%d: failed invalid Cfg control", pos)
		}
	}
}

func TestCreateInvitation(t *testing.T) {
	observability.SetTestDebugLogging(t)
	ctx := context.Background()
	svc, clock := newTestService()
	cust := newCustomer(t, svc, clock)

	inv, err := cust.mgr.CreateInvitation(ctx, cust.account, "alice", rel.RoleSocialRecoveryContact)
	if nil != err {
		t.Fatalf("failed CreateInvitation, got error %v", err)
	}
	if err = inv.Check(); nil != err {
		t.Fatalf("failed Invitation check, got error %v", err)
	}
	if !inv.ExpiresAt.Equal(clock.now.Add(time.Hour).Truncate(time.Second)) {
		t.Errorf("failed ExpiresAt control, got %v", inv.ExpiresAt)
	}

	var secret rel.PakeEnrollmentSecret
	err = cust.store.LoadEnrollmentSecret(ctx, inv.RelationshipId, &secret)
	if nil != err {
		t.Fatalf("failed LoadEnrollmentSecret, got error %v", err)
	}
	if !bytes.Equal(secret.PakeCode, inv.PakeCode) {
		t.Errorf("failed secret PakeCode control")
	}
	if !secret.ExpiresAt.Equal(inv.ExpiresAt.Add(time.Hour)) {
		t.Errorf("failed secret retention control, got %v", secret.ExpiresAt)
	}

	invs, err := cust.store.ListInvitations(ctx)
	if nil != err {
		t.Fatalf("failed ListInvitations, got error %v", err)
	}
	if 1 != len(invs) || inv.RelationshipId != invs[0].RelationshipId {
		t.Errorf("failed saved invitations control, got %+v", invs)
	}

	incoming, err := svc.RetrieveInvitation(ctx, inv.ServerCode)
	if nil != err {
		t.Fatalf("failed relay RetrieveInvitation, got error %v", err)
	}
	if "alice" != incoming.Alias || inv.RelationshipId != incoming.RelationshipId {
		t.Errorf("failed relay invitation control, got %+v", incoming)
	}
}

func TestCreateInvitationInvalid(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService()
	cust := newCustomer(t, svc, clock)

	_, err := cust.mgr.CreateInvitation(ctx, cust.account, "", rel.RoleSocialRecoveryContact)
	if !errors.Is(err, rel.ErrValidation) {
		t.Errorf("failed empty alias control, got %v", err)
	}
	_, err = cust.mgr.CreateInvitation(ctx, cust.account, "alice", rel.Role(0))
	if !errors.Is(err, rel.ErrValidation) {
		t.Errorf("failed no role control, got %v", err)
	}

	// account authority held by another hardware key
	other, _ := storetest.NewAuthority(t)
	account := rel.Account{Id: cust.account.Id, Authority: other}
	_, err = cust.mgr.CreateInvitation(ctx, account, "alice", rel.RoleSocialRecoveryContact)
	if !errors.Is(err, rel.ErrValidation) {
		t.Errorf("failed PoP mismatch control, got %v", err)
	}

	// trusted contact accounts can not invite
	_, err = cust.mgr.CreateInvitation(ctx, rel.Account{Id: rel.NewAccountId()}, "alice", rel.RoleSocialRecoveryContact)
	if !errors.Is(err, rel.ErrValidation) {
		t.Errorf("failed customer control, got %v", err)
	}

	invs, err := cust.store.ListInvitations(ctx)
	if nil != err {
		t.Fatalf("failed ListInvitations, got error %v", err)
	}
	if 0 != len(invs) {
		t.Errorf("failed empty invitations control, got %d", len(invs))
	}
}

func TestCreateInvitationRelayFailure(t *testing.T) {
	ctx := context.Background()
	cust := newCustomer(t, failingClient{err: rel.ErrNetwork}, &testClock{now: time.Now()})

	_, err := cust.mgr.CreateInvitation(ctx, cust.account, "alice", rel.RoleSocialRecoveryContact)
	if !errors.Is(err, rel.ErrNetwork) {
		t.Fatalf("failed relay error control, got %v", err)
	}

	invs, err := cust.store.ListInvitations(ctx)
	if nil != err {
		t.Fatalf("failed ListInvitations, got error %v", err)
	}
	if 0 != len(invs) {
		t.Errorf("failed empty invitations control, got %d", len(invs))
	}
}

func TestRefreshInvitation(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService()
	cust := newCustomer(t, svc, clock)

	inv, err := cust.mgr.CreateInvitation(ctx, cust.account, "alice", rel.RoleSocialRecoveryContact)
	if nil != err {
		t.Fatalf("failed CreateInvitation, got error %v", err)
	}

	clock.now = clock.now.Add(30 * time.Minute)
	refreshed, err := cust.mgr.RefreshInvitation(ctx, cust.account, inv.RelationshipId)
	if nil != err {
		t.Fatalf("failed RefreshInvitation, got error %v", err)
	}
	if !refreshed.ExpiresAt.After(inv.ExpiresAt) {
		t.Errorf("failed refreshed ExpiresAt control, %v <= %v", refreshed.ExpiresAt, inv.ExpiresAt)
	}
	if !bytes.Equal(inv.PakeCode, refreshed.PakeCode) {
		t.Errorf("failed PakeCode stability control")
	}

	var secret rel.PakeEnrollmentSecret
	err = cust.store.LoadEnrollmentSecret(ctx, inv.RelationshipId, &secret)
	if nil != err {
		t.Fatalf("failed LoadEnrollmentSecret, got error %v", err)
	}
	if !secret.ExpiresAt.Equal(refreshed.ExpiresAt.Add(time.Hour)) {
		t.Errorf("failed secret ExpiresAt control, got %v", secret.ExpiresAt)
	}

	_, err = cust.mgr.RefreshInvitation(ctx, cust.account, rel.NewRelationshipId())
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed unknown invitation control, got %v", err)
	}
}

func TestDeleteInvitation(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService()
	cust := newCustomer(t, svc, clock)

	inv, err := cust.mgr.CreateInvitation(ctx, cust.account, "alice", rel.RoleSocialRecoveryContact)
	if nil != err {
		t.Fatalf("failed CreateInvitation, got error %v", err)
	}
	err = cust.mgr.DeleteInvitation(ctx, cust.account, inv.RelationshipId)
	if nil != err {
		t.Fatalf("failed DeleteInvitation, got error %v", err)
	}

	_, err = svc.RetrieveInvitation(ctx, inv.ServerCode)
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed relay removal control, got %v", err)
	}
	var secret rel.PakeEnrollmentSecret
	err = cust.store.LoadEnrollmentSecret(ctx, inv.RelationshipId, &secret)
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed secret removal control, got %v", err)
	}

	// relationships unknown to the relay are still removed locally
	err = cust.mgr.DeleteInvitation(ctx, cust.account, inv.RelationshipId)
	if nil != err {
		t.Errorf("failed second DeleteInvitation, got error %v", err)
	}
}

func TestRetrieveAndAcceptInvitation(t *testing.T) {
	observability.SetTestDebugLogging(t)
	ctx := context.Background()
	svc, clock := newTestService()
	cust := newCustomer(t, svc, clock)
	contact := newContact(t, svc, clock)

	var invs []rel.Invitation
	for _, alias := range []string{"alice", "alice-again"} {
		inv, err := cust.mgr.CreateInvitation(ctx, cust.account, alias, rel.RoleSocialRecoveryContact|rel.RoleBeneficiary)
		if nil != err {
			t.Fatalf("failed CreateInvitation, got error %v", err)
		}
		invs = append(invs, inv)
	}

	var enrollments []rel.UnendorsedTrustedContact
	for _, inv := range invs {
		pending, err := contact.mgr.RetrieveInvitation(ctx, inv.InviteCode())
		if nil != err {
			t.Fatalf("failed RetrieveInvitation, got error %v", err)
		}
		if !bytes.Equal(inv.PakeCode, pending.PakeCode) || inv.ServerCode != pending.ServerCode {
			t.Errorf("failed invite code parsing control")
		}
		pc, err := contact.mgr.AcceptInvitation(ctx, contact.account, pending, "bob")
		if nil != err {
			t.Fatalf("failed AcceptInvitation, got error %v", err)
		}
		if inv.RelationshipId != pc.RelationshipId || "bob" != pc.Alias || pc.IsEndorsed() {
			t.Errorf("failed ProtectedCustomer control, got %+v", pc)
		}

		// an accepted invitation can not be accepted again
		_, err = contact.mgr.AcceptInvitation(ctx, contact.account, pending, "bob")
		if !errors.Is(err, rel.ErrConflict) {
			t.Errorf("failed second acceptance control, got %v", err)
		}

		rels, err := svc.FetchRelationships(ctx, cust.account.Id)
		if nil != err {
			t.Fatalf("failed FetchRelationships, got error %v", err)
		}
		for _, utc := range rels.Unendorsed {
			if inv.RelationshipId == utc.RelationshipId {
				enrollments = append(enrollments, utc)
			}
		}
	}
	if 2 != len(enrollments) {
		t.Fatalf("failed enrollments count control, got %d", len(enrollments))
	}

	// the contact seals the same key for every customer
	var ddk keys.DelegatedDecryptionKey
	err := contact.store.LoadDelegatedDecryptionKey(ctx, &ddk)
	if nil != err {
		t.Fatalf("failed LoadDelegatedDecryptionKey, got error %v", err)
	}
	for _, utc := range enrollments {
		var secret rel.PakeEnrollmentSecret
		err = cust.store.LoadEnrollmentSecret(ctx, utc.RelationshipId, &secret)
		if nil != err {
			t.Fatalf("failed LoadEnrollmentSecret, got error %v", err)
		}
		idk, err := pake.DecryptDelegatedDecryptionKey(secret.EnrollmentKey, utc.Enrollment)
		if nil != err {
			t.Fatalf("failed opening enrollment, got error %v", err)
		}
		if !idk.Equal(ddk.IdentityKey()) {
			t.Errorf("failed sealed key control")
		}
	}

	pcs, err := contact.store.ListProtectedCustomers(ctx)
	if nil != err {
		t.Fatalf("failed ListProtectedCustomers, got error %v", err)
	}
	if 2 != len(pcs) {
		t.Errorf("failed protected customers count control, got %d", len(pcs))
	}
}

func TestRetrieveInvitationErrors(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService()
	cust := newCustomer(t, svc, clock)
	contact := newContact(t, svc, clock)

	_, err := contact.mgr.RetrieveInvitation(ctx, "not an invite code")
	if !errors.Is(err, rel.ErrValidation) {
		t.Errorf("failed invalid invite code control, got %v", err)
	}

	inv, err := cust.mgr.CreateInvitation(ctx, cust.account, "alice", rel.RoleSocialRecoveryContact)
	if nil != err {
		t.Fatalf("failed CreateInvitation, got error %v", err)
	}
	clock.now = clock.now.Add(2 * time.Hour)
	_, err = contact.mgr.RetrieveInvitation(ctx, inv.InviteCode())
	if !errors.Is(err, rel.ErrExpired) {
		t.Errorf("failed expired invitation control, got %v", err)
	}
}

func TestAcceptOwnInvitation(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService()
	cust := newCustomer(t, svc, clock)

	inv, err := cust.mgr.CreateInvitation(ctx, cust.account, "alice", rel.RoleSocialRecoveryContact)
	if nil != err {
		t.Fatalf("failed CreateInvitation, got error %v", err)
	}
	pending, err := cust.mgr.RetrieveInvitation(ctx, inv.InviteCode())
	if nil != err {
		t.Fatalf("failed RetrieveInvitation, got error %v", err)
	}
	_, err = cust.mgr.AcceptInvitation(ctx, cust.account, pending, "me")
	if !errors.Is(err, rel.ErrValidation) {
		t.Errorf("failed self acceptance control, got %v", err)
	}
}

func TestSyncProtectedCustomers(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService()
	cust := newCustomer(t, svc, clock)
	alice := newContact(t, svc, clock)

	var rIds []rel.RelationshipId
	for _, alias := range []string{"alice", "alice-work"} {
		inv, err := cust.mgr.CreateInvitation(ctx, cust.account, alias, rel.RoleSocialRecoveryContact)
		if nil != err {
			t.Fatalf("failed CreateInvitation, got error %v", err)
		}
		pending, err := alice.mgr.RetrieveInvitation(ctx, inv.InviteCode())
		if nil != err {
			t.Fatalf("failed RetrieveInvitation, got error %v", err)
		}
		_, err = alice.mgr.AcceptInvitation(ctx, alice.account, pending, "bob")
		if nil != err {
			t.Fatalf("failed AcceptInvitation, got error %v", err)
		}
		rIds = append(rIds, inv.RelationshipId)
	}

	var ddk keys.DelegatedDecryptionKey
	err := alice.store.LoadDelegatedDecryptionKey(ctx, &ddk)
	if nil != err {
		t.Fatalf("failed LoadDelegatedDecryptionKey, got error %v", err)
	}

	// first relationship certifies alice key, the second one certifies a substituted key
	good, err := certs.Generate(ddk.IdentityKey(), cust.account.Authority)
	if nil != err {
		t.Fatalf("failed certs.Generate, got error %v", err)
	}
	substitute, err := keys.GenerateDelegatedDecryptionKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed GenerateDelegatedDecryptionKey, got error %v", err)
	}
	bad, err := certs.Generate(substitute.IdentityKey(), cust.account.Authority)
	if nil != err {
		t.Fatalf("failed certs.Generate, got error %v", err)
	}
	err = svc.UploadKeyCertificates(ctx, cust.account.Id, []rel.Endorsement{
		{RelationshipId: rIds[0], Certificate: good},
		{RelationshipId: rIds[1], Certificate: bad},
	})
	if nil != err {
		t.Fatalf("failed UploadKeyCertificates, got error %v", err)
	}

	pcs, err := alice.mgr.SyncProtectedCustomers(ctx, alice.account)
	if nil != err {
		t.Fatalf("failed SyncProtectedCustomers, got error %v", err)
	}
	if 2 != len(pcs) {
		t.Fatalf("failed protected customers count control, got %d", len(pcs))
	}
	for _, pc := range pcs {
		switch pc.RelationshipId {
		case rIds[0]:
			if !pc.IsEndorsed() || !pc.Certificate.Equal(good) {
				t.Errorf("failed endorsed customer control")
			}
		case rIds[1]:
			if pc.IsEndorsed() {
				t.Errorf("failed substituted key control")
			}
		default:
			t.Errorf("unexpected protected customer %s", pc.RelationshipId)
		}
	}

	saved, err := alice.store.ListProtectedCustomers(ctx)
	if nil != err {
		t.Fatalf("failed ListProtectedCustomers, got error %v", err)
	}
	endorsed := 0
	for _, pc := range saved {
		if pc.IsEndorsed() {
			endorsed++
		}
	}
	if 1 != endorsed {
		t.Errorf("failed saved endorsed count control, got %d", endorsed)
	}
}
