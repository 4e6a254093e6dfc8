// Package backendtest provides a conformance suite for relay.Backend implementations.
package backendtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"code.kerpass.org/trustedcontacts/pkg/keys"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
	"code.kerpass.org/trustedcontacts/pkg/relationships/storetest"
	"code.kerpass.org/trustedcontacts/pkg/relay"
)

// Run runs the conformance suite against the Backend returned by newBackend.
// newBackend must return an empty Backend.
func Run(t *testing.T, newBackend func(t *testing.T) relay.Backend) {
	t.Run("AccountKey", func(t *testing.T) { testAccountKey(t, newBackend(t)) })
	t.Run("Invitation", func(t *testing.T) { testInvitation(t, newBackend(t)) })
	t.Run("Accept", func(t *testing.T) { testAccept(t, newBackend(t)) })
	t.Run("Endorsements", func(t *testing.T) { testEndorsements(t, newBackend(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newBackend(t)) })
}

// Record returns an InvitationRecord for fx owned by customerId.
func Record(customerId rel.AccountId, fx storetest.Fixture, serverCode string) relay.InvitationRecord {
	return relay.InvitationRecord{
		CustomerId:                         customerId,
		RelationshipId:                     fx.Secret.RelationshipId,
		Alias:                              "bob",
		Roles:                              rel.RoleSocialRecoveryContact,
		ServerCode:                         serverCode,
		ProtectedCustomerEnrollmentPakeKey: fx.Secret.EnrollmentKey.PublicKey,
		ExpiresAt:                          time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
}

func testAccountKey(t *testing.T, backend relay.Backend) {
	ctx := context.Background()
	accountId := rel.NewAccountId()

	_, err := backend.LoadAccountKey(ctx, accountId)
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed unbound account control, got %v", err)
	}

	k1, err := keys.NewAuthKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed NewAuthKey, got error %v", err)
	}
	k2, err := keys.NewAuthKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed NewAuthKey, got error %v", err)
	}

	for i := range 2 {
		err = backend.BindAccountKey(ctx, accountId, k1.PublicKey())
		if nil != err {
			t.Fatalf("#%d: failed BindAccountKey, got error %v", i, err)
		}
	}
	err = backend.BindAccountKey(ctx, accountId, k2.PublicKey())
	if !errors.Is(err, rel.ErrConflict) {
		t.Errorf("failed rebind control, got %v", err)
	}

	bound, err := backend.LoadAccountKey(ctx, accountId)
	if nil != err {
		t.Fatalf("failed LoadAccountKey, got error %v", err)
	}
	if !bound.Equal(k1.PublicKey()) {
		t.Errorf("failed bound key control")
	}
}

func testInvitation(t *testing.T, backend relay.Backend) {
	ctx := context.Background()
	customerId := rel.NewAccountId()
	fx := storetest.NewFixture(t, rel.NewRelationshipId())
	rec := Record(customerId, fx, "SRVCODE001")

	err := backend.CreateInvitation(ctx, rec)
	if nil != err {
		t.Fatalf("failed CreateInvitation, got error %v", err)
	}
	err = backend.CreateInvitation(ctx, rec)
	if !errors.Is(err, rel.ErrConflict) {
		t.Errorf("failed duplicate invitation control, got %v", err)
	}

	loaded, err := backend.LoadInvitation(ctx, rec.ServerCode)
	if nil != err {
		t.Fatalf("failed LoadInvitation, got error %v", err)
	}
	if rec.RelationshipId != loaded.RelationshipId ||
		!bytes.Equal(rec.ProtectedCustomerEnrollmentPakeKey, loaded.ProtectedCustomerEnrollmentPakeKey) ||
		!rec.ExpiresAt.Equal(loaded.ExpiresAt) {
		t.Errorf("failed loaded invitation control, got %+v", loaded)
	}

	_, err = backend.LoadInvitation(ctx, "UNKNOWN")
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed unknown invitation control, got %v", err)
	}

	later := rec.ExpiresAt.Add(time.Hour)
	refreshed, err := backend.RefreshInvitation(ctx, customerId, rec.RelationshipId, later)
	if nil != err {
		t.Fatalf("failed RefreshInvitation, got error %v", err)
	}
	if !later.Equal(refreshed.ExpiresAt) {
		t.Errorf("failed refreshed ExpiresAt control, got %v", refreshed.ExpiresAt)
	}

	// other customers can not refresh
	_, err = backend.RefreshInvitation(ctx, rel.NewAccountId(), rec.RelationshipId, later)
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed foreign refresh control, got %v", err)
	}

	rels, err := backend.ListRelationships(ctx, customerId)
	if nil != err {
		t.Fatalf("failed ListRelationships, got error %v", err)
	}
	if 1 != len(rels.Invitations) || 0 != len(rels.Unendorsed) {
		t.Fatalf("failed relationships control, got %+v", rels)
	}
	if rec.ServerCode != rels.Invitations[0].ServerCode {
		t.Errorf("failed ServerCode control, got %q", rels.Invitations[0].ServerCode)
	}
}

func testAccept(t *testing.T, backend relay.Backend) {
	ctx := context.Background()
	customerId := rel.NewAccountId()
	contactId := rel.NewAccountId()
	fx := storetest.NewFixture(t, rel.NewRelationshipId())
	rec := Record(customerId, fx, "SRVCODE002")
	err := backend.CreateInvitation(ctx, rec)
	if nil != err {
		t.Fatalf("failed CreateInvitation, got error %v", err)
	}

	acc := relay.Acceptance{
		ContactId:     contactId,
		ServerCode:    rec.ServerCode,
		CustomerAlias: "alice",
		Enrollment:    fx.Payload,
		At:            rec.ExpiresAt.Add(time.Second),
	}
	err = backend.AcceptInvitation(ctx, acc)
	if !errors.Is(err, rel.ErrExpired) {
		t.Errorf("failed expired accept control, got %v", err)
	}

	acc.At = time.Now()
	err = backend.AcceptInvitation(ctx, acc)
	if nil != err {
		t.Fatalf("failed AcceptInvitation, got error %v", err)
	}
	err = backend.AcceptInvitation(ctx, acc)
	if !errors.Is(err, rel.ErrConflict) {
		t.Errorf("failed second accept control, got %v", err)
	}
	_, err = backend.LoadInvitation(ctx, rec.ServerCode)
	if !errors.Is(err, rel.ErrConflict) {
		t.Errorf("failed accepted invitation control, got %v", err)
	}

	rels, err := backend.ListRelationships(ctx, customerId)
	if nil != err {
		t.Fatalf("failed ListRelationships, got error %v", err)
	}
	if 0 != len(rels.Invitations) || 1 != len(rels.Unendorsed) {
		t.Fatalf("failed relationships control, got %+v", rels)
	}
	utc := rels.Unendorsed[0]
	if rel.Unauthenticated != utc.AuthenticationState {
		t.Errorf("failed unendorsed state control, got %s", utc.AuthenticationState)
	}
	if !bytes.Equal(fx.Payload.TrustedContactEnrollmentPakeKey, utc.Enrollment.TrustedContactEnrollmentPakeKey) {
		t.Errorf("failed enrollment payload control")
	}

	pcs, err := backend.ListProtectedCustomers(ctx, contactId)
	if nil != err {
		t.Fatalf("failed ListProtectedCustomers, got error %v", err)
	}
	if 1 != len(pcs) || "alice" != pcs[0].Alias || pcs[0].IsEndorsed() {
		t.Errorf("failed protected customers control, got %+v", pcs)
	}

	pcs, err = backend.ListProtectedCustomers(ctx, customerId)
	if nil != err {
		t.Fatalf("failed ListProtectedCustomers, got error %v", err)
	}
	if 0 != len(pcs) {
		t.Errorf("failed customer side control, got %+v", pcs)
	}
}

func testEndorsements(t *testing.T, backend relay.Backend) {
	ctx := context.Background()
	customerId := rel.NewAccountId()
	contactId := rel.NewAccountId()

	fxs := []storetest.Fixture{
		storetest.NewFixture(t, rel.NewRelationshipId()),
		storetest.NewFixture(t, rel.NewRelationshipId()),
	}
	endorsements := make([]rel.Endorsement, 0, len(fxs))
	for i, fx := range fxs {
		rec := Record(customerId, fx, "SRVCODE10"+string(rune('0'+i)))
		err := backend.CreateInvitation(ctx, rec)
		if nil != err {
			t.Fatalf("#%d: failed CreateInvitation, got error %v", i, err)
		}
		acc := relay.Acceptance{
			ContactId:     contactId,
			ServerCode:    rec.ServerCode,
			CustomerAlias: "alice",
			Enrollment:    fx.Payload,
			At:            time.Now(),
		}
		err = backend.AcceptInvitation(ctx, acc)
		if nil != err {
			t.Fatalf("#%d: failed AcceptInvitation, got error %v", i, err)
		}
		etc := fx.Endorsed(t, "bob")
		endorsements = append(endorsements, rel.Endorsement{RelationshipId: etc.RelationshipId, Certificate: etc.Certificate})
	}

	// unknown relationship aborts the whole upload
	bad := append(append([]rel.Endorsement{}, endorsements[0]), rel.Endorsement{
		RelationshipId: rel.NewRelationshipId(),
		Certificate:    endorsements[1].Certificate,
	})
	err := backend.SaveEndorsements(ctx, customerId, bad)
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed unknown relationship control, got %v", err)
	}
	rels, err := backend.ListRelationships(ctx, customerId)
	if nil != err {
		t.Fatalf("failed ListRelationships, got error %v", err)
	}
	if 2 != len(rels.Unendorsed) || 0 != len(rels.Endorsed) {
		t.Fatalf("failed aborted upload control, got %+v", rels)
	}

	err = backend.SaveEndorsements(ctx, customerId, endorsements)
	if nil != err {
		t.Fatalf("failed SaveEndorsements, got error %v", err)
	}
	rels, err = backend.ListRelationships(ctx, customerId)
	if nil != err {
		t.Fatalf("failed ListRelationships, got error %v", err)
	}
	if 0 != len(rels.Unendorsed) || 2 != len(rels.Endorsed) {
		t.Fatalf("failed endorsed relationships control, got %+v", rels)
	}
	for _, etc := range rels.Endorsed {
		if rel.Verified != etc.AuthenticationState {
			t.Errorf("failed endorsed state control, got %s", etc.AuthenticationState)
		}
		if err = etc.Check(); nil != err {
			t.Errorf("failed endorsed contact Check, got error %v", err)
		}
	}

	pcs, err := backend.ListProtectedCustomers(ctx, contactId)
	if nil != err {
		t.Fatalf("failed ListProtectedCustomers, got error %v", err)
	}
	if 2 != len(pcs) {
		t.Fatalf("failed protected customers count control, got %d", len(pcs))
	}
	for _, pc := range pcs {
		if !pc.IsEndorsed() {
			t.Errorf("failed protected customer endorsement control, got %+v", pc)
		}
	}
}

func testDelete(t *testing.T, backend relay.Backend) {
	ctx := context.Background()
	customerId := rel.NewAccountId()
	fx := storetest.NewFixture(t, rel.NewRelationshipId())
	rec := Record(customerId, fx, "SRVCODE003")
	err := backend.CreateInvitation(ctx, rec)
	if nil != err {
		t.Fatalf("failed CreateInvitation, got error %v", err)
	}

	err = backend.DeleteRelationship(ctx, rel.NewAccountId(), rec.RelationshipId)
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed foreign delete control, got %v", err)
	}

	err = backend.DeleteRelationship(ctx, customerId, rec.RelationshipId)
	if nil != err {
		t.Fatalf("failed DeleteRelationship, got error %v", err)
	}
	_, err = backend.LoadInvitation(ctx, rec.ServerCode)
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed deleted invitation control, got %v", err)
	}
	err = backend.DeleteRelationship(ctx, customerId, rec.RelationshipId)
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed second delete control, got %v", err)
	}

	rels, err := backend.ListRelationships(ctx, customerId)
	if nil != err {
		t.Fatalf("failed ListRelationships, got error %v", err)
	}
	if 0 != len(rels.Invitations) {
		t.Errorf("failed invitations control, got %+v", rels.Invitations)
	}
}
