package boltdb

import (
	"context"
	"path"
	"testing"

	"code.kerpass.org/trustedcontacts/pkg/relationships"
	"code.kerpass.org/trustedcontacts/pkg/relationships/storetest"
)

func newTestStore(t *testing.T) relationships.Store {
	dbPath := path.Join(t.TempDir(), "relationships.db")
	store, err := New(dbPath)
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	return store
}

func TestNew(t *testing.T) {
	tmpdir := t.TempDir()
	dbPath := path.Join(tmpdir, "relationships.db")
	_, err := New(dbPath)
	if nil != err {
		t.Errorf("failed New, got error %v", err)
	}

	// reopening an existing database keeps its content
	store, err := New(dbPath)
	if nil != err {
		t.Fatalf("failed reopening, got error %v", err)
	}
	fx := storetest.NewFixture(t, "rid-reopen")
	err = store.SaveEnrollmentSecret(context.Background(), fx.Secret)
	if nil != err {
		t.Fatalf("failed SaveEnrollmentSecret, got error %v", err)
	}
	store, err = New(dbPath)
	if nil != err {
		t.Fatalf("failed reopening, got error %v", err)
	}
	var secret relationships.PakeEnrollmentSecret
	err = store.LoadEnrollmentSecret(context.Background(), "rid-reopen", &secret)
	if nil != err {
		t.Errorf("failed LoadEnrollmentSecret after reopening, got error %v", err)
	}
}

func TestStore(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestCancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.ListInvitations(ctx)
	if nil == err {
		t.Errorf("failed cancelled context control")
	}
}
