package pgdb

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"

	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
	"code.kerpass.org/trustedcontacts/pkg/relay"
	"code.kerpass.org/trustedcontacts/pkg/relay/backendtest"
)

const testSchema = "tcrelay_test"

// testDSN must point to a postgres database where testSchema can be created, tests are skipped if it is empty.
var testDSN = os.Getenv("TCRELAY_TEST_DSN")

func TestPing(t *testing.T) {
	ctx := context.Background()
	conn := newConn(ctx, t)
	err := conn.Ping(ctx)
	if nil != err {
		t.Fatalf("failed connection test, got error %v", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := newConn(ctx, t)
	err := Migrate(ctx, conn, testSchema)
	if nil != err {
		t.Fatalf("failed second Migrate, got error %v", err)
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	newConn(ctx, t)

	backend, err := New(ctx, testDSN, testSchema)
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	defer backend.Close()

	_, err = backend.LoadAccountKey(ctx, rel.NewAccountId())
	if !errors.Is(err, rel.ErrNotFound) {
		t.Errorf("failed unknown account control, got %v", err)
	}
}

func TestBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) relay.Backend {
		return newBackend(context.Background(), t)
	})
}

func newConn(ctx context.Context, t *testing.T) *pgx.Conn {
	if "" == testDSN {
		t.Skip("TCRELAY_TEST_DSN not set")
	}
	conn, err := pgx.Connect(ctx, testDSN)
	if nil != err {
		t.Fatalf("failed pgx.Connect, got error %v", err)
	}
	t.Cleanup(func() { conn.Close(ctx) })

	err = Migrate(ctx, conn, testSchema)
	if nil != err {
		t.Fatalf("failed Migrate, got error %v", err)
	}

	return conn
}

// newBackend returns an empty Backend whose changes are rolled back when the test ends.
func newBackend(ctx context.Context, t *testing.T) *Backend {
	conn := newConn(ctx, t)
	tx, err := conn.Begin(ctx)
	if nil != err {
		t.Fatalf("failed starting transaction, got error %v", err)
	}

	batch := &pgx.Batch{}
	batch.Queue("DELETE FROM relationship")
	batch.Queue("DELETE FROM account")

	br := tx.SendBatch(ctx, batch)
	for qnum := range 2 {
		_, err = br.Exec()
		if nil != err {
			t.Fatalf("failed tx initialization step #%d, got error %v", qnum, err)
		}
	}
	err = br.Close()
	if nil != err {
		t.Fatalf("failed closing batch, got error %v", err)
	}
	t.Cleanup(func() {
		err := tx.Rollback(ctx)
		if nil != err {
			t.Logf("failed rolling back test transaction, got error %v", err)
		}
	})

	return &Backend{DB: tx}
}
