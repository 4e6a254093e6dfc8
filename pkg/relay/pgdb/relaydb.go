// Package pgdb provides a relay.Backend that keeps relationship service data in postgres.
package pgdb

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/pake"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
	"code.kerpass.org/trustedcontacts/pkg/relay"
)

const uniqueViolation = "23505"

// PGDB is implemented by pgx.Tx, pgx.Conn & pgxpool.Pool
// accessing a postgres database through this common interface simplifies testing
type PGDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Backend implements relay.Backend on top of a postgres database.
type Backend struct {
	DB PGDB
}

//go:embed relay_schema.sql
var schemaScriptTpl string

// Migrate creates the relationship service tables in dbschema.
func Migrate(ctx context.Context, db PGDB, dbschema string) error {
	schemaName := pgx.Identifier{dbschema}.Sanitize()
	schemaScript := strings.ReplaceAll(schemaScriptTpl, "${schema_name}", schemaName)

	_, err := db.Exec(ctx, schemaScript)

	return wrapError(err, "failed db schema initialization") // nil if err is nil...
}

// New returns a Backend connected to dsn whose connections use the tables created in dbschema.
func New(ctx context.Context, dsn string, dbschema string) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if nil != err {
		return nil, wrapError(err, "invalid dsn")
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = dbschema

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if nil != err {
		return nil, wrapError(err, "failed connection pool creation")
	}

	return &Backend{DB: pool}, nil
}

// Close releases the Backend connections if it owns a pool.
func (self *Backend) Close() {
	if pool, ok := self.DB.(*pgxpool.Pool); ok {
		pool.Close()
	}
}

// BindAccountKey associates hwKey with accountId on first use.
func (self *Backend) BindAccountKey(ctx context.Context, accountId rel.AccountId, hwKey keys.AuthPublicKey) error {
	var bound []byte
	row := self.DB.QueryRow(
		ctx,
		// the no-op update makes RETURNING yield the already bound key
		`INSERT INTO account(aid, hw_key) VALUES ($1, $2)
		 ON CONFLICT (aid) DO UPDATE SET aid = EXCLUDED.aid
		 RETURNING hw_key`,
		string(accountId),
		hwKey.Bytes(),
	)
	err := row.Scan(&bound)
	if nil != err {
		return wrapError(err, "failed binding account key")
	}
	boundKey, err := keys.ParseAuthPublicKey(bound)
	if nil != err {
		return wrapError(err, "invalid stored account key")
	}
	if !boundKey.Equal(hwKey) {
		return wrapError(rel.ErrConflict, "account bound to another key")
	}

	return nil
}

// LoadAccountKey returns the key bound to accountId.
func (self *Backend) LoadAccountKey(ctx context.Context, accountId rel.AccountId) (keys.AuthPublicKey, error) {
	var bound []byte
	row := self.DB.QueryRow(ctx, `SELECT hw_key FROM account WHERE aid = $1`, string(accountId))
	err := row.Scan(&bound)
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return keys.AuthPublicKey{}, wrapError(rel.ErrNotFound, "unknown account")
		}
		return keys.AuthPublicKey{}, wrapError(err, "failed loading account key")
	}
	hwKey, err := keys.ParseAuthPublicKey(bound)

	return hwKey, wrapError(err, "invalid stored account key") // nil if err is nil
}

// CreateInvitation saves a new invitation.
func (self *Backend) CreateInvitation(ctx context.Context, rec relay.InvitationRecord) error {
	_, err := self.DB.Exec(
		ctx,
		`INSERT INTO relationship(rid, customer_id, alias, roles, server_code, pake_key, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(rec.RelationshipId),
		string(rec.CustomerId),
		rec.Alias,
		int16(rec.Roles),
		rec.ServerCode,
		rec.ProtectedCustomerEnrollmentPakeKey,
		rec.ExpiresAt,
	)
	if nil != err {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && uniqueViolation == pgErr.Code {
			return wrapError(rel.ErrConflict, "RelationshipId or ServerCode already used")
		}
		return wrapError(err, "failed saving invitation")
	}

	return nil
}

// RefreshInvitation sets the expiration time of a pending invitation.
func (self *Backend) RefreshInvitation(ctx context.Context, customerId rel.AccountId, rId rel.RelationshipId, expiresAt time.Time) (relay.InvitationRecord, error) {
	var rec relay.InvitationRecord
	err := pgx.BeginFunc(ctx, self.DB, func(tx pgx.Tx) error {
		row, err := loadRow(ctx, tx, `rid = $1 AND customer_id = $2`, string(rId), string(customerId))
		if nil != err {
			return err
		}
		if nil != row.AcceptedBy {
			return wrapError(rel.ErrConflict, "invitation already accepted")
		}
		_, err = tx.Exec(ctx, `UPDATE relationship SET expires_at = $2 WHERE rid = $1`, string(rId), expiresAt)
		if nil != err {
			return wrapError(err, "failed updating invitation")
		}
		row.ExpiresAt = expiresAt
		rec = row.record()
		return nil
	})

	return rec, err
}

// LoadInvitation returns the pending invitation identified by serverCode.
func (self *Backend) LoadInvitation(ctx context.Context, serverCode string) (relay.InvitationRecord, error) {
	row, err := loadRow(ctx, self.DB, `server_code = $1`, serverCode)
	if nil != err {
		return relay.InvitationRecord{}, err
	}
	if nil != row.AcceptedBy {
		return relay.InvitationRecord{}, wrapError(rel.ErrConflict, "invitation already accepted")
	}

	return row.record(), nil
}

// AcceptInvitation turns a pending invitation into an unendorsed contact.
func (self *Backend) AcceptInvitation(ctx context.Context, acc relay.Acceptance) error {
	enrollment, err := cbor.Marshal(acc.Enrollment)
	if nil != err {
		return wrapError(err, "failed serializing enrollment")
	}

	return pgx.BeginFunc(ctx, self.DB, func(tx pgx.Tx) error {
		row, err := loadRow(ctx, tx, `server_code = $1`, acc.ServerCode)
		if nil != err {
			return err
		}
		if nil != row.AcceptedBy {
			return wrapError(rel.ErrConflict, "invitation already accepted")
		}
		if !acc.At.Before(row.ExpiresAt) {
			return wrapError(rel.ErrExpired, "invitation expired")
		}
		_, err = tx.Exec(
			ctx,
			`UPDATE relationship SET accepted_by = $2, customer_alias = $3, enrollment = $4 WHERE id = $1`,
			row.Id,
			string(acc.ContactId),
			acc.CustomerAlias,
			enrollment,
		)
		return wrapError(err, "failed accepting invitation") // nil if err is nil
	})
}

// DeleteRelationship removes the invitation or contact of rId.
func (self *Backend) DeleteRelationship(ctx context.Context, customerId rel.AccountId, rId rel.RelationshipId) error {
	var deleted int
	row := self.DB.QueryRow(
		ctx,
		`WITH deleted AS (DELETE FROM relationship WHERE rid = $1 AND customer_id = $2 RETURNING id)
		 SELECT count(id) FROM deleted`,
		string(rId),
		string(customerId),
	)
	err := row.Scan(&deleted)
	if nil != err {
		return wrapError(err, "failed DELETE query")
	}
	if 0 == deleted {
		return wrapError(rel.ErrNotFound, "unknown relationship %s", rId)
	}

	return nil
}

// SaveEndorsements attaches certificates to contacts, either all endorsements are saved or none.
func (self *Backend) SaveEndorsements(ctx context.Context, customerId rel.AccountId, endorsements []rel.Endorsement) error {
	return pgx.BeginFunc(ctx, self.DB, func(tx pgx.Tx) error {
		for _, e := range endorsements {
			row, err := loadRow(ctx, tx, `rid = $1 AND customer_id = $2`, string(e.RelationshipId), string(customerId))
			if nil != err {
				return err
			}
			if nil == row.AcceptedBy {
				return wrapError(rel.ErrConflict, "relationship %s has no contact", e.RelationshipId)
			}
			cert, err := cbor.Marshal(e.Certificate)
			if nil != err {
				return wrapError(err, "failed serializing certificate")
			}
			_, err = tx.Exec(ctx, `UPDATE relationship SET certificate = $2 WHERE id = $1`, row.Id, cert)
			if nil != err {
				return wrapError(err, "failed saving certificate")
			}
		}
		return nil
	})
}

// ListRelationships returns the customer pending invitations and contacts.
func (self *Backend) ListRelationships(ctx context.Context, customerId rel.AccountId) (rel.Relationships, error) {
	rows, err := listRows(ctx, self.DB, `customer_id = $1`, string(customerId))
	if nil != err {
		return rel.Relationships{}, err
	}

	var rels rel.Relationships
	for _, row := range rows {
		c, err := row.contact()
		if nil != err {
			return rel.Relationships{}, err
		}
		switch v := c.(type) {
		case nil:
			rels.Invitations = append(rels.Invitations, row.record().Invitation())
		case rel.UnendorsedTrustedContact:
			rels.Unendorsed = append(rels.Unendorsed, v)
		case rel.EndorsedTrustedContact:
			rels.Endorsed = append(rels.Endorsed, v)
		}
	}

	return rels, nil
}

// ListProtectedCustomers returns the customers of a trusted contact.
func (self *Backend) ListProtectedCustomers(ctx context.Context, contactId rel.AccountId) ([]rel.ProtectedCustomer, error) {
	rows, err := listRows(ctx, self.DB, `accepted_by = $1`, string(contactId))
	if nil != err {
		return nil, err
	}

	pcs := make([]rel.ProtectedCustomer, 0, len(rows))
	for _, row := range rows {
		pc := rel.ProtectedCustomer{
			RelationshipId: rel.RelationshipId(row.Rid),
			Roles:          rel.Role(row.Roles),
		}
		if nil != row.CustomerAlias {
			pc.Alias = *row.CustomerAlias
		}
		if 0 != len(row.Certificate) {
			var cert certs.KeyCertificate
			err = cbor.Unmarshal(row.Certificate, &cert)
			if nil != err {
				return nil, wrapError(err, "invalid stored certificate")
			}
			pc.Certificate = &cert
		}
		pcs = append(pcs, pc)
	}

	return pcs, nil
}

// relationshipRow is a row of the relationship table.
type relationshipRow struct {
	Id            int64     `db:"id"`
	Rid           string    `db:"rid"`
	CustomerId    string    `db:"customer_id"`
	Alias         string    `db:"alias"`
	Roles         int16     `db:"roles"`
	ServerCode    string    `db:"server_code"`
	PakeKey       []byte    `db:"pake_key"`
	ExpiresAt     time.Time `db:"expires_at"`
	AcceptedBy    *string   `db:"accepted_by"`
	CustomerAlias *string   `db:"customer_alias"`
	Enrollment    []byte    `db:"enrollment"`
	Certificate   []byte    `db:"certificate"`
}

const selectRelationship = `SELECT
   id, rid, customer_id, alias, roles, server_code, pake_key, expires_at,
   accepted_by, customer_alias, enrollment, certificate
 FROM
   relationship
 WHERE `

func loadRow(ctx context.Context, db PGDB, where string, args ...any) (relationshipRow, error) {
	rows, err := db.Query(ctx, selectRelationship+where+` FOR UPDATE`, args...)
	if nil != err {
		return relationshipRow{}, wrapError(err, "failed db.Query")
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[relationshipRow])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return relationshipRow{}, wrapError(rel.ErrNotFound, "unknown relationship")
		}
		return relationshipRow{}, wrapError(err, "failed loading relationship")
	}

	return row, nil
}

func listRows(ctx context.Context, db PGDB, where string, args ...any) ([]relationshipRow, error) {
	rows, err := db.Query(ctx, selectRelationship+where+` ORDER BY rid`, args...)
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	rv, err := pgx.CollectRows(rows, pgx.RowToStructByName[relationshipRow])

	return rv, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

func (self relationshipRow) record() relay.InvitationRecord {
	return relay.InvitationRecord{
		CustomerId:                         rel.AccountId(self.CustomerId),
		RelationshipId:                     rel.RelationshipId(self.Rid),
		Alias:                              self.Alias,
		Roles:                              rel.Role(self.Roles),
		ServerCode:                         self.ServerCode,
		ProtectedCustomerEnrollmentPakeKey: self.PakeKey,
		ExpiresAt:                          self.ExpiresAt.UTC(),
	}
}

// contact returns the contact of the relationship, it is nil for a pending invitation.
func (self relationshipRow) contact() (rel.Contact, error) {
	if nil == self.AcceptedBy {
		return nil, nil
	}
	info := rel.ContactInfo{
		RelationshipId: rel.RelationshipId(self.Rid),
		Alias:          self.Alias,
		Roles:          rel.Role(self.Roles),
	}
	if 0 != len(self.Certificate) {
		var cert certs.KeyCertificate
		err := cbor.Unmarshal(self.Certificate, &cert)
		if nil != err {
			return nil, wrapError(err, "invalid stored certificate")
		}
		info.AuthenticationState = rel.Verified
		return rel.EndorsedTrustedContact{
			ContactInfo: info,
			IdentityKey: cert.DelegatedDecryptionKey,
			Certificate: cert,
		}, nil
	}
	var enrollment pake.SealedPayload
	err := cbor.Unmarshal(self.Enrollment, &enrollment)
	if nil != err {
		return nil, wrapError(err, "invalid stored enrollment")
	}

	return rel.UnendorsedTrustedContact{ContactInfo: info, Enrollment: enrollment}, nil
}

var _ relay.Backend = &Backend{}
