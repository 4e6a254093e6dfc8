package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"code.kerpass.org/trustedcontacts/internal/observability"
	"code.kerpass.org/trustedcontacts/internal/utils"
	"code.kerpass.org/trustedcontacts/pkg/certs"
	"code.kerpass.org/trustedcontacts/pkg/keys"
	"code.kerpass.org/trustedcontacts/pkg/protocols/endorse"
	"code.kerpass.org/trustedcontacts/pkg/protocols/invite"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
	"code.kerpass.org/trustedcontacts/pkg/relationships/boltdb"
	"code.kerpass.org/trustedcontacts/pkg/relay"
)

// session holds what a command needs to run.
type session struct {
	ctx     context.Context
	log     *slog.Logger
	store   rel.Store
	account rel.Account
	pop     keys.Signer
	client  rel.ServiceClient
	out     *json.Encoder
}

// newSession opens the local store and loads the account if withAccount is set.
func newSession(cCtx *cli.Context, withAccount bool) (*session, error) {
	logger := observability.NoopLogger()
	if !cCtx.Bool(quietFlag.Name) {
		logger = observability.NewLogger(os.Stderr, observability.LogOpts{
			Debug: cCtx.Bool(logDebugFlag.Name),
			JSON:  cCtx.Bool(logJsonFlag.Name),
		})
	}
	s := &session{
		ctx: observability.SetObservability(cCtx.Context, &observability.Observability{Logger: logger}),
		log: logger,
		out: json.NewEncoder(os.Stdout),
	}
	s.out.SetIndent("", "  ")

	var err error
	s.store, err = boltdb.New(cCtx.String(dbFlag.Name))
	if nil != err {
		return nil, fmt.Errorf("failed opening %s, got error %w", cCtx.String(dbFlag.Name), err)
	}
	if !withAccount {
		return s, nil
	}

	err = s.store.LoadAccount(s.ctx, &s.account)
	if errors.Is(err, rel.ErrNotFound) {
		return nil, errors.New("no local account, run tcctl init first")
	}
	if nil != err {
		return nil, fmt.Errorf("failed loading account, got error %w", err)
	}
	s.ctx = observability.WithLogAttrs(s.ctx, "account", s.account.Id)
	s.log = observability.GetObservability(s.ctx).Log()
	if s.account.IsCustomer() {
		s.pop, err = loadHwKey(cCtx.String(hwKeyFlag.Name))
		if nil != err {
			return nil, err
		}
	}

	cfg, err := relay.LoadClientCfg()
	if nil != err {
		return nil, fmt.Errorf("invalid relationship service configuration, got error %w", err)
	}
	if url := cCtx.String(relayFlag.Name); "" != url {
		cfg.BaseURL = url
	}
	s.client, err = relay.NewClient(cfg)
	if nil != err {
		return nil, err
	}

	return s, nil
}

func (self *session) invites() (*invite.Manager, error) {
	return invite.NewManager(invite.Cfg{Store: self.store, Client: self.client, PoP: self.pop})
}

func (self *session) coordinator() (*endorse.Coordinator, error) {
	return endorse.NewCoordinator(endorse.Cfg{Store: self.store, Client: self.client})
}

func (self *session) requireCustomer() error {
	if !self.account.IsCustomer() {
		return errors.New("command requires a customer account")
	}
	return nil
}

func initAccount(cCtx *cli.Context) error {
	s, err := newSession(cCtx, false)
	if nil != err {
		return err
	}
	var existing rel.Account
	err = s.store.LoadAccount(s.ctx, &existing)
	if nil == err {
		return fmt.Errorf("account %s already exists", existing.Id)
	}
	if !errors.Is(err, rel.ErrNotFound) {
		return err
	}

	account := rel.Account{Id: rel.NewAccountId()}
	if cCtx.Bool("customer") {
		hwKey, err := keys.NewAuthKey(rand.Reader)
		if nil != err {
			return err
		}
		err = saveHwKey(cCtx.String(hwKeyFlag.Name), hwKey)
		if nil != err {
			return err
		}
		appKey, err := keys.NewAuthKey(rand.Reader)
		if nil != err {
			return err
		}
		account.Authority, err = certs.NewAuthority(s.ctx, appKey, keys.SoftSigner{Key: hwKey})
		if nil != err {
			return err
		}
	}
	err = s.store.SaveAccount(s.ctx, account)
	if nil != err {
		return err
	}

	return s.out.Encode(newAccountView(account))
}

func showAccount(cCtx *cli.Context) error {
	s, err := newSession(cCtx, true)
	if nil != err {
		return err
	}
	return s.out.Encode(newAccountView(s.account))
}

func createInvitation(cCtx *cli.Context) error {
	s, err := newSession(cCtx, true)
	if nil != err {
		return err
	}
	if err = s.requireCustomer(); nil != err {
		return err
	}
	roles, err := rel.ParseRole(cCtx.String("roles"))
	if nil != err {
		return err
	}
	mgr, err := s.invites()
	if nil != err {
		return err
	}
	inv, err := mgr.CreateInvitation(s.ctx, s.account, cCtx.String(aliasFlag.Name), roles)
	if nil != err {
		return err
	}
	return s.out.Encode(newInvitationView(inv))
}

func refreshInvitation(cCtx *cli.Context) error {
	s, err := newSession(cCtx, true)
	if nil != err {
		return err
	}
	if err = s.requireCustomer(); nil != err {
		return err
	}
	mgr, err := s.invites()
	if nil != err {
		return err
	}
	inv, err := mgr.RefreshInvitation(s.ctx, s.account, rel.RelationshipId(cCtx.String(rIdFlag.Name)))
	if nil != err {
		return err
	}
	return s.out.Encode(newInvitationView(inv))
}

func deleteInvitation(cCtx *cli.Context) error {
	s, err := newSession(cCtx, true)
	if nil != err {
		return err
	}
	if err = s.requireCustomer(); nil != err {
		return err
	}
	mgr, err := s.invites()
	if nil != err {
		return err
	}
	return mgr.DeleteInvitation(s.ctx, s.account, rel.RelationshipId(cCtx.String(rIdFlag.Name)))
}

func acceptInvitation(cCtx *cli.Context) error {
	s, err := newSession(cCtx, true)
	if nil != err {
		return err
	}
	mgr, err := s.invites()
	if nil != err {
		return err
	}
	pending, err := mgr.RetrieveInvitation(s.ctx, cCtx.String("code"))
	if nil != err {
		return err
	}
	pc, err := mgr.AcceptInvitation(s.ctx, s.account, pending, cCtx.String(aliasFlag.Name))
	if nil != err {
		return err
	}
	return s.out.Encode(pc)
}

func syncRelationships(cCtx *cli.Context) error {
	s, err := newSession(cCtx, true)
	if nil != err {
		return err
	}

	if !s.account.IsCustomer() {
		mgr, err := s.invites()
		if nil != err {
			return err
		}
		pcs, err := mgr.SyncProtectedCustomers(s.ctx, s.account)
		if nil != err {
			return err
		}
		return s.out.Encode(pcs)
	}

	coord, err := s.coordinator()
	if nil != err {
		return err
	}
	outcomes, err := coord.Sync(s.ctx, s.account)
	if encErr := s.out.Encode(newOutcomeViews(outcomes)); nil != encErr {
		s.log.Error("failed writing outcomes", "error", encErr)
	}
	return err
}

func listContacts(cCtx *cli.Context) error {
	s, err := newSession(cCtx, true)
	if nil != err {
		return err
	}
	if err = s.requireCustomer(); nil != err {
		return err
	}

	views := make([]contactView, 0)
	unendorsed, err := s.store.ListUnendorsedContacts(s.ctx)
	if nil != err {
		return err
	}
	for _, utc := range unendorsed {
		views = append(views, newContactView(utc.ContactInfo, nil))
	}
	endorsed, err := s.store.ListEndorsedContacts(s.ctx)
	if nil != err {
		return err
	}
	for _, etc := range endorsed {
		views = append(views, newContactView(etc.ContactInfo, &etc.IdentityKey))
	}

	return s.out.Encode(views)
}

func listCustomers(cCtx *cli.Context) error {
	s, err := newSession(cCtx, true)
	if nil != err {
		return err
	}
	pcs, err := s.store.ListProtectedCustomers(s.ctx)
	if nil != err {
		return err
	}
	return s.out.Encode(pcs)
}

// rotateAppKey replaces the customer app key, the hardware key stays bound at the relationship service.
func rotateAppKey(cCtx *cli.Context) error {
	s, err := newSession(cCtx, true)
	if nil != err {
		return err
	}
	if err = s.requireCustomer(); nil != err {
		return err
	}

	old := s.account.Authority
	appKey, err := keys.NewAuthKey(rand.Reader)
	if nil != err {
		return err
	}
	rotated := s.account
	rotated.Authority, err = certs.NewAuthority(s.ctx, appKey, s.pop)
	if nil != err {
		return err
	}

	contacts, err := s.store.ListEndorsedContacts(s.ctx)
	if nil != err {
		return err
	}
	coord, err := s.coordinator()
	if nil != err {
		return err
	}
	outcomes, err := coord.AuthenticateRegenerateAndEndorse(s.ctx, rotated, contacts, old.AppAuthPublicKey(), old.HwAuthPublicKey)
	if nil != err {
		s.out.Encode(newOutcomeViews(outcomes))
		return fmt.Errorf("app key not rotated, got error %w", err)
	}
	err = s.store.SaveAccount(s.ctx, rotated)
	if nil != err {
		return fmt.Errorf("failed saving rotated account, got error %w", err)
	}

	return s.out.Encode(newOutcomeViews(outcomes))
}

func verifyContacts(cCtx *cli.Context) error {
	s, err := newSession(cCtx, true)
	if nil != err {
		return err
	}
	if err = s.requireCustomer(); nil != err {
		return err
	}
	contacts, err := s.store.ListEndorsedContacts(s.ctx)
	if nil != err {
		return err
	}
	coord, err := s.coordinator()
	if nil != err {
		return err
	}
	verified, err := coord.VerifyEndorsedContacts(s.ctx, s.account, contacts)
	if nil != err {
		return err
	}
	return s.out.Encode(verified)
}

func loadHwKey(path string) (keys.Signer, error) {
	text, err := os.ReadFile(path)
	if nil != err {
		return nil, fmt.Errorf("failed reading hardware key, got error %w", err)
	}
	var data utils.HexBinary
	err = data.UnmarshalText(text)
	if nil != err {
		return nil, fmt.Errorf("invalid hardware key file %s, got error %w", path, err)
	}
	key, err := keys.ParseAuthPrivateKey(data)
	if nil != err {
		return nil, err
	}
	return keys.SoftSigner{Key: key}, nil
}

func saveHwKey(path string, key keys.AuthPrivateKey) error {
	data, err := key.MarshalBinary()
	if nil != err {
		return err
	}
	text, err := utils.HexBinary(data).MarshalText()
	if nil != err {
		return err
	}
	return os.WriteFile(path, text, 0600)
}

type accountView struct {
	Id         rel.AccountId   `json:"id"`
	Customer   bool            `json:"customer"`
	AppKey     utils.HexBinary `json:"app_pubkey,omitempty"`
	HwKey      utils.HexBinary `json:"hw_pubkey,omitempty"`
	HwEndorsed utils.HexBinary `json:"app_hw_sig,omitempty"`
}

func newAccountView(account rel.Account) accountView {
	view := accountView{Id: account.Id, Customer: account.IsCustomer()}
	if view.Customer {
		view.AppKey = account.Authority.AppAuthPublicKey().Bytes()
		view.HwKey = account.Authority.HwAuthPublicKey.Bytes()
		view.HwEndorsed = account.Authority.AppAuthKeyHwSignature
	}
	return view
}

type invitationView struct {
	RelationshipId rel.RelationshipId `json:"rid"`
	Alias          string             `json:"alias"`
	Roles          string             `json:"roles"`
	InviteCode     string             `json:"invite_code"`
	ExpiresAt      time.Time          `json:"expires_at"`
}

func newInvitationView(inv rel.Invitation) invitationView {
	return invitationView{
		RelationshipId: inv.RelationshipId,
		Alias:          inv.Alias,
		Roles:          inv.Roles.String(),
		InviteCode:     inv.InviteCode(),
		ExpiresAt:      inv.ExpiresAt,
	}
}

type outcomeView struct {
	RelationshipId rel.RelationshipId      `json:"rid"`
	Alias          string                  `json:"alias"`
	Previous       rel.AuthenticationState `json:"previous"`
	State          rel.AuthenticationState `json:"state"`
	Cause          string                  `json:"cause,omitempty"`
	Skipped        bool                    `json:"skipped,omitempty"`
}

func newOutcomeViews(outcomes []endorse.Outcome) []outcomeView {
	views := make([]outcomeView, 0, len(outcomes))
	for _, out := range outcomes {
		view := outcomeView{
			RelationshipId: out.RelationshipId,
			Alias:          out.Alias,
			Previous:       out.Previous,
			State:          out.State,
			Skipped:        out.Skipped,
		}
		if nil != out.Cause {
			view.Cause = out.Cause.Error()
		}
		views = append(views, view)
	}
	return views
}

type contactView struct {
	RelationshipId rel.RelationshipId      `json:"rid"`
	Alias          string                  `json:"alias"`
	Roles          string                  `json:"roles"`
	State          rel.AuthenticationState `json:"state"`
	IdentityKey    *keys.IdentityKey       `json:"identity_key,omitempty"`
}

func newContactView(info rel.ContactInfo, idk *keys.IdentityKey) contactView {
	return contactView{
		RelationshipId: info.RelationshipId,
		Alias:          info.Alias,
		Roles:          info.Roles.String(),
		State:          info.AuthenticationState,
		IdentityKey:    idk,
	}
}
