package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"code.kerpass.org/trustedcontacts/internal/observability"
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
)

// Client gives access to a remote relationship service.
// It implements relationships.ServiceClient.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client configured with cfg.
func NewClient(cfg ClientCfg) (*Client, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid cfg")
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// CreateInvitation registers an invitation, the request must carry a valid Proof.
func (self *Client) CreateInvitation(ctx context.Context, req rel.InvitationRequest) (rel.InvitationReceipt, error) {
	var receipt rel.InvitationReceipt
	err := self.do(ctx, http.MethodPost, self.path("v1", "customers", string(req.AccountId), "invitations"), req, &receipt)

	return receipt, err
}

// RefreshInvitation extends the validity of a pending invitation.
func (self *Client) RefreshInvitation(ctx context.Context, accountId rel.AccountId, rId rel.RelationshipId, proof rel.Proof) (rel.InvitationReceipt, error) {
	var receipt rel.InvitationReceipt
	err := self.do(
		ctx,
		http.MethodPut,
		self.path("v1", "customers", string(accountId), "invitations", string(rId)),
		ProofMsg{Proof: proof},
		&receipt,
	)

	return receipt, err
}

// DeleteInvitation removes the invitation or contact of rId.
func (self *Client) DeleteInvitation(ctx context.Context, accountId rel.AccountId, rId rel.RelationshipId, proof rel.Proof) error {
	return self.do(
		ctx,
		http.MethodDelete,
		self.path("v1", "customers", string(accountId), "relationships", string(rId)),
		ProofMsg{Proof: proof},
		nil,
	)
}

// FetchRelationships returns the customer relationships snapshot.
func (self *Client) FetchRelationships(ctx context.Context, accountId rel.AccountId) (rel.Relationships, error) {
	var rels rel.Relationships
	err := self.do(ctx, http.MethodGet, self.path("v1", "customers", string(accountId), "relationships"), nil, &rels)

	return rels, err
}

// FetchUnendorsedContacts returns the customer contacts waiting for endorsement.
func (self *Client) FetchUnendorsedContacts(ctx context.Context, accountId rel.AccountId) ([]rel.UnendorsedTrustedContact, error) {
	rels, err := self.FetchRelationships(ctx, accountId)
	if nil != err {
		return nil, err
	}
	return rels.Unendorsed, nil
}

// UploadKeyCertificates publishes endorsements, either all of them are accepted or none.
func (self *Client) UploadKeyCertificates(ctx context.Context, accountId rel.AccountId, endorsements []rel.Endorsement) error {
	return self.do(
		ctx,
		http.MethodPut,
		self.path("v1", "customers", string(accountId), "certificates"),
		EndorsementsMsg{Endorsements: endorsements},
		nil,
	)
}

// RetrieveInvitation returns the invitation identified by serverCode.
func (self *Client) RetrieveInvitation(ctx context.Context, serverCode string) (rel.IncomingInvitation, error) {
	var inv rel.IncomingInvitation
	err := self.do(ctx, http.MethodGet, self.path("v1", "invitations", serverCode), nil, &inv)

	return inv, err
}

// AcceptInvitation submits the trusted contact enrollment payload.
func (self *Client) AcceptInvitation(ctx context.Context, accountId rel.AccountId, serverCode string, req rel.AcceptRequest) error {
	return self.do(
		ctx,
		http.MethodPost,
		self.path("v1", "contacts", string(accountId), "invitations", serverCode),
		req,
		nil,
	)
}

// FetchProtectedCustomers returns the customers that enrolled the trusted contact.
func (self *Client) FetchProtectedCustomers(ctx context.Context, accountId rel.AccountId) ([]rel.ProtectedCustomer, error) {
	var msg ProtectedCustomersMsg
	err := self.do(ctx, http.MethodGet, self.path("v1", "contacts", string(accountId), "relationships"), nil, &msg)

	return msg.ProtectedCustomers, err
}

func (self *Client) path(segments ...string) string {
	escaped := make([]string, 0, len(segments)+1)
	escaped = append(escaped, self.baseURL)
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return strings.Join(escaped, "/")
}

// do sends an HTTP request with reqmsg CBOR body and decodes the response body in respmsg.
func (self *Client) do(ctx context.Context, method string, endpoint string, reqmsg any, respmsg any) error {
	log := observability.GetObservability(ctx).Log().With("method", method, "url", endpoint)

	var body io.Reader
	if nil != reqmsg {
		srzmsg, err := cborSrz.Marshal(reqmsg)
		if nil != err {
			return wrapError(errors.Join(rel.ErrValidation, err), "failed serializing request")
		}
		body = bytes.NewReader(srzmsg)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if nil != err {
		return wrapError(err, "failed to create request")
	}
	req.Header.Set("Accept", cborMimeType)
	if nil != body {
		req.Header.Set("Content-Type", cborMimeType)
	}

	resp, err := self.http.Do(req)
	if nil != err {
		log.Error("relationship service unreachable", "error", err)
		return wrapError(errors.Join(rel.ErrNetwork, err), "failed to execute request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return wrapError(flagOf(resp.StatusCode), "relationship service returned status %d", resp.StatusCode)
	}
	if nil == respmsg {
		return nil
	}

	srzresp, err := io.ReadAll(io.LimitReader(resp.Body, 16*maxBodySize))
	if nil != err {
		return wrapError(errors.Join(rel.ErrNetwork, err), "failed to read response body")
	}
	err = cborSrz.Unmarshal(srzresp, respmsg)
	if nil != err {
		log.Warn("invalid relationship service response", "error", err)
		return wrapError(errors.Join(rel.ErrInvalidCertificateInput, err), "failed to decode response")
	}

	return nil
}

// flagOf maps an HTTP error status to a relationships error flag.
func flagOf(status int) error {
	switch {
	case http.StatusNotFound == status:
		return rel.ErrNotFound
	case http.StatusConflict == status:
		return rel.ErrConflict
	case http.StatusGone == status:
		return rel.ErrExpired
	case http.StatusTooManyRequests == status, status >= 500:
		return rel.ErrNetwork
	case status >= 400:
		return rel.ErrValidation
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}

var _ rel.ServiceClient = &Client{}
