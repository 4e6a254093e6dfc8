package relationships

import (
	"strings"
)

// Contacts returns the contacts of self keyed by RelationshipId.
// It errors if a RelationshipId appears twice.
func (self Relationships) Contacts() (map[RelationshipId]Contact, error) {
	rv := make(map[RelationshipId]Contact, len(self.Unendorsed)+len(self.Endorsed))
	add := func(c Contact) error {
		rId := c.Info().RelationshipId
		if _, found := rv[rId]; found {
			return wrapError(ErrConflict, "duplicate contact for %s", rId)
		}
		rv[rId] = c
		return nil
	}
	for _, utc := range self.Unendorsed {
		if err := add(utc); nil != err {
			return nil, err
		}
	}
	for _, etc := range self.Endorsed {
		if err := add(etc); nil != err {
			return nil, err
		}
	}

	return rv, nil
}

// MergeInvitations returns the invitations to keep after receiving the remote pending invitations.
// Local invitations that are no longer pending are dropped, the local PakeCode is preserved.
func MergeInvitations(local map[RelationshipId]Invitation, remote []Invitation) map[RelationshipId]Invitation {
	rv := make(map[RelationshipId]Invitation, len(remote))
	for _, inv := range remote {
		if cur, found := local[inv.RelationshipId]; found {
			inv.PakeCode = cur.PakeCode
		}
		rv[inv.RelationshipId] = inv
	}
	return rv
}

// WithState returns a copy of c with its AuthenticationState set to state.
func WithState(c Contact, state AuthenticationState) (Contact, error) {
	switch v := c.(type) {
	case UnendorsedTrustedContact:
		v.AuthenticationState = state
		return v, nil
	case EndorsedTrustedContact:
		v.AuthenticationState = state
		return v, nil
	case nil:
		return nil, wrapError(ErrNotFound, "no contact")
	default:
		return nil, newError("unsupported contact type %T", c)
	}
}

func compareId(a, b RelationshipId) int {
	return strings.Compare(string(a), string(b))
}
