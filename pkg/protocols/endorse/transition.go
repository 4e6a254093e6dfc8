package endorse

import (
	rel "code.kerpass.org/trustedcontacts/pkg/relationships"
)

// Event is an occurrence that moves a contact between authentication states.
type Event uint8

const (
	// EventPakeDataMissing signals that the enrollment secret is missing or expired.
	EventPakeDataMissing Event = iota + 1

	// EventKeyConfirmationFailed signals a wrong PakeCode or a tampered enrollment payload.
	EventKeyConfirmationFailed

	// EventEndorsed signals that the contact certificate was issued and published.
	EventEndorsed

	// EventCertificateRejected signals that a certificate did not verify during key rotation.
	EventCertificateRejected

	// EventReissued signals that a certificate was regenerated under rotated authority keys and published.
	EventReissued
)

var eventNames = [...]string{
	EventPakeDataMissing:       "pake-data-missing",
	EventKeyConfirmationFailed: "key-confirmation-failed",
	EventEndorsed:              "endorsed",
	EventCertificateRejected:   "certificate-rejected",
	EventReissued:              "reissued",
}

func (self Event) String() string {
	if int(self) < len(eventNames) && "" != eventNames[self] {
		return eventNames[self]
	}
	return "invalid"
}

// transition returns the state that follows state when ev occurs.
// It errors with ErrConflict if ev is not allowed in state.
func transition(state rel.AuthenticationState, ev Event) (rel.AuthenticationState, error) {
	switch state {
	case rel.Unauthenticated:
		switch ev {
		case EventPakeDataMissing:
			return rel.PakeDataUnavailable, nil
		case EventKeyConfirmationFailed:
			return rel.Failed, nil
		case EventEndorsed:
			return rel.Verified, nil
		}
	case rel.Verified:
		switch ev {
		case EventCertificateRejected:
			return rel.Tampered, nil
		case EventReissued:
			return rel.Verified, nil
		}
	case rel.Tampered, rel.Failed, rel.PakeDataUnavailable:
		// terminal, the contact must be invited again
	default:
		return state, wrapError(rel.ErrValidation, "invalid state %d", state)
	}

	return state, wrapError(rel.ErrConflict, "event %s not allowed in state %s", ev, state)
}
