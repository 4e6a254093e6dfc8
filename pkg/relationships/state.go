package relationships

// AuthenticationState is the trust status of a trusted contact.
type AuthenticationState uint8

const (
	// Unauthenticated contacts completed the PAKE but were not yet endorsed.
	Unauthenticated AuthenticationState = iota

	// Verified contacts hold a key certificate issued by the customer current authority.
	Verified

	// Tampered contacts hold a certificate that failed verification when the customer rotated its keys.
	Tampered

	// Failed contacts sent an enrollment payload whose key confirmation did not validate.
	Failed

	// PakeDataUnavailable contacts can not be authenticated, the customer lost its enrollment secret.
	PakeDataUnavailable
)

var stateNames = [...]string{
	Unauthenticated:     "UNAUTHENTICATED",
	Verified:            "VERIFIED",
	Tampered:            "TAMPERED",
	Failed:              "FAILED",
	PakeDataUnavailable: "PAKE_DATA_UNAVAILABLE",
}

func (self AuthenticationState) String() string {
	if int(self) < len(stateNames) {
		return stateNames[self]
	}
	return "INVALID"
}

// Check returns an error if self is not a known AuthenticationState.
func (self AuthenticationState) Check() error {
	if int(self) >= len(stateNames) {
		return wrapError(ErrValidation, "invalid AuthenticationState %d", self)
	}
	return nil
}

// IsTerminalFailure returns true for the states that require the contact to be invited again.
func (self AuthenticationState) IsTerminalFailure() bool {
	switch self {
	case Tampered, Failed, PakeDataUnavailable:
		return true
	default:
		return false
	}
}

func (self AuthenticationState) MarshalText() ([]byte, error) {
	if err := self.Check(); nil != err {
		return nil, err
	}
	return []byte(self.String()), nil
}

func (self *AuthenticationState) UnmarshalText(text []byte) error {
	for pos, name := range stateNames {
		if name == string(text) {
			*self = AuthenticationState(pos)
			return nil
		}
	}
	return wrapError(ErrValidation, "unknown AuthenticationState %q", text)
}
