package relationships

import (
	"code.kerpass.org/trustedcontacts/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("relationships: error")

	// ErrPakeDataUnavailable signals that the customer enrollment secret is missing or expired.
	ErrPakeDataUnavailable = errorFlag("relationships: pake data unavailable")

	// ErrKeyConfirmationMismatch signals a wrong PakeCode or a tampered enrollment payload.
	ErrKeyConfirmationMismatch = errorFlag("relationships: key confirmation mismatch")

	// ErrCertificateVerification signals a key certificate whose signatures do not verify.
	ErrCertificateVerification = errorFlag("relationships: certificate verification failed")

	// ErrNetwork signals a transient relationship service failure, the operation may be retried.
	ErrNetwork = errorFlag("relationships: network error")

	// ErrInvalidCertificateInput signals malformed data received from the relationship service.
	ErrInvalidCertificateInput = errorFlag("relationships: invalid certificate input")

	ErrNotFound   = errorFlag("relationships: not found")
	ErrValidation = errorFlag("relationships: validation failed")
	ErrConflict   = errorFlag("relationships: conflict")
	ErrExpired    = errorFlag("relationships: expired")

	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	} else {
		return Error
	}
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}
