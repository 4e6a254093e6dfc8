package pake

import (
	"encoding/base32"
	"errors"
	"io"
	"strings"
)

const (
	// PakeCodeSize is the entropy in bytes of a PakeCode, 8 characters once encoded.
	PakeCodeSize = 5

	// B32Alphabet excludes I, L, O & U which are easily confused when read aloud.
	B32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

	inviteCodeSeparator = "-"
)

var codeEncoding = base32.NewEncoding(B32Alphabet).WithPadding(base32.NoPadding)

// PakeCode is the low entropy secret that the customer shares out of band with a trusted contact.
// It is never sent to the relationship service.
type PakeCode []byte

// NewPakeCode returns a random PakeCode.
func NewPakeCode(rand io.Reader) (PakeCode, error) {
	code := make(PakeCode, PakeCodeSize)
	_, err := io.ReadFull(rand, code)
	if nil != err {
		return nil, wrapError(err, "failed reading entropy")
	}

	return code, nil
}

// ParsePakeCode decodes the human readable form of a PakeCode.
// Parsing is case insensitive and ignores spaces.
func ParsePakeCode(s string) (PakeCode, error) {
	code, err := codeEncoding.DecodeString(normalizeCode(s))
	if nil != err {
		return nil, wrapError(errors.Join(ErrInvalidCode, err), "failed decoding pake code")
	}
	if PakeCodeSize != len(code) {
		return nil, wrapError(ErrInvalidCode, "invalid pake code size %d", len(code))
	}

	return PakeCode(code), nil
}

// Check returns an error if self does not have the expected size.
func (self PakeCode) Check() error {
	if PakeCodeSize != len(self) {
		return wrapError(ErrInvalidCode, "invalid pake code size %d", len(self))
	}
	return nil
}

// String returns the human readable form of self.
func (self PakeCode) String() string {
	return codeEncoding.EncodeToString(self)
}

// FormatInviteCode returns the code that the customer shares with a trusted contact.
// It concatenates the relationship service serverCode and the PakeCode.
func FormatInviteCode(serverCode string, code PakeCode) string {
	return serverCode + inviteCodeSeparator + code.String()
}

// ParseInviteCode splits an invite code into its serverCode and PakeCode parts.
func ParseInviteCode(inviteCode string) (string, PakeCode, error) {
	inviteCode = strings.TrimSpace(inviteCode)
	pos := strings.LastIndex(inviteCode, inviteCodeSeparator)
	if pos <= 0 {
		return "", nil, wrapError(ErrInvalidCode, "missing server code")
	}
	serverCode := strings.ToUpper(inviteCode[:pos])
	code, err := ParsePakeCode(inviteCode[pos+1:])
	if nil != err {
		return "", nil, err
	}

	return serverCode, code, nil
}

// normalizeCode maps the characters excluded from B32Alphabet to their look alike.
func normalizeCode(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t':
			return -1
		case 'I', 'i', 'L', 'l':
			return '1'
		case 'O', 'o':
			return '0'
		}
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		return r
	}, s)
}
