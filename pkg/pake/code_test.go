package pake

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
)

func TestPakeCodeString(t *testing.T) {
	code, err := NewPakeCode(rand.Reader)
	if nil != err {
		t.Fatalf("failed NewPakeCode, got error %v", err)
	}
	s := code.String()
	if 8 != len(s) {
		t.Fatalf("failed length control, got %q", s)
	}
	for _, r := range s {
		if !strings.ContainsRune(B32Alphabet, r) {
			t.Fatalf("failed alphabet control, got %q", s)
		}
	}

	parsed, err := ParsePakeCode(strings.ToLower(s))
	if nil != err {
		t.Fatalf("failed ParsePakeCode, got error %v", err)
	}
	if !bytes.Equal(parsed, code) {
		t.Errorf("failed reload control, got %x != %x", parsed, code)
	}
}

func TestParsePakeCodeLookAlike(t *testing.T) {
	code := PakeCode{0x00, 0x00, 0x00, 0x00, 0x21}
	s := code.String()
	if "00000011" != s {
		t.Fatalf("failed encoding control, got %q", s)
	}

	testcases := []string{"0000 0011", "OOOO00IL", "oooo00il", "0000001l"}
	for _, tc := range testcases {
		parsed, err := ParsePakeCode(tc)
		if nil != err {
			t.Errorf("failed ParsePakeCode(%q), got error %v", tc, err)
			continue
		}
		if !bytes.Equal(parsed, code) {
			t.Errorf("failed ParsePakeCode(%q), got %x", tc, parsed)
		}
	}
}

func TestInviteCode(t *testing.T) {
	code, err := NewPakeCode(rand.Reader)
	if nil != err {
		t.Fatalf("failed NewPakeCode, got error %v", err)
	}
	inviteCode := FormatInviteCode("7K2M9QX4AB", code)

	serverCode, parsed, err := ParseInviteCode(" " + strings.ToLower(inviteCode) + " ")
	if nil != err {
		t.Fatalf("failed ParseInviteCode, got error %v", err)
	}
	if "7K2M9QX4AB" != serverCode {
		t.Errorf("failed serverCode control, got %q", serverCode)
	}
	if !bytes.Equal(parsed, code) {
		t.Errorf("failed PakeCode control, got %x != %x", parsed, code)
	}
}

func TestParseInviteCodeErrors(t *testing.T) {
	testcases := []string{"", "NOSEPARATOR", "-00000011", "ABC-0000", "ABC-000000110", "ABC-UUUUUUUU"}
	for _, tc := range testcases {
		_, _, err := ParseInviteCode(tc)
		if !errors.Is(err, ErrInvalidCode) {
			t.Errorf("failed ParseInviteCode(%q) control, got error %v", tc, err)
		}
	}
}
