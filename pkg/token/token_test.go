package token

import (
	"errors"
	"testing"
)

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner(nil); err == nil {
		t.Fatal("NewSigner should reject an empty secret")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := NewSigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	tok := s.Sign("conn-1")
	connID, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify failed for valid token: %v", err)
	}
	if connID != "conn-1" {
		t.Errorf("Verify recovered %q, want conn-1", connID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a, _ := NewSigner([]byte("secret-a"))
	b, _ := NewSigner([]byte("secret-b"))
	tok := a.Sign("conn-1")

	if _, err := b.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify with wrong secret = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsTamperedIdentity(t *testing.T) {
	s, _ := NewSigner([]byte("test-secret"))
	tok := s.Sign("conn-1")

	// Appending to the encoded form shifts the embedded identity; the
	// signature must no longer match.
	if _, err := s.Verify(tok[:len(tok)-4] + "AAAA"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify of tampered token = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsMalformedTokens(t *testing.T) {
	s, _ := NewSigner([]byte("test-secret"))

	for _, tok := range []string{"", "not-base64!!!", "YWJj"} {
		if _, err := s.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(%q) = %v, want ErrInvalidToken", tok, err)
		}
	}
}

func TestTokensAreSalted(t *testing.T) {
	s, _ := NewSigner([]byte("test-secret"))
	if s.Sign("conn-1") == s.Sign("conn-1") {
		t.Error("two tokens for the same connection should differ")
	}
}
