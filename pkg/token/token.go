// Package token produces and verifies signed sender correlation tokens.
//
// A token carries the identity of the connection that sent a push, signed so
// the peer cannot tamper with it. The peer echoes the token in its reply;
// verification recovers the original sender, which is how a reply to a
// broadcast finds its way back to the exact caller even when it arrives on a
// different connection. Tokens are an HMAC-SHA256 signature over the
// connection identity plus a random salt; verification is constant-time. The
// cryptography is an opaque primitive here: callers only see Sign and Verify.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const saltSize = 16

// ErrInvalidToken is returned when a token fails signature verification or
// is structurally malformed. Callers treat this as fatal to the operation;
// there is no silent downgrade.
var ErrInvalidToken = errors.New("token: invalid sender token")

// Signer signs and verifies sender tokens with a fixed secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. The secret must not be empty.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{secret: key}, nil
}

// Sign produces a token embedding the given connection identity.
// Token = base64url(salt || HMAC-SHA256(secret, salt || connID) || connID).
func (s *Signer) Sign(connID string) string {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		// SECURITY: Fatal on entropy failure - weak tokens are dangerous
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}

	sig := s.sign(salt, connID)

	raw := make([]byte, 0, saltSize+len(sig)+len(connID))
	raw = append(raw, salt...)
	raw = append(raw, sig...)
	raw = append(raw, connID...)
	return base64.URLEncoding.EncodeToString(raw)
}

// Verify checks the token's signature and returns the connection identity it
// was signed for. Returns ErrInvalidToken on any mismatch.
func (s *Signer) Verify(tok string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(tok)
	if err != nil {
		return "", ErrInvalidToken
	}
	if len(raw) < saltSize+sha256.Size {
		return "", ErrInvalidToken
	}

	salt := raw[:saltSize]
	providedSig := raw[saltSize : saltSize+sha256.Size]
	connID := string(raw[saltSize+sha256.Size:])

	expectedSig := s.sign(salt, connID)
	if !hmac.Equal(providedSig, expectedSig) {
		return "", ErrInvalidToken
	}
	return connID, nil
}

func (s *Signer) sign(salt []byte, connID string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(salt)
	h.Write([]byte(connID))
	return h.Sum(nil)
}
