// Package auth implements the administrator password digest and its verification.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrAuthFailed is returned when a presented digest does not match.
var ErrAuthFailed = errors.New("authentication failed")

// Digest returns the lowercase hex SHA-256 of password. Clients send this value
// as password_hash; the plaintext never crosses the wire.
//
// Postcondition: Returns a 64-character hex string.
func Digest(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// HashDigest wraps a digest in bcrypt for storage in configuration.
//
// Precondition: digest must be non-empty; cost must be within bcrypt's bounds.
// Postcondition: Returns a bcrypt hash string.
func HashDigest(digest string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(digest), cost)
	if err != nil {
		return "", fmt.Errorf("hashing digest: %w", err)
	}
	return string(hash), nil
}

// Verifier checks presented digests against the configured administrator secret.
type Verifier struct {
	configured string
	bcrypted   bool
}

// NewVerifier creates a Verifier for the configured admin.password_hash value:
// either a hex digest or a bcrypt hash of one. An empty value rejects everything.
func NewVerifier(configured string) *Verifier {
	if strings.HasPrefix(configured, "$2") {
		return &Verifier{configured: configured, bcrypted: true}
	}
	return &Verifier{configured: strings.ToLower(configured)}
}

// Verify compares the presented digest with the configured secret.
//
// Postcondition: Returns nil on match, or an error wrapping ErrAuthFailed.
func (v *Verifier) Verify(digest string) error {
	if v.configured == "" || digest == "" {
		return ErrAuthFailed
	}
	digest = strings.ToLower(digest)
	if v.bcrypted {
		if err := bcrypt.CompareHashAndPassword([]byte(v.configured), []byte(digest)); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(v.configured), []byte(digest)) != 1 {
		return ErrAuthFailed
	}
	return nil
}

// Enabled reports whether any administrator secret is configured.
func (v *Verifier) Enabled() bool {
	return v.configured != ""
}
