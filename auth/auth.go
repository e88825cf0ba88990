// Package auth implements the handshake crypto: the password-derived
// verifier, the server nonce, and the HMAC challenge digest.
//
// The verifier is all the server ever stores. It is derived with PBKDF2 so
// the client can recompute the identical key from the raw password at login;
// the raw password never crosses the wire, and a captured digest is useless
// without the per-handshake nonce.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Key-derivation parameters. Fixed: both sides must agree, and the salt is
// bound to the account name so equal passwords yield distinct verifiers.
const (
	kdfIterations = 10000
	kdfKeyLen     = 64
	nonceLen      = 32
)

// DeriveVerifier derives the stored verifier for an account from its raw
// password. Salt is the lowercased username.
func DeriveVerifier(username, password string) []byte {
	salt := []byte(strings.ToLower(username))
	key := pbkdf2.Key([]byte(password), salt, kdfIterations, kdfKeyLen, sha512.New)
	out := make([]byte, hex.EncodedLen(len(key)))
	hex.Encode(out, key)
	return out
}

// NewNonce returns a fresh random challenge nonce, hex-encoded for the wire.
func NewNonce() (string, error) {
	raw := make([]byte, nonceLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: nonce: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Digest computes the challenge response HMAC(key=verifier, message=nonce).
func Digest(verifier []byte, nonce string) []byte {
	mac := hmac.New(sha256.New, verifier)
	mac.Write([]byte(nonce))
	return mac.Sum(nil)
}

// Verify compares two digests in constant time.
func Verify(expected, got []byte) bool {
	return hmac.Equal(expected, got)
}
