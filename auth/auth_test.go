package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveVerifierIsDeterministic(t *testing.T) {
	a := DeriveVerifier("alice", "secret")
	b := DeriveVerifier("alice", "secret")
	assert.Equal(t, a, b)
}

func TestDeriveVerifierSaltIsCaseInsensitiveUsername(t *testing.T) {
	// The salt is the lowercased name: a client logging in as "Alice"
	// must derive the same key as the registration under "alice".
	assert.Equal(t, DeriveVerifier("alice", "secret"), DeriveVerifier("Alice", "secret"))
	assert.NotEqual(t, DeriveVerifier("alice", "secret"), DeriveVerifier("bob", "secret"))
	assert.NotEqual(t, DeriveVerifier("alice", "secret"), DeriveVerifier("alice", "other"))
}

func TestNonceIsFreshAndLongEnough(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)

	// 32 random bytes, hex-encoded.
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestChallengeRoundTrip(t *testing.T) {
	verifier := DeriveVerifier("alice", "secret")
	nonce, err := NewNonce()
	require.NoError(t, err)

	serverSide := Digest(verifier, nonce)
	clientSide := Digest(DeriveVerifier("alice", "secret"), nonce)
	assert.True(t, Verify(serverSide, clientSide))
}

func TestChallengeRejectsWrongPassword(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)

	expected := Digest(DeriveVerifier("alice", "secret"), nonce)
	got := Digest(DeriveVerifier("alice", "wrong"), nonce)
	assert.False(t, Verify(expected, got))
}

func TestDigestIsNonceBound(t *testing.T) {
	verifier := DeriveVerifier("alice", "secret")
	// A digest captured for one nonce must not verify against another.
	assert.False(t, Verify(Digest(verifier, "nonce-one"), Digest(verifier, "nonce-two")))
}
