package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"
)

func TestDigestKnownVectors(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Digest(""))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Digest("abc"))
}

func TestVerifyHexDigest(t *testing.T) {
	v := NewVerifier(Digest("hunter2"))
	assert.True(t, v.Enabled())
	assert.NoError(t, v.Verify(Digest("hunter2")))
	assert.NoError(t, v.Verify(strings.ToUpper(Digest("hunter2"))), "hex comparison ignores case")
	assert.ErrorIs(t, v.Verify(Digest("hunter3")), ErrAuthFailed)
	assert.ErrorIs(t, v.Verify(""), ErrAuthFailed)
}

func TestVerifyBcryptWrappedDigest(t *testing.T) {
	hash, err := HashDigest(Digest("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	v := NewVerifier(hash)
	assert.NoError(t, v.Verify(Digest("hunter2")))
	assert.ErrorIs(t, v.Verify(Digest("wrong")), ErrAuthFailed)
}

func TestVerifyDisabled(t *testing.T) {
	v := NewVerifier("")
	assert.False(t, v.Enabled())
	assert.ErrorIs(t, v.Verify(Digest("")), ErrAuthFailed)
}

// Property: a verifier accepts exactly the digest of its own password.
func TestPropertyVerifyOnlyMatchingDigest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		correct := rapid.StringMatching(`[a-zA-Z0-9!@#$%^&*]{0,30}`).Draw(t, "correct")
		other := rapid.StringMatching(`[a-zA-Z0-9!@#$%^&*]{0,30}`).Draw(t, "other")

		v := NewVerifier(Digest(correct))
		if err := v.Verify(Digest(correct)); err != nil {
			t.Fatalf("digest of %q rejected: %v", correct, err)
		}
		if correct != other && v.Verify(Digest(other)) == nil {
			t.Fatalf("digest of %q accepted for %q", other, correct)
		}
	})
}
