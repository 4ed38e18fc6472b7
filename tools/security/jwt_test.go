package security

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerify(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))
	opts.Issuer = "ppchat"

	token, hash, exp, err := Generate(opts, "u1", []string{"chat"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), exp, time.Minute)
	assert.Equal(t, HashToken(token), hash)

	claims, err := Verify(opts, token, hash)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject())

	_, err = Verify(opts, token, "sha256:other")
	assert.Error(t, err)
}

func TestVerifyRejects(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))
	token, _, _, err := Generate(opts, "u1", nil)
	require.NoError(t, err)

	other := DefaultOptions([]byte("other"))
	_, err = Verify(other, token, "")
	assert.Error(t, err, "wrong secret")

	issued := opts
	issued.Issuer = "someone-else"
	_, err = Verify(issued, token, "")
	assert.Error(t, err, "issuer required")

	expired := opts
	expired.TTL = time.Nanosecond
	old, _, _, err := Generate(expired, "u1", nil)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = Verify(opts, old, "")
	assert.Error(t, err, "expired")

	noExp, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{"sub": "u1"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = Verify(opts, noExp, "")
	assert.Error(t, err, "exp is required")
}

func TestGenerateValidation(t *testing.T) {
	_, _, _, err := Generate(DefaultOptions([]byte("s")), "", nil)
	assert.Error(t, err)

	bad := DefaultOptions([]byte("s"))
	bad.Alg = "RS256"
	_, _, _, err = Generate(bad, "u1", nil)
	assert.Error(t, err)

	for _, alg := range []string{"hs384", " HS512 "} {
		o := DefaultOptions([]byte("s"))
		o.Alg = alg
		tok, _, _, err := Generate(o, "u1", nil)
		require.NoError(t, err)
		_, err = Verify(o, tok, "")
		assert.NoError(t, err, alg)
	}
}
