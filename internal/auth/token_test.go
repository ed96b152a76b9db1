package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Minute)

	token, issued, expires, err := tm.GenerateToken("subject-1", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, expires.Sub(issued))

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "subject-1", claims.Subject)
	assert.Equal(t, "a@x.com", claims.Email)
}

func TestParseTokenReportsExpiry(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Minute)
	base := time.Now()
	tm.now = func() time.Time { return base }

	token, _, _, err := tm.GenerateToken("subject-1", "a@x.com")
	require.NoError(t, err)

	tm.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = tm.ParseToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	issuer := NewTokenManager("secret-a", time.Minute)
	verifier := NewTokenManager("secret-b", time.Minute)

	token, _, _, err := issuer.GenerateToken("subject-1", "a@x.com")
	require.NoError(t, err)

	_, err = verifier.ParseToken(token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenExpired)
}
