package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	token, err := GenerateAccessToken("user-123", "user@example.com")
	require.NoError(t, err)

	userID, err := ParseAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

func TestParseAccessTokenRejectsGarbage(t *testing.T) {
	_, err := ParseAccessToken("not-a-jwt")
	assert.Error(t, err)

	_, err = ParseAccessToken("")
	assert.Error(t, err)
}

func TestGenerateRefreshTokenIsOpaqueAndUnique(t *testing.T) {
	a, err := GenerateRefreshToken()
	require.NoError(t, err)
	b, err := GenerateRefreshToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestStateTokenRoundTrip(t *testing.T) {
	state, err := GenerateStateToken("user-123", "conn-456", "nonce-789")
	require.NoError(t, err)

	claims, err := ParseStateToken(state)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)
	assert.Equal(t, "conn-456", claims.ConnectionID)
	assert.Equal(t, "nonce-789", claims.Nonce)
}

func TestStateTokenRejectsTampering(t *testing.T) {
	state, err := GenerateStateToken("user-123", "conn-456", "nonce-789")
	require.NoError(t, err)

	// Flip a character in the signature segment.
	tampered := []byte(state)
	last := tampered[len(tampered)-1]
	if last == 'A' {
		tampered[len(tampered)-1] = 'B'
	} else {
		tampered[len(tampered)-1] = 'A'
	}

	_, err = ParseStateToken(string(tampered))
	assert.Error(t, err)
}
