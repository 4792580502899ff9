package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialExpired(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	fresh := Credential{ExpiresAt: now.Add(10 * time.Minute)}
	assert.False(t, fresh.Expired(now))

	// Tokens about to die within the skew window count as expired.
	almostDead := Credential{ExpiresAt: now.Add(10 * time.Second)}
	assert.True(t, almostDead.Expired(now))

	dead := Credential{ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, dead.Expired(now))

	// No expiry recorded means the bank never told us; treat as valid.
	noExpiry := Credential{}
	assert.False(t, noExpiry.Expired(now))
}

func TestCredentialNeverSerializesTokens(t *testing.T) {
	cred := Credential{
		ConnectionID: "conn-1",
		AccessToken:  "super-secret-access",
		RefreshToken: "super-secret-refresh",
	}

	data, err := json.Marshal(cred)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestSensitiveFieldsStayOutOfJSON(t *testing.T) {
	tx := Transaction{
		ID:          "tx-1",
		ExternalID:  "bank-assigned-id",
		Fingerprint: "abcdef",
		AmountMinor: -1000,
	}
	data, err := json.Marshal(tx)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "bank-assigned-id")
	assert.NotContains(t, string(data), "abcdef")

	user := User{ID: "u-1", PasswordHash: "bcrypt-hash", TOTPSecret: "totp-secret"}
	data, err = json.Marshal(user)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "bcrypt-hash")
	assert.NotContains(t, string(data), "totp-secret")
}
