package utils

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// The vault key is derived once per process; set the secret before any
	// test touches crypto or JWT helpers.
	os.Setenv("SECRET_KEY", "test-secret-key-for-unit-tests")
	os.Exit(m.Run())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("access-token-value-1234567890")

	ciphertext, err := Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "access-token")

	decrypted, err := Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	// A fresh nonce per call: identical plaintexts never share ciphertext.
	a, err := Encrypt([]byte("same-token"))
	require.NoError(t, err)
	b, err := Encrypt([]byte("same-token"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	ciphertext, err := Encrypt([]byte("token"))
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	tampered[len(tampered)-5] ^= 'x'
	_, err = Decrypt(string(tampered))
	assert.Error(t, err)

	_, err = Decrypt("bm90LXZhbGlk")
	assert.Error(t, err)

	_, err = Decrypt("not base64 at all!!!")
	assert.Error(t, err)
}
