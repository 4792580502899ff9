package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// The vault key is derived once from SECRET_KEY. The salt is versioned so a
// future key rotation can re-derive without breaking stored ciphertexts.
const keySalt = "multibank_salt_v1"

var (
	keyOnce    sync.Once
	vaultKey   []byte
	keyLoadErr error
)

func encryptionKey() ([]byte, error) {
	keyOnce.Do(func() {
		secret := os.Getenv("SECRET_KEY")
		if secret == "" {
			keyLoadErr = errors.New("SECRET_KEY environment variable is required")
			return
		}
		vaultKey = pbkdf2.Key([]byte(secret), []byte(keySalt), 100000, 32, sha256.New)
	})
	return vaultKey, keyLoadErr
}

// Encrypt encrypts plaintext with AES-256-GCM and returns a base64 ciphertext
// with the nonce prepended.
func Encrypt(plaintext []byte) (string, error) {
	key, err := encryptionKey()
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt takes a base64 encoded ciphertext and returns the original bytes.
func Decrypt(cryptoText string) ([]byte, error) {
	key, err := encryptionKey()
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(cryptoText)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}
