package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"identswitch/config"
)

// ErrDecrypt is returned for corrupt ciphertext or a key mismatch. The
// caller must treat the credential as unavailable; a wrong plaintext is
// never returned.
var ErrDecrypt = errors.New("decryption failed")

// Cipher encrypts account credentials with a key derived for one user,
// so a ciphertext copied between rows of different users does not
// decrypt.
type Cipher struct {
	key []byte
}

// NewUserCipher derives the per-user key from the configured master key.
func NewUserCipher(userID uint) *Cipher {
	return newCipher(config.AppConfig.EncryptionKey, userID)
}

func newCipher(masterKey string, userID uint) *Cipher {
	info := []byte(fmt.Sprintf("account-credentials/%d", userID))
	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		// hkdf only errors past its output limit; 32 bytes is far below.
		panic(err)
	}
	return &Cipher{key: key}
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(c.key)
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

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	decoded, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(decoded) < gcm.NonceSize() {
		return "", ErrDecrypt
	}

	nonce, sealed := decoded[:gcm.NonceSize()], decoded[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
