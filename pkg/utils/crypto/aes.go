// Package crypto seals SSH credentials at rest. A credential struct is
// JSON-encoded, AES-256-GCM encrypted under a key derived from the
// configured secret, and stored base64-encoded in a single column.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
)

var (
	ErrInvalidKey        = errors.New("crypto: invalid encryption key")
	ErrSealFailed        = errors.New("crypto: seal failed")
	ErrOpenFailed        = errors.New("crypto: open failed")
	ErrInvalidCipherText = errors.New("crypto: invalid cipher text")
)

// aeadFor derives a 32-byte key from the configured secret and builds the
// GCM cipher for it. Any non-empty secret is acceptable; key stretching
// happens through SHA-256.
func aeadFor(key string) (cipher.AEAD, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	derived := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptJSON seals any JSON-encodable value. The nonce is prepended to the
// cipher text, so every call produces a different encoding of the same value.
func EncryptJSON(v interface{}, key string) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", ErrSealFailed
	}

	gcm, err := aeadFor(key)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return "", err
		}
		return "", ErrSealFailed
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ErrSealFailed
	}

	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptJSON opens a sealed value into out. A wrong key, a truncated
// payload, or a tampered cipher text all fail the GCM tag check.
func DecryptJSON(cipherText, key string, out interface{}) error {
	data, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return ErrInvalidCipherText
	}

	gcm, err := aeadFor(key)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return err
		}
		return ErrOpenFailed
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return ErrInvalidCipherText
	}

	plain, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return ErrOpenFailed
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return ErrOpenFailed
	}
	return nil
}
