package token

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// NewAccessToken generates a 64-hex-character one-time install token.
func NewAccessToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process has bigger problems
		panic(err)
	}
	return hex.EncodeToString(b)
}

// RandomPassword generates a secure random string of the given length,
// used for generated site admin credentials.
func RandomPassword(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := range result {
		num, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		result[i] = charset[num.Int64()]
	}
	return string(result)
}
