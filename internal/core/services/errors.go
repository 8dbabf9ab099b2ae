package services

import "errors"

// Installation errors
var (
	ErrInstallationNotFound = errors.New("installation: not found")
	ErrInstallationTerminal = errors.New("installation: already in a terminal state")
	ErrInvalidHost          = errors.New("installation: invalid host address")
	ErrInvalidDomain        = errors.New("installation: invalid domain format")
	ErrMissingCredentials   = errors.New("installation: password or private key required")
)

// Token errors
var (
	ErrTokenNotFound = errors.New("token: unknown token")
	ErrTokenUsed     = errors.New("token: already used")
	ErrTokenExpired  = errors.New("token: expired")
)

// Encryption errors
var (
	ErrCredentialEncrypt = errors.New("credentials: failed to encrypt")
	ErrCredentialDecrypt = errors.New("credentials: failed to decrypt")
)
