package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPBKDF2Iterations is the floor for password-derived keys.
	MinPBKDF2Iterations = 100_000
	// MaxPBKDF2Iterations bounds the work a stored iteration count can demand.
	MaxPBKDF2Iterations = 10 * MinPBKDF2Iterations
	// SaltSize is the random salt length for password-derived keys.
	SaltSize = 16
)

// DerivePasswordKey stretches password into an AES-256 key with PBKDF2-SHA256.
// Iteration counts below MinPBKDF2Iterations are raised to it.
func DerivePasswordKey(password string, salt []byte, iterations int) []byte {
	if iterations < MinPBKDF2Iterations {
		iterations = MinPBKDF2Iterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, AESKeySize, sha256.New)
}
