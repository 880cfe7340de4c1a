package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// AESKeySize is the AES-256 key length.
	AESKeySize = 32
	// AESNonceSize is the GCM nonce length.
	AESNonceSize = 12
	// AESTagSize is the GCM tag length.
	AESTagSize = 16
)

var (
	// ErrInvalidKeySize is returned for keys that are not AESKeySize long.
	ErrInvalidKeySize = errors.New("invalid key size")
	// ErrDecryptionFailed is returned when GCM authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// SealAESGCM encrypts plaintext under key with a random nonce.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func SealAESGCM(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, AESNonceSize, AESNonceSize+len(plaintext)+AESTagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// OpenAESGCM reverses SealAESGCM.
func OpenAESGCM(key, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < AESNonceSize+AESTagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	pt, err := gcm.Open(nil, sealed[:AESNonceSize], sealed[AESNonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(key), AESKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
