package crypto

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// ML-KEM-768 sizes.
const (
	KEMPublicKeySize  = 1184
	KEMSecretKeySize  = 2400
	KEMCiphertextSize = 1088
	KEMSharedKeySize  = 32
)

var (
	// ErrInvalidKEMKey is returned for KEM keys of the wrong size.
	ErrInvalidKEMKey = errors.New("invalid ML-KEM key")
	// ErrInvalidKEMCiphertext is returned for KEM ciphertexts of the wrong size.
	ErrInvalidKEMCiphertext = errors.New("invalid ML-KEM ciphertext")
)

// GenerateKEM creates a new ML-KEM-768 key pair as raw bytes.
func GenerateKEM() (pub, priv []byte, err error) {
	pk, sk, err := mlkem768.GenerateKeyPair(nil)
	if err != nil {
		return nil, nil, err
	}
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Encapsulate derives a fresh shared secret for the holder of pub.
func Encapsulate(pub []byte) (ciphertext, shared []byte, err error) {
	if len(pub) != KEMPublicKeySize {
		return nil, nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKEMKey, len(pub))
	}
	var pk mlkem768.PublicKey
	pk.Unpack(pub)

	ciphertext = make([]byte, KEMCiphertextSize)
	shared = make([]byte, KEMSharedKeySize)
	pk.EncapsulateTo(ciphertext, shared, nil)
	return ciphertext, shared, nil
}

// Decapsulate recovers the shared secret encapsulated in ciphertext.
func Decapsulate(priv, ciphertext []byte) ([]byte, error) {
	if len(priv) != KEMSecretKeySize {
		return nil, fmt.Errorf("%w: secret key is %d bytes", ErrInvalidKEMKey, len(priv))
	}
	if len(ciphertext) != KEMCiphertextSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKEMCiphertext, len(ciphertext))
	}
	var sk mlkem768.PrivateKey
	if err := sk.Unpack(priv); err != nil {
		return nil, err
	}
	shared := make([]byte, KEMSharedKeySize)
	sk.DecapsulateTo(shared, ciphertext)
	return shared, nil
}
