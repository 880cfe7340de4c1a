package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"cipherlink/internal/domain"
	"cipherlink/internal/util/memzero"
)

const (
	// The current supported version of the vault header format.
	vaultFormatVersion = 1

	// vaultHeaderKey holds the KDF parameters; it is hidden from Keys.
	vaultHeaderKey = "_vault/header"

	vaultCheck = "cipherlink-vault"
)

var (
	// ErrWrongPassphrase is returned when the passphrase is incorrect or a
	// sealed value has been modified / corrupted.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted vault")
)

// vaultHeader is stored once per vault. The check value proves the
// passphrase before any real record is opened.
type vaultHeader struct {
	V     int    `json:"v"`
	Salt  []byte `json:"salt"`
	N     int    `json:"scrypt_N"`
	R     int    `json:"scrypt_r"`
	P     int    `json:"scrypt_p"`
	Check []byte `json:"check"`
}

// SealedTier encrypts every value of an inner Tier under a passphrase-derived
// key. Values are bound to their key names, so records cannot be swapped.
type SealedTier struct {
	inner domain.Tier
	key   []byte
}

// OpenSealedTier derives the vault key, creating the header on first use.
func OpenSealedTier(ctx context.Context, inner domain.Tier, passphrase string) (*SealedTier, error) {
	if passphrase == "" {
		return nil, errors.New("vault passphrase required")
	}
	raw, ok, err := inner.Get(ctx, vaultHeaderKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return createVault(ctx, inner, passphrase)
	}

	var h vaultHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("vault header: %w", err)
	}
	if h.V > vaultFormatVersion {
		return nil, fmt.Errorf("unsupported vault version %d", h.V)
	}
	key, err := scrypt.Key([]byte(passphrase), h.Salt, h.N, h.R, h.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	t := &SealedTier{inner: inner, key: key}
	if _, err := t.open(vaultHeaderKey, h.Check); err != nil {
		memzero.Zero(key)
		return nil, ErrWrongPassphrase
	}
	return t, nil
}

func createVault(ctx context.Context, inner domain.Tier, passphrase string) (*SealedTier, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	N, r, p := scryptParamsDefault()
	key, err := scrypt.Key([]byte(passphrase), salt[:], N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	t := &SealedTier{inner: inner, key: key}
	check, err := t.seal(vaultHeaderKey, []byte(vaultCheck))
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(vaultHeader{V: vaultFormatVersion, Salt: salt[:], N: N, R: r, P: p, Check: check})
	if err != nil {
		return nil, err
	}
	if err := inner.Put(ctx, vaultHeaderKey, b); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *SealedTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, ok, err := t.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	pt, err := t.open(key, sealed)
	if err != nil {
		return nil, false, err
	}
	return pt, true, nil
}

func (t *SealedTier) Put(ctx context.Context, key string, value []byte) error {
	sealed, err := t.seal(key, value)
	if err != nil {
		return err
	}
	return t.inner.Put(ctx, key, sealed)
}

func (t *SealedTier) Delete(ctx context.Context, key string) error {
	return t.inner.Delete(ctx, key)
}

func (t *SealedTier) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := t.inner.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if !strings.HasPrefix(k, "_vault/") {
			out = append(out, k)
		}
	}
	return out, nil
}

// Close wipes the derived key.
func (t *SealedTier) Close() { memzero.Zero(t.key) }

// seal returns nonce||ciphertext with the key name as associated data.
func (t *SealedTier) seal(name string, raw []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(t.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(raw)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, raw, []byte(name)), nil
}

func (t *SealedTier) open(name string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(t.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrWrongPassphrase
	}
	n := aead.NonceSize()
	pt, err := aead.Open(nil, sealed[:n], sealed[n:], []byte(name))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

var _ domain.Tier = (*SealedTier)(nil)
