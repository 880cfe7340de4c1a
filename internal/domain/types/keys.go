package types

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// MarshalText encodes the key as standard base64.
func (p X25519Public) MarshalText() ([]byte, error) { return marshalKey(p[:]) }

// UnmarshalText decodes a standard base64 key.
func (p *X25519Public) UnmarshalText(b []byte) error { return unmarshalKey(p[:], b) }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// MarshalText encodes the key as standard base64.
func (k X25519Private) MarshalText() ([]byte, error) { return marshalKey(k[:]) }

// UnmarshalText decodes a standard base64 key.
func (k *X25519Private) UnmarshalText(b []byte) error { return unmarshalKey(k[:], b) }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// MarshalText encodes the key as standard base64.
func (p Ed25519Public) MarshalText() ([]byte, error) { return marshalKey(p[:]) }

// UnmarshalText decodes a standard base64 key.
func (p *Ed25519Public) UnmarshalText(b []byte) error { return unmarshalKey(p[:], b) }

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// MarshalText encodes the key as standard base64.
func (k Ed25519Private) MarshalText() ([]byte, error) { return marshalKey(k[:]) }

// UnmarshalText decodes a standard base64 key.
func (k *Ed25519Private) UnmarshalText(b []byte) error { return unmarshalKey(k[:], b) }

// Identity holds a device's long-term X25519 and Ed25519 keys.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// Public returns the shareable half of the identity.
func (id Identity) Public() IdentityKey {
	return IdentityKey{DH: id.XPub, Signing: id.EdPub}
}

// IsZero reports whether no identity has been set.
func (id Identity) IsZero() bool { return id.XPub.IsZero() }

// IdentityKey is the public identity of a device as seen by peers.
type IdentityKey struct {
	DH      X25519Public  `json:"dh"`
	Signing Ed25519Public `json:"signing"`
}

// Bytes returns DH||Signing, the form used for fingerprints and associated data.
func (k IdentityKey) Bytes() []byte {
	out := make([]byte, 0, 64)
	out = append(out, k.DH[:]...)
	return append(out, k.Signing[:]...)
}

// Equal reports whether both halves match.
func (k IdentityKey) Equal(o IdentityKey) bool {
	return bytes.Equal(k.Bytes(), o.Bytes())
}

func marshalKey(b []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out, nil
}

func unmarshalKey(dst, text []byte) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(raw, text)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("key length %d, want %d", n, len(dst))
	}
	copy(dst, raw[:n])
	return nil
}
