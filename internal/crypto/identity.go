package crypto

import (
	"crypto/rand"
	"encoding/binary"

	"cipherlink/internal/domain"
)

// registrationIDMask keeps registration ids in the 14-bit range peers expect.
const registrationIDMask = 0x3fff

// NewIdentity generates a fresh X25519 key pair and an Ed25519 key pair.
func NewIdentity() (domain.Identity, error) {
	xPriv, xPub, err := GenerateX25519()
	if err != nil {
		return domain.Identity{}, err
	}
	edPriv, edPub, err := GenerateEd25519()
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}, nil
}

// NewRegistrationID returns a random non-zero 14-bit registration id.
func NewRegistrationID() (domain.RegistrationID, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if id := binary.BigEndian.Uint32(b[:]) & registrationIDMask; id != 0 {
			return domain.RegistrationID(id), nil
		}
	}
}
