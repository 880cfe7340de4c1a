package prekey

import (
	"time"

	"cipherlink/internal/crypto"
	"cipherlink/internal/domain"
)

// Generator produces signed, one-time and ML-KEM prekeys for one identity.
type Generator struct {
	id  domain.Identity
	now func() time.Time
}

// New returns a Generator signing with id.
func New(id domain.Identity, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{id: id, now: now}
}

// SignedPreKey creates a signed prekey with keyID.
func (g *Generator) SignedPreKey(keyID domain.SignedPreKeyID) (domain.SignedPreKey, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	return domain.SignedPreKey{
		KeyID:     keyID,
		Pub:       pub,
		Priv:      priv,
		Signature: crypto.SignEd25519(g.id.EdPriv, pub[:]),
		Timestamp: g.now(),
	}, nil
}

// PreKeys creates n one-time prekeys with consecutive ids starting at first.
func (g *Generator) PreKeys(first domain.PreKeyID, n int) ([]domain.PreKey, error) {
	out := make([]domain.PreKey, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		out = append(out, domain.PreKey{KeyID: first + domain.PreKeyID(i), Pub: pub, Priv: priv})
	}
	return out, nil
}

// KyberPreKey creates a signed ML-KEM-768 prekey.
func (g *Generator) KyberPreKey(keyID domain.PreKeyID) (domain.KyberPreKey, error) {
	pub, priv, err := crypto.GenerateKEM()
	if err != nil {
		return domain.KyberPreKey{}, err
	}
	return domain.KyberPreKey{
		KeyID:     keyID,
		Pub:       pub,
		Priv:      priv,
		Signature: crypto.SignEd25519(g.id.EdPriv, pub),
	}, nil
}

// Publics strips the private halves of keys.
func Publics(keys []domain.PreKey) []domain.PreKeyPublic {
	out := make([]domain.PreKeyPublic, len(keys))
	for i, k := range keys {
		out[i] = k.Public()
	}
	return out
}

// Upload builds the registration request for reg.
func Upload(reg domain.DeviceRegistration) domain.DeviceUpload {
	up := domain.DeviceUpload{
		DeviceName:     reg.DeviceName,
		RegistrationID: reg.RegistrationID,
		IdentityKey:    reg.Identity.XPub,
		SigningKey:     reg.Identity.EdPub,
		SignedPreKey:   reg.SignedPreKey.Public(),
		PreKeys:        Publics(reg.PreKeys),
	}
	if reg.KyberPreKey != nil {
		k := reg.KyberPreKey.Public()
		up.KyberPreKey = &k
	}
	return up
}
