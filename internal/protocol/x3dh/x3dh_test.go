package x3dh_test

import (
	"bytes"
	"errors"
	"testing"

	"cipherlink/internal/crypto"
	"cipherlink/internal/domain"
	"cipherlink/internal/protocol/x3dh"
)

type responder struct {
	id      domain.Identity
	spkPriv domain.X25519Private
	opkPriv domain.X25519Private
	kyberSK []byte
	bundle  domain.PreKeyBundle
}

func makeIdentity(t *testing.T) domain.Identity {
	t.Helper()
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return id
}

// makeResponder builds Bob's bundle; withOPK and withKyber toggle the optional keys.
func makeResponder(t *testing.T, withOPK, withKyber bool) responder {
	t.Helper()
	r := responder{id: makeIdentity(t)}

	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	r.spkPriv = spkPriv
	r.bundle = domain.PreKeyBundle{
		Username:    "bob",
		DeviceID:    1,
		IdentityKey: r.id.XPub,
		SigningKey:  r.id.EdPub,
		SignedPreKey: domain.SignedPreKeyPublic{
			KeyID:     7,
			PublicKey: spkPub,
			Signature: crypto.SignEd25519(r.id.EdPriv, spkPub[:]),
		},
	}
	if withOPK {
		opkPriv, opkPub, err := crypto.GenerateX25519()
		if err != nil {
			t.Fatalf("GenerateX25519 (opk): %v", err)
		}
		r.opkPriv = opkPriv
		r.bundle.PreKey = &domain.PreKeyPublic{KeyID: 42, PublicKey: opkPub}
	}
	if withKyber {
		pub, priv, err := crypto.GenerateKEM()
		if err != nil {
			t.Fatalf("GenerateKEM: %v", err)
		}
		r.kyberSK = priv
		r.bundle.KyberPreKey = &domain.KyberPreKeyPublic{
			KeyID:     1,
			PublicKey: pub,
			Signature: crypto.SignEd25519(r.id.EdPriv, pub),
		}
	}
	return r
}

func TestRootAgreement(t *testing.T) {
	tests := []struct {
		name      string
		withOPK   bool
		withKyber bool
	}{
		{"signed prekey only", false, false},
		{"with one-time prekey", true, false},
		{"with kyber prekey", false, true},
		{"with both", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice := makeIdentity(t)
			bob := makeResponder(t, tt.withOPK, tt.withKyber)

			rootA, pm, err := x3dh.InitiatorRoot(alice, bob.bundle)
			if err != nil {
				t.Fatalf("InitiatorRoot: %v", err)
			}
			if pm.SignedPreKeyID != 7 {
				t.Errorf("SignedPreKeyID = %d, want 7", pm.SignedPreKeyID)
			}
			if (pm.PreKeyID != nil) != tt.withOPK {
				t.Errorf("PreKeyID set = %v, want %v", pm.PreKeyID != nil, tt.withOPK)
			}
			if (len(pm.KyberCiphertext) > 0) != tt.withKyber {
				t.Errorf("KyberCiphertext set = %v, want %v", len(pm.KyberCiphertext) > 0, tt.withKyber)
			}

			var opk *domain.X25519Private
			if pm.PreKeyID != nil {
				opk = &bob.opkPriv
			}
			rootB, err := x3dh.ResponderRoot(bob.id, bob.spkPriv, opk, bob.kyberSK, pm)
			if err != nil {
				t.Fatalf("ResponderRoot: %v", err)
			}
			if !bytes.Equal(rootA, rootB) {
				t.Fatal("root keys differ")
			}
		})
	}
}

func TestInitiatorRoot_BadSignature(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeResponder(t, false, false)
	bob.bundle.SignedPreKey.Signature[0] ^= 0xff

	if _, _, err := x3dh.InitiatorRoot(alice, bob.bundle); !errors.Is(err, x3dh.ErrBadSPK) {
		t.Fatalf("InitiatorRoot() error = %v, want ErrBadSPK", err)
	}
}

func TestResponderRoot_MissingKyberSecret(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeResponder(t, false, true)

	_, pm, err := x3dh.InitiatorRoot(alice, bob.bundle)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}
	if _, err := x3dh.ResponderRoot(bob.id, bob.spkPriv, nil, nil, pm); !errors.Is(err, x3dh.ErrMissingKyberKey) {
		t.Fatalf("ResponderRoot() error = %v, want ErrMissingKyberKey", err)
	}
}
