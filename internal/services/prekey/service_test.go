package prekey_test

import (
	"testing"
	"time"

	"cipherlink/internal/crypto"
	"cipherlink/internal/protocol/x3dh"
	"cipherlink/internal/services/prekey"
)

func TestGenerator(t *testing.T) {
	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	g := prekey.New(id, func() time.Time { return at })

	spk, err := g.SignedPreKey(5)
	if err != nil {
		t.Fatalf("SignedPreKey: %v", err)
	}
	if spk.KeyID != 5 || !spk.Timestamp.Equal(at) {
		t.Errorf("SignedPreKey() = id %d at %v, want 5 at %v", spk.KeyID, spk.Timestamp, at)
	}
	if !x3dh.VerifySPK(id.EdPub, spk.Pub, spk.Signature) {
		t.Error("signed prekey signature does not verify")
	}

	keys, err := g.PreKeys(101, 3)
	if err != nil {
		t.Fatalf("PreKeys: %v", err)
	}
	for i, k := range keys {
		if want := uint32(101 + i); uint32(k.KeyID) != want {
			t.Errorf("PreKeys()[%d].KeyID = %d, want %d", i, k.KeyID, want)
		}
	}

	kyber, err := g.KyberPreKey(1)
	if err != nil {
		t.Fatalf("KyberPreKey: %v", err)
	}
	if !crypto.VerifyEd25519(id.EdPub, kyber.Pub, kyber.Signature) {
		t.Error("kyber prekey signature does not verify")
	}
}
