package x3dh

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"cipherlink/internal/crypto"
	"cipherlink/internal/domain"
	"cipherlink/internal/util/memzero"
)

const rootKeySize = 32

var (
	// ErrBadSPK is returned when the signed prekey signature fails verification.
	ErrBadSPK = errors.New("invalid signed prekey signature")
	// ErrBadKyberPreKey is returned when the ML-KEM prekey signature fails verification.
	ErrBadKyberPreKey = errors.New("invalid kyber prekey signature")
	// ErrMissingKyberKey is returned when a handshake carries a KEM ciphertext
	// but the responder has no matching secret.
	ErrMissingKyberKey = errors.New("kyber prekey required but not provided")
)

var (
	infoClassic = []byte("cipherlink-x3dh")
	infoPQ      = []byte("cipherlink-pqxdh")
)

// InitiatorRoot verifies bundle, generates an ephemeral key and derives the
// root key. The returned PreKeyMessage carries everything the responder
// needs except the local registration id, which the caller fills in.
func InitiatorRoot(id domain.Identity, bundle domain.PreKeyBundle) ([]byte, domain.PreKeyMessage, error) {
	if !VerifySPK(bundle.SigningKey, bundle.SignedPreKey.PublicKey, bundle.SignedPreKey.Signature) {
		return nil, domain.PreKeyMessage{}, ErrBadSPK
	}
	if bundle.KyberPreKey != nil &&
		!crypto.VerifyEd25519(bundle.SigningKey, bundle.KyberPreKey.PublicKey, bundle.KyberPreKey.Signature) {
		return nil, domain.PreKeyMessage{}, ErrBadKyberPreKey
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, domain.PreKeyMessage{}, err
	}
	defer memzero.Zero(ephPriv[:])

	var opk *domain.X25519Public
	pm := domain.PreKeyMessage{
		IdentityKey:    id.Public(),
		BaseKey:        ephPub,
		SignedPreKeyID: bundle.SignedPreKey.KeyID,
	}
	if bundle.PreKey != nil {
		keyID := bundle.PreKey.KeyID
		opk = &bundle.PreKey.PublicKey
		pm.PreKeyID = &keyID
	}

	var kemSecret []byte
	if bundle.KyberPreKey != nil {
		ct, ss, err := crypto.Encapsulate(bundle.KyberPreKey.PublicKey)
		if err != nil {
			return nil, domain.PreKeyMessage{}, fmt.Errorf("kyber encapsulate: %w", err)
		}
		keyID := bundle.KyberPreKey.KeyID
		pm.KyberPreKeyID = &keyID
		pm.KyberCiphertext = ct
		kemSecret = ss
		defer memzero.Zero(ss)
	}

	root, err := InitiatorRootKey(id.XPriv, ephPriv, bundle.IdentityKey, bundle.SignedPreKey.PublicKey, opk, kemSecret)
	if err != nil {
		return nil, domain.PreKeyMessage{}, err
	}
	return root, pm, nil
}

// ResponderRoot recomputes the initiator's root key from our private keys.
// opkPriv is nil when the message names no one-time prekey; kyberPriv is nil
// when it carries no KEM ciphertext.
func ResponderRoot(
	id domain.Identity,
	spkPriv domain.X25519Private,
	opkPriv *domain.X25519Private,
	kyberPriv []byte,
	pm domain.PreKeyMessage,
) ([]byte, error) {
	var kemSecret []byte
	if len(pm.KyberCiphertext) > 0 {
		if kyberPriv == nil {
			return nil, ErrMissingKyberKey
		}
		ss, err := crypto.Decapsulate(kyberPriv, pm.KyberCiphertext)
		if err != nil {
			return nil, fmt.Errorf("kyber decapsulate: %w", err)
		}
		kemSecret = ss
		defer memzero.Zero(ss)
	}
	return ResponderRootKey(id.XPriv, spkPriv, opkPriv, pm.IdentityKey.DH, pm.BaseKey, kemSecret)
}

// InitiatorRootKey derives the root key for the initiator using X3DH.
func InitiatorRootKey(
	ourIDPriv domain.X25519Private,
	ourEphPriv domain.X25519Private,
	peerIDPub domain.X25519Public,
	peerSPK domain.X25519Public,
	peerOPK *domain.X25519Public,
	kemSecret []byte,
) ([]byte, error) {
	dh1, err := crypto.DH(ourIDPriv, peerSPK) // DH(IKA, SPKB)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourEphPriv, peerIDPub) // DH(EKA, IKB)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ourEphPriv, peerSPK) // DH(EKA, SPKB)
	if err != nil {
		return nil, err
	}
	var dh4 *[32]byte
	if peerOPK != nil {
		v, err := crypto.DH(ourEphPriv, *peerOPK) // DH(EKA, OPKB)
		if err != nil {
			return nil, err
		}
		dh4 = &v
	}
	return deriveRoot(dh1, dh2, dh3, dh4, kemSecret)
}

// ResponderRootKey mirrors InitiatorRootKey from the responder's side.
func ResponderRootKey(
	ourIDPriv domain.X25519Private,
	ourSPKPriv domain.X25519Private,
	ourOPKPriv *domain.X25519Private,
	peerIDPub domain.X25519Public,
	peerEphPub domain.X25519Public,
	kemSecret []byte,
) ([]byte, error) {
	dh1, err := crypto.DH(ourSPKPriv, peerIDPub) // DH(SPKB, IKA)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourIDPriv, peerEphPub) // DH(IKB, EKA)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ourSPKPriv, peerEphPub) // DH(SPKB, EKA)
	if err != nil {
		return nil, err
	}
	var dh4 *[32]byte
	if ourOPKPriv != nil {
		v, err := crypto.DH(*ourOPKPriv, peerEphPub) // DH(OPKB, EKA)
		if err != nil {
			return nil, err
		}
		dh4 = &v
	}
	return deriveRoot(dh1, dh2, dh3, dh4, kemSecret)
}

// VerifySPK checks the signed prekey signature.
func VerifySPK(edPub domain.Ed25519Public, spk domain.X25519Public, sig []byte) bool {
	return crypto.VerifyEd25519(edPub, spk.Slice(), sig)
}

func deriveRoot(dh1, dh2, dh3 [32]byte, dh4 *[32]byte, kemSecret []byte) ([]byte, error) {
	transcript := make([]byte, 0, 32*4+len(kemSecret))
	transcript = append(transcript, dh1[:]...)
	transcript = append(transcript, dh2[:]...)
	transcript = append(transcript, dh3[:]...)
	if dh4 != nil {
		transcript = append(transcript, dh4[:]...)
		memzero.Zero(dh4[:])
	}
	info := infoClassic
	if len(kemSecret) > 0 {
		transcript = append(transcript, kemSecret...)
		info = infoPQ
	}
	memzero.Zero(dh1[:], dh2[:], dh3[:])

	root := make([]byte, rootKeySize)
	_, err := io.ReadFull(hkdf.New(sha256.New, transcript, nil, info), root)
	memzero.Zero(transcript)
	if err != nil {
		return nil, err
	}
	return root, nil
}
