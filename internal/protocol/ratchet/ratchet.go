package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"cipherlink/internal/crypto"
	"cipherlink/internal/domain"
	"cipherlink/internal/util/memzero"
)

const (
	aeadKeySize  = 32
	nonceSize    = chacha20poly1305.NonceSize
	maxSkippedMK = 1000
)

// Error texts follow the wording peers and the decryption pipeline match on.
var (
	ErrBadMAC             = errors.New("bad mac")
	ErrCounterRepeated    = errors.New("counter was repeated")
	ErrSkippedKeyNotFound = errors.New("message key not found: too many skipped messages")
	ErrMalformedHeader    = errors.New("invalid ciphertext: malformed ratchet header")
	errChainUninitialised = errors.New("ratchet chain key is uninitialised")
)

// InitAsInitiator seeds the sending chain from root using a fresh ratchet key
// and the peer's signed prekey as its first ratchet public key.
func InitAsInitiator(root []byte, peerRatchetPub domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, peerRatchetPub)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerRatchetPub,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds a state holding only the root key and our signed
// prekey pair. The first incoming header triggers the DH step that derives
// the receiving chain.
func InitAsResponder(root []byte, ourPriv domain.X25519Private, ourPub domain.X25519Public) domain.RatchetState {
	return domain.RatchetState{
		RootKey: append([]byte(nil), root...),
		DHPriv:  ourPriv,
		DHPub:   ourPub,
		Skipped: make(map[string][]byte),
	}
}

// Encrypt produces a header and ciphertext, auto-stepping the DH ratchet on the first send after responding.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	// Responder's first send: no sending chain yet.
	if len(st.SendCK) == 0 {
		if st.PeerDHPub.IsZero() {
			return domain.RatchetHeader{}, nil, errChainUninitialised
		}
		st.PN = st.Ns
		st.Ns = 0

		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		dh, err := crypto.DH(newPriv, st.PeerDHPub)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		rk2, sendCK := kdfRK(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		st.RootKey = rk2
		st.DHPriv, st.DHPub = newPriv, newPub
		st.SendCK = sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	h := domain.RatchetHeader{DHPub: st.DHPub.Slice(), PN: st.PN, N: st.Ns}

	ct, err := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// Decrypt opens a message, using stored skipped keys or stepping the DH
// ratchet when the header carries a new remote public key. st is only
// updated when the message authenticates.
func Decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if len(header.DHPub) != 32 {
		return nil, ErrMalformedHeader
	}
	var headerPub domain.X25519Public
	copy(headerPub[:], header.DHPub)

	work := st.Clone()

	// A key skipped earlier on this or an older chain.
	keyID := skippedKeyID(headerPub, header.N)
	if mk, ok := work.Skipped[keyID]; ok {
		pt, err := open(mk, header, ad, ciphertext)
		if err != nil {
			return nil, err
		}
		memzero.Zero(mk)
		delete(work.Skipped, keyID)
		*st = work
		return pt, nil
	}

	if headerPub == work.PeerDHPub {
		if header.N < work.Nr {
			return nil, ErrCounterRepeated
		}
	} else {
		// New DH pub: finish the old receiving chain, then advance both chains.
		if err := skipUntil(&work, header.PN); err != nil {
			return nil, err
		}
		if err := dhStep(&work, headerPub); err != nil {
			return nil, err
		}
	}

	if err := skipUntil(&work, header.N); err != nil {
		return nil, err
	}
	mk, err := kdfCKRecv(&work)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	work.Nr++
	*st = work
	return pt, nil
}

// --- helpers ---

func dhStep(st *domain.RatchetState, newPeer domain.X25519Public) error {
	dh, err := crypto.DH(st.DHPriv, newPeer)
	if err != nil {
		return err
	}
	rk2, recvCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	newPriv, newPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(newPriv, newPeer)
	if err != nil {
		return err
	}
	rk3, sendCK := kdfRK(rk2, dh2[:])
	memzero.Zero(dh2[:])

	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.RootKey = rk3
	st.DHPriv, st.DHPub = newPriv, newPub
	st.PeerDHPub = newPeer
	st.SendCK, st.RecvCK = sendCK, recvCK
	return nil
}

func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce(header), plaintext, associated(ad, header)), nil
}

func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce(header), ciphertext, associated(ad, header))
	if err != nil {
		return nil, ErrBadMAC
	}
	return pt, nil
}

func nonce(h domain.RatchetHeader) []byte {
	n := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(n[nonceSize-4:], h.N)
	return n
}

func associated(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+len(h.DHPub)+8)
	out = append(out, ad...)
	return append(out, headerBytes(h)...)
}

func headerBytes(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("DR|rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("DR|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *domain.RatchetState) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendCK)
	st.SendCK = nextCK
	return mk, nil
}

func kdfCKRecv(st *domain.RatchetState) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.RecvCK)
	st.RecvCK = nextCK
	return mk, nil
}

// skippedKeyID is hex so the state survives a JSON round trip.
func skippedKeyID(peer domain.X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return hex.EncodeToString(b)
}

// skipUntil derives and stores message keys up to n with a hard cap.
func skipUntil(st *domain.RatchetState, n uint32) error {
	if len(st.RecvCK) == 0 {
		return nil
	}
	if n > st.Nr && n-st.Nr > maxSkippedMK {
		return ErrSkippedKeyNotFound
	}
	if st.Skipped == nil {
		st.Skipped = make(map[string][]byte)
	}
	for st.Nr < n {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return err
		}
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
	return nil
}
