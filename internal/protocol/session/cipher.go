package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cipherlink/internal/domain"
	"cipherlink/internal/protocol/ratchet"
	"cipherlink/internal/protocol/x3dh"
)

var (
	// ErrNoSession is returned when a regular message arrives for an address
	// we hold no session with.
	ErrNoSession = errors.New("no session for device")
	// ErrNoRecord is returned when a handshake names a prekey we do not hold.
	ErrNoRecord = errors.New("no record for device")
)

// Cipher encrypts and decrypts messages for one remote address.
//
// Cipher does no locking; callers serialise use per address.
type Cipher struct {
	store domain.ProtocolStore
	addr  domain.Address
	now   func() time.Time
}

// NewCipher returns a Cipher for addr.
func NewCipher(store domain.ProtocolStore, addr domain.Address) *Cipher {
	return &Cipher{store: store, addr: addr, now: time.Now}
}

// Encrypt advances the sending chain and returns the serialized message.
// Until the peer has replied, messages carry the handshake header and are
// of type MessageTypePreKey.
func (c *Cipher) Encrypt(ctx context.Context, plaintext []byte) (domain.MessageType, []byte, error) {
	rec, ok, err := c.store.LoadSession(ctx, c.addr)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, fmt.Errorf("%w %s", ErrNoSession, c.addr)
	}
	id, err := c.store.IdentityKeyPair(ctx)
	if err != nil {
		return 0, nil, err
	}

	header, ct, err := ratchet.Encrypt(&rec.State, associatedData(id.Public(), rec.RemoteIdentity), plaintext)
	if err != nil {
		return 0, nil, err
	}
	msg := whisperMessage{Header: header, Body: ct}

	var (
		typ  domain.MessageType
		body []byte
	)
	if rec.Pending != nil {
		typ = domain.MessageTypePreKey
		body, err = marshal(preKeyWhisperMessage{PreKey: *rec.Pending, Message: msg})
	} else {
		typ = domain.MessageTypeWhisper
		body, err = marshal(msg)
	}
	if err != nil {
		return 0, nil, err
	}
	if err := c.store.StoreSession(ctx, c.addr, rec); err != nil {
		return 0, nil, err
	}
	return typ, body, nil
}

// DecryptPreKeyMessage handles a message that may establish a session. A
// repeat of a handshake we already accepted decrypts on the existing
// session. The one-time prekey is removed only after the message
// authenticates.
func (c *Cipher) DecryptPreKeyMessage(ctx context.Context, body []byte) (plaintext []byte, identityChanged bool, err error) {
	var msg preKeyWhisperMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, false, err
	}
	pm := msg.PreKey

	id, err := c.store.IdentityKeyPair(ctx)
	if err != nil {
		return nil, false, err
	}
	ad := associatedData(pm.IdentityKey, id.Public())

	existing, ok, err := c.store.LoadSession(ctx, c.addr)
	if err != nil {
		return nil, false, err
	}
	if ok && existing.BaseKey == pm.BaseKey {
		pt, err := ratchet.Decrypt(&existing.State, ad, msg.Message.Header, msg.Message.Body)
		if err != nil {
			return nil, false, err
		}
		return pt, false, c.store.StoreSession(ctx, c.addr, existing)
	}

	spk, ok, err := c.store.LoadSignedPreKey(ctx, pm.SignedPreKeyID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("%w: signed prekey %d", ErrNoRecord, pm.SignedPreKeyID)
	}
	var opkPriv *domain.X25519Private
	if pm.PreKeyID != nil {
		opk, ok, err := c.store.LoadPreKey(ctx, *pm.PreKeyID)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("%w: prekey %d", ErrNoRecord, *pm.PreKeyID)
		}
		opkPriv = &opk.Priv
	}
	var kyberPriv []byte
	if pm.KyberPreKeyID != nil {
		kk, ok, err := c.store.LoadKyberPreKey(ctx, *pm.KyberPreKeyID)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("%w: kyber prekey %d", ErrNoRecord, *pm.KyberPreKeyID)
		}
		kyberPriv = kk.Priv
	}

	rootKey, err := x3dh.ResponderRoot(id, spk.Priv, opkPriv, kyberPriv, pm)
	if err != nil {
		return nil, false, err
	}
	st := ratchet.InitAsResponder(rootKey, spk.Priv, spk.Pub)
	pt, err := ratchet.Decrypt(&st, ad, msg.Message.Header, msg.Message.Body)
	if err != nil {
		return nil, false, err
	}

	identityChanged, err = c.store.SaveIdentity(ctx, c.addr, pm.IdentityKey)
	if err != nil {
		return nil, false, err
	}
	localRegID, err := c.store.LocalRegistrationID(ctx)
	if err != nil {
		return nil, false, err
	}
	rec := domain.SessionRecord{
		Version:              recordVersion,
		State:                st,
		RemoteIdentity:       pm.IdentityKey,
		LocalRegistrationID:  localRegID,
		RemoteRegistrationID: pm.RegistrationID,
		BaseKey:              pm.BaseKey,
		CreatedAt:            c.now(),
	}
	if err := c.store.StoreSession(ctx, c.addr, rec); err != nil {
		return nil, identityChanged, err
	}
	if pm.PreKeyID != nil {
		if err := c.store.RemovePreKey(ctx, *pm.PreKeyID); err != nil {
			return nil, identityChanged, err
		}
	}
	return pt, identityChanged, nil
}

// DecryptWhisperMessage handles a message on an established session. The
// first reply from the peer clears the pending handshake header.
func (c *Cipher) DecryptWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	var msg whisperMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	rec, ok, err := c.store.LoadSession(ctx, c.addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoSession, c.addr)
	}
	id, err := c.store.IdentityKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	pt, err := ratchet.Decrypt(&rec.State, associatedData(rec.RemoteIdentity, id.Public()), msg.Header, msg.Body)
	if err != nil {
		return nil, err
	}
	rec.Pending = nil
	if err := c.store.StoreSession(ctx, c.addr, rec); err != nil {
		return nil, err
	}
	return pt, nil
}

// associatedData binds a message to both identities, sender first.
func associatedData(sender, receiver domain.IdentityKey) []byte {
	out := make([]byte, 0, 128)
	out = append(out, sender.Bytes()...)
	return append(out, receiver.Bytes()...)
}
