package session

import (
	"context"
	"fmt"
	"time"

	"cipherlink/internal/domain"
	"cipherlink/internal/protocol/ratchet"
	"cipherlink/internal/protocol/x3dh"
)

const recordVersion = 1

// Builder establishes outgoing sessions from prekey bundles.
type Builder struct {
	store domain.ProtocolStore
	now   func() time.Time
}

// NewBuilder returns a Builder over store.
func NewBuilder(store domain.ProtocolStore) *Builder {
	return &Builder{store: store, now: time.Now}
}

// ProcessPreKeyBundle runs X3DH as the initiator and stores a new session
// for the bundle's address, replacing any existing one.
//
// Steps:
//  1. Load our identity and registration id.
//  2. Run X3DH; this verifies the signed prekey signature.
//  3. Record the bundle's identity key (trust on first use) and note whether
//     it differs from the one seen before.
//  4. Seed the sending ratchet from the root key and the peer's signed prekey.
//  5. Persist the record, keeping the handshake header pending until the peer
//     replies.
func (b *Builder) ProcessPreKeyBundle(ctx context.Context, bundle domain.PreKeyBundle) (identityChanged bool, err error) {
	addr := bundle.Address()

	id, err := b.store.IdentityKeyPair(ctx)
	if err != nil {
		return false, err
	}
	regID, err := b.store.LocalRegistrationID(ctx)
	if err != nil {
		return false, err
	}

	rootKey, pm, err := x3dh.InitiatorRoot(id, bundle)
	if err != nil {
		return false, fmt.Errorf("x3dh with %s: %w", addr, err)
	}
	pm.RegistrationID = regID

	identityChanged, err = b.store.SaveIdentity(ctx, addr, bundle.Identity())
	if err != nil {
		return false, err
	}

	st, err := ratchet.InitAsInitiator(rootKey, bundle.SignedPreKey.PublicKey)
	if err != nil {
		return identityChanged, err
	}

	rec := domain.SessionRecord{
		Version:              recordVersion,
		State:                st,
		RemoteIdentity:       bundle.Identity(),
		LocalRegistrationID:  regID,
		RemoteRegistrationID: bundle.RegistrationID,
		BaseKey:              pm.BaseKey,
		Pending:              &pm,
		CreatedAt:            b.now(),
	}
	if err := b.store.StoreSession(ctx, addr, rec); err != nil {
		return identityChanged, err
	}
	return identityChanged, nil
}
