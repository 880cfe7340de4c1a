package interfaces

import (
	"context"

	domaintypes "cipherlink/internal/domain/types"
)

// Tier is one physical key-value store backing the KeyStore. Get reports a
// miss with ok=false and a nil error.
type Tier interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ProtocolStore is the storage surface the session primitive reads and
// mutates while building sessions and advancing ratchets.
type ProtocolStore interface {
	IdentityKeyPair(ctx context.Context) (domaintypes.Identity, error)
	LocalRegistrationID(ctx context.Context) (domaintypes.RegistrationID, error)

	LoadPreKey(ctx context.Context, id domaintypes.PreKeyID) (domaintypes.PreKey, bool, error)
	RemovePreKey(ctx context.Context, id domaintypes.PreKeyID) error
	LoadSignedPreKey(ctx context.Context, id domaintypes.SignedPreKeyID) (domaintypes.SignedPreKey, bool, error)
	LoadKyberPreKey(ctx context.Context, id domaintypes.PreKeyID) (domaintypes.KyberPreKey, bool, error)

	LoadSession(ctx context.Context, addr domaintypes.Address) (domaintypes.SessionRecord, bool, error)
	StoreSession(ctx context.Context, addr domaintypes.Address, rec domaintypes.SessionRecord) error

	// SaveIdentity records key for addr and reports whether it replaced a
	// different key seen earlier.
	SaveIdentity(ctx context.Context, addr domaintypes.Address, key domaintypes.IdentityKey) (changed bool, err error)
	IsTrustedIdentity(ctx context.Context, addr domaintypes.Address, key domaintypes.IdentityKey) (bool, error)
}

// KeyStore is the single source of truth for local key material.
type KeyStore interface {
	ProtocolStore

	Username() domaintypes.Username

	StoreRegistration(ctx context.Context, reg domaintypes.DeviceRegistration) error
	LoadRegistration(ctx context.Context) (domaintypes.DeviceRegistration, bool, error)
	UpdateRegistration(ctx context.Context, fn func(*domaintypes.DeviceRegistration) error) (domaintypes.DeviceRegistration, error)

	LoadIdentityKeyPair(ctx context.Context) (domaintypes.Identity, bool, error)
	PutIdentityKeyPair(ctx context.Context, id domaintypes.Identity) error

	StorePreKey(ctx context.Context, key domaintypes.PreKey) error
	PreKeyIDs(ctx context.Context) ([]domaintypes.PreKeyID, error)
	StoreSignedPreKey(ctx context.Context, key domaintypes.SignedPreKey) error
	RemoveSignedPreKey(ctx context.Context, id domaintypes.SignedPreKeyID) error
	StoreKyberPreKey(ctx context.Context, key domaintypes.KyberPreKey) error

	HasSession(ctx context.Context, addr domaintypes.Address) (bool, error)
	DeleteSession(ctx context.Context, addr domaintypes.Address) error
	DeleteAllSessions(ctx context.Context, username domaintypes.Username) error
	SessionAddresses(ctx context.Context) ([]domaintypes.Address, error)
	LoadTrustedIdentity(ctx context.Context, addr domaintypes.Address) (domaintypes.TrustedIdentity, bool, error)

	SaveBundle(ctx context.Context, bundle domaintypes.PreKeyBundle) error
	LoadBundle(ctx context.Context, addr domaintypes.Address) (domaintypes.PreKeyBundle, bool, error)

	StoreBlob(ctx context.Context, name string, value []byte) error
	LoadBlob(ctx context.Context, name string) ([]byte, bool, error)

	ClearAll(ctx context.Context) error
}
