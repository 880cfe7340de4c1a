package interfaces

import (
	"context"

	domaintypes "cipherlink/internal/domain/types"
)

// DeviceRegistry makes this installation a usable encryption endpoint and
// answers read-only questions about other devices.
type DeviceRegistry interface {
	Init(ctx context.Context) (domaintypes.DeviceRegistration, error)
	RegisterNewDevice(ctx context.Context) (domaintypes.DeviceRegistration, error)
	MaybeRotateSignedPreKey(ctx context.Context) (rotated bool, err error)
	ReplenishPreKeysIfNeeded(ctx context.Context) (uploaded int, err error)
	Current() (domaintypes.DeviceRegistration, bool)
	GetUserDevices(ctx context.Context, username domaintypes.Username) ([]domaintypes.DeviceInfo, error)
	GetPreKeyBundle(ctx context.Context, username domaintypes.Username, deviceID domaintypes.DeviceID) (domaintypes.PreKeyBundle, error)
	GetAllPreKeyBundles(ctx context.Context, username domaintypes.Username) ([]domaintypes.PreKeyBundle, error)
	MyDevices(ctx context.Context) ([]domaintypes.DeviceInfo, error)
	UnregisterDevice(ctx context.Context, deviceID domaintypes.DeviceID) error
}

// SessionService owns session lifecycle and multi-device fan-out.
type SessionService interface {
	EncryptForMultipleDevices(ctx context.Context, recipient domaintypes.Username, plaintext []byte) (domaintypes.EncryptionResult, error)
	EncryptMessage(ctx context.Context, addr domaintypes.Address, plaintext []byte) (domaintypes.DeviceCiphertext, error)
	BuildSession(ctx context.Context, addr domaintypes.Address) error
	DecryptMessage(ctx context.Context, sender domaintypes.Address, ciphertext string, messageType domaintypes.MessageType) (domaintypes.DecryptedMessage, error)
	HasSession(ctx context.Context, addr domaintypes.Address) (bool, error)
	DeleteSession(ctx context.Context, addr domaintypes.Address) error
	DeleteAllSessionsForUser(ctx context.Context, username domaintypes.Username) error
	StoreCiphertexts(ctx context.Context, result domaintypes.EncryptionResult) error
}

// BackupService escrows the identity key pair under a password.
type BackupService interface {
	CreateBackup(ctx context.Context, password string) error
	RestoreFromBackup(ctx context.Context, password string) (domaintypes.Identity, error)
	HasBackup(ctx context.Context) (bool, error)
}
