package interfaces

import (
	"context"

	domaintypes "cipherlink/internal/domain/types"
)

// DirectoryClient talks to the server-side device and prekey registry.
type DirectoryClient interface {
	RegisterDevice(ctx context.Context, upload domaintypes.DeviceUpload) (domaintypes.DeviceID, error)
	UpdateSignedPreKey(ctx context.Context, deviceID domaintypes.DeviceID, key domaintypes.SignedPreKeyPublic) error
	UploadPreKeys(ctx context.Context, deviceID domaintypes.DeviceID, keys []domaintypes.PreKeyPublic) error
	PreKeyCount(ctx context.Context, deviceID domaintypes.DeviceID) (int, error)
	Devices(ctx context.Context, username domaintypes.Username) ([]domaintypes.DeviceInfo, error)
	MyDevices(ctx context.Context) ([]domaintypes.DeviceInfo, error)
	DeleteDevice(ctx context.Context, deviceID domaintypes.DeviceID) error
	PreKeyBundle(ctx context.Context, username domaintypes.Username, deviceID domaintypes.DeviceID) (domaintypes.PreKeyBundle, error)
	PreKeyBundles(ctx context.Context, username domaintypes.Username) ([]domaintypes.PreKeyBundle, error)
}

// MessageRelay stores and serves per-device ciphertexts.
type MessageRelay interface {
	StoreCiphertexts(ctx context.Context, req domaintypes.StoreCiphertextsRequest) error
	Ciphertext(ctx context.Context, messageID string, deviceID domaintypes.DeviceID) (domaintypes.DeviceCiphertext, error)
}

// BackupClient uploads and fetches the encrypted identity backup.
type BackupClient interface {
	UploadBackup(ctx context.Context, blob domaintypes.BackupBlob) error
	DownloadBackup(ctx context.Context) (domaintypes.BackupBlob, error)
	BackupInfo(ctx context.Context) (domaintypes.BackupInfo, error)
	KeyStatus(ctx context.Context) (domaintypes.KeyStatus, error)
}
