package types

import "time"

// KeyExport is the plaintext inside a backup blob.
type KeyExport struct {
	Version  int       `json:"version"`
	Username Username  `json:"username"`
	Identity Identity  `json:"identity"`
	Exported time.Time `json:"exported"`
}

// BackupBlob is what the server stores. It never contains usable key material.
type BackupBlob struct {
	EncryptedBackup string `json:"encryptedBackup"` // base64 nonce||ciphertext
	Salt            string `json:"salt"`            // base64
	Iterations      int    `json:"iterations"`
	Version         int    `json:"version"`
}

// KeyStatus is the server's view of a user's key material.
type KeyStatus struct {
	HasKeys   bool `json:"hasKeys"`
	HasBackup bool `json:"hasBackup"`
}

// BackupInfo describes the stored backup without returning it.
type BackupInfo struct {
	HasBackup bool      `json:"hasBackup"`
	UpdatedAt time.Time `json:"updatedAt"`
}
