package types

import "time"

// PreKeyMessage is the handshake header an initiator attaches to its
// messages until the responder replies.
type PreKeyMessage struct {
	RegistrationID  RegistrationID `json:"registrationId"`
	IdentityKey     IdentityKey    `json:"identityKey"`
	BaseKey         X25519Public   `json:"baseKey"`
	SignedPreKeyID  SignedPreKeyID `json:"signedPreKeyId"`
	PreKeyID        *PreKeyID      `json:"preKeyId,omitempty"`
	KyberPreKeyID   *PreKeyID      `json:"kyberPreKeyId,omitempty"`
	KyberCiphertext []byte         `json:"kyberCiphertext,omitempty"`
}

// SessionRecord is the persisted state for one remote address.
type SessionRecord struct {
	Version              int            `json:"version"`
	State                RatchetState   `json:"state"`
	RemoteIdentity       IdentityKey    `json:"remote_identity"`
	LocalRegistrationID  RegistrationID `json:"local_registration_id"`
	RemoteRegistrationID RegistrationID `json:"remote_registration_id"`
	BaseKey              X25519Public   `json:"base_key"`
	Pending              *PreKeyMessage `json:"pending,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// TrustedIdentity is the TOFU record for a remote address.
type TrustedIdentity struct {
	Key       IdentityKey `json:"key"`
	FirstSeen time.Time   `json:"first_seen"`
	Trusted   bool        `json:"trusted"`
}
