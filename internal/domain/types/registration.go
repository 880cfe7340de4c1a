package types

import "time"

// SignedPreKey is the medium-term prekey, signed by the identity key.
type SignedPreKey struct {
	KeyID     SignedPreKeyID `json:"key_id"`
	Pub       X25519Public   `json:"pub"`
	Priv      X25519Private  `json:"priv"`
	Signature []byte         `json:"signature"`
	Timestamp time.Time      `json:"timestamp"`
}

// Public strips the private half.
func (k SignedPreKey) Public() SignedPreKeyPublic {
	return SignedPreKeyPublic{KeyID: k.KeyID, PublicKey: k.Pub, Signature: k.Signature}
}

// PreKey is a single-use prekey.
type PreKey struct {
	KeyID PreKeyID      `json:"key_id"`
	Pub   X25519Public  `json:"pub"`
	Priv  X25519Private `json:"priv"`
}

// Public strips the private half.
func (k PreKey) Public() PreKeyPublic {
	return PreKeyPublic{KeyID: k.KeyID, PublicKey: k.Pub}
}

// KyberPreKey is an ML-KEM-768 last-resort prekey, signed by the identity key.
type KyberPreKey struct {
	KeyID     PreKeyID `json:"key_id"`
	Pub       []byte   `json:"pub"`
	Priv      []byte   `json:"priv"`
	Signature []byte   `json:"signature"`
}

// Public strips the private half.
func (k KyberPreKey) Public() KyberPreKeyPublic {
	return KyberPreKeyPublic{KeyID: k.KeyID, PublicKey: k.Pub, Signature: k.Signature}
}

// DeviceRegistration is this device's full key material.
type DeviceRegistration struct {
	Username       Username       `json:"username"`
	DeviceID       DeviceID       `json:"device_id"`
	DeviceName     string         `json:"device_name"`
	RegistrationID RegistrationID `json:"registration_id"`
	Identity       Identity       `json:"identity"`
	SignedPreKey   SignedPreKey   `json:"signed_pre_key"`
	PreKeys        []PreKey       `json:"pre_keys"`
	KyberPreKey    *KyberPreKey   `json:"kyber_pre_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Address returns the address peers use for this device.
func (r DeviceRegistration) Address() Address {
	return NewAddress(r.Username, r.DeviceID)
}

// MaxPreKeyID returns the highest one-time prekey id in the registration.
func (r DeviceRegistration) MaxPreKeyID() PreKeyID {
	var highest PreKeyID
	for _, k := range r.PreKeys {
		if k.KeyID > highest {
			highest = k.KeyID
		}
	}
	return highest
}

// DeviceUpload is the public material sent to the server when registering.
type DeviceUpload struct {
	DeviceName     string             `json:"deviceName"`
	RegistrationID RegistrationID     `json:"registrationId"`
	IdentityKey    X25519Public       `json:"identityKey"`
	SigningKey     Ed25519Public      `json:"signingKey"`
	SignedPreKey   SignedPreKeyPublic `json:"signedPreKey"`
	PreKeys        []PreKeyPublic     `json:"preKeys"`
	KyberPreKey    *KyberPreKeyPublic `json:"kyberPreKey,omitempty"`
}

// DeviceInfo describes a registered device as listed by the server.
type DeviceInfo struct {
	DeviceID       DeviceID       `json:"deviceId"`
	DeviceName     string         `json:"deviceName"`
	RegistrationID RegistrationID `json:"registrationId"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastSeenAt     time.Time      `json:"lastSeenAt"`
}
