package types

// SignedPreKeyPublic is the published half of a signed prekey.
type SignedPreKeyPublic struct {
	KeyID     SignedPreKeyID `json:"keyId"`
	PublicKey X25519Public   `json:"publicKey"`
	Signature []byte         `json:"signature"`
}

// PreKeyPublic is the published half of a one-time prekey.
type PreKeyPublic struct {
	KeyID     PreKeyID     `json:"keyId"`
	PublicKey X25519Public `json:"publicKey"`
}

// KyberPreKeyPublic is the published half of an ML-KEM prekey.
type KyberPreKeyPublic struct {
	KeyID     PreKeyID `json:"keyId"`
	PublicKey []byte   `json:"publicKey"`
	Signature []byte   `json:"signature"`
}

// PreKeyBundle is what a sender needs to start a session with one device.
type PreKeyBundle struct {
	Username       Username           `json:"username"`
	DeviceID       DeviceID           `json:"deviceId"`
	RegistrationID RegistrationID     `json:"registrationId"`
	IdentityKey    X25519Public       `json:"identityKey"`
	SigningKey     Ed25519Public      `json:"signingKey"`
	SignedPreKey   SignedPreKeyPublic `json:"signedPreKey"`
	PreKey         *PreKeyPublic      `json:"preKey,omitempty"`
	KyberPreKey    *KyberPreKeyPublic `json:"kyberPreKey,omitempty"`
}

// Address returns the address of the device the bundle belongs to.
func (b PreKeyBundle) Address() Address { return NewAddress(b.Username, b.DeviceID) }

// Identity returns the bundle owner's identity key.
func (b PreKeyBundle) Identity() IdentityKey {
	return IdentityKey{DH: b.IdentityKey, Signing: b.SigningKey}
}
