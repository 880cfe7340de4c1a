package relay

import "cipherlink/internal/domain"

// Headers identifying the calling user and device.
const (
	HeaderUsername = "X-Username"
	HeaderDeviceID = "X-Device-Id"
)

// RegisterDeviceResponse is returned by POST /register-device.
type RegisterDeviceResponse struct {
	Success  bool            `json:"success"`
	DeviceID domain.DeviceID `json:"deviceId"`
}

// UpdateSignedPreKeyRequest is the body of POST /update-signed-prekey.
type UpdateSignedPreKeyRequest struct {
	DeviceID     domain.DeviceID           `json:"deviceId"`
	SignedPreKey domain.SignedPreKeyPublic `json:"signedPreKey"`
}

// UploadPreKeysRequest is the body of POST /upload-prekeys.
type UploadPreKeysRequest struct {
	DeviceID domain.DeviceID       `json:"deviceId"`
	PreKeys  []domain.PreKeyPublic `json:"preKeys"`
}

// PreKeyCountResponse is returned by GET /prekey-count.
type PreKeyCountResponse struct {
	Count int `json:"count"`
}

// SuccessResponse acknowledges writes.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
