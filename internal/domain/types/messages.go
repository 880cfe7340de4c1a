package types

// MessageType tells the receiver which decrypt path a ciphertext needs.
type MessageType int

const (
	// MessageTypeWhisper is an ordinary ratchet message on an established session.
	MessageTypeWhisper MessageType = 1
	// MessageTypePreKey carries handshake material and may establish a session.
	MessageTypePreKey MessageType = 3
)

// DeviceCiphertext is one fan-out envelope, addressed to a single device.
type DeviceCiphertext struct {
	TargetUsername Username    `json:"targetUsername"`
	TargetDeviceID DeviceID    `json:"targetDeviceId"`
	SenderUsername Username    `json:"senderUsername"`
	SenderDeviceID DeviceID    `json:"senderDeviceId"`
	Ciphertext     string      `json:"ciphertext"` // base64
	MessageType    MessageType `json:"messageType"`
}

// DeviceFailure records why one device was left out of a fan-out.
type DeviceFailure struct {
	DeviceID DeviceID `json:"deviceId"`
	Error    string   `json:"error"`
}

// EncryptionResult is the outcome of encrypting one message for every device.
type EncryptionResult struct {
	MessageID     string             `json:"messageId"`
	Ciphertexts   []DeviceCiphertext `json:"ciphertexts"`
	FailedDevices []DeviceFailure    `json:"failedDevices"`
}

// DecryptedMessage is a plaintext together with the address it came from.
type DecryptedMessage struct {
	Sender    Address `json:"sender"`
	Plaintext []byte  `json:"plaintext"`
}

// StoreCiphertextsRequest uploads a fan-out to the server.
type StoreCiphertextsRequest struct {
	MessageID   string             `json:"messageId"`
	Ciphertexts []DeviceCiphertext `json:"ciphertexts"`
}
