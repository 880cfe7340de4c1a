package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Username identifies an account on the key directory server.
type Username string

// String returns the string form of the username.
func (u Username) String() string { return string(u) }

// DeviceID is the server-assigned identifier of one installation of an account.
type DeviceID uint32

// String returns the decimal form of the device id.
func (d DeviceID) String() string { return strconv.FormatUint(uint64(d), 10) }

// RegistrationID is the 14-bit random id a device picks at registration.
type RegistrationID uint32

// PreKeyID indexes one-time prekeys and ML-KEM prekeys.
type PreKeyID uint32

// SignedPreKeyID indexes signed prekeys. Rotation increments it by one.
type SignedPreKeyID uint32

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// Address names one remote device: "{username}.{deviceId}".
type Address struct {
	Username Username `json:"username"`
	DeviceID DeviceID `json:"deviceId"`
}

// NewAddress builds an Address.
func NewAddress(username Username, deviceID DeviceID) Address {
	return Address{Username: username, DeviceID: deviceID}
}

// String returns the canonical "{username}.{deviceId}" form.
func (a Address) String() string {
	return string(a.Username) + "." + a.DeviceID.String()
}

// ParseAddress parses the canonical form. Usernames may contain dots; the
// device id is everything after the last one.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("malformed address %q", s)
	}
	n, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("malformed address %q: %w", s, err)
	}
	return Address{Username: Username(s[:i]), DeviceID: DeviceID(n)}, nil
}
