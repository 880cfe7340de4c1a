package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for errors.Is() checks.
var (
	// ErrRegistration is returned when the server rejects a device registration.
	ErrRegistration = errors.New("device registration failed")

	// ErrNoPreKeyBundle is returned when a device has no bundle to build a session from.
	ErrNoPreKeyBundle = errors.New("no prekey bundle available")

	// ErrSessionCorruption is returned when a stored session cannot be used.
	ErrSessionCorruption = errors.New("session corrupted")

	// ErrBackupDecrypt is returned for a wrong backup password or a corrupted blob.
	ErrBackupDecrypt = errors.New("backup could not be decrypted")

	// ErrTransientIO covers timeouts, network failures and retryable server statuses.
	ErrTransientIO = errors.New("transient I/O failure")

	// ErrMissingCiphertext is returned when a message was never fanned out to this device.
	ErrMissingCiphertext = errors.New("message not encrypted for this device")

	// ErrDeviceNotInitialized is returned when no device registration is loaded.
	ErrDeviceNotInitialized = errors.New("device not initialized")

	// ErrNeedsBackupRestore is returned when the server holds keys and a backup for
	// this user but the device has none locally.
	ErrNeedsBackupRestore = errors.New("existing keys found; restore from backup")

	// ErrNotFound is returned when the server has no such resource.
	ErrNotFound = errors.New("not found")
)

// RegistrationError wraps a failed registration step.
type RegistrationError struct {
	Op  string
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *RegistrationError) Unwrap() error { return e.Err }

// Is implements errors.Is for sentinel error matching.
func (e *RegistrationError) Is(target error) bool { return target == ErrRegistration }

// NoPreKeyBundleError names the device that could not be reached.
type NoPreKeyBundleError struct {
	Address Address
	Err     error
}

func (e *NoPreKeyBundleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no prekey bundle for %s: %v", e.Address, e.Err)
	}
	return fmt.Sprintf("no prekey bundle for %s", e.Address)
}

// Unwrap returns the underlying error.
func (e *NoPreKeyBundleError) Unwrap() error { return e.Err }

// Is implements errors.Is for sentinel error matching.
func (e *NoPreKeyBundleError) Is(target error) bool { return target == ErrNoPreKeyBundle }

// SessionCorruptionError reports an unreadable session record.
type SessionCorruptionError struct {
	Address Address
	Err     error
}

func (e *SessionCorruptionError) Error() string {
	return fmt.Sprintf("session for %s is corrupted: %v", e.Address, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionCorruptionError) Unwrap() error { return e.Err }

// Is implements errors.Is for sentinel error matching.
func (e *SessionCorruptionError) Is(target error) bool { return target == ErrSessionCorruption }

// TransientError marks a failure worth retrying later.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// Is implements errors.Is for sentinel error matching.
func (e *TransientError) Is(target error) bool { return target == ErrTransientIO }

// MissingCiphertextError reports a 404 for a (message, device) pair.
type MissingCiphertextError struct {
	MessageID string
	DeviceID  DeviceID
}

func (e *MissingCiphertextError) Error() string {
	return fmt.Sprintf("no ciphertext for message %s on device %d", e.MessageID, e.DeviceID)
}

// Is implements errors.Is for sentinel error matching.
func (e *MissingCiphertextError) Is(target error) bool { return target == ErrMissingCiphertext }

// APIError represents a non-2xx response from the key directory server.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// Is implements errors.Is for sentinel error matching.
func (e *APIError) Is(target error) bool {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return target == ErrNotFound
	case Retryable(e.StatusCode):
		return target == ErrTransientIO
	}
	return false
}

// Retryable reports whether a status code describes a transient server condition.
func Retryable(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
