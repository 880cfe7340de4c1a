package domain

import (
	interfaces "cipherlink/internal/domain/interfaces"
	types "cipherlink/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	Username                = types.Username
	DeviceID                = types.DeviceID
	RegistrationID          = types.RegistrationID
	PreKeyID                = types.PreKeyID
	SignedPreKeyID          = types.SignedPreKeyID
	Fingerprint             = types.Fingerprint
	Address                 = types.Address
	X25519Public            = types.X25519Public
	X25519Private           = types.X25519Private
	Ed25519Public           = types.Ed25519Public
	Ed25519Private          = types.Ed25519Private
	Identity                = types.Identity
	IdentityKey             = types.IdentityKey
	SignedPreKey            = types.SignedPreKey
	SignedPreKeyPublic      = types.SignedPreKeyPublic
	PreKey                  = types.PreKey
	PreKeyPublic            = types.PreKeyPublic
	KyberPreKey             = types.KyberPreKey
	KyberPreKeyPublic       = types.KyberPreKeyPublic
	DeviceRegistration      = types.DeviceRegistration
	DeviceUpload            = types.DeviceUpload
	DeviceInfo              = types.DeviceInfo
	PreKeyBundle            = types.PreKeyBundle
	MessageType             = types.MessageType
	DeviceCiphertext        = types.DeviceCiphertext
	DeviceFailure           = types.DeviceFailure
	EncryptionResult        = types.EncryptionResult
	DecryptedMessage        = types.DecryptedMessage
	StoreCiphertextsRequest = types.StoreCiphertextsRequest
	RatchetHeader           = types.RatchetHeader
	RatchetState            = types.RatchetState
	PreKeyMessage           = types.PreKeyMessage
	SessionRecord           = types.SessionRecord
	TrustedIdentity         = types.TrustedIdentity
	KeyExport               = types.KeyExport
	BackupBlob              = types.BackupBlob
	BackupInfo              = types.BackupInfo
	KeyStatus               = types.KeyStatus
)

// Message types.
const (
	MessageTypeWhisper = types.MessageTypeWhisper
	MessageTypePreKey  = types.MessageTypePreKey
)

// Constructors re-exported for callers that only import domain.
var (
	NewAddress   = types.NewAddress
	ParseAddress = types.ParseAddress
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	Tier            = interfaces.Tier
	ProtocolStore   = interfaces.ProtocolStore
	KeyStore        = interfaces.KeyStore
	DirectoryClient = interfaces.DirectoryClient
	MessageRelay    = interfaces.MessageRelay
	BackupClient    = interfaces.BackupClient
	DeviceRegistry  = interfaces.DeviceRegistry
	SessionService  = interfaces.SessionService
	BackupService   = interfaces.BackupService
)
