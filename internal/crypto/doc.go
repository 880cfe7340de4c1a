// Package crypto exposes the primitives cipherlink builds on.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     PublicX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Device identities and 14-bit registration ids (NewIdentity,
//     NewRegistrationID)
//   - ML-KEM-768 encapsulation for post-quantum prekeys (GenerateKEM,
//     Encapsulate, Decapsulate)
//   - Password-derived AES-256-GCM sealing for key backups
//     (DerivePasswordKey, SealAESGCM, OpenAESGCM)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// X25519 and Ed25519 functions return fixed-size array types defined in
// internal/domain. Callers should treat returned secrets as sensitive and
// wipe them with internal/util/memzero when practical.
package crypto
