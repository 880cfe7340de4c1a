// Package x3dh implements the X3DH key-agreement used to bootstrap a Double Ratchet
// session between two devices.
//
// # Overview
//
// X3DH lets an initiator derive a shared 32-byte root key with a responder who has
// published a prekey bundle. The bundle contains:
//   - Identity key (X25519) and signing key (Ed25519)
//   - Signed prekey (X25519) and its Ed25519 signature
//   - Optional one-time prekey (X25519)
//   - Optional ML-KEM-768 prekey and its signature
//
// # Flows
//
// Initiator:
//  1. Verify the signed prekey (and ML-KEM prekey) signatures.
//  2. Generate an ephemeral X25519 key pair.
//  3. Compute DH values (IKa·SPKb, EKa·IKb, EKa·SPKb[, EKa·OPKb]).
//  4. Encapsulate to the ML-KEM prekey when present.
//  5. HKDF over the concatenated transcript to produce the root key.
//  6. Return the root key and the PreKeyMessage naming the prekeys used.
//
// Responder:
//  1. Receive the PreKeyMessage (initiator IK, base key EK, SPK id[, OPK id][, KEM ciphertext]).
//  2. Look up SPK and optionally the OPK and ML-KEM secret.
//  3. Compute the symmetric DH set and decapsulate.
//  4. HKDF the same transcript to the identical root key.
//
// # Errors
//
// ErrBadSPK is returned when the SPK signature fails verification.
// Other errors wrap lower-level crypto failures.
package x3dh
