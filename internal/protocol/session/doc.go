// Package session turns the x3dh and ratchet primitives into per-address
// sessions persisted through a domain.ProtocolStore.
//
// Builder starts outgoing sessions from prekey bundles. Cipher encrypts and
// decrypts for one address, choosing between the handshake-carrying
// MessageTypePreKey form and the plain MessageTypeWhisper form.
//
// Error texts ("no session for device", "no record for device", "invalid
// ciphertext", and the ratchet's "bad mac" and "counter was repeated") are
// stable; callers classify failures by them.
package session
