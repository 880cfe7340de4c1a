// Package ratchet implements the Double Ratchet algorithm following Signal's design.
//
// The algorithm maintains a root key and two message chains (send and receive).
// Each message advances a KDF chain so that keys are forward secure. When a party
// changes its DH ratchet public key, both sides derive new chain keys from a new
// root derived via DH.
//
// The initiator's first ratchet key pairs with the responder's signed prekey, so
// the responder's state starts with only the root key and that prekey.
//
// Decrypt works on a copy of the state and commits it only when the message
// authenticates; a forged or stale message never advances the chains.
//
// Concurrency: RatchetState is NOT safe for concurrent use. Callers must
// serialise access per remote address.
package ratchet
