// Package prekey generates the prekeys a device publishes for X3DH.
//
// A Generator signs the signed prekey and the ML-KEM prekey with the
// identity's Ed25519 key. Upload assembles the public half of a registration
// for the server.
package prekey
