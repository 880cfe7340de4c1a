// Package backup escrows the identity key pair on the server.
//
// The blob is AES-256-GCM over a JSON key export, keyed by PBKDF2-SHA256 of
// the user's password with a random 16-byte salt. The server never sees the
// password or the derived key. Init also decides, on a device with no local
// keys, whether to generate, restore or regenerate an identity.
package backup
