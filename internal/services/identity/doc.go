// Package identity manages the local long-term identity key pair.
//
// It reuses an identity already in the KeyStore (for example one restored
// from a backup), generates a new one otherwise, and exposes fingerprints
// for out-of-band verification. It also holds the strength policy applied
// to backup passwords.
package identity
