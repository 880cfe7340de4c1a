// Package store persists local key material for one user.
//
// A Tier is a flat key-value store. MemoryTier, FileTier, RedisTier and
// PostgresTier are the physical backends; SealedTier encrypts any other
// tier under a passphrase. KeyStore layers a fast tier over an optional
// durable tier: writes hit both, reads fall back to the durable tier and
// repair the fast one.
//
// Keys are namespaced "{username}/{kind}/...", so several local users can
// share one backend.
package store
