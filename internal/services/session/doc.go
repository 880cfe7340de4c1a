// Package session manages pairwise sessions with remote devices.
//
// Service builds sessions from prekey bundles (falling back to a cached
// bundle without its one-time prekey when the server is slow), encrypts a
// message once per recipient device and once per other device of the
// sender, and decrypts both handshake and regular messages. Operations on
// the same address are serialised by a keyed mutex.
package session
