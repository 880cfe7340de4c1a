// Package device registers this installation with the key directory and
// maintains its published prekeys.
//
// Registry loads the registration from the KeyStore or creates one: a
// 14-bit registration id, signed prekey 1, one-time prekeys 1..100 and an
// ML-KEM-768 prekey. The signed prekey is rotated after seven days and
// one-time prekeys are topped back up to 100 once fewer than 50 remain on
// the server.
package device
