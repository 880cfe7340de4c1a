// Package message sends and receives encrypted messages.
//
// It ties the per-device fan-out of the session service to the server's
// ciphertext store, and routes received message ids through the
// decryption pipeline.
package message
