// Package decrypt turns per-device ciphertext envelopes into display text.
//
// Each message id resolves through a bounded plaintext cache, then a failure
// record, then a ciphertext fetch and a session decrypt. Failures are split
// into permanent ones, which are never retried and may reset the sender's
// session, and transient ones, which become eligible for retry after
// RetryDelay. Successful plaintexts are persisted per local identity.
package decrypt
