// Package relay is the HTTP client for the cipherlink key directory and
// message server.
//
// Client covers device registration, prekey upload and bundle fetches
// (domain.DirectoryClient), per-device ciphertext storage
// (domain.MessageRelay) and encrypted identity backups
// (domain.BackupClient). The calling user and device travel in the
// X-Username and X-Device-Id headers.
//
// Requests are JSON, carry a context, and are retried with exponential
// backoff on transport failures and on 408, 429 and 5xx responses. Errors
// surface as *domain.APIError for server replies and *domain.TransientError
// for exhausted transport failures, so callers can use errors.Is with
// domain.ErrNotFound and domain.ErrTransientIO.
//
// The server side of the contract lives in relay/server.
package relay
