// Package domain defines core data models, contracts and the error taxonomy
// shared across cipherlink. It contains plain types (wire/state), interfaces
// and errors only.
package domain
