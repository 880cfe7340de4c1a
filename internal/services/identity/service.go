package identity

import (
	"context"
	"fmt"
	"unicode"

	"go.uber.org/zap"

	"cipherlink/internal/crypto"
	"cipherlink/internal/domain"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a backup password.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when a backup password fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"password is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
)

// Service owns the long-term identity key pair of the local user.
//
// The identity contains:
//   - X25519 key pair for Diffie-Hellman (X3DH and Double Ratchet).
//   - Ed25519 key pair for signing prekeys.
type Service struct {
	store domain.KeyStore
	log   *zap.Logger
}

// New returns an identity service backed by store.
func New(store domain.KeyStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log.Named("identity")}
}

// Ensure returns the stored identity, generating and persisting a new one
// when none exists. created reports which happened.
func (s *Service) Ensure(ctx context.Context) (id domain.Identity, created bool, err error) {
	id, ok, err := s.store.LoadIdentityKeyPair(ctx)
	if err != nil {
		return domain.Identity{}, false, err
	}
	if ok {
		return id, false, nil
	}
	id, err = s.Generate(ctx)
	return id, err == nil, err
}

// Generate creates a fresh identity and stores it, replacing any existing one.
func (s *Service) Generate(ctx context.Context) (domain.Identity, error) {
	id, err := crypto.NewIdentity()
	if err != nil {
		return domain.Identity{}, err
	}
	if err := s.store.PutIdentityKeyPair(ctx, id); err != nil {
		return domain.Identity{}, err
	}
	s.log.Info("identity generated", zap.String("fingerprint", crypto.IdentityFingerprint(id.Public()).String()))
	return id, nil
}

// Import stores an identity recovered from elsewhere, such as a backup.
func (s *Service) Import(ctx context.Context, id domain.Identity) error {
	if id.IsZero() {
		return fmt.Errorf("import identity: empty key pair")
	}
	if err := s.store.PutIdentityKeyPair(ctx, id); err != nil {
		return err
	}
	s.log.Info("identity imported", zap.String("fingerprint", crypto.IdentityFingerprint(id.Public()).String()))
	return nil
}

// Load returns the stored identity or domain.ErrDeviceNotInitialized.
func (s *Service) Load(ctx context.Context) (domain.Identity, error) {
	return s.store.IdentityKeyPair(ctx)
}

// Fingerprint returns a short fingerprint of the local identity key.
func (s *Service) Fingerprint(ctx context.Context) (domain.Fingerprint, error) {
	id, err := s.store.IdentityKeyPair(ctx)
	if err != nil {
		return "", err
	}
	return crypto.IdentityFingerprint(id.Public()), nil
}

// PeerFingerprint returns the fingerprint recorded for a remote address.
func (s *Service) PeerFingerprint(ctx context.Context, addr domain.Address) (domain.Fingerprint, bool, error) {
	rec, ok, err := s.store.LoadTrustedIdentity(ctx, addr)
	if err != nil || !ok {
		return "", false, err
	}
	return crypto.IdentityFingerprint(rec.Key), true, nil
}

// CheckPassphrase enforces the strength policy for backup passwords.
func CheckPassphrase(passphrase string) error {
	if !isSecurePassphrase(passphrase) {
		return ErrWeakPassphrase
	}
	return nil
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len([]rune(passphrase)) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}
