package backup

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cipherlink/internal/crypto"
	"cipherlink/internal/domain"
	"cipherlink/internal/services/identity"
)

// FormatVersion is the version written into new backup blobs and exports.
const FormatVersion = 1

// State reports what Init found and did.
type State int

const (
	// StateReady means local key material already existed.
	StateReady State = iota
	// StateFreshIdentity means a first identity was generated for a new account.
	StateFreshIdentity
	// StateNeedsRestore means the server has keys and a backup; the caller
	// must ask for the backup password and call RestoreFromBackup.
	StateNeedsRestore
	// StateRegenerated means the server has keys but no backup, so a new
	// identity replaced the lost one. Peers will see an identity change.
	StateRegenerated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFreshIdentity:
		return "fresh-identity"
	case StateNeedsRestore:
		return "needs-restore"
	case StateRegenerated:
		return "regenerated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Service escrows the identity key pair on the server under a password.
type Service struct {
	username   domain.Username
	store      domain.KeyStore
	client     domain.BackupClient
	identity   *identity.Service
	iterations int
	now        func() time.Time
	log        *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIterations sets the PBKDF2 iteration count for new backups. Values
// outside [crypto.MinPBKDF2Iterations, crypto.MaxPBKDF2Iterations] are ignored.
func WithIterations(n int) Option {
	return func(s *Service) {
		if n >= crypto.MinPBKDF2Iterations && n <= crypto.MaxPBKDF2Iterations {
			s.iterations = n
		}
	}
}

// WithClock overrides time.Now for export timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns a backup service for username.
func New(username domain.Username, store domain.KeyStore, client domain.BackupClient, opts ...Option) *Service {
	s := &Service{
		username:   username,
		store:      store,
		client:     client,
		iterations: crypto.MinPBKDF2Iterations,
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("backup")
	s.identity = identity.New(store, s.log)
	return s
}

// Init decides what to do on a device with no local state, driven by the
// server's view of the account.
func (s *Service) Init(ctx context.Context) (State, error) {
	_, ok, err := s.store.LoadIdentityKeyPair(ctx)
	if err != nil {
		return 0, err
	}
	if ok {
		return StateReady, nil
	}

	status, err := s.client.KeyStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("query key status: %w", err)
	}
	switch {
	case !status.HasKeys:
		if _, err := s.identity.Generate(ctx); err != nil {
			return 0, err
		}
		return StateFreshIdentity, nil
	case status.HasBackup:
		return StateNeedsRestore, domain.ErrNeedsBackupRestore
	default:
		if _, err := s.identity.Generate(ctx); err != nil {
			return 0, err
		}
		s.log.Warn("server has keys but no backup; generated a new identity",
			zap.String("user", string(s.username)))
		return StateRegenerated, nil
	}
}

// CreateBackup encrypts the local identity under password and uploads it.
func (s *Service) CreateBackup(ctx context.Context, password string) error {
	if err := identity.CheckPassphrase(password); err != nil {
		return err
	}
	id, err := s.store.IdentityKeyPair(ctx)
	if err != nil {
		return err
	}
	blob, err := Seal(domain.KeyExport{
		Version:  FormatVersion,
		Username: s.username,
		Identity: id,
		Exported: s.now().UTC(),
	}, password, s.iterations)
	if err != nil {
		return err
	}
	if err := s.client.UploadBackup(ctx, blob); err != nil {
		return fmt.Errorf("upload backup: %w", err)
	}
	s.log.Info("backup uploaded", zap.Int("iterations", blob.Iterations))
	return nil
}

// RestoreFromBackup downloads the backup, decrypts it with password and
// installs the identity in both storage tiers.
func (s *Service) RestoreFromBackup(ctx context.Context, password string) (domain.Identity, error) {
	blob, err := s.client.DownloadBackup(ctx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("download backup: %w", err)
	}
	export, err := Open(blob, password)
	if err != nil {
		return domain.Identity{}, err
	}
	if export.Username != "" && export.Username != s.username {
		return domain.Identity{}, fmt.Errorf("%w: backup belongs to %s", domain.ErrBackupDecrypt, export.Username)
	}
	if err := s.identity.Import(ctx, export.Identity); err != nil {
		return domain.Identity{}, err
	}
	return export.Identity, nil
}

// HasBackup reports whether the server holds a backup for this account.
func (s *Service) HasBackup(ctx context.Context) (bool, error) {
	status, err := s.client.KeyStatus(ctx)
	if err != nil {
		return false, err
	}
	return status.HasBackup, nil
}

// Seal encrypts export with a key derived from password.
func Seal(export domain.KeyExport, password string, iterations int) (domain.BackupBlob, error) {
	if iterations < crypto.MinPBKDF2Iterations {
		iterations = crypto.MinPBKDF2Iterations
	}
	if iterations > crypto.MaxPBKDF2Iterations {
		iterations = crypto.MaxPBKDF2Iterations
	}
	plaintext, err := json.Marshal(export)
	if err != nil {
		return domain.BackupBlob{}, fmt.Errorf("marshal key export: %w", err)
	}
	salt := make([]byte, crypto.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return domain.BackupBlob{}, err
	}
	key := crypto.DerivePasswordKey(password, salt, iterations)
	sealed, err := crypto.SealAESGCM(key, plaintext, nil)
	if err != nil {
		return domain.BackupBlob{}, err
	}
	return domain.BackupBlob{
		EncryptedBackup: base64.StdEncoding.EncodeToString(sealed),
		Salt:            base64.StdEncoding.EncodeToString(salt),
		Iterations:      iterations,
		Version:         FormatVersion,
	}, nil
}

// Open reverses Seal. Every failure, including a wrong password, wraps
// domain.ErrBackupDecrypt.
func Open(blob domain.BackupBlob, password string) (domain.KeyExport, error) {
	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil || len(salt) != crypto.SaltSize {
		return domain.KeyExport{}, fmt.Errorf("%w: bad salt", domain.ErrBackupDecrypt)
	}
	sealed, err := base64.StdEncoding.DecodeString(blob.EncryptedBackup)
	if err != nil {
		return domain.KeyExport{}, fmt.Errorf("%w: bad encoding", domain.ErrBackupDecrypt)
	}
	if blob.Version > FormatVersion {
		return domain.KeyExport{}, fmt.Errorf("%w: unsupported version %d", domain.ErrBackupDecrypt, blob.Version)
	}
	if blob.Iterations > crypto.MaxPBKDF2Iterations {
		return domain.KeyExport{}, fmt.Errorf("%w: iteration count %d exceeds %d", domain.ErrBackupDecrypt, blob.Iterations, crypto.MaxPBKDF2Iterations)
	}

	key := crypto.DerivePasswordKey(password, salt, blob.Iterations)
	plaintext, err := crypto.OpenAESGCM(key, sealed, nil)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return domain.KeyExport{}, fmt.Errorf("%w: wrong password or corrupted backup", domain.ErrBackupDecrypt)
		}
		return domain.KeyExport{}, fmt.Errorf("%w: %v", domain.ErrBackupDecrypt, err)
	}
	var export domain.KeyExport
	if err := json.Unmarshal(plaintext, &export); err != nil {
		return domain.KeyExport{}, fmt.Errorf("%w: %v", domain.ErrBackupDecrypt, err)
	}
	if export.Identity.IsZero() {
		return domain.KeyExport{}, fmt.Errorf("%w: backup holds no identity", domain.ErrBackupDecrypt)
	}
	return export, nil
}

var _ domain.BackupService = (*Service)(nil)
