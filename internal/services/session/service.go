package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cipherlink/internal/domain"
	protocol "cipherlink/internal/protocol/session"
	"cipherlink/internal/util/keyedmutex"
)

const (
	// DefaultBundleTimeout bounds a prekey bundle fetch.
	DefaultBundleTimeout = 5 * time.Second

	noDevicesMessage = "Recipient has no registered devices"
	fanOutLimit      = 4
)

// Service owns the lifecycle of pairwise sessions and fans messages out to
// every device of a recipient.
//
// All work on one address is serialised; different addresses proceed
// concurrently.
type Service struct {
	store         domain.KeyStore
	registry      domain.DeviceRegistry
	relay         domain.MessageRelay
	bundleTimeout time.Duration
	log           *zap.Logger
	newMessageID  func() string
	onIDChange    func(domain.Address)

	locks keyedmutex.Mutex
}

// Option configures the Service.
type Option func(*Service)

// WithBundleTimeout sets the timeout for prekey bundle fetches.
func WithBundleTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.bundleTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// OnIdentityChanged registers fn to be called when a peer presents an
// identity key different from the one recorded earlier. The new key is
// trusted either way.
func OnIdentityChanged(fn func(domain.Address)) Option {
	return func(s *Service) { s.onIDChange = fn }
}

// New returns a Service.
func New(store domain.KeyStore, registry domain.DeviceRegistry, relay domain.MessageRelay, opts ...Option) *Service {
	s := &Service{
		store:         store,
		registry:      registry,
		relay:         relay,
		bundleTimeout: DefaultBundleTimeout,
		log:           zap.NewNop(),
		newMessageID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("session")
	return s
}

// EncryptForMultipleDevices encrypts plaintext for every device of
// recipient and for the sender's other devices. A device that cannot be
// reached is listed in FailedDevices; the rest still get the message.
// Failures on the sender's own devices are only logged.
func (s *Service) EncryptForMultipleDevices(ctx context.Context, recipient domain.Username, plaintext []byte) (domain.EncryptionResult, error) {
	self, ok := s.registry.Current()
	if !ok {
		return domain.EncryptionResult{}, domain.ErrDeviceNotInitialized
	}
	result := domain.EncryptionResult{
		MessageID:     s.newMessageID(),
		Ciphertexts:   []domain.DeviceCiphertext{},
		FailedDevices: []domain.DeviceFailure{},
	}

	devices, err := s.registry.GetUserDevices(ctx, recipient)
	if err != nil {
		return domain.EncryptionResult{}, fmt.Errorf("list devices of %s: %w", recipient, err)
	}
	if len(devices) == 0 {
		result.FailedDevices = append(result.FailedDevices, domain.DeviceFailure{DeviceID: 0, Error: noDevicesMessage})
		return result, nil
	}

	targets := make([]domain.Address, 0, len(devices))
	for _, d := range devices {
		if recipient == self.Username && d.DeviceID == self.DeviceID {
			continue
		}
		targets = append(targets, domain.NewAddress(recipient, d.DeviceID))
	}
	cts, errs := s.encryptAll(ctx, targets, plaintext)
	for i, addr := range targets {
		if errs[i] != nil {
			s.log.Warn("device skipped in fan-out", zap.String("address", addr.String()), zap.Error(errs[i]))
			result.FailedDevices = append(result.FailedDevices, domain.DeviceFailure{DeviceID: addr.DeviceID, Error: errs[i].Error()})
			continue
		}
		result.Ciphertexts = append(result.Ciphertexts, cts[i])
	}

	if recipient == self.Username {
		return result, nil
	}
	own, err := s.registry.MyDevices(ctx)
	if err != nil {
		s.log.Warn("own devices not listed", zap.Error(err))
		return result, nil
	}
	targets = targets[:0]
	for _, d := range own {
		if d.DeviceID != self.DeviceID {
			targets = append(targets, domain.NewAddress(self.Username, d.DeviceID))
		}
	}
	cts, errs = s.encryptAll(ctx, targets, plaintext)
	for i, addr := range targets {
		if errs[i] != nil {
			s.log.Warn("own device skipped in fan-out", zap.String("address", addr.String()), zap.Error(errs[i]))
			continue
		}
		result.Ciphertexts = append(result.Ciphertexts, cts[i])
	}
	return result, nil
}

// encryptAll encrypts for each address concurrently; results keep the input order.
func (s *Service) encryptAll(ctx context.Context, addrs []domain.Address, plaintext []byte) ([]domain.DeviceCiphertext, []error) {
	cts := make([]domain.DeviceCiphertext, len(addrs))
	errs := make([]error, len(addrs))

	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for i, addr := range addrs {
		g.Go(func() error {
			cts[i], errs[i] = s.EncryptMessage(ctx, addr, plaintext)
			return nil
		})
	}
	_ = g.Wait()
	return cts, errs
}

// EncryptMessage encrypts plaintext for one device, building a session first if needed.
func (s *Service) EncryptMessage(ctx context.Context, addr domain.Address, plaintext []byte) (domain.DeviceCiphertext, error) {
	self, ok := s.registry.Current()
	if !ok {
		return domain.DeviceCiphertext{}, domain.ErrDeviceNotInitialized
	}
	unlock := s.locks.Lock(addr.String())
	defer unlock()

	if err := s.buildSessionLocked(ctx, addr); err != nil {
		return domain.DeviceCiphertext{}, err
	}
	typ, body, err := protocol.NewCipher(s.store, addr).Encrypt(ctx, plaintext)
	if err != nil {
		return domain.DeviceCiphertext{}, fmt.Errorf("encrypt for %s: %w", addr, err)
	}
	return domain.DeviceCiphertext{
		TargetUsername: addr.Username,
		TargetDeviceID: addr.DeviceID,
		SenderUsername: self.Username,
		SenderDeviceID: self.DeviceID,
		Ciphertext:     base64.StdEncoding.EncodeToString(body),
		MessageType:    typ,
	}, nil
}

// BuildSession establishes a session with addr unless one exists. An
// existing session is left alone: no bundle is fetched and no one-time
// prekey is consumed.
func (s *Service) BuildSession(ctx context.Context, addr domain.Address) error {
	unlock := s.locks.Lock(addr.String())
	defer unlock()
	return s.buildSessionLocked(ctx, addr)
}

func (s *Service) buildSessionLocked(ctx context.Context, addr domain.Address) error {
	ok, err := s.store.HasSession(ctx, addr)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	bundle, err := s.fetchBundle(ctx, addr)
	if err != nil {
		return err
	}
	changed, err := protocol.NewBuilder(s.store).ProcessPreKeyBundle(ctx, bundle)
	if err != nil {
		return fmt.Errorf("build session with %s: %w", addr, err)
	}
	if changed {
		s.identityChanged(addr)
	}
	s.log.Debug("session built",
		zap.String("address", addr.String()),
		zap.Bool("one_time_prekey", bundle.PreKey != nil),
		zap.Bool("kyber", bundle.KyberPreKey != nil))
	return nil
}

// fetchBundle asks the server for a fresh bundle. When the server cannot be
// reached in time the last cached bundle is used without its one-time
// prekey, which the server may already have handed to someone else.
func (s *Service) fetchBundle(ctx context.Context, addr domain.Address) (domain.PreKeyBundle, error) {
	fctx, cancel := context.WithTimeout(ctx, s.bundleTimeout)
	defer cancel()

	bundle, err := s.registry.GetPreKeyBundle(fctx, addr.Username, addr.DeviceID)
	if err == nil {
		return bundle, nil
	}
	if ctx.Err() != nil {
		return domain.PreKeyBundle{}, ctx.Err()
	}
	if errors.Is(err, domain.ErrNoPreKeyBundle) {
		return domain.PreKeyBundle{}, err
	}
	if !errors.Is(err, domain.ErrTransientIO) && !errors.Is(err, context.DeadlineExceeded) {
		return domain.PreKeyBundle{}, &domain.NoPreKeyBundleError{Address: addr, Err: err}
	}

	cached, ok, cerr := s.store.LoadBundle(ctx, addr)
	if cerr != nil || !ok {
		return domain.PreKeyBundle{}, &domain.NoPreKeyBundleError{Address: addr, Err: err}
	}
	s.log.Warn("using cached prekey bundle", zap.String("address", addr.String()), zap.Error(err))
	cached.PreKey = nil
	return cached, nil
}

// DecryptMessage decrypts a base64 ciphertext from sender. MessageTypePreKey
// messages may create a session and consume a one-time prekey.
func (s *Service) DecryptMessage(ctx context.Context, sender domain.Address, ciphertext string, messageType domain.MessageType) (domain.DecryptedMessage, error) {
	body, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return domain.DecryptedMessage{}, fmt.Errorf("%w: %v", protocol.ErrInvalidCiphertext, err)
	}

	unlock := s.locks.Lock(sender.String())
	defer unlock()

	c := protocol.NewCipher(s.store, sender)
	var pt []byte
	if messageType == domain.MessageTypePreKey {
		var changed bool
		pt, changed, err = c.DecryptPreKeyMessage(ctx, body)
		if changed {
			s.identityChanged(sender)
		}
	} else {
		pt, err = c.DecryptWhisperMessage(ctx, body)
	}
	if err != nil {
		return domain.DecryptedMessage{}, fmt.Errorf("decrypt from %s: %w", sender, err)
	}
	return domain.DecryptedMessage{Sender: sender, Plaintext: pt}, nil
}

func (s *Service) identityChanged(addr domain.Address) {
	s.log.Warn("identity key changed; trusting new key", zap.String("address", addr.String()))
	if s.onIDChange != nil {
		s.onIDChange(addr)
	}
}

// HasSession reports whether a usable session with addr exists.
func (s *Service) HasSession(ctx context.Context, addr domain.Address) (bool, error) {
	return s.store.HasSession(ctx, addr)
}

// DeleteSession drops the session with addr so the next send rebuilds it.
func (s *Service) DeleteSession(ctx context.Context, addr domain.Address) error {
	unlock := s.locks.Lock(addr.String())
	defer unlock()
	return s.store.DeleteSession(ctx, addr)
}

// DeleteAllSessionsForUser drops the sessions with every device of username.
func (s *Service) DeleteAllSessionsForUser(ctx context.Context, username domain.Username) error {
	addrs, err := s.store.SessionAddresses(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, addr := range addrs {
		if addr.Username != username {
			continue
		}
		if err := s.DeleteSession(ctx, addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreCiphertexts uploads a fan-out result to the server.
func (s *Service) StoreCiphertexts(ctx context.Context, result domain.EncryptionResult) error {
	return s.relay.StoreCiphertexts(ctx, domain.StoreCiphertextsRequest{
		MessageID:   result.MessageID,
		Ciphertexts: result.Ciphertexts,
	})
}

var _ domain.SessionService = (*Service)(nil)
