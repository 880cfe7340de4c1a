package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cipherlink/internal/crypto"
	"cipherlink/internal/domain"
	"cipherlink/internal/services/prekey"
)

// Registry tuning.
const (
	PreKeyCount          = 100
	ReplenishThreshold   = 50
	SignedPreKeyRotation = 7 * 24 * time.Hour

	firstSignedPreKeyID domain.SignedPreKeyID = 1
	kyberPreKeyID       domain.PreKeyID       = 1
	defaultDeviceName                         = "cipherlink"
)

// Registry makes this installation a registered device and keeps its
// published prekeys fresh.
type Registry struct {
	store      domain.KeyStore
	dir        domain.DirectoryClient
	deviceName string
	now        func() time.Time
	log        *zap.Logger
	onDeviceID func(domain.DeviceID)

	mu      sync.RWMutex
	current *domain.DeviceRegistration
}

// Option configures a Registry.
type Option func(*Registry)

// WithDeviceName sets the name reported when registering.
func WithDeviceName(name string) Option {
	return func(r *Registry) {
		if name != "" {
			r.deviceName = name
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// OnDeviceID registers fn to be told the current device id whenever it
// changes; zero means unregistered.
func OnDeviceID(fn func(domain.DeviceID)) Option {
	return func(r *Registry) { r.onDeviceID = fn }
}

// New returns a Registry.
func New(store domain.KeyStore, dir domain.DirectoryClient, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		dir:        dir,
		deviceName: defaultDeviceName,
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("device")
	return r
}

// Init loads the local registration, registering a new device when none
// exists, then rotates the signed prekey and tops up one-time prekeys as
// needed. Maintenance failures are logged and do not fail Init.
func (r *Registry) Init(ctx context.Context) (domain.DeviceRegistration, error) {
	reg, ok, err := r.store.LoadRegistration(ctx)
	if err != nil {
		return domain.DeviceRegistration{}, err
	}
	if !ok {
		return r.RegisterNewDevice(ctx)
	}
	r.setCurrent(&reg)
	r.log.Debug("registration loaded", zap.Uint32("device_id", uint32(reg.DeviceID)))

	if _, err := r.MaybeRotateSignedPreKey(ctx); err != nil {
		r.log.Warn("signed prekey rotation failed", zap.Error(err))
	}
	if _, err := r.ReplenishPreKeysIfNeeded(ctx); err != nil {
		r.log.Warn("prekey replenishment failed", zap.Error(err))
	}
	cur, _ := r.Current()
	return cur, nil
}

// RegisterNewDevice generates a full registration, uploads its public half
// and persists it under the server-assigned device id. An identity already
// present in the KeyStore is reused. Nothing is persisted if the server
// rejects the registration, and the server device is withdrawn if it cannot
// be persisted.
func (r *Registry) RegisterNewDevice(ctx context.Context) (domain.DeviceRegistration, error) {
	id, ok, err := r.store.LoadIdentityKeyPair(ctx)
	if err != nil {
		return domain.DeviceRegistration{}, err
	}
	if !ok {
		if id, err = crypto.NewIdentity(); err != nil {
			return domain.DeviceRegistration{}, &domain.RegistrationError{Op: "generate identity", Err: err}
		}
	}

	reg, err := r.generate(id)
	if err != nil {
		return domain.DeviceRegistration{}, &domain.RegistrationError{Op: "generate keys", Err: err}
	}

	deviceID, err := r.dir.RegisterDevice(ctx, prekey.Upload(reg))
	if err != nil {
		if errors.Is(err, domain.ErrRegistration) {
			return domain.DeviceRegistration{}, err
		}
		return domain.DeviceRegistration{}, &domain.RegistrationError{Op: "register device", Err: err}
	}
	reg.DeviceID = deviceID

	if err := r.store.StoreRegistration(ctx, reg); err != nil {
		// Withdraw the server device so a later attempt does not leave an
		// orphan behind.
		if derr := r.dir.DeleteDevice(context.WithoutCancel(ctx), deviceID); derr != nil {
			r.log.Warn("orphaned server device not removed",
				zap.Uint32("device_id", uint32(deviceID)), zap.Error(derr))
		}
		return domain.DeviceRegistration{}, &domain.RegistrationError{Op: "persist", Err: err}
	}
	r.setCurrent(&reg)
	r.log.Info("device registered",
		zap.Uint32("device_id", uint32(deviceID)),
		zap.String("fingerprint", crypto.IdentityFingerprint(id.Public()).String()))
	return reg, nil
}

func (r *Registry) generate(id domain.Identity) (domain.DeviceRegistration, error) {
	regID, err := crypto.NewRegistrationID()
	if err != nil {
		return domain.DeviceRegistration{}, err
	}
	g := prekey.New(id, r.now)
	spk, err := g.SignedPreKey(firstSignedPreKeyID)
	if err != nil {
		return domain.DeviceRegistration{}, err
	}
	opks, err := g.PreKeys(1, PreKeyCount)
	if err != nil {
		return domain.DeviceRegistration{}, err
	}
	kyber, err := g.KyberPreKey(kyberPreKeyID)
	if err != nil {
		return domain.DeviceRegistration{}, err
	}
	return domain.DeviceRegistration{
		Username:       r.store.Username(),
		DeviceName:     r.deviceName,
		RegistrationID: regID,
		Identity:       id,
		SignedPreKey:   spk,
		PreKeys:        opks,
		KyberPreKey:    &kyber,
		CreatedAt:      r.now(),
	}, nil
}

// MaybeRotateSignedPreKey rotates the signed prekey once it is older than
// SignedPreKeyRotation.
func (r *Registry) MaybeRotateSignedPreKey(ctx context.Context) (bool, error) {
	reg, ok := r.Current()
	if !ok {
		return false, domain.ErrDeviceNotInitialized
	}
	if r.now().Sub(reg.SignedPreKey.Timestamp) < SignedPreKeyRotation {
		return false, nil
	}
	if err := r.RotateSignedPreKey(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// RotateSignedPreKey replaces the signed prekey with a new one whose id is
// the old id plus one.
func (r *Registry) RotateSignedPreKey(ctx context.Context) error {
	reg, ok := r.Current()
	if !ok {
		return domain.ErrDeviceNotInitialized
	}
	old := reg.SignedPreKey
	spk, err := prekey.New(reg.Identity, r.now).SignedPreKey(old.KeyID + 1)
	if err != nil {
		return err
	}
	if err := r.dir.UpdateSignedPreKey(ctx, reg.DeviceID, spk.Public()); err != nil {
		return fmt.Errorf("upload signed prekey: %w", err)
	}
	// Only the signed prekey changes; one-time prekeys consumed since load
	// must stay gone.
	latest, err := r.store.UpdateRegistration(ctx, func(stored *domain.DeviceRegistration) error {
		stored.SignedPreKey = spk
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.store.RemoveSignedPreKey(ctx, old.KeyID); err != nil {
		r.log.Warn("old signed prekey not removed", zap.Uint32("key_id", uint32(old.KeyID)), zap.Error(err))
	}
	r.setCurrent(&latest)
	r.log.Info("signed prekey rotated", zap.Uint32("key_id", uint32(spk.KeyID)))
	return nil
}

// ReplenishPreKeysIfNeeded tops the server's one-time prekeys back up to
// PreKeyCount once fewer than ReplenishThreshold remain. New ids continue
// from the highest id held locally.
func (r *Registry) ReplenishPreKeysIfNeeded(ctx context.Context) (int, error) {
	reg, ok := r.Current()
	if !ok {
		return 0, domain.ErrDeviceNotInitialized
	}
	count, err := r.dir.PreKeyCount(ctx, reg.DeviceID)
	if err != nil {
		return 0, fmt.Errorf("prekey count: %w", err)
	}
	if count >= ReplenishThreshold {
		return 0, nil
	}

	highest := reg.MaxPreKeyID()
	ids, err := r.store.PreKeyIDs(ctx)
	if err != nil {
		return 0, err
	}
	if n := len(ids); n > 0 && ids[n-1] > highest {
		highest = ids[n-1]
	}

	fresh, err := prekey.New(reg.Identity, r.now).PreKeys(highest+1, PreKeyCount-count)
	if err != nil {
		return 0, err
	}
	if err := r.dir.UploadPreKeys(ctx, reg.DeviceID, prekey.Publics(fresh)); err != nil {
		return 0, fmt.Errorf("upload prekeys: %w", err)
	}

	latest, err := r.store.UpdateRegistration(ctx, func(stored *domain.DeviceRegistration) error {
		stored.PreKeys = append(stored.PreKeys, fresh...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.setCurrent(&latest)
	r.log.Info("prekeys replenished",
		zap.Int("server_count", count),
		zap.Int("uploaded", len(fresh)),
		zap.Uint32("first_id", uint32(highest+1)))
	return len(fresh), nil
}

// Current returns the loaded registration.
func (r *Registry) Current() (domain.DeviceRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return domain.DeviceRegistration{}, false
	}
	return *r.current, true
}

func (r *Registry) setCurrent(reg *domain.DeviceRegistration) {
	r.mu.Lock()
	prev := domain.DeviceID(0)
	if r.current != nil {
		prev = r.current.DeviceID
	}
	r.current = reg
	r.mu.Unlock()

	next := domain.DeviceID(0)
	if reg != nil {
		next = reg.DeviceID
	}
	if r.onDeviceID != nil && prev != next {
		r.onDeviceID(next)
	}
}

// GetUserDevices lists the registered devices of username.
func (r *Registry) GetUserDevices(ctx context.Context, username domain.Username) ([]domain.DeviceInfo, error) {
	return r.dir.Devices(ctx, username)
}

// GetPreKeyBundle fetches and caches the bundle of one device.
func (r *Registry) GetPreKeyBundle(ctx context.Context, username domain.Username, deviceID domain.DeviceID) (domain.PreKeyBundle, error) {
	b, err := r.dir.PreKeyBundle(ctx, username, deviceID)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	r.cacheBundle(ctx, b)
	return b, nil
}

// GetAllPreKeyBundles fetches and caches bundles for every device of username.
func (r *Registry) GetAllPreKeyBundles(ctx context.Context, username domain.Username) ([]domain.PreKeyBundle, error) {
	bundles, err := r.dir.PreKeyBundles(ctx, username)
	if err != nil {
		return nil, err
	}
	for _, b := range bundles {
		r.cacheBundle(ctx, b)
	}
	return bundles, nil
}

func (r *Registry) cacheBundle(ctx context.Context, b domain.PreKeyBundle) {
	if err := r.store.SaveBundle(ctx, b); err != nil {
		r.log.Warn("bundle not cached", zap.String("address", b.Address().String()), zap.Error(err))
	}
}

// MyDevices lists the local user's devices.
func (r *Registry) MyDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	return r.dir.MyDevices(ctx)
}

// UnregisterDevice removes one of the user's devices from the server. When
// it is this device, all local key material is cleared too.
func (r *Registry) UnregisterDevice(ctx context.Context, deviceID domain.DeviceID) error {
	if err := r.dir.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}
	cur, ok := r.Current()
	if !ok || cur.DeviceID != deviceID {
		r.log.Info("device unregistered", zap.Uint32("device_id", uint32(deviceID)))
		return nil
	}
	if err := r.store.ClearAll(ctx); err != nil {
		return err
	}
	r.setCurrent(nil)
	r.log.Info("this device unregistered; local keys cleared", zap.Uint32("device_id", uint32(deviceID)))
	return nil
}

var _ domain.DeviceRegistry = (*Registry)(nil)
