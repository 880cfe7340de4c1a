package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cipherlink/internal/domain"
)

// Record kinds under a user's namespace.
const (
	kindRegistration = "registration"
	kindIdentity     = "identity"
	kindPreKey       = "prekey"
	kindSignedPreKey = "signedprekey"
	kindKyberPreKey  = "kyberprekey"
	kindSession      = "session"
	kindTrusted      = "trusted"
	kindBundle       = "bundle"
	kindBlob         = "blob"
)

// KeyStore is the single source of truth for one local user's key material.
//
// Writes go to the fast tier synchronously and to the durable tier best
// effort; a durable failure is logged and never returned. Reads consult the
// fast tier first and, on a miss, the durable tier, writing any hit back into
// the fast tier.
type KeyStore struct {
	username domain.Username
	fast     domain.Tier
	durable  domain.Tier // may be nil
	log      *zap.Logger
	now      func() time.Time

	// mu serialises read-modify-write of the registration record and
	// guards the cached identity.
	mu       sync.Mutex
	identity *domain.Identity
	regID    domain.RegistrationID
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithLogger sets the logger used for best-effort failures.
func WithLogger(log *zap.Logger) Option {
	return func(k *KeyStore) {
		if log != nil {
			k.log = log
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(k *KeyStore) { k.now = now }
}

// NewKeyStore builds a KeyStore for username over fast and an optional durable tier.
func NewKeyStore(username domain.Username, fast, durable domain.Tier, opts ...Option) *KeyStore {
	k := &KeyStore{
		username: username,
		fast:     fast,
		durable:  durable,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.log = k.log.With(zap.String("user", string(username)))
	return k
}

// Username returns the local user the store is scoped to.
func (k *KeyStore) Username() domain.Username { return k.username }

// --- registration ---

// StoreRegistration persists the full registration and materializes its
// identity, signed prekey, one-time prekeys and ML-KEM prekey as individual
// records.
func (k *KeyStore) StoreRegistration(ctx context.Context, reg domain.DeviceRegistration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.storeRegistrationLocked(ctx, reg)
}

// The registration record is written last, so its presence implies every
// key record it lists is stored.
func (k *KeyStore) storeRegistrationLocked(ctx context.Context, reg domain.DeviceRegistration) error {
	if err := k.materialize(ctx, reg); err != nil {
		return err
	}
	if err := k.putJSON(ctx, k.key(kindRegistration), reg); err != nil {
		return fmt.Errorf("store registration: %w", err)
	}
	id := reg.Identity
	k.identity = &id
	k.regID = reg.RegistrationID
	return nil
}

// UpdateRegistration applies fn to the stored registration and persists the
// result atomically with respect to other registration writes, such as a
// prekey being consumed. It returns the registration as stored.
func (k *KeyStore) UpdateRegistration(ctx context.Context, fn func(*domain.DeviceRegistration) error) (domain.DeviceRegistration, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var reg domain.DeviceRegistration
	src, err := k.getJSON(ctx, k.key(kindRegistration), &reg)
	if err != nil {
		return domain.DeviceRegistration{}, err
	}
	if src == sourceNone {
		return domain.DeviceRegistration{}, domain.ErrDeviceNotInitialized
	}
	if err := fn(&reg); err != nil {
		return domain.DeviceRegistration{}, err
	}
	if err := k.storeRegistrationLocked(ctx, reg); err != nil {
		return domain.DeviceRegistration{}, err
	}
	return reg, nil
}

// LoadRegistration returns the stored registration. A fast-tier miss that
// the durable tier can answer repopulates the fast tier, including the
// individual key records.
func (k *KeyStore) LoadRegistration(ctx context.Context) (domain.DeviceRegistration, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var reg domain.DeviceRegistration
	src, err := k.getJSON(ctx, k.key(kindRegistration), &reg)
	if err != nil || src == sourceNone {
		return domain.DeviceRegistration{}, false, err
	}
	if src == sourceDurable {
		k.log.Info("registration restored from durable tier", zap.Uint32("device_id", uint32(reg.DeviceID)))
		if err := k.materialize(ctx, reg); err != nil {
			return domain.DeviceRegistration{}, false, err
		}
	}
	id := reg.Identity
	k.identity = &id
	k.regID = reg.RegistrationID
	return reg, true, nil
}

func (k *KeyStore) materialize(ctx context.Context, reg domain.DeviceRegistration) error {
	if err := k.putJSON(ctx, k.key(kindIdentity), reg.Identity); err != nil {
		return fmt.Errorf("store identity: %w", err)
	}
	if err := k.StoreSignedPreKey(ctx, reg.SignedPreKey); err != nil {
		return err
	}
	for _, pk := range reg.PreKeys {
		if err := k.StorePreKey(ctx, pk); err != nil {
			return err
		}
	}
	if reg.KyberPreKey != nil {
		if err := k.StoreKyberPreKey(ctx, *reg.KyberPreKey); err != nil {
			return err
		}
	}
	return nil
}

// --- identity ---

// IdentityKeyPair returns the local identity or ErrDeviceNotInitialized.
func (k *KeyStore) IdentityKeyPair(ctx context.Context) (domain.Identity, error) {
	id, ok, err := k.LoadIdentityKeyPair(ctx)
	if err != nil {
		return domain.Identity{}, err
	}
	if !ok {
		return domain.Identity{}, domain.ErrDeviceNotInitialized
	}
	return id, nil
}

// LoadIdentityKeyPair returns the local identity if one is stored.
func (k *KeyStore) LoadIdentityKeyPair(ctx context.Context) (domain.Identity, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.identity != nil {
		return *k.identity, true, nil
	}
	var id domain.Identity
	src, err := k.getJSON(ctx, k.key(kindIdentity), &id)
	if err != nil || src == sourceNone {
		return domain.Identity{}, false, err
	}
	k.identity = &id
	return id, true, nil
}

// PutIdentityKeyPair persists id to both tiers. Used when importing a backup
// before the device is registered.
func (k *KeyStore) PutIdentityKeyPair(ctx context.Context, id domain.Identity) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.putJSON(ctx, k.key(kindIdentity), id); err != nil {
		return fmt.Errorf("store identity: %w", err)
	}
	k.identity = &id
	return nil
}

// LocalRegistrationID returns the registration id of this device.
func (k *KeyStore) LocalRegistrationID(ctx context.Context) (domain.RegistrationID, error) {
	k.mu.Lock()
	regID := k.regID
	k.mu.Unlock()
	if regID != 0 {
		return regID, nil
	}
	reg, ok, err := k.LoadRegistration(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, domain.ErrDeviceNotInitialized
	}
	return reg.RegistrationID, nil
}

// --- prekeys ---

func (k *KeyStore) StorePreKey(ctx context.Context, key domain.PreKey) error {
	if err := k.putJSON(ctx, k.key(kindPreKey, idString(key.KeyID)), key); err != nil {
		return fmt.Errorf("store prekey %d: %w", key.KeyID, err)
	}
	return nil
}

func (k *KeyStore) LoadPreKey(ctx context.Context, id domain.PreKeyID) (domain.PreKey, bool, error) {
	var key domain.PreKey
	src, err := k.getJSON(ctx, k.key(kindPreKey, idString(id)), &key)
	return key, src != sourceNone, err
}

// RemovePreKey deletes a consumed one-time prekey and prunes it from the
// stored registration.
func (k *KeyStore) RemovePreKey(ctx context.Context, id domain.PreKeyID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.delete(ctx, k.key(kindPreKey, idString(id))); err != nil {
		return fmt.Errorf("remove prekey %d: %w", id, err)
	}
	var reg domain.DeviceRegistration
	src, err := k.getJSON(ctx, k.key(kindRegistration), &reg)
	if err != nil || src == sourceNone {
		return err
	}
	kept := reg.PreKeys[:0]
	for _, pk := range reg.PreKeys {
		if pk.KeyID != id {
			kept = append(kept, pk)
		}
	}
	if len(kept) == len(reg.PreKeys) {
		return nil
	}
	reg.PreKeys = kept
	return k.putJSON(ctx, k.key(kindRegistration), reg)
}

// PreKeyIDs lists the one-time prekeys still held locally, ascending.
func (k *KeyStore) PreKeyIDs(ctx context.Context) ([]domain.PreKeyID, error) {
	prefix := k.key(kindPreKey) + "/"
	keys, err := k.keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]domain.PreKeyID, 0, len(keys))
	for _, key := range keys {
		n, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, domain.PreKeyID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (k *KeyStore) StoreSignedPreKey(ctx context.Context, key domain.SignedPreKey) error {
	if err := k.putJSON(ctx, k.key(kindSignedPreKey, idString(key.KeyID)), key); err != nil {
		return fmt.Errorf("store signed prekey %d: %w", key.KeyID, err)
	}
	return nil
}

func (k *KeyStore) LoadSignedPreKey(ctx context.Context, id domain.SignedPreKeyID) (domain.SignedPreKey, bool, error) {
	var key domain.SignedPreKey
	src, err := k.getJSON(ctx, k.key(kindSignedPreKey, idString(id)), &key)
	return key, src != sourceNone, err
}

func (k *KeyStore) RemoveSignedPreKey(ctx context.Context, id domain.SignedPreKeyID) error {
	return k.delete(ctx, k.key(kindSignedPreKey, idString(id)))
}

func (k *KeyStore) StoreKyberPreKey(ctx context.Context, key domain.KyberPreKey) error {
	if err := k.putJSON(ctx, k.key(kindKyberPreKey, idString(key.KeyID)), key); err != nil {
		return fmt.Errorf("store kyber prekey %d: %w", key.KeyID, err)
	}
	return nil
}

func (k *KeyStore) LoadKyberPreKey(ctx context.Context, id domain.PreKeyID) (domain.KyberPreKey, bool, error) {
	var key domain.KyberPreKey
	src, err := k.getJSON(ctx, k.key(kindKyberPreKey, idString(id)), &key)
	return key, src != sourceNone, err
}

// --- sessions ---

// LoadSession returns the session for addr. A record that no longer decodes
// is reported as a SessionCorruptionError.
func (k *KeyStore) LoadSession(ctx context.Context, addr domain.Address) (domain.SessionRecord, bool, error) {
	var rec domain.SessionRecord
	src, err := k.getJSON(ctx, k.key(kindSession, addr.String()), &rec)
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return domain.SessionRecord{}, false, &domain.SessionCorruptionError{Address: addr, Err: err}
	}
	return rec, src != sourceNone, err
}

func (k *KeyStore) StoreSession(ctx context.Context, addr domain.Address, rec domain.SessionRecord) error {
	if err := k.putJSON(ctx, k.key(kindSession, addr.String()), rec); err != nil {
		return fmt.Errorf("store session %s: %w", addr, err)
	}
	return nil
}

func (k *KeyStore) HasSession(ctx context.Context, addr domain.Address) (bool, error) {
	_, ok, err := k.LoadSession(ctx, addr)
	var corrupt *domain.SessionCorruptionError
	if errors.As(err, &corrupt) {
		return false, nil
	}
	return ok, err
}

func (k *KeyStore) DeleteSession(ctx context.Context, addr domain.Address) error {
	return k.delete(ctx, k.key(kindSession, addr.String()))
}

// DeleteAllSessions removes every session with any device of username.
func (k *KeyStore) DeleteAllSessions(ctx context.Context, username domain.Username) error {
	addrs, err := k.SessionAddresses(ctx)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if addr.Username != username {
			continue
		}
		if err := k.DeleteSession(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}

// SessionAddresses lists every address with a stored session.
func (k *KeyStore) SessionAddresses(ctx context.Context) ([]domain.Address, error) {
	prefix := k.key(kindSession) + "/"
	keys, err := k.keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Address, 0, len(keys))
	for _, key := range keys {
		addr, err := domain.ParseAddress(strings.TrimPrefix(key, prefix))
		if err != nil {
			k.log.Warn("skipping malformed session key", zap.String("key", key))
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

// --- trusted identities ---

// SaveIdentity records key for addr on first sight. A different key replaces
// the old one and is reported as changed; the caller decides what to do.
func (k *KeyStore) SaveIdentity(ctx context.Context, addr domain.Address, key domain.IdentityKey) (bool, error) {
	existing, ok, err := k.LoadTrustedIdentity(ctx, addr)
	if err != nil {
		return false, err
	}
	if ok && existing.Key.Equal(key) {
		return false, nil
	}
	rec := domain.TrustedIdentity{Key: key, FirstSeen: k.now(), Trusted: true}
	if err := k.putJSON(ctx, k.key(kindTrusted, addr.String()), rec); err != nil {
		return false, fmt.Errorf("store identity for %s: %w", addr, err)
	}
	return ok, nil
}

// IsTrustedIdentity accepts an unknown address (trust on first use) and a
// key matching the recorded one.
func (k *KeyStore) IsTrustedIdentity(ctx context.Context, addr domain.Address, key domain.IdentityKey) (bool, error) {
	existing, ok, err := k.LoadTrustedIdentity(ctx, addr)
	if err != nil {
		return false, err
	}
	return !ok || existing.Key.Equal(key), nil
}

func (k *KeyStore) LoadTrustedIdentity(ctx context.Context, addr domain.Address) (domain.TrustedIdentity, bool, error) {
	var rec domain.TrustedIdentity
	src, err := k.getJSON(ctx, k.key(kindTrusted, addr.String()), &rec)
	return rec, src != sourceNone, err
}

// --- cached bundles ---

// SaveBundle caches the last bundle fetched for an address.
func (k *KeyStore) SaveBundle(ctx context.Context, bundle domain.PreKeyBundle) error {
	return k.putJSON(ctx, k.key(kindBundle, bundle.Address().String()), bundle)
}

func (k *KeyStore) LoadBundle(ctx context.Context, addr domain.Address) (domain.PreKeyBundle, bool, error) {
	var b domain.PreKeyBundle
	src, err := k.getJSON(ctx, k.key(kindBundle, addr.String()), &b)
	return b, src != sourceNone, err
}

// --- fast-tier blobs ---

// StoreBlob writes auxiliary data to the fast tier only.
func (k *KeyStore) StoreBlob(ctx context.Context, name string, value []byte) error {
	return k.fast.Put(ctx, k.key(kindBlob, name), value)
}

// LoadBlob reads auxiliary data from the fast tier only.
func (k *KeyStore) LoadBlob(ctx context.Context, name string) ([]byte, bool, error) {
	return k.fast.Get(ctx, k.key(kindBlob, name))
}

// ClearAll removes every record of the user from both tiers.
func (k *KeyStore) ClearAll(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys, err := k.keys(ctx, string(k.username)+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := k.delete(ctx, key); err != nil {
			return err
		}
	}
	k.identity = nil
	k.regID = 0
	k.log.Info("local key material cleared", zap.Int("records", len(keys)))
	return nil
}

// --- tier plumbing ---

type source int

const (
	sourceNone source = iota
	sourceFast
	sourceDurable
)

func (k *KeyStore) key(kind string, parts ...string) string {
	b := strings.Builder{}
	b.WriteString(string(k.username))
	b.WriteByte('/')
	b.WriteString(kind)
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(p)
	}
	return b.String()
}

func (k *KeyStore) getJSON(ctx context.Context, key string, out any) (source, error) {
	raw, ok, err := k.fast.Get(ctx, key)
	if err != nil {
		return sourceNone, err
	}
	if ok {
		return sourceFast, json.Unmarshal(raw, out)
	}
	if k.durable == nil {
		return sourceNone, nil
	}
	raw, ok, err = k.durable.Get(ctx, key)
	if err != nil {
		k.log.Warn("durable tier read failed", zap.String("key", key), zap.Error(err))
		return sourceNone, nil
	}
	if !ok {
		return sourceNone, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return sourceNone, err
	}
	if err := k.fast.Put(ctx, key, raw); err != nil {
		k.log.Warn("fast tier repair failed", zap.String("key", key), zap.Error(err))
	} else {
		k.log.Debug("fast tier repaired", zap.String("key", key))
	}
	return sourceDurable, nil
}

func (k *KeyStore) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := k.fast.Put(ctx, key, raw); err != nil {
		return err
	}
	if k.durable != nil {
		if err := k.durable.Put(ctx, key, raw); err != nil {
			k.log.Warn("durable tier write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func (k *KeyStore) delete(ctx context.Context, key string) error {
	if err := k.fast.Delete(ctx, key); err != nil {
		return err
	}
	if k.durable != nil {
		if err := k.durable.Delete(ctx, key); err != nil {
			k.log.Warn("durable tier delete failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// keys returns the union of both tiers' keys under prefix.
func (k *KeyStore) keys(ctx context.Context, prefix string) ([]string, error) {
	fastKeys, err := k.fast.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if k.durable == nil {
		return fastKeys, nil
	}
	durableKeys, err := k.durable.Keys(ctx, prefix)
	if err != nil {
		k.log.Warn("durable tier list failed", zap.String("prefix", prefix), zap.Error(err))
		return fastKeys, nil
	}
	seen := make(map[string]struct{}, len(fastKeys)+len(durableKeys))
	out := make([]string, 0, len(fastKeys)+len(durableKeys))
	for _, list := range [][]string{fastKeys, durableKeys} {
		for _, key := range list {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func idString[T ~uint32](id T) string { return strconv.FormatUint(uint64(id), 10) }

var _ domain.KeyStore = (*KeyStore)(nil)
