package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"cipherlink/internal/domain"
	"cipherlink/internal/relay"
	"cipherlink/internal/services/backup"
	"cipherlink/internal/services/decrypt"
	"cipherlink/internal/services/device"
	"cipherlink/internal/services/identity"
	"cipherlink/internal/services/message"
	"cipherlink/internal/services/session"
	"cipherlink/internal/store"
)

const (
	fastFileName   = "keys.json"
	vaultFileName  = "vault.json"
	redisNamespace = "cipherlink"
	postgresTable  = "cipherlink_keys"
)

// Wire bundles all stores, services, and clients for the CLI.
type Wire struct {
	Config   Config
	Log      *zap.Logger
	Store    *store.KeyStore
	Relay    *relay.Client
	Identity *identity.Service
	Devices  *device.Registry
	Sessions *session.Service
	Backup   *backup.Service
	Pipeline *decrypt.Pipeline
	Messages *message.Service

	closers []func() error
}

// NewWire constructs the dependency graph from cfg.
func NewWire(ctx context.Context, cfg Config, log *zap.Logger) (*Wire, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Username == "" {
		return nil, errors.New("username is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Home != "" {
		if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
			return nil, err
		}
	}
	username := domain.Username(cfg.Username)
	w := &Wire{Config: cfg, Log: log}

	fast, durable, err := w.openTiers(ctx)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	w.Store = store.NewKeyStore(username, fast, durable, store.WithLogger(log))

	// Ensure an HTTP client is available for outbound calls
	opts := []relay.Option{relay.WithLogger(log), relay.WithRetries(cfg.Retries)}
	if cfg.HTTP != nil {
		opts = append(opts, relay.WithHTTPClient(cfg.HTTP))
	} else if cfg.RequestTimeout > 0 {
		opts = append(opts, relay.WithTimeout(cfg.RequestTimeout))
	}
	w.Relay, err = relay.New(cfg.RelayURL, username, opts...)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	// High-level services
	w.Identity = identity.New(w.Store, log)
	w.Devices = device.New(w.Store, w.Relay,
		device.WithDeviceName(cfg.DeviceName),
		device.WithLogger(log),
		device.OnDeviceID(w.Relay.SetDeviceID))
	w.Sessions = session.New(w.Store, w.Devices, w.Relay,
		session.WithBundleTimeout(cfg.RequestTimeout),
		session.WithLogger(log))
	w.Backup = backup.New(username, w.Store, w.Relay, backup.WithLogger(log))
	w.Pipeline = decrypt.New(w.Sessions, w.Relay, w.Devices, w.Store,
		decrypt.WithFetchTimeout(cfg.RequestTimeout),
		decrypt.WithLogger(log))
	w.closers = append(w.closers, w.Pipeline.Close)
	w.Messages = message.New(w.Sessions, w.Pipeline, log)
	return w, nil
}

// openTiers opens the configured fast and durable tiers. durable is nil
// for TierNone.
func (w *Wire) openTiers(ctx context.Context) (fast, durable domain.Tier, err error) {
	cfg := w.Config
	switch cfg.FastTier {
	case TierMemory:
		fast = store.NewMemoryTier()
	case TierRedis:
		rt, err := store.DialRedisTier(ctx, cfg.RedisURL, redisNamespace+":"+cfg.Username)
		if err != nil {
			return nil, nil, err
		}
		w.closers = append(w.closers, rt.Close)
		fast = rt
	default:
		fast = store.NewFileTier(cfg.Home, fastFileName)
	}

	switch cfg.DurableTier {
	case TierNone:
		return fast, nil, nil
	case TierPostgres:
		pt, err := store.OpenPostgresTier(ctx, cfg.PostgresDSN, postgresTable)
		if err != nil {
			return nil, nil, err
		}
		w.closers = append(w.closers, pt.Close)
		vt, err := sealDurable(ctx, pt, TierPostgres, cfg.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		w.closers = append(w.closers, func() error { vt.Close(); return nil })
		return fast, vt, nil
	default:
		vt, err := sealDurable(ctx, store.NewFileTier(cfg.Home, vaultFileName), TierVault, cfg.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		w.closers = append(w.closers, func() error { vt.Close(); return nil })
		return fast, vt, nil
	}
}

// sealDurable encrypts every value written to a durable tier under the
// passphrase, whichever backend holds it.
func sealDurable(ctx context.Context, inner domain.Tier, tier, passphrase string) (*store.SealedTier, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("durable_tier %s needs a passphrase (-p or CIPHERLINK_PASSPHRASE)", tier)
	}
	return store.OpenSealedTier(ctx, inner, passphrase)
}

// Close flushes the decryption cache and releases storage connections.
func (w *Wire) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
