package app

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cipherlink/internal/domain"
	"cipherlink/internal/services/backup"
)

// InitResult reports what Client.Init found and did.
type InitResult struct {
	State        backup.State
	Registration domain.DeviceRegistration
}

// Client is the entry point the CLI drives: it owns a Wire and makes
// initialisation safe to call from several places at once.
type Client struct {
	*Wire
	init singleflight.Group
}

// NewClient wraps w.
func NewClient(w *Wire) *Client {
	return &Client{Wire: w}
}

// Init brings the device to a usable state: identity (generated or found),
// device registration, and the decryption cache of this device. Concurrent
// callers share one run, which outlives any single caller's ctx. When the account has a backup but this device has
// no keys it returns domain.ErrNeedsBackupRestore; call Restore.
func (c *Client) Init(ctx context.Context) (InitResult, error) {
	if err := ctx.Err(); err != nil {
		return InitResult{}, err
	}
	ch := c.init.DoChan("init", func() (any, error) {
		return c.initOnce(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return InitResult{}, ctx.Err()
	case r := <-ch:
		if r.Shared {
			c.Log.Debug("joined in-flight init")
		}
		res, _ := r.Val.(InitResult)
		return res, r.Err
	}
}

func (c *Client) initOnce(ctx context.Context) (InitResult, error) {
	state, err := c.Backup.Init(ctx)
	if err != nil {
		return InitResult{State: state}, err
	}
	reg, err := c.Devices.Init(ctx)
	if err != nil {
		return InitResult{State: state}, err
	}
	c.Pipeline.Reset(ctx, reg.Username, reg.DeviceID)
	c.Log.Info("client ready",
		zap.String("state", state.String()),
		zap.String("address", reg.Address().String()))
	return InitResult{State: state, Registration: reg}, nil
}

// Restore installs the identity from the server backup and finishes Init.
func (c *Client) Restore(ctx context.Context, password string) (InitResult, error) {
	if _, err := c.Backup.RestoreFromBackup(ctx, password); err != nil {
		return InitResult{State: backup.StateNeedsRestore}, err
	}
	return c.Init(ctx)
}

// Ready reports whether Init has completed on this device.
func (c *Client) Ready() bool {
	_, ok := c.Devices.Current()
	return ok
}

// IsRestoreRequired reports whether err asks for a backup password.
func IsRestoreRequired(err error) bool {
	return errors.Is(err, domain.ErrNeedsBackupRestore)
}
