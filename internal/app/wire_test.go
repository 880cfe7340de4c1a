package app_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"cipherlink/internal/app"
	"cipherlink/internal/store"
)

func TestSealDurable_EncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	// Stands in for the Postgres table; the wrapping is the same.
	inner := store.NewMemoryTier()

	if _, err := app.SealDurable(ctx, inner, app.TierPostgres, ""); err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("SealDurable() without passphrase error = %v, want a postgres passphrase error", err)
	}

	sealed, err := app.SealDurable(ctx, inner, app.TierPostgres, "pg-secret")
	if err != nil {
		t.Fatalf("SealDurable: %v", err)
	}
	defer sealed.Close()
	secret := []byte(`{"xpriv":"private key material"}`)
	if err := sealed.Put(ctx, "alice/identity", secret); err != nil {
		t.Fatalf("Put: %v", err)
	}

	raw, ok, err := inner.Get(ctx, "alice/identity")
	if err != nil || !ok {
		t.Fatalf("inner Get() = %v, %v", ok, err)
	}
	if bytes.Contains(raw, []byte("private key material")) {
		t.Error("durable value stored in plaintext")
	}
	got, _, err := sealed.Get(ctx, "alice/identity")
	if err != nil || !bytes.Equal(got, secret) {
		t.Errorf("sealed Get() = %q, %v; want the original value", got, err)
	}
}
