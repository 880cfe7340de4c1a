package store_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"cipherlink/internal/domain"
	"cipherlink/internal/store"
)

// exerciseTier runs the Tier contract against t.
func exerciseTier(t *testing.T, tier domain.Tier) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := tier.Get(ctx, "alice/identity"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v; want miss", ok, err)
	}
	if err := tier.Put(ctx, "alice/identity", []byte("one")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tier.Put(ctx, "alice/prekey/1", []byte("two")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tier.Put(ctx, "bob/identity", []byte("three")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := tier.Get(ctx, "alice/identity")
	if err != nil || !ok || string(got) != "one" {
		t.Fatalf("Get() = %q, %v, %v; want one", got, ok, err)
	}

	keys, err := tier.Keys(ctx, "alice/")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if want := []string{"alice/identity", "alice/prekey/1"}; !reflect.DeepEqual(keys, want) {
		t.Errorf("Keys() = %v, want %v", keys, want)
	}

	if err := tier.Delete(ctx, "alice/identity"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := tier.Delete(ctx, "alice/identity"); err != nil {
		t.Fatalf("Delete(missing): %v", err)
	}
	if _, ok, _ := tier.Get(ctx, "alice/identity"); ok {
		t.Error("value survived Delete")
	}
}

func TestMemoryTier(t *testing.T) {
	exerciseTier(t, store.NewMemoryTier())
}

func TestMemoryTier_CopiesValues(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryTier()
	v := []byte("abc")
	_ = m.Put(ctx, "k", v)
	v[0] = 'x'
	got, _, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("Get() = %q, want abc", got)
	}
}

func TestFileTier(t *testing.T) {
	exerciseTier(t, store.NewFileTier(t.TempDir(), "keys.json"))
}

func TestFileTier_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	if err := store.NewFileTier(dir, "keys.json").Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := store.NewFileTier(dir, "keys.json").Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get() after reopen = %q, %v, %v", got, ok, err)
	}
}

func TestSealedTier(t *testing.T) {
	sealed, err := store.OpenSealedTier(context.Background(), store.NewMemoryTier(), "correct horse")
	if err != nil {
		t.Fatalf("OpenSealedTier: %v", err)
	}
	defer sealed.Close()
	exerciseTier(t, sealed)
}

func TestSealedTier_EncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemoryTier()
	sealed, err := store.OpenSealedTier(ctx, inner, "pw")
	if err != nil {
		t.Fatalf("OpenSealedTier: %v", err)
	}
	if err := sealed.Put(ctx, "k", []byte("secret value")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	raw, _, _ := inner.Get(ctx, "k")
	if string(raw) == "secret value" {
		t.Fatal("value stored in plaintext")
	}

	// Moving a sealed value under another key must not open.
	_ = inner.Put(ctx, "other", raw)
	if _, _, err := sealed.Get(ctx, "other"); !errors.Is(err, store.ErrWrongPassphrase) {
		t.Errorf("Get(swapped) error = %v, want ErrWrongPassphrase", err)
	}

	keys, _ := sealed.Keys(ctx, "")
	for _, k := range keys {
		if k == "_vault/header" {
			t.Error("Keys() exposes the vault header")
		}
	}
}

func TestSealedTier_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemoryTier()
	if _, err := store.OpenSealedTier(ctx, inner, "right"); err != nil {
		t.Fatalf("OpenSealedTier: %v", err)
	}
	if _, err := store.OpenSealedTier(ctx, inner, "wrong"); !errors.Is(err, store.ErrWrongPassphrase) {
		t.Fatalf("OpenSealedTier(wrong) error = %v, want ErrWrongPassphrase", err)
	}
	if _, err := store.OpenSealedTier(ctx, inner, "right"); err != nil {
		t.Fatalf("OpenSealedTier(right) reopen: %v", err)
	}
}

func TestSealedTier_EmptyPassphrase(t *testing.T) {
	if _, err := store.OpenSealedTier(context.Background(), store.NewMemoryTier(), ""); err == nil {
		t.Fatal("OpenSealedTier(\"\") succeeded, want error")
	}
}
