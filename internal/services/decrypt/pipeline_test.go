package decrypt_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cipherlink/internal/domain"
	"cipherlink/internal/services/decrypt"
	"cipherlink/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDevice struct {
	mu  sync.Mutex
	reg *domain.DeviceRegistration
}

func (d *fakeDevice) Current() (domain.DeviceRegistration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reg == nil {
		return domain.DeviceRegistration{}, false
	}
	return *d.reg, true
}

func (d *fakeDevice) set(username domain.Username, id domain.DeviceID) {
	d.mu.Lock()
	d.reg = &domain.DeviceRegistration{Username: username, DeviceID: id}
	d.mu.Unlock()
}

// fakeSource serves one envelope per message id from bob.1.
type fakeSource struct {
	calls   atomic.Int32
	missing map[string]bool
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (s *fakeSource) Ciphertext(ctx context.Context, messageID string, deviceID domain.DeviceID) (domain.DeviceCiphertext, error) {
	s.calls.Add(1)
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return domain.DeviceCiphertext{}, ctx.Err()
		}
	}
	if s.missing[messageID] {
		return domain.DeviceCiphertext{}, &domain.MissingCiphertextError{MessageID: messageID, DeviceID: deviceID}
	}
	if s.err != nil {
		return domain.DeviceCiphertext{}, s.err
	}
	return domain.DeviceCiphertext{
		TargetDeviceID: deviceID,
		SenderUsername: "bob",
		SenderDeviceID: 1,
		Ciphertext:     "ct:" + messageID,
		MessageType:    domain.MessageTypeWhisper,
	}, nil
}

// fakeSessions decrypts "ct:<id>" to "pt:<id>" unless errs holds queued
// failures for that id. With once set, a ciphertext opens a single time and
// later attempts fail the way a ratchet rejects a replayed counter.
type fakeSessions struct {
	mu      sync.Mutex
	errs    map[string][]error
	once    bool
	opened  map[string]bool
	calls   int
	deleted []domain.Address
	gate    chan struct{}
	entered chan struct{}
}

func (s *fakeSessions) DecryptMessage(_ context.Context, sender domain.Address, ciphertext string, _ domain.MessageType) (domain.DecryptedMessage, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	id := strings.TrimPrefix(ciphertext, "ct:")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if q := s.errs[id]; len(q) > 0 {
		s.errs[id] = q[1:]
		return domain.DecryptedMessage{}, q[0]
	}
	if s.once {
		if s.opened[id] {
			return domain.DecryptedMessage{}, errors.New("counter was repeated")
		}
		s.opened[id] = true
	}
	return domain.DecryptedMessage{Sender: sender, Plaintext: []byte("pt:" + id)}, nil
}

func (s *fakeSessions) DeleteSession(_ context.Context, addr domain.Address) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, addr)
	s.mu.Unlock()
	return nil
}

func (s *fakeSessions) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSessions) deletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deleted)
}

type harness struct {
	clock    *clock
	device   *fakeDevice
	source   *fakeSource
	sessions *fakeSessions
	blobs    *store.KeyStore
	pipe     *decrypt.Pipeline
}

func newHarness(t *testing.T, opts ...decrypt.Option) *harness {
	t.Helper()
	h := &harness{
		clock:    newClock(),
		device:   &fakeDevice{},
		source:   &fakeSource{missing: map[string]bool{}},
		sessions: &fakeSessions{errs: map[string][]error{}, opened: map[string]bool{}},
		blobs:    store.NewKeyStore("alice", store.NewMemoryTier(), nil),
	}
	h.device.set("alice", 1)
	h.pipe = h.newPipeline(opts...)
	t.Cleanup(func() { _ = h.pipe.Close() })
	return h
}

func (h *harness) newPipeline(opts ...decrypt.Option) *decrypt.Pipeline {
	opts = append([]decrypt.Option{decrypt.WithClock(h.clock.Now)}, opts...)
	return decrypt.New(h.sessions, h.source, h.device, h.blobs, opts...)
}

func received(id string) decrypt.Message {
	return decrypt.Message{ID: id, Encrypted: true}
}

func (h *harness) decrypt(t *testing.T, msg decrypt.Message) decrypt.Result {
	t.Helper()
	res, err := h.pipe.Decrypt(context.Background(), msg)
	if err != nil {
		t.Fatalf("Decrypt(%s): %v", msg.ID, err)
	}
	return res
}

func (h *harness) savedEntries(t *testing.T) []json.RawMessage {
	t.Helper()
	raw, ok, err := h.blobs.LoadBlob(context.Background(), decrypt.CacheKey("alice", 1))
	if err != nil || !ok {
		t.Fatalf("LoadBlob() = %v, %v", ok, err)
	}
	var pl struct {
		Version int               `json:"version"`
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(raw, &pl); err != nil {
		t.Fatalf("unmarshal cache blob: %v", err)
	}
	if pl.Version != 1 {
		t.Errorf("payload version = %d, want 1", pl.Version)
	}
	return pl.Entries
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		user domain.Username
		dev  domain.DeviceID
		want string
	}{
		{"Alice", 3, "signal_decrypted_messages:alice:3:signal-v2"},
		{"bob", 0, "signal_decrypted_messages:bob:nodevice:signal-v2"},
		{"", 0, "signal_decrypted_messages:anonymous:nodevice:signal-v2"},
	}
	for _, tt := range tests {
		if got := decrypt.CacheKey(tt.user, tt.dev); got != tt.want {
			t.Errorf("CacheKey(%q, %d) = %q, want %q", tt.user, tt.dev, got, tt.want)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("Bad MAC"), true},
		{fmt.Errorf("decrypt from bob.1: %w", errors.New("counter was repeated")), true},
		{errors.New("message key not found: too many skipped messages"), true},
		{errors.New("no session for device"), true},
		{errors.New("invalid ciphertext: short"), true},
		{&domain.MissingCiphertextError{MessageID: "m", DeviceID: 1}, true},
		{&domain.SessionCorruptionError{Err: errors.New("eof")}, true},
		{&domain.TransientError{Op: "GET", Err: errors.New("connection refused")}, false},
		{context.DeadlineExceeded, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := decrypt.IsPermanent(tt.err); got != tt.want {
			t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDecrypt_Unencrypted(t *testing.T) {
	h := newHarness(t)
	res := h.decrypt(t, decrypt.Message{ID: "1", Text: "plain"})
	if res.Text != "plain" || res.State != decrypt.StateDecrypted {
		t.Errorf("Decrypt() = %+v, want plain text passed through", res)
	}
	if n := h.source.calls.Load(); n != 0 {
		t.Errorf("source called %d times", n)
	}
}

func TestDecrypt_SuccessIsCached(t *testing.T) {
	h := newHarness(t)

	res := h.decrypt(t, received("m1"))
	if res.Text != "pt:m1" || res.State != decrypt.StateDecrypted || res.FromCache {
		t.Fatalf("Decrypt() = %+v, want fresh plaintext", res)
	}
	res = h.decrypt(t, received("m1"))
	if !res.FromCache || res.Text != "pt:m1" {
		t.Errorf("second Decrypt() = %+v, want cache hit", res)
	}
	if n := h.sessions.callCount(); n != 1 {
		t.Errorf("session decrypts = %d, want 1", n)
	}

	if err := h.pipe.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	h.source.err = errors.New("must not be fetched")
	reloaded := h.newPipeline()
	defer reloaded.Close()
	res, err := reloaded.Decrypt(context.Background(), received("m1"))
	if err != nil || !res.FromCache || res.Text != "pt:m1" {
		t.Errorf("Decrypt() after reload = %+v, %v, want persisted plaintext", res, err)
	}
}

func TestDecrypt_NotInitialized(t *testing.T) {
	h := newHarness(t)
	h.device.reg = nil

	res := h.decrypt(t, received("m1"))
	if res.Text != decrypt.NotInitializedText || res.State != decrypt.StateFailed || res.Permanent {
		t.Errorf("Decrypt() = %+v, want transient not-initialized", res)
	}
	if !h.pipe.ShouldRetry("m1", res.Text) {
		t.Error("ShouldRetry() = false for an uninitialized device")
	}
	if n := h.source.calls.Load(); n != 0 {
		t.Errorf("source called %d times", n)
	}
}

func TestDecrypt_MissingCiphertext(t *testing.T) {
	h := newHarness(t)
	h.source.missing["m1"] = true
	h.source.missing["m2"] = true

	res := h.decrypt(t, received("m1"))
	if res.Text != decrypt.NotForDeviceText || !res.Permanent {
		t.Errorf("Decrypt(received) = %+v, want permanent %q", res, decrypt.NotForDeviceText)
	}

	sent := decrypt.Message{ID: "m2", Sent: true, Encrypted: true}
	res = h.decrypt(t, sent)
	if res.Text != decrypt.SentCacheClearedText || !res.Permanent {
		t.Errorf("Decrypt(sent) = %+v, want permanent %q", res, decrypt.SentCacheClearedText)
	}
	if h.pipe.ShouldRetry("m2", res.Text) {
		t.Error("ShouldRetry() = true for a permanent failure")
	}
}

func TestDecrypt_SentFromOtherOwnDevice(t *testing.T) {
	h := newHarness(t)
	sent := decrypt.Message{ID: "m1", Sent: true, Encrypted: true}

	res := h.decrypt(t, sent)
	if res.Text != "pt:m1" || res.State != decrypt.StateDecrypted {
		t.Errorf("Decrypt(sent) = %+v, want the fanned-out copy decrypted", res)
	}
}

func TestCacheSentPlaintext(t *testing.T) {
	h := newHarness(t)
	if err := h.pipe.CacheSentPlaintext(context.Background(), "m1", "hello"); err != nil {
		t.Fatalf("CacheSentPlaintext: %v", err)
	}
	if got := len(h.savedEntries(t)); got != 1 {
		t.Errorf("persisted entries = %d, want 1 without waiting for the debounce", got)
	}

	res := h.decrypt(t, decrypt.Message{ID: "m1", Sent: true, Encrypted: true})
	if res.Text != "hello" || !res.FromCache {
		t.Errorf("Decrypt(sent) = %+v, want cached plaintext", res)
	}
	if n := h.source.calls.Load(); n != 0 {
		t.Errorf("source called %d times", n)
	}
}

func TestDecrypt_PermanentFailureResetsSessionWithCooldown(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"m1", "m2", "m3"} {
		h.sessions.errs[id] = []error{errors.New("bad mac")}
	}

	for _, id := range []string{"m1", "m2"} {
		res := h.decrypt(t, received(id))
		if res.Text != decrypt.SessionMismatchText || !res.Permanent {
			t.Errorf("Decrypt(%s) = %+v, want permanent session mismatch", id, res)
		}
	}
	if n := h.sessions.deletedCount(); n != 1 {
		t.Errorf("session resets = %d, want 1 within the cooldown", n)
	}

	h.clock.Advance(decrypt.SessionResetCooldown + time.Second)
	h.decrypt(t, received("m3"))
	if n := h.sessions.deletedCount(); n != 2 {
		t.Errorf("session resets = %d, want 2 after the cooldown", n)
	}

	// Permanent failures answer from the record without another attempt.
	before := h.sessions.callCount()
	res := h.decrypt(t, received("m1"))
	if res.Text != decrypt.SessionMismatchText || h.sessions.callCount() != before {
		t.Errorf("Decrypt(m1) again = %+v, decrypts %d -> %d", res, before, h.sessions.callCount())
	}
}

func TestDecrypt_TransientFailureHeldThenRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sessions.errs["m1"] = []error{errors.New("storage unavailable")}

	res := h.decrypt(t, received("m1"))
	if res.State != decrypt.StateFailed || res.Permanent || res.Text != "[🔒 Decryption failed: storage unavailable]" {
		t.Fatalf("Decrypt() = %+v, want transient failure", res)
	}

	res = h.decrypt(t, received("m1"))
	if res.State != decrypt.StatePending {
		t.Errorf("Decrypt() inside retry window = %+v, want pending", res)
	}
	msgs := []decrypt.Message{received("m1"), received("m1")}
	if got, err := h.pipe.RetryFailedDecrypts(ctx, msgs); err != nil || len(got) != 0 {
		t.Errorf("RetryFailedDecrypts() before the window = %+v, %v, want nothing", got, err)
	}
	if n := h.sessions.callCount(); n != 1 {
		t.Errorf("session decrypts = %d, want 1", n)
	}

	h.clock.Advance(decrypt.RetryDelay)
	got, err := h.pipe.RetryFailedDecrypts(ctx, msgs)
	if err != nil {
		t.Fatalf("RetryFailedDecrypts: %v", err)
	}
	if len(got) != 1 || got[0].Text != "pt:m1" || got[0].State != decrypt.StateDecrypted {
		t.Errorf("RetryFailedDecrypts() = %+v, want m1 decrypted once", got)
	}
	if _, failed := h.pipe.Failure("m1"); failed {
		t.Error("failure record survived a successful retry")
	}
}

func TestRetryFailedDecrypts_SkipsPermanent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sessions.errs["m1"] = []error{errors.New("counter was repeated")}
	h.decrypt(t, received("m1"))

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		got, err := h.pipe.RetryFailedDecrypts(ctx, []decrypt.Message{received("m1")})
		if err != nil || len(got) != 0 {
			t.Errorf("RetryFailedDecrypts() = %+v, %v, want nothing", got, err)
		}
	}
	if n := h.sessions.callCount(); n != 1 {
		t.Errorf("session decrypts = %d, want 1", n)
	}
}

func TestCache_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := 0; i <= decrypt.CacheSize; i++ {
		if err := h.pipe.CacheSentPlaintext(ctx, fmt.Sprint(i), "x"); err != nil {
			t.Fatalf("CacheSentPlaintext: %v", err)
		}
	}
	entries := h.savedEntries(t)
	if len(entries) != decrypt.CacheSize {
		t.Fatalf("persisted entries = %d, want %d", len(entries), decrypt.CacheSize)
	}
	var first []json.RawMessage
	if err := json.Unmarshal(entries[0], &first); err != nil || string(first[0]) != `"1"` {
		t.Errorf("oldest persisted entry = %s, want id 1", entries[0])
	}

	// Re-inserting an old id moves it to the newest slot.
	if err := h.pipe.CacheSentPlaintext(ctx, "1", "y"); err != nil {
		t.Fatalf("CacheSentPlaintext: %v", err)
	}
	if err := h.pipe.CacheSentPlaintext(ctx, "fresh", "z"); err != nil {
		t.Fatalf("CacheSentPlaintext: %v", err)
	}
	res := h.decrypt(t, decrypt.Message{ID: "1", Sent: true, Encrypted: true})
	if !res.FromCache || res.Text != "y" {
		t.Errorf("Decrypt(1) = %+v, want it kept after re-insertion", res)
	}

}

func TestCache_FailuresDoNotEvictPlaintext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := 0; i < decrypt.CacheSize; i++ {
		if err := h.pipe.CacheSentPlaintext(ctx, fmt.Sprintf("s%d", i), "mine"); err != nil {
			t.Fatalf("CacheSentPlaintext: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("gone%d", i)
		h.source.missing[id] = true
		h.decrypt(t, received(id))
	}
	h.sessions.errs["bad"] = []error{errors.New("bad mac")}
	h.decrypt(t, received("bad"))

	res := h.decrypt(t, decrypt.Message{ID: "s0", Sent: true, Encrypted: true})
	if res.Text != "mine" || !res.FromCache {
		t.Errorf("Decrypt(s0) = %+v, want the oldest sent plaintext still cached", res)
	}
	if err := h.pipe.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	entries := h.savedEntries(t)
	if len(entries) != decrypt.CacheSize {
		t.Errorf("persisted entries = %d, want %d", len(entries), decrypt.CacheSize)
	}
	for _, e := range entries {
		if strings.Contains(string(e), `"error":true`) {
			t.Errorf("error entry persisted: %s", e)
		}
	}
}

func TestDecrypt_AdoptsPlaintextFromCaller(t *testing.T) {
	h := newHarness(t)
	h.source.err = errors.New("must not be fetched")

	res := h.decrypt(t, decrypt.Message{ID: "m1", Encrypted: true, Text: "already shown"})
	if res.Text != "already shown" || res.State != decrypt.StateDecrypted {
		t.Fatalf("Decrypt() = %+v, want the caller's plaintext", res)
	}
	if res := h.decrypt(t, received("m1")); !res.FromCache || res.Text != "already shown" {
		t.Errorf("Decrypt() without text = %+v, want it served from the cache", res)
	}

	// Placeholders are not plaintext.
	h.source.err = nil
	res = h.decrypt(t, decrypt.Message{ID: "m2", Encrypted: true, Text: decrypt.PendingText})
	if res.Text != "pt:m2" {
		t.Errorf("Decrypt(placeholder) = %+v, want a real decrypt", res)
	}
}

func TestShouldRetry(t *testing.T) {
	h := newHarness(t)
	h.source.missing["gone"] = true
	h.decrypt(t, received("gone"))

	tests := []struct {
		id, text string
		want     bool
	}{
		{"gone", decrypt.NotForDeviceText, false},
		{"other", decrypt.PendingText, true},
		{"other", decrypt.NotInitializedText, true},
		{"other", "[🔒 Decryption failed: timeout]", true},
		{"other", decrypt.SessionMismatchText, false},
		{"other", "hello", false},
	}
	for _, tt := range tests {
		if got := h.pipe.ShouldRetry(tt.id, tt.text); got != tt.want {
			t.Errorf("ShouldRetry(%q, %q) = %v, want %v", tt.id, tt.text, got, tt.want)
		}
	}
}

func TestPersistIsDebounced(t *testing.T) {
	h := newHarness(t, decrypt.WithDebounce(20*time.Millisecond))
	h.decrypt(t, received("m1"))

	key := decrypt.CacheKey("alice", 1)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := h.blobs.LoadBlob(context.Background(), key); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced write never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReset_SwitchesIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.decrypt(t, received("m1"))

	h.device.set("alice", 2)
	h.pipe.Reset(ctx, "alice", 2)
	before := h.source.calls.Load()
	res := h.decrypt(t, received("m1"))
	if res.FromCache || h.source.calls.Load() != before+1 {
		t.Errorf("Decrypt() after identity switch = %+v, want a fresh fetch", res)
	}

	h.device.set("alice", 1)
	res = h.decrypt(t, received("m1"))
	if !res.FromCache {
		t.Errorf("Decrypt() back on the first identity = %+v, want its persisted cache", res)
	}
}

func TestDecrypt_SupersededResultDiscarded(t *testing.T) {
	h := newHarness(t)
	h.sessions.gate = make(chan struct{})
	h.sessions.entered = make(chan struct{}, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := h.pipe.Decrypt(context.Background(), received("m1"))
		errc <- err
	}()
	<-h.sessions.entered
	h.pipe.Reset(context.Background(), "alice", 1)
	close(h.sessions.gate)

	if err := <-errc; !errors.Is(err, decrypt.ErrSuperseded) {
		t.Fatalf("Decrypt() error = %v, want ErrSuperseded", err)
	}
	h.sessions.entered = nil
	if res := h.decrypt(t, received("m1")); res.FromCache {
		t.Errorf("superseded plaintext was cached: %+v", res)
	}
}

func TestDecrypt_CancelledContext(t *testing.T) {
	h := newHarness(t)
	h.source.gate = make(chan struct{})
	defer close(h.source.gate)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.pipe.Decrypt(ctx, received("m1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Decrypt() error = %v, want context.Canceled", err)
	}
	if _, failed := h.pipe.Failure("m1"); failed {
		t.Error("cancelled decrypt recorded a failure")
	}
}

func TestDecrypt_CallerLeavesMidFlight(t *testing.T) {
	h := newHarness(t)
	h.sessions.gate = make(chan struct{})
	h.sessions.entered = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.pipe.Decrypt(ctx, received("m1"))
		errc <- err
	}()
	<-h.sessions.entered
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Decrypt() error = %v, want context.Canceled", err)
	}
	close(h.sessions.gate)

	// The attempt finishes on its own and its plaintext is kept.
	if res := h.decrypt(t, received("m1")); res.Text != "pt:m1" {
		t.Errorf("Decrypt() after cancel = %+v, want pt:m1", res)
	}
	if n := h.sessions.callCount(); n != 1 {
		t.Errorf("session decrypts = %d, want 1", n)
	}
}

func TestDecrypt_ConcurrentFetchesShared(t *testing.T) {
	h := newHarness(t)
	h.source.gate = make(chan struct{})
	h.source.started = make(chan struct{}, 1)

	var wg sync.WaitGroup
	results := make([]decrypt.Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = h.pipe.Decrypt(context.Background(), received("m1"))
		}()
	}
	<-h.source.started
	time.Sleep(50 * time.Millisecond)
	close(h.source.gate)
	wg.Wait()

	if n := h.source.calls.Load(); n != 1 {
		t.Errorf("ciphertext fetches = %d, want 1", n)
	}
	for i, r := range results {
		if r.Text != "pt:m1" {
			t.Errorf("results[%d] = %+v", i, r)
		}
	}
}

func TestDecrypt_ConcurrentCallersKeepSession(t *testing.T) {
	h := newHarness(t)
	h.sessions.once = true
	h.sessions.gate = make(chan struct{})
	h.sessions.entered = make(chan struct{}, 4)

	var wg sync.WaitGroup
	results := make([]decrypt.Result, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = h.pipe.Decrypt(context.Background(), received("m1"))
		}()
	}
	<-h.sessions.entered
	time.Sleep(50 * time.Millisecond)
	close(h.sessions.gate)
	wg.Wait()

	for i, r := range results {
		if r.Text != "pt:m1" || r.State != decrypt.StateDecrypted {
			t.Errorf("results[%d] = %+v, want pt:m1", i, r)
		}
	}
	if n := h.sessions.callCount(); n != 1 {
		t.Errorf("session decrypts = %d, want 1", n)
	}
	if n := h.sessions.deletedCount(); n != 0 {
		t.Errorf("session resets = %d, want 0", n)
	}
	if f, failed := h.pipe.Failure("m1"); failed {
		t.Errorf("failure recorded for a decrypted message: %+v", f)
	}
	if res := h.decrypt(t, received("m2")); res.Text != "pt:m2" {
		t.Errorf("next message = %+v, want pt:m2", res)
	}
}

func TestDecrypt_FailureAfterPlaintextKeepsIt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sessions.errs["m1"] = []error{errors.New("counter was repeated")}
	h.sessions.gate = make(chan struct{})
	h.sessions.entered = make(chan struct{}, 1)

	done := make(chan decrypt.Result, 1)
	go func() {
		res, _ := h.pipe.Decrypt(ctx, received("m1"))
		done <- res
	}()
	<-h.sessions.entered
	// Another path learns the plaintext while the decrypt is in flight.
	if err := h.pipe.CacheSentPlaintext(ctx, "m1", "known"); err != nil {
		t.Fatalf("CacheSentPlaintext: %v", err)
	}
	close(h.sessions.gate)

	if res := <-done; res.Text != "known" || res.State != decrypt.StateDecrypted {
		t.Errorf("Decrypt() = %+v, want the cached plaintext", res)
	}
	if n := h.sessions.deletedCount(); n != 0 {
		t.Errorf("session resets = %d, want 0", n)
	}
}
