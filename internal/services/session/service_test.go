package session_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cipherlink/internal/domain"
	"cipherlink/internal/relay"
	"cipherlink/internal/relay/server"
	"cipherlink/internal/services/device"
	"cipherlink/internal/services/session"
	"cipherlink/internal/store"
)

type node struct {
	ks       *store.KeyStore
	client   *relay.Client
	registry *device.Registry
	sessions *session.Service
	reg      domain.DeviceRegistration
}

func newNode(t *testing.T, url string, username domain.Username, opts ...session.Option) *node {
	t.Helper()
	client, err := relay.New(url, username, relay.WithRetry(nil))
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	n := &node{
		ks:     store.NewKeyStore(username, store.NewMemoryTier(), store.NewMemoryTier()),
		client: client,
	}
	n.registry = device.New(n.ks, client, device.OnDeviceID(client.SetDeviceID))
	if n.reg, err = n.registry.Init(context.Background()); err != nil {
		t.Fatalf("Init(%s): %v", username, err)
	}
	n.sessions = session.New(n.ks, n.registry, client, opts...)
	return n
}

func (n *node) address() domain.Address { return n.reg.Address() }

func (n *node) decrypt(t *testing.T, ct domain.DeviceCiphertext) string {
	t.Helper()
	sender := domain.NewAddress(ct.SenderUsername, ct.SenderDeviceID)
	msg, err := n.sessions.DecryptMessage(context.Background(), sender, ct.Ciphertext, ct.MessageType)
	if err != nil {
		t.Fatalf("%s DecryptMessage from %s: %v", n.address(), sender, err)
	}
	return string(msg.Plaintext)
}

func newServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	srv := server.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func byTarget(cts []domain.DeviceCiphertext) map[domain.Address]domain.DeviceCiphertext {
	out := make(map[domain.Address]domain.DeviceCiphertext, len(cts))
	for _, ct := range cts {
		out[domain.NewAddress(ct.TargetUsername, ct.TargetDeviceID)] = ct
	}
	return out
}

func TestFanOut_RecipientAndOwnDevices(t *testing.T) {
	ctx := context.Background()
	_, url := newServer(t)

	alice1 := newNode(t, url, "alice")
	alice2 := newNode(t, url, "alice")
	bob1 := newNode(t, url, "bob")
	bob2 := newNode(t, url, "bob")

	res, err := alice1.sessions.EncryptForMultipleDevices(ctx, "bob", []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptForMultipleDevices: %v", err)
	}
	if res.MessageID == "" {
		t.Error("MessageID is empty")
	}
	if len(res.FailedDevices) != 0 {
		t.Fatalf("FailedDevices = %+v, want none", res.FailedDevices)
	}
	if len(res.Ciphertexts) != 3 {
		t.Fatalf("len(Ciphertexts) = %d, want 3 (bob.1, bob.2, alice.2)", len(res.Ciphertexts))
	}

	cts := byTarget(res.Ciphertexts)
	if _, ok := cts[alice1.address()]; ok {
		t.Error("sender's own device received a copy")
	}
	for _, n := range []*node{bob1, bob2, alice2} {
		ct, ok := cts[n.address()]
		if !ok {
			t.Fatalf("no ciphertext for %s", n.address())
		}
		if ct.MessageType != domain.MessageTypePreKey {
			t.Errorf("%s MessageType = %d, want %d", n.address(), ct.MessageType, domain.MessageTypePreKey)
		}
		if got := n.decrypt(t, ct); got != "hello" {
			t.Errorf("%s decrypted %q, want hello", n.address(), got)
		}
	}

	// Bob replies; alice's first device now holds a full session.
	reply, err := bob1.sessions.EncryptMessage(ctx, alice1.address(), []byte("hi"))
	if err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}
	if reply.MessageType != domain.MessageTypeWhisper {
		t.Errorf("reply MessageType = %d, want %d", reply.MessageType, domain.MessageTypeWhisper)
	}
	if got := alice1.decrypt(t, reply); got != "hi" {
		t.Errorf("alice decrypted %q, want hi", got)
	}
}

func TestFanOut_NoDevices(t *testing.T) {
	_, url := newServer(t)
	alice := newNode(t, url, "alice")

	res, err := alice.sessions.EncryptForMultipleDevices(context.Background(), "nobody", []byte("x"))
	if err != nil {
		t.Fatalf("EncryptForMultipleDevices: %v", err)
	}
	if len(res.Ciphertexts) != 0 {
		t.Errorf("Ciphertexts = %v, want none", res.Ciphertexts)
	}
	want := domain.DeviceFailure{DeviceID: 0, Error: "Recipient has no registered devices"}
	if len(res.FailedDevices) != 1 || res.FailedDevices[0] != want {
		t.Errorf("FailedDevices = %+v, want [%+v]", res.FailedDevices, want)
	}
}

func TestFanOut_ToSelfSkipsCurrentDevice(t *testing.T) {
	_, url := newServer(t)
	alice1 := newNode(t, url, "alice")
	alice2 := newNode(t, url, "alice")

	res, err := alice1.sessions.EncryptForMultipleDevices(context.Background(), "alice", []byte("note"))
	if err != nil {
		t.Fatalf("EncryptForMultipleDevices: %v", err)
	}
	if len(res.Ciphertexts) != 1 || res.Ciphertexts[0].TargetDeviceID != alice2.reg.DeviceID {
		t.Fatalf("Ciphertexts = %+v, want only alice.%d", res.Ciphertexts, alice2.reg.DeviceID)
	}
}

func TestFanOut_PartialFailure(t *testing.T) {
	ctx := context.Background()
	srv, url := newServer(t)
	alice := newNode(t, url, "alice")
	bob1 := newNode(t, url, "bob")
	bob2 := newNode(t, url, "bob")

	srv.FailNext("/prekey-bundle/bob/"+bob2.reg.DeviceID.String(), http.StatusInternalServerError, 1)
	res, err := alice.sessions.EncryptForMultipleDevices(ctx, "bob", []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptForMultipleDevices: %v", err)
	}
	if len(res.FailedDevices) != 1 || res.FailedDevices[0].DeviceID != bob2.reg.DeviceID {
		t.Fatalf("FailedDevices = %+v, want bob.%d", res.FailedDevices, bob2.reg.DeviceID)
	}
	ct, ok := byTarget(res.Ciphertexts)[bob1.address()]
	if !ok {
		t.Fatal("bob.1 missing from the fan-out")
	}
	if got := bob1.decrypt(t, ct); got != "hello" {
		t.Errorf("decrypted %q, want hello", got)
	}
}

func TestBuildSession_ExistingSessionIsNoOp(t *testing.T) {
	ctx := context.Background()
	_, url := newServer(t)
	alice := newNode(t, url, "alice")
	bob := newNode(t, url, "bob")

	if err := alice.sessions.BuildSession(ctx, bob.address()); err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	before, _ := bob.client.PreKeyCount(ctx, bob.reg.DeviceID)
	for i := 0; i < 3; i++ {
		if err := alice.sessions.BuildSession(ctx, bob.address()); err != nil {
			t.Fatalf("BuildSession: %v", err)
		}
	}
	after, _ := bob.client.PreKeyCount(ctx, bob.reg.DeviceID)
	if after != before {
		t.Errorf("prekey count %d -> %d, want unchanged", before, after)
	}
}

func TestBuildSession_FallsBackToCachedBundle(t *testing.T) {
	ctx := context.Background()
	srv, url := newServer(t)
	alice := newNode(t, url, "alice")
	bob := newNode(t, url, "bob")

	if err := alice.sessions.BuildSession(ctx, bob.address()); err != nil {
		t.Fatalf("BuildSession: %v", err)
	}
	if err := alice.sessions.DeleteSession(ctx, bob.address()); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	srv.FailNext("/prekey-bundle/", http.StatusServiceUnavailable, 1)
	ct, err := alice.sessions.EncryptMessage(ctx, bob.address(), []byte("offline"))
	if err != nil {
		t.Fatalf("EncryptMessage with cached bundle: %v", err)
	}
	if got := bob.decrypt(t, ct); got != "offline" {
		t.Errorf("decrypted %q, want offline", got)
	}
}

func TestBuildSession_NoBundle(t *testing.T) {
	srv, url := newServer(t)
	alice := newNode(t, url, "alice")
	bob := newNode(t, url, "bob")

	srv.FailNext("/prekey-bundle/", http.StatusServiceUnavailable, 1)
	err := alice.sessions.BuildSession(context.Background(), bob.address())
	if !errors.Is(err, domain.ErrNoPreKeyBundle) {
		t.Fatalf("BuildSession() error = %v, want ErrNoPreKeyBundle", err)
	}

	err = alice.sessions.BuildSession(context.Background(), domain.NewAddress("bob", 99))
	if !errors.Is(err, domain.ErrNoPreKeyBundle) {
		t.Fatalf("BuildSession(unknown device) error = %v, want ErrNoPreKeyBundle", err)
	}
}

func TestEncryptMessage_SerialisedPerAddress(t *testing.T) {
	ctx := context.Background()
	_, url := newServer(t)
	alice := newNode(t, url, "alice")
	bob := newNode(t, url, "bob")

	const n = 10
	cts := make([]domain.DeviceCiphertext, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cts[i], errs[i] = alice.sessions.EncryptMessage(ctx, bob.address(), []byte("m"))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("EncryptMessage[%d]: %v", i, errs[i])
		}
		if got := bob.decrypt(t, cts[i]); got != "m" {
			t.Errorf("message %d = %q", i, got)
		}
	}
	if count, _ := bob.client.PreKeyCount(ctx, bob.reg.DeviceID); count != device.PreKeyCount-1 {
		t.Errorf("prekey count = %d, want exactly one consumed", count)
	}
}

func TestDecryptMessage_InvalidBase64(t *testing.T) {
	_, url := newServer(t)
	alice := newNode(t, url, "alice")

	_, err := alice.sessions.DecryptMessage(context.Background(), domain.NewAddress("bob", 1), "%%%", domain.MessageTypeWhisper)
	if err == nil {
		t.Fatal("DecryptMessage accepted invalid base64")
	}
}

func TestDeleteAllSessionsForUser(t *testing.T) {
	ctx := context.Background()
	_, url := newServer(t)
	alice := newNode(t, url, "alice")
	bob1 := newNode(t, url, "bob")
	bob2 := newNode(t, url, "bob")
	carol := newNode(t, url, "carol")

	for _, n := range []*node{bob1, bob2, carol} {
		if err := alice.sessions.BuildSession(ctx, n.address()); err != nil {
			t.Fatalf("BuildSession: %v", err)
		}
	}
	if err := alice.sessions.DeleteAllSessionsForUser(ctx, "bob"); err != nil {
		t.Fatalf("DeleteAllSessionsForUser: %v", err)
	}
	for _, n := range []*node{bob1, bob2} {
		if ok, _ := alice.sessions.HasSession(ctx, n.address()); ok {
			t.Errorf("session with %s survived", n.address())
		}
	}
	if ok, _ := alice.sessions.HasSession(ctx, carol.address()); !ok {
		t.Error("session with carol was removed")
	}
}

func TestIdentityChangeIsReportedAndTrusted(t *testing.T) {
	ctx := context.Background()
	_, url := newServer(t)
	alice := newNode(t, url, "alice")
	bob := newNode(t, url, "bob")

	if err := alice.sessions.BuildSession(ctx, bob.address()); err != nil {
		t.Fatalf("BuildSession: %v", err)
	}

	// A second directory where bob.1 carries a different identity.
	_, otherURL := newServer(t)
	imposter := newNode(t, otherURL, "bob")
	if imposter.address() != bob.address() {
		t.Fatalf("imposter address = %s, want %s", imposter.address(), bob.address())
	}
	client, err := relay.New(otherURL, "alice", relay.WithRetry(nil))
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	registry := device.New(alice.ks, client, device.OnDeviceID(client.SetDeviceID))
	if _, err := registry.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var (
		mu      sync.Mutex
		changed []domain.Address
	)
	svc := session.New(alice.ks, registry, client, session.OnIdentityChanged(func(a domain.Address) {
		mu.Lock()
		changed = append(changed, a)
		mu.Unlock()
	}))
	if err := svc.DeleteSession(ctx, bob.address()); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	ct, err := svc.EncryptMessage(ctx, bob.address(), []byte("who are you"))
	if err != nil {
		t.Fatalf("EncryptMessage after identity change: %v", err)
	}
	if got := imposter.decrypt(t, ct); got != "who are you" {
		t.Errorf("decrypted %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changed) != 1 || changed[0] != bob.address() {
		t.Errorf("identity changes reported = %v, want [%s]", changed, bob.address())
	}
}

func TestStoreCiphertexts(t *testing.T) {
	ctx := context.Background()
	_, url := newServer(t)
	alice := newNode(t, url, "alice")
	bob := newNode(t, url, "bob")

	res, err := alice.sessions.EncryptForMultipleDevices(ctx, "bob", []byte("stored"))
	if err != nil {
		t.Fatalf("EncryptForMultipleDevices: %v", err)
	}
	if err := alice.sessions.StoreCiphertexts(ctx, res); err != nil {
		t.Fatalf("StoreCiphertexts: %v", err)
	}
	ct, err := bob.client.Ciphertext(ctx, res.MessageID, bob.reg.DeviceID)
	if err != nil {
		t.Fatalf("Ciphertext: %v", err)
	}
	if got := bob.decrypt(t, ct); got != "stored" {
		t.Errorf("decrypted %q, want stored", got)
	}
}
