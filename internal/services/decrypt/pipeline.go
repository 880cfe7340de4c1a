package decrypt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"cipherlink/internal/domain"
)

const (
	// CacheSize bounds the plaintext cache.
	CacheSize = 400
	// RetryDelay is how long a transient failure is held before a retry.
	RetryDelay = 4 * time.Second
	// SessionResetCooldown rate-limits session invalidation per sender device.
	SessionResetCooldown = 30 * time.Second
	// PersistDebounce coalesces cache writes.
	PersistDebounce = 600 * time.Millisecond
	// DefaultFetchTimeout bounds one ciphertext fetch.
	DefaultFetchTimeout = 5 * time.Second

	retryConcurrency = 4
)

// Placeholder texts shown instead of plaintext.
const (
	PendingText          = "[🔒 Setting up secure session…]"
	NotInitializedText   = "[🔒 Signal: Device not initialized]"
	NotForDeviceText     = "[🔒 Message not encrypted for this device]"
	SessionMismatchText  = "[🔒 Message cannot be decrypted - session mismatch]"
	SentCacheClearedText = "[🔒 Sent message - plaintext cache cleared]"
)

// ErrSuperseded is returned when the local identity changed while a
// decrypt was in flight; its result is dropped.
var ErrSuperseded = errors.New("decrypt superseded by identity switch")

// State is the outcome of one Decrypt call.
type State int

const (
	StateDecrypted State = iota
	StatePending
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDecrypted:
		return "decrypted"
	case StatePending:
		return "pending"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Message is an inbound or outbound chat message as the caller knows it.
type Message struct {
	ID        string
	Sent      bool
	Encrypted bool
	// Text is the body of an unencrypted message, or the text the caller
	// currently shows. A real plaintext here is adopted into the cache.
	Text string
}

// Result is what the caller should display for a message.
type Result struct {
	MessageID string
	Text      string
	State     State
	Permanent bool
	FromCache bool
}

// FailureRecord remembers the last failed attempt for a message.
type FailureRecord struct {
	Reason      string
	Permanent   bool
	LastAttempt time.Time
}

// Decrypter is the part of the session service the pipeline drives.
type Decrypter interface {
	DecryptMessage(ctx context.Context, sender domain.Address, ciphertext string, messageType domain.MessageType) (domain.DecryptedMessage, error)
	DeleteSession(ctx context.Context, addr domain.Address) error
}

// CiphertextSource fetches the envelope addressed to one device.
type CiphertextSource interface {
	Ciphertext(ctx context.Context, messageID string, deviceID domain.DeviceID) (domain.DeviceCiphertext, error)
}

// Device reports the current local registration.
type Device interface {
	Current() (domain.DeviceRegistration, bool)
}

// BlobStore persists the cache.
type BlobStore interface {
	StoreBlob(ctx context.Context, name string, value []byte) error
	LoadBlob(ctx context.Context, name string) ([]byte, bool, error)
}

// Pipeline turns message envelopes into display text.
type Pipeline struct {
	sessions Decrypter
	source   CiphertextSource
	device   Device
	blobs    BlobStore
	log      *zap.Logger
	now      func() time.Time

	fetchTimeout time.Duration
	retryDelay   time.Duration
	cooldown     time.Duration
	debounce     time.Duration

	cache    *lru.Cache[string, CacheEntry]
	decrypts singleflight.Group

	// switchMu serialises identity switches.
	switchMu sync.Mutex

	mu         sync.Mutex
	failures   map[string]FailureRecord
	resetAt    map[string]time.Time
	key        string
	generation uint64
	timer      *time.Timer
	closed     bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides time.Now for retry windows and cooldowns.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// WithFetchTimeout bounds each ciphertext fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.fetchTimeout = d
		}
	}
}

// WithDebounce sets the persistence debounce window.
func WithDebounce(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// New returns a pipeline. The cache of the current device, if any, is
// loaded lazily on first use or by Reset.
func New(sessions Decrypter, source CiphertextSource, device Device, blobs BlobStore, opts ...Option) *Pipeline {
	cache, _ := lru.New[string, CacheEntry](CacheSize)
	p := &Pipeline{
		sessions:     sessions,
		source:       source,
		device:       device,
		blobs:        blobs,
		log:          zap.NewNop(),
		now:          time.Now,
		fetchTimeout: DefaultFetchTimeout,
		retryDelay:   RetryDelay,
		cooldown:     SessionResetCooldown,
		debounce:     PersistDebounce,
		cache:        cache,
		failures:     make(map[string]FailureRecord),
		resetAt:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("decrypt")
	return p
}

// Decrypt resolves msg to display text. The returned error is non-nil only
// when ctx ends or the identity switched mid-flight; decrypt failures are
// reported in the Result.
func (p *Pipeline) Decrypt(ctx context.Context, msg Message) (Result, error) {
	if !msg.Encrypted {
		return Result{MessageID: msg.ID, Text: msg.Text, State: StateDecrypted}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	reg, ready := p.device.Current()
	if ready && reg.DeviceID != 0 {
		p.useIdentity(ctx, reg.Username, reg.DeviceID)
	}

	if res, ok := p.cached(msg.ID); ok {
		return res, nil
	}
	if isPlaintext(msg.Text) {
		p.cache.Add(msg.ID, CacheEntry{Text: msg.Text})
		p.clearFailure(msg.ID)
		p.schedulePersist()
		return Result{MessageID: msg.ID, Text: msg.Text, State: StateDecrypted}, nil
	}
	if res, held := p.heldFailure(msg.ID); held {
		return res, nil
	}
	if !ready || reg.DeviceID == 0 {
		p.recordFailure(msg.ID, NotInitializedText, false)
		return Result{MessageID: msg.ID, Text: NotInitializedText, State: StateFailed}, nil
	}

	// A ciphertext can be decrypted once; callers asking for the same
	// message share one attempt that outlives any single caller.
	gen := p.currentGeneration()
	key := msg.ID + ":" + reg.DeviceID.String() + ":" + strconv.FormatUint(gen, 10)
	ch := p.decrypts.DoChan(key, func() (any, error) {
		return p.decrypt(context.WithoutCancel(ctx), msg, reg.DeviceID, gen)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		return r.Val.(Result), nil
	}
}

// cached answers from a cached plaintext.
func (p *Pipeline) cached(id string) (Result, bool) {
	e, ok := p.cache.Peek(id)
	if !ok || e.IsError {
		return Result{}, false
	}
	p.clearFailure(id)
	return Result{MessageID: id, Text: e.Text, State: StateDecrypted, FromCache: true}, true
}

func (p *Pipeline) decrypt(ctx context.Context, msg Message, deviceID domain.DeviceID, gen uint64) (Result, error) {
	// An earlier attempt may have finished between the caller's cache check
	// and this one starting.
	if res, ok := p.cached(msg.ID); ok {
		return res, nil
	}

	ct, err := p.fetch(ctx, msg.ID, deviceID)
	if err != nil {
		if !p.sameGeneration(gen) {
			return Result{}, ErrSuperseded
		}
		if errors.Is(err, domain.ErrMissingCiphertext) {
			text := NotForDeviceText
			if msg.Sent {
				text = SentCacheClearedText
			}
			return p.fail(msg.ID, text, true), nil
		}
		return p.fail(msg.ID, failedText(err), false), nil
	}

	sender := domain.NewAddress(ct.SenderUsername, ct.SenderDeviceID)
	out, err := p.sessions.DecryptMessage(ctx, sender, ct.Ciphertext, ct.MessageType)
	if !p.sameGeneration(gen) {
		return Result{}, ErrSuperseded
	}
	if err == nil {
		text := string(out.Plaintext)
		p.cache.Add(msg.ID, CacheEntry{Text: text})
		p.clearFailure(msg.ID)
		p.schedulePersist()
		return Result{MessageID: msg.ID, Text: text, State: StateDecrypted}, nil
	}
	// The plaintext is already known, so the session is not at fault.
	if res, ok := p.cached(msg.ID); ok {
		p.log.Debug("decrypt of cached message failed", zap.String("message_id", msg.ID), zap.Error(err))
		return res, nil
	}

	if !IsPermanent(err) {
		p.log.Debug("transient decrypt failure", zap.String("message_id", msg.ID), zap.Error(err))
		return p.fail(msg.ID, failedText(err), false), nil
	}
	p.log.Warn("permanent decrypt failure",
		zap.String("message_id", msg.ID),
		zap.String("address", sender.String()),
		zap.Error(err))
	p.invalidateSession(ctx, sender)
	return p.fail(msg.ID, SessionMismatchText, true), nil
}

// fetch reads the envelope addressed to deviceID within the fetch timeout.
func (p *Pipeline) fetch(ctx context.Context, messageID string, deviceID domain.DeviceID) (domain.DeviceCiphertext, error) {
	fctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	ct, err := p.source.Ciphertext(fctx, messageID, deviceID)
	if err != nil {
		return domain.DeviceCiphertext{}, err
	}
	if ct.Ciphertext == "" {
		return domain.DeviceCiphertext{}, fmt.Errorf("%w: empty ciphertext for %s", domain.ErrTransientIO, messageID)
	}
	return ct, nil
}

// isPlaintext reports whether text is a real message body rather than empty
// or one of the placeholders.
func isPlaintext(text string) bool {
	return strings.TrimSpace(text) != "" && !strings.HasPrefix(text, "[🔒")
}

// invalidateSession deletes the session with sender unless that was done
// within the cooldown.
func (p *Pipeline) invalidateSession(ctx context.Context, sender domain.Address) {
	if sender.Username == "" || sender.DeviceID == 0 {
		return
	}
	key := strings.ToLower(string(sender.Username)) + "." + sender.DeviceID.String()
	now := p.now()

	p.mu.Lock()
	last, seen := p.resetAt[key]
	if seen && now.Sub(last) <= p.cooldown {
		p.mu.Unlock()
		p.log.Debug("session reset skipped; cooldown", zap.String("address", sender.String()))
		return
	}
	p.resetAt[key] = now
	p.mu.Unlock()

	if err := p.sessions.DeleteSession(ctx, sender); err != nil {
		p.log.Warn("session reset failed", zap.String("address", sender.String()), zap.Error(err))
		return
	}
	p.log.Info("session reset after permanent failure", zap.String("address", sender.String()))
}

// heldFailure answers from the failure record when the message must not be
// attempted yet.
func (p *Pipeline) heldFailure(id string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.failures[id]
	if !ok {
		return Result{}, false
	}
	if f.Permanent {
		return Result{MessageID: id, Text: f.Reason, State: StateFailed, Permanent: true}, true
	}
	if p.now().Sub(f.LastAttempt) < p.retryDelay {
		return Result{MessageID: id, Text: f.Reason, State: StatePending}, true
	}
	delete(p.failures, id)
	return Result{}, false
}

// fail records a failure. Failures never enter the plaintext cache.
func (p *Pipeline) fail(id, text string, permanent bool) Result {
	p.recordFailure(id, text, permanent)
	return Result{MessageID: id, Text: text, State: StateFailed, Permanent: permanent}
}

func (p *Pipeline) recordFailure(id, reason string, permanent bool) {
	p.mu.Lock()
	p.failures[id] = FailureRecord{Reason: reason, Permanent: permanent, LastAttempt: p.now()}
	p.mu.Unlock()
}

func (p *Pipeline) clearFailure(id string) {
	p.mu.Lock()
	delete(p.failures, id)
	p.mu.Unlock()
}

// Failure returns the failure record of a message, if any.
func (p *Pipeline) Failure(id string) (FailureRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.failures[id]
	return f, ok
}

// CacheSentPlaintext records the plaintext of a message this device sent.
// It is persisted at once so a restart right after sending keeps it.
func (p *Pipeline) CacheSentPlaintext(ctx context.Context, messageID, text string) error {
	if reg, ok := p.device.Current(); ok && reg.DeviceID != 0 {
		p.useIdentity(ctx, reg.Username, reg.DeviceID)
	}
	p.cache.Add(messageID, CacheEntry{Text: text})
	p.clearFailure(messageID)
	return p.Flush(ctx)
}

// Invalidate drops the cached plaintext and failure record of one message.
func (p *Pipeline) Invalidate(messageID string) {
	p.cache.Remove(messageID)
	p.clearFailure(messageID)
}

// ShouldRetry reports whether a message shown with text is worth another
// attempt. A failure record decides; without one, transient placeholder
// texts are retried.
func (p *Pipeline) ShouldRetry(messageID, text string) bool {
	if f, failed := p.Failure(messageID); failed {
		return !f.Permanent
	}
	return isRetryableText(text)
}

// RetryFailedDecrypts re-runs every message whose transient failure has
// aged past the retry delay. Permanent failures are never retried.
func (p *Pipeline) RetryFailedDecrypts(ctx context.Context, msgs []Message) ([]Result, error) {
	seen := make(map[string]bool, len(msgs))
	var due []Message
	now := p.now()
	for _, m := range msgs {
		if seen[m.ID] || !m.Encrypted {
			continue
		}
		seen[m.ID] = true
		if !p.ShouldRetry(m.ID, m.Text) {
			continue
		}
		if f, ok := p.Failure(m.ID); ok && now.Sub(f.LastAttempt) < p.retryDelay {
			continue
		}
		due = append(due, m)
	}
	if len(due) == 0 {
		return nil, nil
	}

	for _, m := range due {
		p.clearFailure(m.ID)
	}

	results := make([]Result, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(retryConcurrency)
	for i, m := range due {
		g.Go(func() error {
			res, err := p.Decrypt(gctx, m)
			if err != nil {
				if errors.Is(err, ErrSuperseded) {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.log.Warn("retry failed", zap.String("message_id", m.ID), zap.Error(err))
				res = Result{MessageID: m.ID, Text: failedText(err), State: StateFailed}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.log.Debug("retried failed decrypts", zap.Int("count", len(due)))
	return results, nil
}

// Reset switches the pipeline to another local identity: pending writes for
// the old one are flushed, in-flight results are discarded and the new
// identity's cache is loaded.
func (p *Pipeline) Reset(ctx context.Context, username domain.Username, deviceID domain.DeviceID) {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()
	p.resetLocked(ctx, username, deviceID)
}

func (p *Pipeline) resetLocked(ctx context.Context, username domain.Username, deviceID domain.DeviceID) {
	if err := p.Flush(ctx); err != nil {
		p.log.Warn("decryption cache not saved before reset", zap.Error(err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.failures = make(map[string]FailureRecord)
	p.resetAt = make(map[string]time.Time)
	p.key = CacheKey(username, deviceID)
	p.loadLocked(ctx, p.key)
}

// useIdentity loads the cache for the given identity if it is not the active one.
func (p *Pipeline) useIdentity(ctx context.Context, username domain.Username, deviceID domain.DeviceID) {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()
	p.mu.Lock()
	same := p.key == CacheKey(username, deviceID)
	p.mu.Unlock()
	if !same {
		p.resetLocked(ctx, username, deviceID)
	}
}

func (p *Pipeline) currentGeneration() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *Pipeline) sameGeneration(gen uint64) bool {
	return p.currentGeneration() == gen
}
