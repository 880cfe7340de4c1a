package decrypt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cipherlink/internal/domain"
)

const (
	cacheBaseKey   = "signal_decrypted_messages"
	cacheVersion   = "signal-v2"
	payloadVersion = 1
)

// CacheEntry is one persisted plaintext. Entries flagged as errors are
// skipped on load.
type CacheEntry struct {
	Text    string `json:"text"`
	IsError bool   `json:"error"`
}

// CacheKey names the persisted cache blob of one local identity.
func CacheKey(username domain.Username, deviceID domain.DeviceID) string {
	user := strings.ToLower(string(username))
	if user == "" {
		user = "anonymous"
	}
	device := "nodevice"
	if deviceID != 0 {
		device = deviceID.String()
	}
	return fmt.Sprintf("%s:%s:%s:%s", cacheBaseKey, user, device, cacheVersion)
}

type payload struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"savedAt"`
	Entries []savedEntry `json:"entries"`
}

// savedEntry encodes as a two-element [id, entry] array, oldest first.
type savedEntry struct {
	ID    string
	Entry CacheEntry
}

func (e savedEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.ID, e.Entry})
}

func (e *savedEntry) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("cache entry has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.Entry)
}

// loadLocked replaces the in-memory cache with the blob stored under key.
func (p *Pipeline) loadLocked(ctx context.Context, key string) {
	p.cache.Purge()
	raw, ok, err := p.blobs.LoadBlob(ctx, key)
	if err != nil {
		p.log.Warn("decryption cache not loaded", zap.String("key", key), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var pl payload
	if err := json.Unmarshal(raw, &pl); err != nil {
		p.log.Warn("decryption cache unreadable; starting empty", zap.String("key", key), zap.Error(err))
		return
	}
	for _, e := range pl.Entries {
		if !e.Entry.IsError {
			p.cache.Add(e.ID, e.Entry)
		}
	}
	p.log.Debug("decryption cache loaded", zap.String("key", key), zap.Int("entries", p.cache.Len()))
}

// schedulePersist coalesces writes that arrive within the debounce window.
func (p *Pipeline) schedulePersist() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil || p.closed {
		return
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		p.timer = nil
		key := p.key
		p.mu.Unlock()
		if err := p.persist(context.Background(), key); err != nil {
			p.log.Warn("decryption cache not saved", zap.String("key", key), zap.Error(err))
		}
	})
}

// persist writes the cache under key, oldest first.
func (p *Pipeline) persist(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	keys := p.cache.Keys()
	pl := payload{Version: payloadVersion, SavedAt: p.now().UTC(), Entries: make([]savedEntry, 0, len(keys))}
	for _, id := range keys {
		if e, ok := p.cache.Peek(id); ok {
			pl.Entries = append(pl.Entries, savedEntry{ID: id, Entry: e})
		}
	}
	raw, err := json.Marshal(pl)
	if err != nil {
		return err
	}
	return p.blobs.StoreBlob(ctx, key, raw)
}

// Flush cancels any pending debounced write and saves the cache now.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	key := p.key
	p.mu.Unlock()
	return p.persist(ctx, key)
}

// Close flushes a pending write and stops further scheduling.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	pending := p.timer != nil
	if pending {
		p.timer.Stop()
		p.timer = nil
	}
	p.closed = true
	key := p.key
	p.mu.Unlock()
	if !pending {
		return nil
	}
	return p.persist(context.Background(), key)
}
