package store

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cipherlink/internal/domain"
)

// FileTier persists a key-value map as one JSON file under dir. Every write
// rewrites the file through a temp file and rename. The map is read once and
// then served from memory; the file is owned by a single process.
type FileTier struct {
	path string
	mu   sync.Mutex
	data map[string][]byte
}

// NewFileTier returns a FileTier storing name (e.g. "keys.json") under dir.
func NewFileTier(dir, name string) *FileTier {
	return &FileTier{path: filepath.Join(dir, name)}
}

func (f *FileTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return nil, false, err
	}
	v, ok := data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (f *FileTier) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	data[key] = append([]byte(nil), value...)
	return f.flush()
}

func (f *FileTier) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := data[key]; !ok {
		return nil
	}
	delete(data, key)
	return f.flush()
}

func (f *FileTier) Keys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return nil, err
	}
	var out []string
	for k := range data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *FileTier) load() (map[string][]byte, error) {
	if f.data != nil {
		return f.data, nil
	}
	data := map[string][]byte{}
	if err := readJSON(f.path, &data); err != nil {
		return nil, err
	}
	f.data = data
	return data, nil
}

// flush writes the map; on failure the cache is dropped so the next call
// rereads what is actually on disk.
func (f *FileTier) flush() error {
	if err := writeJSON(f.path, f.data, 0o600); err != nil {
		f.data = nil
		return err
	}
	return nil
}

// Compile-time assertion that FileTier implements domain.Tier.
var _ domain.Tier = (*FileTier)(nil)
