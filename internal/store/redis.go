package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"cipherlink/internal/domain"
)

const defaultRedisNamespace = "cipherlink:"

// RedisTier stores values in Redis under a namespace prefix. It serves as a
// shared fast tier when several client processes run on one host.
type RedisTier struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisTier wraps an existing client.
func NewRedisTier(rdb *redis.Client, namespace string) *RedisTier {
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	return &RedisTier{rdb: rdb, namespace: namespace}
}

// DialRedisTier parses url (redis://...), connects and pings.
func DialRedisTier(ctx context.Context, url, namespace string) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisTier(rdb, namespace), nil
}

func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisTier) Put(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, r.namespace+key, value, 0).Err()
}

func (r *RedisTier) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.namespace+key).Err()
}

func (r *RedisTier) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(r.namespace+prefix) + "*"
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, r.namespace))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(out)
	return out, nil
}

// Close releases the underlying connection pool.
func (r *RedisTier) Close() error { return r.rdb.Close() }

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }

var _ domain.Tier = (*RedisTier)(nil)
