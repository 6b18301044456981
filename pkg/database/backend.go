package database

import (
	"context"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/homeserver/pkg/config"
)

// backend is the storage engine behind a Database. Every map is a flat
// key/value namespace.
type backend interface {
	kind() string
	get(ctx context.Context, m, key string) ([]byte, bool, error)
	put(ctx context.Context, m, key string, value []byte) error
	del(ctx context.Context, m, key string) error
	keys(ctx context.Context, m string) ([]string, error)
	clear(ctx context.Context, m string) error
	ping(ctx context.Context) error
	reconnect(ctx context.Context) error
	close() error
}

type memoryBackend struct {
	mu   sync.RWMutex
	maps map[string]map[string][]byte
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{maps: make(map[string]map[string][]byte)}
}

func (b *memoryBackend) kind() string { return "memory" }

func (b *memoryBackend) get(_ context.Context, m, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.maps[m][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (b *memoryBackend) put(_ context.Context, m, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.maps[m]
	if !ok {
		t = make(map[string][]byte)
		b.maps[m] = t
	}
	t[key] = append([]byte(nil), value...)
	return nil
}

func (b *memoryBackend) del(_ context.Context, m, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.maps[m], key)
	return nil
}

func (b *memoryBackend) keys(_ context.Context, m string) ([]string, error) {
	b.mu.RLock()
	keys := make([]string, 0, len(b.maps[m]))
	for k := range b.maps[m] {
		keys = append(keys, k)
	}
	b.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (b *memoryBackend) clear(_ context.Context, m string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.maps, m)
	return nil
}

func (b *memoryBackend) ping(context.Context) error      { return nil }
func (b *memoryBackend) reconnect(context.Context) error { return nil }
func (b *memoryBackend) close() error                    { return nil }

// redisBackend stores each map as a hash under "<namespace>:<map>".
type redisBackend struct {
	mu        sync.RWMutex
	client    *redis.Client
	options   *redis.Options
	namespace string
}

func newRedisBackend(cfg config.RedisConfig, namespace string) *redisBackend {
	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	return &redisBackend{
		client:    redis.NewClient(opts),
		options:   opts,
		namespace: namespace,
	}
}

func (b *redisBackend) kind() string { return "redis" }

func (b *redisBackend) conn() *redis.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client
}

func (b *redisBackend) hash(m string) string {
	return b.namespace + ":" + m
}

func (b *redisBackend) get(ctx context.Context, m, key string) ([]byte, bool, error) {
	v, err := b.conn().HGet(ctx, b.hash(m), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *redisBackend) put(ctx context.Context, m, key string, value []byte) error {
	return b.conn().HSet(ctx, b.hash(m), key, value).Err()
}

func (b *redisBackend) del(ctx context.Context, m, key string) error {
	return b.conn().HDel(ctx, b.hash(m), key).Err()
}

func (b *redisBackend) keys(ctx context.Context, m string) ([]string, error) {
	keys, err := b.conn().HKeys(ctx, b.hash(m)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *redisBackend) clear(ctx context.Context, m string) error {
	return b.conn().Del(ctx, b.hash(m)).Err()
}

func (b *redisBackend) ping(ctx context.Context) error {
	return b.conn().Ping(ctx).Err()
}

// reconnect replaces the client with a fresh one once it answers a ping.
func (b *redisBackend) reconnect(ctx context.Context) error {
	client := redis.NewClient(b.options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return err
	}

	b.mu.Lock()
	old := b.client
	b.client = client
	b.mu.Unlock()

	return old.Close()
}

func (b *redisBackend) close() error {
	return b.conn().Close()
}
