// Package disambiguation implements the Disambiguation Store (C6): a
// single-use token-to-options association with a TTL, backed either by
// Redis (durable across restarts) or an in-memory map (volatile, swept on
// expiry).
package disambiguation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/redisclient"
)

// Backend is the storage primitive a Store is built on.
type Backend interface {
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// TakeOnce atomically reads and removes key. found is false both when
	// the key never existed and when it already expired.
	TakeOnce(ctx context.Context, key string) (payload []byte, found bool, err error)
}

// Sweepable is implemented by backends that need an external TTL sweep
// (the in-memory backend; Redis expires keys natively).
type Sweepable interface {
	Sweep(now time.Time) int
}

const keyPrefix = "disambiguation:"

// Store issues and redeems single-use disambiguation tokens (§4.6).
type Store struct {
	backend Backend
}

// New wraps backend in a Store.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Put stashes payload under a fresh token with the given TTL and returns
// the token. Satisfies feeengine.TokenStore.
func (s *Store) Put(ctx context.Context, payload []byte, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	if err := s.backend.Put(ctx, keyPrefix+token, payload, ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Take redeems token once; a second call for the same token returns
// found=false (§8, P7).
func (s *Store) Take(ctx context.Context, token string) ([]byte, bool, error) {
	return s.backend.TakeOnce(ctx, keyPrefix+token)
}

// Sweep removes expired entries from backends that need it. No-op for
// backends (like Redis) that expire keys natively.
func (s *Store) Sweep() int {
	if sw, ok := s.backend.(Sweepable); ok {
		return sw.Sweep(time.Now())
	}
	return 0
}

// RedisBackend durably backs the Disambiguation Store with Redis TTLs.
type RedisBackend struct {
	client *redisclient.Client
}

// NewRedisBackend wraps an existing Redis client.
func NewRedisBackend(client *redisclient.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return b.client.SetWithTTL(ctx, key, payload, ttl)
}

func (b *RedisBackend) TakeOnce(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.client.GetDel(ctx, key)
	if err != nil {
		if redisclient.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

// MemoryBackend is the volatile fallback: an in-process map with lazy and
// swept expiry. Does not survive a process restart, per §4.6's "otherwise
// documented as volatile."
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]memEntry
}

type memEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]memEntry)}
}

func (b *MemoryBackend) Put(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = memEntry{payload: payload, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *MemoryBackend) TakeOnce(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.data[key]
	if !ok {
		return nil, false, nil
	}
	delete(b.data, key)
	if time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.payload, true, nil
}

func (b *MemoryBackend) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for k, e := range b.data {
		if now.After(e.expiresAt) {
			delete(b.data, k)
			removed++
		}
	}
	return removed
}
