package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// NonceStore holds short-lived single-use values: sign-in nonces and
// revoked session ids.
type NonceStore interface {
	// Put stores value under key unless the key already exists.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Take returns and deletes the value under key.
	Take(ctx context.Context, key string) (string, bool, error)
	Has(ctx context.Context, key string) (bool, error)
}

var (
	_ NonceStore = (*MemoryNonceStore)(nil)
	_ NonceStore = (*RedisNonceStore)(nil)
)

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// =============================================================================
// Memory
// =============================================================================

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryNonceStore is a process-local store. Expired entries are dropped
// lazily on access and on every Put.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryNonceStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	if _, ok := s.entries[key]; ok {
		return nil
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryNonceStore) Take(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	delete(s.entries, key)
	if !s.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryNonceStore) Has(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && s.now().Before(e.expiresAt), nil
}

// =============================================================================
// Redis
// =============================================================================

// RedisNonceStore shares nonces and revocations across replicas.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore connects to url (redis://...) and pings it.
func NewRedisNonceStore(ctx context.Context, url, prefix string) (*RedisNonceStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisNonceStore{client: client, prefix: prefix}, nil
}

func (s *RedisNonceStore) Close() error {
	return s.client.Close()
}

func (s *RedisNonceStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.SetNX(ctx, s.prefix+key, value, ttl).Err()
}

func (s *RedisNonceStore) Take(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.GetDel(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisNonceStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
