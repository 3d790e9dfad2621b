// Package idempotency remembers which message an Idempotency-Key produced so
// retried sends return the original message instead of creating another.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrStoreUnavailable wraps backend failures.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// Store claims idempotency keys.
type Store interface {
	// Claim binds key to value unless it is already bound. When it is,
	// claimed is false and existing holds the bound value.
	Claim(ctx context.Context, key, value string, ttl time.Duration) (existing string, claimed bool, err error)
	// Release forgets key so a failed request can be retried with it.
	Release(ctx context.Context, key string) error
}

// Key scopes a client-supplied key to its account.
func Key(accountID, clientKey string) string {
	return fmt.Sprintf("sms:idem:%s:%s", accountID, clientKey)
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryStore keeps keys in process. Suitable for a single replica.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Claim(_ context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return e.value, false, nil
	}
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.entries[key] = e
	s.pruneLocked(now)
	return value, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	for key, e := range s.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(s.entries, key)
		}
	}
}

// RedisStore shares keys between replicas using SETNX.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Claim(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: setnx %s: %v", ErrStoreUnavailable, key, err)
	}
	if ok {
		return value, true, nil
	}
	existing, err := s.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between SETNX and GET; try once more.
		ok, err = s.client.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("%w: setnx %s: %v", ErrStoreUnavailable, key, err)
		}
		if ok {
			return value, true, nil
		}
		return "", false, fmt.Errorf("%w: key %s contended", ErrStoreUnavailable, key)
	case err != nil:
		return "", false, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, key, err)
	}
	return existing, false, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}
