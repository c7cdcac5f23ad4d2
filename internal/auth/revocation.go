package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore records and queries revoked token identifiers (spec
// §4.B). Implementations must be safe for concurrent use.
type RevocationStore interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
}

// MemoryRevocationStore is an in-memory RevocationStore with lazy TTL
// eviction, grounded on the copy-on-access map pattern of
// haasonsaas-nexus's MemoryEdgeStore.
type MemoryRevocationStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // tokenID -> expiresAt
}

// NewMemoryRevocationStore creates an empty store and starts a background
// sweep goroutine that evicts expired entries every interval.
func NewMemoryRevocationStore(ctx context.Context, sweepInterval time.Duration) *MemoryRevocationStore {
	s := &MemoryRevocationStore{entries: make(map[string]time.Time)}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	go s.sweepLoop(ctx, sweepInterval)
	return s
}

func (s *MemoryRevocationStore) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryRevocationStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, expiresAt := range s.entries {
		if now.After(expiresAt) {
			delete(s.entries, id)
		}
	}
}

// IsRevoked reports whether tokenID is currently revoked.
func (s *MemoryRevocationStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.entries[tokenID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		delete(s.entries, tokenID)
		return false, nil
	}
	return true, nil
}

// Revoke marks tokenID as revoked until ttl elapses.
func (s *MemoryRevocationStore) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tokenID] = time.Now().Add(ttl)
	return nil
}

// RedisRevocationStore is a RevocationStore backed by Redis, for
// multi-instance deployments (grounded on goadesign-goa-ai's direct
// redis/go-redis/v9 dependency).
type RedisRevocationStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRevocationStore wraps an existing redis client.
func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, prefix: "relaygate:revoked:"}
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+tokenID, "1", ttl).Err()
}
