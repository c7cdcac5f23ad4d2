// Package confirmation implements the Confirmation Store (spec §4.I):
// a short-lived, take-once envelope store bridging a pendingConfirmation
// tool response to the Confirmation Endpoint.
package confirmation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by TakeOnce when confirmationId is unknown,
// already consumed, or expired.
var ErrNotFound = errors.New("confirmation: not found or already consumed")

// Envelope is the record stashed by the orchestrator when a tool server
// responds with status "pendingConfirmation" (spec §3, §4.I).
type Envelope struct {
	ConfirmationID string          `json:"confirmationId"`
	MCPServer      string          `json:"mcpServer"`
	Action         string          `json:"action"`
	Data           json.RawMessage `json:"data,omitempty"`
	OwnerUserID    string          `json:"ownerUserId"`
}

// Store persists pending confirmations for exactly one retrieval (spec
// §4.I: "retrieve-and-delete must be atomic; two concurrent confirms
// for the same id must not both succeed").
type Store interface {
	Put(ctx context.Context, env Envelope, ttl time.Duration) error
	TakeOnce(ctx context.Context, confirmationID string) (Envelope, error)
}

const defaultTTL = 300 * time.Second

// MemoryStore is an in-memory Store guarded by a single mutex, grounded
// on the same copy-on-access pattern as the Revocation Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	env       Envelope
	expiresAt time.Time
}

// NewMemoryStore creates an empty store and starts a background sweep
// goroutine tied to ctx.
func NewMemoryStore(ctx context.Context, sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{entries: make(map[string]memoryEntry)}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	go s.sweepLoop(ctx, sweepInterval)
	return s
}

func (s *MemoryStore) sweepLoop(ctx context.Context, interval time.Duration) {
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

func (s *MemoryStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

// Put stores env under env.ConfirmationID with the given ttl (defaulting
// to 300s per spec §4.I).
func (s *MemoryStore) Put(_ context.Context, env Envelope, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[env.ConfirmationID] = memoryEntry{env: env, expiresAt: time.Now().Add(ttl)}
	return nil
}

// TakeOnce retrieves and deletes the envelope in a single critical
// section, so two concurrent callers can never both succeed.
func (s *MemoryStore) TakeOnce(_ context.Context, confirmationID string) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[confirmationID]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	delete(s.entries, confirmationID)

	if time.Now().After(e.expiresAt) {
		return Envelope{}, ErrNotFound
	}
	return e.env, nil
}

// RedisStore is a Store backed by Redis, using GETDEL for the atomic
// take-once semantics (spec §4.I), for multi-instance deployments.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "relaygate:confirm:"}
}

func (s *RedisStore) Put(ctx context.Context, env Envelope, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+env.ConfirmationID, payload, ttl).Err()
}

func (s *RedisStore) TakeOnce(ctx context.Context, confirmationID string) (Envelope, error) {
	payload, err := s.client.GetDel(ctx, s.prefix+confirmationID).Result()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, ErrNotFound
	}
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
