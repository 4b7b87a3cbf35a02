// Package cache is the expiring key/value layer shared by ingestion and
// matching. It is the only shared mutable state in the process: ingestion
// writes order book snapshots, the deal controllers read them and persist
// deal state, and the command poller keeps its update cursor here.
//
// Two backends exist behind the Backend interface: an embedded in-memory
// store (single-process deployments and tests) and redis (multi-process
// deployments where a secondary role shares books with the primary).
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend is a minimal expiring key/value store. A ttl of zero means the
// key never expires. Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// NewBackend selects a backend from the configured endpoint. "memory" or
// an empty endpoint runs embedded; anything else is treated as a redis
// address ("redis://host:port" or plain "host:port").
func NewBackend(endpoint string) (Backend, error) {
	if endpoint == "" || endpoint == "memory" {
		return NewMemory(), nil
	}
	return NewRedis(endpoint)
}

// ————————————————————————————————————————————————————————————————————————
// In-memory backend
// ————————————————————————————————————————————————————————————————————————

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// Memory is the embedded backend. Expiry is enforced lazily on read.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty embedded store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		m.mu.Lock()
		// Re-check under the write lock; another writer may have refreshed it.
		if cur, ok := m.entries[key]; ok && !cur.expiresAt.IsZero() && m.now().After(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]memoryEntry)
	m.mu.Unlock()
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Redis backend
// ————————————————————————————————————————————————————————————————————————

// Redis is the remote backend.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the given endpoint. Accepts redis:// URLs and bare
// host:port addresses.
func NewRedis(endpoint string) (*Redis, error) {
	var opts *redis.Options
	if strings.Contains(endpoint, "://") {
		parsed, err := redis.ParseURL(endpoint)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: endpoint}
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
