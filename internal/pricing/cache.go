package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"cashbridge/internal/domain"
)

// Snapshot is one fetch of all prices.
type Snapshot struct {
	Prices    map[domain.CurrencyCode]decimal.Decimal `json:"prices"`
	FetchedAt time.Time                               `json:"fetched_at"`
	// Stale is set when the snapshot outlived its TTL and was served because
	// the feed failed.
	Stale bool `json:"stale"`
}

// Cache stores the latest snapshot. Load returns nil, nil when empty.
type Cache interface {
	Load(ctx context.Context) (*Snapshot, error)
	Store(ctx context.Context, s *Snapshot) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (m *MemoryCache) Load(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return nil, nil
	}
	return copySnapshot(m.snap), nil
}

func (m *MemoryCache) Store(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = copySnapshot(s)
	return nil
}

// DefaultRedisKey is the key the snapshot is stored under.
const DefaultRedisKey = "cashbridge:prices:usd"

// RedisCache shares the snapshot between service instances.
type RedisCache struct {
	client    *redis.Client
	key       string
	retention time.Duration
}

// NewRedisCache creates a RedisCache. retention bounds how long a snapshot is
// kept for stale fallback; zero keeps it forever.
func NewRedisCache(client *redis.Client, key string, retention time.Duration) *RedisCache {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisCache{client: client, key: key, retention: retention}
}

func (r *RedisCache) Load(ctx context.Context) (*Snapshot, error) {
	val, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	var s Snapshot
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func (r *RedisCache) Store(ctx context.Context, s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.retention).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

func copySnapshot(s *Snapshot) *Snapshot {
	c := *s
	c.Prices = make(map[domain.CurrencyCode]decimal.Decimal, len(s.Prices))
	for k, v := range s.Prices {
		c.Prices[k] = v
	}
	return &c
}
