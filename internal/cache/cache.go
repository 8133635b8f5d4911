package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrMiss is returned by a Backend when the key is absent.
var ErrMiss = errors.New("cache miss")

// KeyClass determines the TTL applied when storing a value.
type KeyClass string

const (
	ClassModuleHealth     KeyClass = "module_health"
	ClassRobotStatus      KeyClass = "robot_status"
	ClassPerformanceScore KeyClass = "performance_score"
	ClassDefault          KeyClass = "default"
)

// TTL returns the time-to-live for the key class.
func (c KeyClass) TTL() time.Duration {
	switch c {
	case ClassModuleHealth:
		return 300 * time.Second
	case ClassRobotStatus:
		return 60 * time.Second
	case ClassPerformanceScore:
		return 600 * time.Second
	default:
		return 1800 * time.Second
	}
}

// Backend is the raw key-value store behind the cache-aside layer.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Loader fetches a value from the source of truth on a miss.
type Loader func(ctx context.Context) ([]byte, error)

// Stats holds cache access counters.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Degraded int64 `json:"degraded"`
}

// HitRate returns the fraction of lookups served from cache.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a cache-aside accessor. Backend unavailability never fails the
// caller: every operation degrades to a direct loader call.
type Cache struct {
	logger  *zap.Logger
	backend Backend

	hits     atomic.Int64
	misses   atomic.Int64
	degraded atomic.Int64
}

// New creates a cache over the given backend.
func New(backend Backend, logger *zap.Logger) *Cache {
	return &Cache{
		logger:  logger.Named("cache"),
		backend: backend,
	}
}

// GetOrLoad returns the cached value for key, or invokes loader and stores the
// result with the class TTL. Backend errors are absorbed and logged as
// degraded-mode events.
func (c *Cache) GetOrLoad(ctx context.Context, key string, class KeyClass, loader Loader) ([]byte, error) {
	value, err := c.backend.Get(ctx, key)
	switch {
	case err == nil:
		c.hits.Add(1)
		return value, nil
	case errors.Is(err, ErrMiss):
		c.misses.Add(1)
	default:
		c.degraded.Add(1)
		c.logger.Warn("Cache backend unavailable, falling back to loader",
			zap.String("key", key),
			zap.Error(err))
	}

	value, err = loader(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.backend.Set(ctx, key, value, class.TTL()); err != nil {
		c.degraded.Add(1)
		c.logger.Warn("Failed to populate cache",
			zap.String("key", key),
			zap.Error(err))
	}
	return value, nil
}

// Set stores a value eagerly with the class TTL. Backend errors are absorbed.
func (c *Cache) Set(ctx context.Context, key string, class KeyClass, value []byte) {
	if err := c.backend.Set(ctx, key, value, class.TTL()); err != nil {
		c.degraded.Add(1)
		c.logger.Warn("Failed to set cache entry",
			zap.String("key", key),
			zap.Error(err))
	}
}

// Invalidate removes an entry eagerly. Backend errors are absorbed.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.degraded.Add(1)
		c.logger.Warn("Failed to invalidate cache entry",
			zap.String("key", key),
			zap.Error(err))
	}
}

// Stats returns access counters since startup.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Degraded: c.degraded.Load(),
	}
}

// Healthy probes the backend with a throwaway write.
func (c *Cache) Healthy(ctx context.Context) bool {
	return c.backend.Set(ctx, "health:probe", []byte("ok"), time.Second) == nil
}

// MemoryBackend is an in-process Backend used in tests and no-Redis
// deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry)}
}

// Get implements Backend.Get.
func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	entry, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrMiss
	}
	return entry.value, nil
}

// Set implements Backend.Set.
func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete implements Backend.Delete.
func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}
