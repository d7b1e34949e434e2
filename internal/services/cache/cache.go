package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/campus-answer-bot-go/internal/config"
	"github.com/campus-answer-bot-go/pkg/logger"
	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const (
	TypeRedis  = "redis"
	TypeMemory = "memory"

	redisTimeout = 500 * time.Millisecond
	scanBatch    = 200
)

// Store is a string key/value store with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Cache serves from Redis until the first Redis failure and from memory after
// that. The switch is permanent for the life of the process.
type Cache struct {
	mu       sync.RWMutex
	primary  Store
	fallback *MemoryStore
	degraded bool
	logger   *logrus.Logger
}

// NewCache creates the cache for the configured backend
func NewCache(cfg *config.CacheConfig, log *logrus.Logger) (*Cache, error) {
	if log == nil {
		log = logger.Nop()
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	c := &Cache{
		fallback: NewMemoryStore(interval),
		logger:   log,
	}

	switch strings.ToLower(cfg.Type) {
	case "", TypeRedis:
		c.primary = NewRedisStore(redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  redisTimeout,
			ReadTimeout:  redisTimeout,
			WriteTimeout: redisTimeout,
			MaxRetries:   -1,
		}))
	case TypeMemory:
		c.degraded = true
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
	return c, nil
}

// NewWithStore wraps an arbitrary primary store with the memory fallback.
func NewWithStore(primary Store, log *logrus.Logger) *Cache {
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{primary: primary, fallback: NewMemoryStore(10 * time.Minute), logger: log}
}

// Degraded reports whether the cache is serving from memory.
func (c *Cache) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

func (c *Cache) store() Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.degraded || c.primary == nil {
		return c.fallback
	}
	return c.primary
}

// callerGone reports whether err came from the caller's own context rather
// than from the store.
func callerGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (c *Cache) degrade(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		return
	}
	c.degraded = true
	c.logger.WithFields(logrus.Fields{
		"op":    op,
		"error": logger.Truncate(err.Error(), logger.MaxDetailLength),
	}).Warn("Redis unavailable, using in-memory cache")
}

// Get returns the value for key. A miss and a backend failure both report
// false.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	store := c.store()
	value, ok, err := store.Get(ctx, key)
	if err == nil {
		return value, ok
	}
	if callerGone(ctx, err) {
		return "", false
	}
	c.degrade("get", err)
	value, ok, _ = c.fallback.Get(ctx, key)
	return value, ok
}

// Set stores value for ttl; a non-positive ttl deletes the key instead.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		c.Delete(ctx, key)
		return
	}
	if err := c.store().Set(ctx, key, value, ttl); err != nil && !callerGone(ctx, err) {
		c.degrade("set", err)
		_ = c.fallback.Set(ctx, key, value, ttl)
	}
}

func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.store().Delete(ctx, key); err != nil && !callerGone(ctx, err) {
		c.degrade("delete", err)
		_ = c.fallback.Delete(ctx, key)
	}
}

// DeleteByPrefix removes every key starting with prefix.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) {
	if err := c.store().DeleteByPrefix(ctx, prefix); err != nil && !callerGone(ctx, err) {
		c.degrade("delete_prefix", err)
		_ = c.fallback.DeleteByPrefix(ctx, prefix)
	}
}

// RedisStore implements Store on a Redis client
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", scanBatch).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatch {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MemoryStore implements Store using an in-process TTL cache
type MemoryStore struct {
	items *gocache.Cache
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{items: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if val, found := m.items.Get(key); found {
		return val.(string), true, nil
	}
	return "", false, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.items.Set(key, value, ttl)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

func (m *MemoryStore) DeleteByPrefix(_ context.Context, prefix string) error {
	for key := range m.items.Items() {
		if strings.HasPrefix(key, prefix) {
			m.items.Delete(key)
		}
	}
	return nil
}
