// Package cache implements the two-tier cache in front of the strength
// views: a bounded in-process map (L1) backed by Redis (L2). Without a
// Redis address the cache runs on L1 alone.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Markmu/sector-strength-sub001/internal/config"
	"github.com/Markmu/sector-strength-sub001/internal/strength"
)

const scanBatch = 500

// TwoTier is safe for concurrent use.
type TwoTier struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	max    int
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	l1 map[string]l1Entry
}

type l1Entry struct {
	value   []byte
	expires time.Time
}

var (
	_ strength.CacheSweeper     = (*TwoTier)(nil)
	_ strength.CacheInvalidator = (*TwoTier)(nil)
)

// Options configure a TwoTier cache.
type Options struct {
	KeyPrefix    string
	TTL          time.Duration
	L1MaxEntries int
	Logger       *slog.Logger
	Now          func() time.Time
}

// New builds the cache described by cfg, connecting to Redis when an
// address is configured.
func New(cfg config.CacheConfig, logger *slog.Logger) *TwoTier {
	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}
	return NewTwoTier(rdb, Options{
		KeyPrefix:    cfg.KeyPrefix,
		TTL:          cfg.TTL,
		L1MaxEntries: cfg.L1MaxEntries,
		Logger:       logger,
	})
}

// NewTwoTier wraps rdb, which may be nil for an L1 only cache.
func NewTwoTier(rdb redis.UniversalClient, opts Options) *TwoTier {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TwoTier{
		rdb:    rdb,
		prefix: opts.KeyPrefix,
		ttl:    opts.TTL,
		max:    opts.L1MaxEntries,
		logger: opts.Logger.With("component", "cache"),
		now:    opts.Now,
		l1:     make(map[string]l1Entry),
	}
}

// Ping checks the Redis tier. It is a no-op for an L1 only cache.
func (c *TwoTier) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *TwoTier) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Get decodes the cached value of key into dst and reports whether it was
// found. An unreachable Redis tier counts as a miss.
func (c *TwoTier) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok := c.getL1(key)
	if !ok && c.rdb != nil {
		b, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			c.logger.Warn("redis get failed", "key", key, "error", err)
		default:
			raw, ok = b, true
			ttl := c.ttl
			if remaining, err := c.rdb.PTTL(ctx, c.prefix+key).Result(); err == nil && remaining > 0 {
				ttl = remaining
			}
			c.setL1(key, b, ttl)
		}
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key in both tiers. A non-positive ttl uses the
// cache default.
func (c *TwoTier) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	c.setL1(key, b, ttl)
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, c.prefix+key, b, ttl).Err(); err != nil {
			return fmt.Errorf("redis set %s: %w", key, err)
		}
	}
	return nil
}

// Delete removes key from both tiers.
func (c *TwoTier) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.l1, key)
	c.mu.Unlock()
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", key, err)
		}
	}
	return nil
}

// InvalidatePrefix removes every key starting with prefix from both tiers
// and returns the number of distinct keys removed.
func (c *TwoTier) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	removed := make(map[string]struct{})

	c.mu.Lock()
	for k := range c.l1 {
		if strings.HasPrefix(k, prefix) {
			delete(c.l1, k)
			removed[k] = struct{}{}
		}
	}
	c.mu.Unlock()

	if c.rdb != nil {
		match := escapeGlob(c.prefix+prefix) + "*"
		var cursor uint64
		for {
			keys, next, err := c.rdb.Scan(ctx, cursor, match, scanBatch).Result()
			if err != nil {
				return len(removed), fmt.Errorf("redis scan %s: %w", prefix, err)
			}
			if len(keys) > 0 {
				if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
					return len(removed), fmt.Errorf("redis del %s: %w", prefix, err)
				}
				for _, k := range keys {
					removed[strings.TrimPrefix(k, c.prefix)] = struct{}{}
				}
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	}

	c.logger.Debug("cache prefix invalidated", "prefix", prefix, "removed", len(removed))
	return len(removed), nil
}

// SweepExpired drops expired L1 entries and trims L1 to its size bound,
// evicting the entries closest to expiry first. Redis expires its own keys.
func (c *TwoTier) SweepExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.l1 {
		if !now.Before(e.expires) {
			delete(c.l1, k)
			removed++
		}
	}
	removed += c.evictLocked(0)
	return removed, nil
}

// Len returns the number of L1 entries, expired ones included.
func (c *TwoTier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.l1)
}

func (c *TwoTier) getL1(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.l1[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.l1, key)
		return nil, false
	}
	return e.value, true
}

func (c *TwoTier) setL1(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.l1[key]; !exists {
		c.evictLocked(1)
	}
	c.l1[key] = l1Entry{value: value, expires: c.now().Add(ttl)}
}

// evictLocked makes room for n more entries under the size bound.
func (c *TwoTier) evictLocked(n int) int {
	if c.max <= 0 {
		return 0
	}
	over := len(c.l1) + n - c.max
	if over <= 0 {
		return 0
	}
	keys := make([]string, 0, len(c.l1))
	for k := range c.l1 {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.l1[keys[i]].expires.Before(c.l1[keys[j]].expires)
	})
	if over > len(keys) {
		over = len(keys)
	}
	for _, k := range keys[:over] {
		delete(c.l1, k)
	}
	return over
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
