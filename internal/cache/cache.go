// Package cache provides the two-tier embedding cache: an in-process
// Ristretto tier backed by an optional shared Redis tier. Embedding the same
// lore passage twice is pure waste, so vectors are cached by content hash.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/jsonx"
)

// Stats counts tier hits and misses since startup.
type Stats struct {
	MemoryHits   int64
	MemoryMisses int64
	SharedHits   int64
	SharedMisses int64
}

// EmbeddingCache caches embedding vectors keyed by model and input text.
// The Redis tier is optional; when absent the cache is purely in-process.
type EmbeddingCache struct {
	mem    *ristretto.Cache[string, []float32]
	shared *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	memHits   atomic.Int64
	memMisses atomic.Int64
	shHits    atomic.Int64
	shMisses  atomic.Int64
}

// NewEmbeddingCache builds the cache. maxEntries bounds the in-memory tier;
// ttl applies to both tiers. redisClient may be nil.
func NewEmbeddingCache(maxEntries int64, ttl time.Duration, redisClient *redis.Client, logger *zap.Logger) (*EmbeddingCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	mem, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "create embedding cache", err)
	}

	return &EmbeddingCache{
		mem:    mem,
		shared: redisClient,
		ttl:    ttl,
		logger: logger.Named("embcache"),
	}, nil
}

// Key derives the cache key for an input under a model. Content-addressed so
// identical passages share one entry regardless of source document.
func Key(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// Get returns the cached vector for key, checking the in-memory tier first
// and promoting shared-tier hits.
func (c *EmbeddingCache) Get(ctx context.Context, key string) ([]float32, bool) {
	if vec, ok := c.mem.Get(key); ok {
		c.memHits.Add(1)
		return vec, true
	}
	c.memMisses.Add(1)

	if c.shared == nil {
		return nil, false
	}
	data, err := c.shared.Get(ctx, key).Bytes()
	if err != nil || len(data) == 0 {
		c.shMisses.Add(1)
		return nil, false
	}
	var vec []float32
	if err := jsonx.Unmarshal(data, &vec); err != nil {
		c.shMisses.Add(1)
		c.logger.Warn("corrupt shared cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	c.shHits.Add(1)
	c.mem.SetWithTTL(key, vec, 1, c.ttl)
	return vec, true
}

// Set stores a vector in both tiers. Shared-tier failures are logged, not
// returned; the cache is an optimization, never a source of truth.
func (c *EmbeddingCache) Set(ctx context.Context, key string, vec []float32) {
	c.mem.SetWithTTL(key, vec, 1, c.ttl)

	if c.shared == nil {
		return
	}
	data, err := jsonx.Marshal(vec)
	if err != nil {
		c.logger.Warn("encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.shared.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("shared cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// GetOrCompute returns the cached vector or computes and stores it.
func (c *EmbeddingCache) GetOrCompute(ctx context.Context, key string, fn func() ([]float32, error)) ([]float32, error) {
	if vec, ok := c.Get(ctx, key); ok {
		return vec, nil
	}
	vec, err := fn()
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, vec)
	return vec, nil
}

// Stats snapshots the hit counters.
func (c *EmbeddingCache) Stats() Stats {
	return Stats{
		MemoryHits:   c.memHits.Load(),
		MemoryMisses: c.memMisses.Load(),
		SharedHits:   c.shHits.Load(),
		SharedMisses: c.shMisses.Load(),
	}
}

// Close releases the in-memory tier. The Redis client is owned by the caller.
func (c *EmbeddingCache) Close() {
	c.mem.Close()
}
