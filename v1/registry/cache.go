package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Source produces registry snapshots. transport implementations satisfy it.
type Source interface {
	GetRegistry(ctx context.Context) (Registry, error)
}

const snapshotKey = "registry"

// defaultSnapshotTTL bounds how stale a reused registry snapshot can be.
const defaultSnapshotTTL = time.Second

// SnapshotCache decorates a Source with a short-lived ristretto-backed cache
// so bursts of queries share one registry fetch. It is opt-in: the query
// client fetches fresh by default. Cached snapshots must be treated as
// read-only by callers.
type SnapshotCache struct {
	src    Source
	cache  *ristretto.Cache
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
}

// SnapshotCacheOption configures a SnapshotCache.
type SnapshotCacheOption func(*SnapshotCache)

// WithTTL sets how long a snapshot is reused. The default is one second.
func WithTTL(d time.Duration) SnapshotCacheOption {
	return func(c *SnapshotCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// NewSnapshotCache returns a SnapshotCache in front of src.
func NewSnapshotCache(src Source, opts ...SnapshotCacheOption) *SnapshotCache {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	c := &SnapshotCache{src: src, cache: rc, ttl: defaultSnapshotTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRegistry implements Source. It serves the cached snapshot while it is
// fresh and refreshes from the underlying source otherwise.
func (c *SnapshotCache) GetRegistry(ctx context.Context) (Registry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if v, ok := c.cache.Get(snapshotKey); ok {
		if reg, ok := v.(Registry); ok {
			c.hits.Add(1)
			return reg, nil
		}
	}
	c.misses.Add(1)
	reg, err := c.src.GetRegistry(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(snapshotKey, reg, 1, c.ttl)
	c.cache.Wait()
	return reg, nil
}

// Invalidate drops the cached snapshot. Callers invalidate whenever the
// remote service reports an unknown endpoint, which means the snapshot went
// stale.
func (c *SnapshotCache) Invalidate() {
	c.cache.Del(snapshotKey)
	c.cache.Wait()
}

// Stats reports snapshot cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Metrics returns current hit and miss counts.
func (c *SnapshotCache) Metrics() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close releases resources held by the cache.
func (c *SnapshotCache) Close() {
	c.cache.Close()
}
