package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingSource struct {
	calls atomic.Int64
	reg   Registry
}

func (s *countingSource) GetRegistry(ctx context.Context) (Registry, error) {
	s.calls.Add(1)
	return s.reg, nil
}

func TestSnapshotCacheServesWithinTTL(t *testing.T) {
	src := &countingSource{reg: testRegistry()}
	c := NewSnapshotCache(src, WithTTL(time.Minute))
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		reg, err := c.GetRegistry(ctx)
		if err != nil {
			t.Fatalf("get registry: %v", err)
		}
		if len(reg) != 3 {
			t.Fatalf("unexpected registry size %d", len(reg))
		}
	}
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("expected 1 upstream fetch got %d", got)
	}
	m := c.Metrics()
	if m.Misses != 1 || m.Hits != 2 {
		t.Fatalf("expected 1 miss 2 hits got %+v", m)
	}
}

func TestSnapshotCacheInvalidate(t *testing.T) {
	src := &countingSource{reg: testRegistry()}
	c := NewSnapshotCache(src, WithTTL(time.Minute))
	defer c.Close()
	ctx := context.Background()

	if _, err := c.GetRegistry(ctx); err != nil {
		t.Fatalf("get registry: %v", err)
	}
	c.Invalidate()
	if _, err := c.GetRegistry(ctx); err != nil {
		t.Fatalf("get registry: %v", err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("expected refetch after invalidate, upstream calls %d", got)
	}
}

func TestSnapshotCacheTTLExpiry(t *testing.T) {
	src := &countingSource{reg: testRegistry()}
	c := NewSnapshotCache(src, WithTTL(30*time.Millisecond))
	defer c.Close()
	ctx := context.Background()

	if _, err := c.GetRegistry(ctx); err != nil {
		t.Fatalf("get registry: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := c.GetRegistry(ctx); err != nil {
		t.Fatalf("get registry: %v", err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("expected refetch after ttl, upstream calls %d", got)
	}
}

func TestSnapshotCacheHonorsContext(t *testing.T) {
	src := &countingSource{reg: testRegistry()}
	c := NewSnapshotCache(src)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.GetRegistry(ctx); err == nil {
		t.Fatal("expected context error")
	}
	if got := src.calls.Load(); got != 0 {
		t.Fatalf("upstream should not be called on cancelled context, calls %d", got)
	}
}
