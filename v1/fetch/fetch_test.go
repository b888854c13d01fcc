package fetch

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/registry"
	"github.com/mirkobrombin/go-lockstep/v1/service"
	"github.com/mirkobrombin/go-lockstep/v1/transport"
)

// stubReads is a transport whose reads are scripted; everything else
// succeeds trivially.
type stubReads struct {
	read func(ctx context.Context, endpoint string, id registry.ResourceID) (string, error)
}

func (s stubReads) GetRegistry(ctx context.Context) (registry.Registry, error) {
	return registry.Registry{}, nil
}

func (s stubReads) LockEndpoint(ctx context.Context, endpoint string) (transport.LockStatus, error) {
	return transport.LockAcquired, nil
}

func (s stubReads) UnlockEndpoint(ctx context.Context, endpoint string) (transport.UnlockStatus, error) {
	return transport.UnlockReleased, nil
}

func (s stubReads) GetResource(ctx context.Context, endpoint string, id registry.ResourceID) (string, error) {
	return s.read(ctx, endpoint, id)
}

func TestFetchCompleteSnapshot(t *testing.T) {
	svc := service.New()
	svc.AddEndpoint("alpha", 1, 2)
	svc.AddEndpoint("beta", 3)
	ctx := context.Background()

	for _, ep := range []string{"alpha", "beta"} {
		if _, err := svc.LockEndpoint(ctx, ep); err != nil {
			t.Fatalf("lock %s: %v", ep, err)
		}
	}

	assignments := map[registry.ResourceID]string{1: "alpha", 2: "alpha", 3: "beta"}
	snap, err := Fetch(ctx, svc, assignments)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("expected 3 states, got %d", len(snap))
	}
	for id, endpoint := range assignments {
		want, _ := svc.PeekState(endpoint, id)
		if snap[id] != want {
			t.Fatalf("resource %d: expected %q, got %q", id, want, snap[id])
		}
	}

	ids := snap.IDs()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("ids not sorted: %v", ids)
		}
	}
}

func TestFetchFailsWithoutLock(t *testing.T) {
	svc := service.New()
	svc.AddEndpoint("alpha", 1)
	ctx := context.Background()

	_, err := Fetch(ctx, svc, map[registry.ResourceID]string{1: "alpha"})
	if !stderrors.Is(err, errors.ErrEndpointNotLocked) {
		t.Fatalf("expected ErrEndpointNotLocked, got %v", err)
	}
}

func TestFetchFailFastCancelsPeers(t *testing.T) {
	boom := &errors.ResourceNotFoundError{Resource: 3, Endpoint: "alpha"}
	stub := stubReads{
		read: func(ctx context.Context, endpoint string, id registry.ResourceID) (string, error) {
			if id == 3 {
				return "", boom
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "slow", nil
			}
		},
	}

	assignments := map[registry.ResourceID]string{1: "alpha", 2: "alpha", 3: "alpha", 4: "alpha"}
	start := time.Now()
	snap, err := Fetch(context.Background(), stub, assignments, WithWorkers(4))
	if !errors.IsResourceNotFound(err) {
		t.Fatalf("expected ResourceNotFoundError, got %v", err)
	}
	if snap != nil {
		t.Fatalf("expected no partial snapshot, got %v", snap)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("fetch did not fail fast, took %v", elapsed)
	}
}

func TestFetchBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int64
	stub := stubReads{
		read: func(ctx context.Context, endpoint string, id registry.ResourceID) (string, error) {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inflight.Add(-1)
			return "ok", nil
		},
	}

	assignments := make(map[registry.ResourceID]string, 30)
	for i := 0; i < 30; i++ {
		assignments[registry.ResourceID(i)] = "alpha"
	}
	snap, err := Fetch(context.Background(), stub, assignments, WithWorkers(4))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(snap) != 30 {
		t.Fatalf("expected 30 states, got %d", len(snap))
	}
	if got := peak.Load(); got > 4 {
		t.Fatalf("worker limit exceeded: %d concurrent reads", got)
	}
}

func TestFetchEmptyAssignment(t *testing.T) {
	var calls atomic.Int64
	stub := stubReads{
		read: func(ctx context.Context, endpoint string, id registry.ResourceID) (string, error) {
			calls.Add(1)
			return "", nil
		},
	}
	snap, err := Fetch(context.Background(), stub, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(snap) != 0 || calls.Load() != 0 {
		t.Fatalf("expected empty snapshot and no reads, got %v after %d calls", snap, calls.Load())
	}
}
