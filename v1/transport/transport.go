package transport

import (
	"context"

	"github.com/mirkobrombin/go-lockstep/v1/registry"
)

// LockStatus is the semantic outcome of a lock request.
type LockStatus int

const (
	// LockAcquired means the endpoint lock is now held by this client.
	LockAcquired LockStatus = iota
	// LockContended means another holder owns the lock. Contention is an
	// outcome, not an error; the coordinator owns the retry policy.
	LockContended
)

func (s LockStatus) String() string {
	switch s {
	case LockAcquired:
		return "acquired"
	case LockContended:
		return "contended"
	default:
		return "unknown"
	}
}

// UnlockStatus is the semantic outcome of an unlock request.
type UnlockStatus int

const (
	// UnlockReleased means the lock was held and is now released.
	UnlockReleased UnlockStatus = iota
	// UnlockNotHeld means the endpoint was not locked, or not lockable by
	// this client. Release treats it as success: the goal state holds.
	UnlockNotHeld
)

func (s UnlockStatus) String() string {
	switch s {
	case UnlockReleased:
		return "released"
	case UnlockNotHeld:
		return "not held"
	default:
		return "unknown"
	}
}

// Transport is the remote service contract the protocol consumes. Contention
// and already-unlocked are reported as statuses with a nil error; errors are
// reserved for unknown endpoints or resources (typed, from v1/errors),
// reads against unlocked endpoints (errors.ErrEndpointNotLocked) and
// transport level failures (*errors.TransportError).
type Transport interface {
	GetRegistry(ctx context.Context) (registry.Registry, error)
	LockEndpoint(ctx context.Context, endpoint string) (LockStatus, error)
	UnlockEndpoint(ctx context.Context, endpoint string) (UnlockStatus, error)
	GetResource(ctx context.Context, endpoint string, id registry.ResourceID) (string, error)
}
