package lock

import "sync/atomic"

// HandleState tracks where an endpoint's client-local lock record is in its
// lifecycle. Transitions run Unlocked, LockRequested, Locked,
// UnlockRequested and back to Unlocked; every failure path returns to
// Unlocked through rollback.
type HandleState int

const (
	HandleUnlocked HandleState = iota
	HandleLockRequested
	HandleLocked
	HandleUnlockRequested
)

func (s HandleState) String() string {
	switch s {
	case HandleUnlocked:
		return "unlocked"
	case HandleLockRequested:
		return "lock requested"
	case HandleLocked:
		return "locked"
	case HandleUnlockRequested:
		return "unlock requested"
	default:
		return "unknown"
	}
}

// Handle is the client-local record that this process holds, or is in the
// middle of acquiring or releasing, one endpoint's remote lock. The
// reference count lets concurrent queries in one process share a held lock
// without extra network traffic; only the last reference issues the remote
// unlock. All fields are guarded by the owning Coordinator's mutex.
type Handle struct {
	endpoint string
	state    HandleState
	refs     int
}

// Endpoint returns the endpoint this handle refers to.
func (h *Handle) Endpoint() string { return h.endpoint }

// LockSet is the result of one scoped acquisition: the endpoints locked on
// behalf of a single query, in canonical acquisition order. Release it
// through the Coordinator that produced it; releasing twice is a no-op.
type LockSet struct {
	endpoints []string
	released  atomic.Bool
}

// Endpoints returns the locked endpoints in acquisition order.
func (s *LockSet) Endpoints() []string {
	return append([]string(nil), s.endpoints...)
}

// Len returns the number of endpoints in the set.
func (s *LockSet) Len() int { return len(s.endpoints) }
