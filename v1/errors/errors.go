package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrAlreadyLocked reports that a remote endpoint rejected a lock request
	// because another holder owns it. The coordinator retries on this signal;
	// callers normally observe it only through LockTimeoutError.
	ErrAlreadyLocked = errors.New("lockstep: endpoint already locked")
	// ErrEndpointNotLocked reports a resource read against an endpoint whose
	// lock is not currently held.
	ErrEndpointNotLocked = errors.New("lockstep: endpoint not locked")
	// ErrNoResources reports a query with an empty resource id set.
	ErrNoResources = errors.New("lockstep: no resource ids given")
)

// ResourceNotFoundError reports a resource id that no endpoint in the registry
// serves. Resolution fails before any lock is taken.
type ResourceNotFoundError struct {
	Resource int64
	// Endpoint is set when a specific endpoint rejected the read, empty when
	// the id was absent from the whole registry.
	Endpoint string
}

func (e *ResourceNotFoundError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("lockstep: resource %d not found on endpoint %q", e.Resource, e.Endpoint)
	}
	return fmt.Sprintf("lockstep: resource %d not found in registry", e.Resource)
}

// EndpointNotFoundError reports an endpoint the remote service does not know,
// usually because the registry snapshot went stale. The query aborts with full
// rollback; retrying with a fresh registry is the caller's call.
type EndpointNotFoundError struct {
	Endpoint string
}

func (e *EndpointNotFoundError) Error() string {
	return fmt.Sprintf("lockstep: endpoint %q not found", e.Endpoint)
}

// LockTimeoutError reports that the acquisition budget for an endpoint ran out
// while the lock stayed contended.
type LockTimeoutError struct {
	Endpoint string
	Attempts int
	Elapsed  time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lockstep: lock on %q timed out after %d attempts in %v", e.Endpoint, e.Attempts, e.Elapsed)
}

func (e *LockTimeoutError) Unwrap() error { return ErrAlreadyLocked }

// TransportError reports a transport level failure (network, protocol,
// unexpected status) for a single operation, after any local retries.
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("lockstep: %s %q: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("lockstep: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ReleaseError aggregates unlock failures from a query's cleanup phase. The
// snapshot the query produced is still valid: every read happened under lock.
type ReleaseError struct {
	Failures map[string]error
}

func (e *ReleaseError) Error() string {
	eps := make([]string, 0, len(e.Failures))
	for ep := range e.Failures {
		eps = append(eps, ep)
	}
	sort.Strings(eps)
	return fmt.Sprintf("lockstep: release failed for %s", strings.Join(eps, ", "))
}

func (e *ReleaseError) Unwrap() error {
	eps := make([]string, 0, len(e.Failures))
	for ep := range e.Failures {
		eps = append(eps, ep)
	}
	sort.Strings(eps)
	errs := make([]error, 0, len(eps))
	for _, ep := range eps {
		errs = append(errs, e.Failures[ep])
	}
	return errors.Join(errs...)
}

// IsResourceNotFound reports whether err wraps a ResourceNotFoundError.
func IsResourceNotFound(err error) bool {
	var e *ResourceNotFoundError
	return errors.As(err, &e)
}

// IsEndpointNotFound reports whether err wraps an EndpointNotFoundError.
func IsEndpointNotFound(err error) bool {
	var e *EndpointNotFoundError
	return errors.As(err, &e)
}

// IsLockTimeout reports whether err wraps a LockTimeoutError.
func IsLockTimeout(err error) bool {
	var e *LockTimeoutError
	return errors.As(err, &e)
}

// AsReleaseError extracts a ReleaseError from err, if any. Queries that read
// everything but failed to unlock return the snapshot together with one.
func AsReleaseError(err error) (*ReleaseError, bool) {
	var e *ReleaseError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
