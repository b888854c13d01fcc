package transport

import (
	"context"
	stderrors "errors"
	"math/rand"
	"time"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/registry"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 25 * time.Millisecond
	defaultRetryCap      = 250 * time.Millisecond
)

// Retrying wraps a transport and retries operations that failed with a
// *errors.TransportError, with exponential backoff and jitter. Typed
// protocol errors and contention statuses pass through untouched.
//
// Registry fetches, reads and unlocks are retried: all three are idempotent,
// unlock because releasing an already released lock reports UnlockNotHeld
// and still counts as success. Lock attempts are never retried here. A lock
// response lost in transit may have committed server side, and repeating the
// request would misreport our own acquisition as foreign contention; the
// coordinator's attempt loop owns lock retry policy.
type Retrying struct {
	next     Transport
	attempts int
	base     time.Duration
	cap      time.Duration
}

// RetryOption configures a Retrying transport.
type RetryOption func(*Retrying)

// WithAttempts sets the total number of attempts per operation, including
// the first. Values below one are treated as one.
func WithAttempts(n int) RetryOption {
	return func(t *Retrying) {
		if n < 1 {
			n = 1
		}
		t.attempts = n
	}
}

// WithRetryBackoff sets the first backoff delay and the delay ceiling.
func WithRetryBackoff(base, cap time.Duration) RetryOption {
	return func(t *Retrying) {
		t.base = base
		t.cap = cap
	}
}

// NewRetrying wraps next with retry behavior.
func NewRetrying(next Transport, opts ...RetryOption) *Retrying {
	t := &Retrying{
		next:     next,
		attempts: defaultRetryAttempts,
		base:     defaultRetryBase,
		cap:      defaultRetryCap,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Retrying) GetRegistry(ctx context.Context) (registry.Registry, error) {
	var reg registry.Registry
	err := t.do(ctx, func() error {
		var err error
		reg, err = t.next.GetRegistry(ctx)
		return err
	})
	return reg, err
}

func (t *Retrying) LockEndpoint(ctx context.Context, endpoint string) (LockStatus, error) {
	return t.next.LockEndpoint(ctx, endpoint)
}

func (t *Retrying) UnlockEndpoint(ctx context.Context, endpoint string) (UnlockStatus, error) {
	var status UnlockStatus
	err := t.do(ctx, func() error {
		var err error
		status, err = t.next.UnlockEndpoint(ctx, endpoint)
		return err
	})
	return status, err
}

func (t *Retrying) GetResource(ctx context.Context, endpoint string, id registry.ResourceID) (string, error) {
	var state string
	err := t.do(ctx, func() error {
		var err error
		state, err = t.next.GetResource(ctx, endpoint, id)
		return err
	})
	return state, err
}

func (t *Retrying) do(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < t.attempts; attempt++ {
		if attempt > 0 {
			if werr := t.wait(ctx, attempt); werr != nil {
				return werr
			}
		}
		err = op()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func (t *Retrying) wait(ctx context.Context, attempt int) error {
	d := t.base << (attempt - 1)
	if d > t.cap {
		d = t.cap
	}
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryable(err error) bool {
	var te *errors.TransportError
	return stderrors.As(err, &te)
}
