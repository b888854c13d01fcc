package transport

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/mirkobrombin/go-lockstep/v1/registry"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed lets requests through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects requests without touching the service.
	BreakerOpen
	// BreakerHalfOpen lets probes through after the cooldown; the first
	// success closes the circuit, the first failure reopens it.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned while the circuit is open.
var ErrBreakerOpen = stderrors.New("lockstep: circuit breaker is open")

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Breaker wraps a transport with a circuit breaker. Only transport level
// failures trip it; typed protocol errors and contention statuses mean the
// service answered and count as successes.
type Breaker struct {
	next Transport

	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
}

// NewBreaker wraps next, opening the circuit after threshold consecutive
// failures and probing again after cooldown. Non positive arguments fall
// back to defaults.
func NewBreaker(next Transport, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &Breaker{
		next:      next,
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// State reports the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsHealthy reports whether the circuit is closed.
func (b *Breaker) IsHealthy() bool {
	return b.State() == BreakerClosed
}

func (b *Breaker) GetRegistry(ctx context.Context) (registry.Registry, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}
	reg, err := b.next.GetRegistry(ctx)
	b.observe(err)
	return reg, err
}

func (b *Breaker) LockEndpoint(ctx context.Context, endpoint string) (LockStatus, error) {
	if err := b.allow(); err != nil {
		return 0, err
	}
	status, err := b.next.LockEndpoint(ctx, endpoint)
	b.observe(err)
	return status, err
}

func (b *Breaker) UnlockEndpoint(ctx context.Context, endpoint string) (UnlockStatus, error) {
	if err := b.allow(); err != nil {
		return 0, err
	}
	status, err := b.next.UnlockEndpoint(ctx, endpoint)
	b.observe(err)
	return status, err
}

func (b *Breaker) GetResource(ctx context.Context, endpoint string, id registry.ResourceID) (string, error) {
	if err := b.allow(); err != nil {
		return "", err
	}
	state, err := b.next.GetResource(ctx, endpoint, id)
	b.observe(err)
	return state, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		if time.Since(b.lastFail) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
	}
	return nil
}

func (b *Breaker) observe(err error) {
	if err != nil && retryable(err) {
		b.onFailure()
		return
	}
	b.onSuccess()
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFail = time.Now()
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
	}
}
