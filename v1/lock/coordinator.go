package lock

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/lockbus"
	"github.com/mirkobrombin/go-lockstep/v1/transport"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lockstep/v1/lock")

// Coordinator acquires endpoint locks for queries and releases them when
// done. Endpoints are always locked in lexicographic order, the one global
// order every client shares, which is what makes overlapping queries from
// independent clients deadlock free.
//
// Within one process the coordinator reference-counts held locks: a second
// query touching an already held endpoint joins it locally instead of
// fighting its own process over the remote lock. Contention from other
// holders is retried with exponential backoff and jitter up to an attempt
// budget; transport failures and unknown endpoints abort the acquisition and
// roll back everything taken so far, in reverse order.
type Coordinator struct {
	transport transport.Transport
	bus       lockbus.Bus

	backoffBase time.Duration
	backoffMax  time.Duration
	multiplier  float64
	jitter      time.Duration
	attempts    int

	acquireTimeout   time.Duration
	transportRetries int

	mu      sync.Mutex
	handles map[string]*Handle

	acquiredCounter   prometheus.Counter
	contentionCounter prometheus.Counter
	releasedCounter   prometheus.Counter
	waitHist          prometheus.Histogram
	traceEnabled      bool
}

// New returns a Coordinator driving the given transport.
func New(t transport.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport:        t,
		handles:          make(map[string]*Handle),
		backoffBase:      defaultBackoffBase,
		backoffMax:       defaultBackoffMax,
		multiplier:       defaultBackoffMultiplier,
		jitter:           defaultJitter,
		attempts:         defaultAttemptBudget,
		transportRetries: defaultTransportRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transportRetries > 0 {
		// A transport that already retries is left alone so attempts do not
		// multiply across layers.
		if _, ok := c.transport.(*transport.Retrying); !ok {
			c.transport = transport.NewRetrying(c.transport, transport.WithAttempts(c.transportRetries))
		}
	}
	return c
}

// Acquire locks the given endpoints on behalf of one query and returns the
// resulting LockSet. The input is canonicalized first, sorted
// lexicographically with duplicates collapsed, so the acquisition order
// never depends on how the caller assembled the slice.
//
// On any failure every endpoint already taken by this call is released
// again, in reverse order, before the error returns; the caller never holds
// partial state.
func (c *Coordinator) Acquire(ctx context.Context, endpoints []string) (*LockSet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	canon := canonicalOrder(endpoints)

	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Coordinator.Acquire")
		defer span.End()
		span.SetAttributes(attribute.Int("lockstep.lock.endpoints", len(canon)))
	}

	acquired := make([]string, 0, len(canon))
	for _, ep := range canon {
		if err := c.acquireOne(ctx, ep); err != nil {
			if rbErr := c.rollback(acquired); rbErr != nil {
				err = stderrors.Join(err, rbErr)
			}
			if c.traceEnabled {
				span.SetAttributes(
					attribute.String("lockstep.lock.result", "failed"),
					attribute.String("lockstep.lock.endpoint", ep),
				)
			}
			return nil, err
		}
		acquired = append(acquired, ep)
	}
	if c.traceEnabled {
		span.SetAttributes(attribute.String("lockstep.lock.result", "acquired"))
	}
	return &LockSet{endpoints: canon}, nil
}

// Release returns the set's locks, in reverse acquisition order. Reference
// counts decrement first; only the last reference issues the remote unlock.
// An unlock failure never stops the release of the remaining endpoints; the
// failures are aggregated into a single ReleaseError.
func (c *Coordinator) Release(ctx context.Context, set *LockSet) error {
	if set == nil || !set.released.CompareAndSwap(false, true) {
		return nil
	}

	var span trace.Span
	if c.traceEnabled {
		_, span = tracer.Start(ctx, "Coordinator.Release")
		defer span.End()
		span.SetAttributes(attribute.Int("lockstep.lock.endpoints", set.Len()))
	}

	failures := make(map[string]error)
	for i := len(set.endpoints) - 1; i >= 0; i-- {
		ep := set.endpoints[i]
		if err := c.releaseOne(ctx, ep); err != nil {
			failures[ep] = err
		}
	}
	if len(failures) > 0 {
		if c.traceEnabled {
			span.SetAttributes(attribute.Int("lockstep.lock.release_failures", len(failures)))
		}
		return &errors.ReleaseError{Failures: failures}
	}
	return nil
}

// HeldEndpoints returns the endpoints this process currently holds, sorted.
func (c *Coordinator) HeldEndpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for ep, h := range c.handles {
		if h.state == HandleLocked {
			out = append(out, ep)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) acquireOne(ctx context.Context, endpoint string) error {
	start := time.Now()
	acquireCtx := ctx
	if c.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, c.acquireTimeout)
		defer cancel()
	}

	c.beginRequest(endpoint)
	defer c.clearRequest(endpoint)

	var wake chan struct{}
	if c.bus != nil {
		key := lockbus.UnlockKey(endpoint)
		if ch, err := c.bus.Subscribe(acquireCtx, key); err == nil {
			wake = ch
			defer func() { _ = c.bus.Unsubscribe(context.Background(), key, ch) }()
		}
	}

	for attempt := 1; ; attempt++ {
		if c.joinHeld(endpoint) {
			c.observeWait(start)
			return nil
		}
		status, err := c.transport.LockEndpoint(acquireCtx, endpoint)
		if err != nil {
			return c.mapAcquireError(ctx, acquireCtx, endpoint, attempt, start, err)
		}
		if status == transport.LockAcquired {
			c.markLocked(endpoint)
			c.observeWait(start)
			return nil
		}
		if c.contentionCounter != nil {
			c.contentionCounter.Inc()
		}
		if attempt >= c.attempts {
			return &errors.LockTimeoutError{Endpoint: endpoint, Attempts: attempt, Elapsed: time.Since(start)}
		}
		if err := c.waitBackoff(acquireCtx, attempt, wake); err != nil {
			return c.mapAcquireError(ctx, acquireCtx, endpoint, attempt, start, err)
		}
	}
}

// mapAcquireError turns an expiry of the coordinator's own acquire timeout
// into a LockTimeoutError; everything else, including cancellation of the
// caller's context, passes through.
func (c *Coordinator) mapAcquireError(parent, acquireCtx context.Context, endpoint string, attempt int, start time.Time, err error) error {
	if c.acquireTimeout > 0 && acquireCtx.Err() == context.DeadlineExceeded && parent.Err() == nil {
		return &errors.LockTimeoutError{Endpoint: endpoint, Attempts: attempt, Elapsed: time.Since(start)}
	}
	return err
}

func (c *Coordinator) releaseOne(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	h, ok := c.handles[endpoint]
	if !ok || h.state != HandleLocked {
		c.mu.Unlock()
		return nil
	}
	if h.refs > 1 {
		h.refs--
		c.mu.Unlock()
		return nil
	}
	h.state = HandleUnlockRequested
	c.mu.Unlock()

	_, err := c.transport.UnlockEndpoint(ctx, endpoint)

	// The handle is dropped whatever happened: a failed unlock is reported,
	// not retried through a half-dead handle. Only this handle is dropped;
	// a concurrent acquirer that re-locked the endpoint while the unlock was
	// in flight has already replaced it in the map.
	c.mu.Lock()
	if cur, ok := c.handles[endpoint]; ok && cur == h {
		delete(c.handles, endpoint)
	}
	c.mu.Unlock()

	if err != nil {
		if errors.IsEndpointNotFound(err) {
			// The endpoint is gone and its lock with it.
			return nil
		}
		return err
	}
	if c.releasedCounter != nil {
		c.releasedCounter.Inc()
	}
	if c.bus != nil {
		// Announce the release so waiters elsewhere retry immediately. The
		// remote service may publish the same signal; duplicates are hints.
		_ = c.bus.Publish(ctx, lockbus.UnlockKey(endpoint))
	}
	return nil
}

// rollback releases the listed endpoints in reverse order with a fresh
// context, so cleanup still runs when the caller's context is the reason
// the acquisition failed.
func (c *Coordinator) rollback(acquired []string) error {
	failures := make(map[string]error)
	for i := len(acquired) - 1; i >= 0; i-- {
		if err := c.releaseOne(context.Background(), acquired[i]); err != nil {
			failures[acquired[i]] = err
		}
	}
	if len(failures) > 0 {
		return &errors.ReleaseError{Failures: failures}
	}
	return nil
}

// joinHeld increments the reference count when this process already holds
// the endpoint, avoiding a remote call entirely.
func (c *Coordinator) joinHeld(endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[endpoint]; ok && h.state == HandleLocked {
		h.refs++
		return true
	}
	return false
}

func (c *Coordinator) beginRequest(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[endpoint]; !ok {
		c.handles[endpoint] = &Handle{endpoint: endpoint, state: HandleLockRequested}
	}
}

// clearRequest drops a handle that never made it past LockRequested. A
// handle another goroutine moved to Locked in the meantime stays.
func (c *Coordinator) clearRequest(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[endpoint]; ok && h.state == HandleLockRequested {
		delete(c.handles, endpoint)
	}
}

// markLocked records a fresh remote acquisition. A handle still in
// UnlockRequested belongs to a release in flight; it is replaced rather than
// reused so that release cannot later drop this acquisition's record.
func (c *Coordinator) markLocked(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[endpoint]
	if !ok || h.state == HandleUnlockRequested {
		h = &Handle{endpoint: endpoint}
		c.handles[endpoint] = h
	}
	h.state = HandleLocked
	h.refs = 1
	if c.acquiredCounter != nil {
		c.acquiredCounter.Inc()
	}
}

func (c *Coordinator) waitBackoff(ctx context.Context, attempt int, wake <-chan struct{}) error {
	timer := time.NewTimer(c.backoffDelay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		// Holder released; retry immediately.
		return nil
	case <-timer.C:
		return nil
	}
}

func (c *Coordinator) backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(c.backoffBase) * math.Pow(c.multiplier, float64(attempt-1)))
	if d > c.backoffMax || d <= 0 {
		d = c.backoffMax
	}
	if c.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.jitter)))
	}
	return d
}

func (c *Coordinator) observeWait(start time.Time) {
	if c.waitHist != nil {
		c.waitHist.Observe(time.Since(start).Seconds())
	}
}

func canonicalOrder(endpoints []string) []string {
	out := append([]string(nil), endpoints...)
	sort.Strings(out)
	n := 0
	for i, ep := range out {
		if i > 0 && ep == out[i-1] {
			continue
		}
		out[n] = ep
		n++
	}
	return out[:n]
}
