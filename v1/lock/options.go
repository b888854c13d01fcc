package lock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-lockstep/v1/lockbus"
)

const (
	defaultBackoffBase       = 20 * time.Millisecond
	defaultBackoffMax        = 500 * time.Millisecond
	defaultBackoffMultiplier = 2.0
	defaultJitter            = 25 * time.Millisecond
	defaultAttemptBudget     = 8
	defaultTransportRetries  = 2
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBackoff sets the contention backoff curve: the first delay, the delay
// ceiling and the growth factor between attempts.
func WithBackoff(base, max time.Duration, multiplier float64) Option {
	return func(c *Coordinator) {
		if base > 0 {
			c.backoffBase = base
		}
		if max > 0 {
			c.backoffMax = max
		}
		if multiplier >= 1 {
			c.multiplier = multiplier
		}
	}
}

// WithJitter sets the upper bound of the random delay added to every
// backoff sleep, which keeps competing clients from retrying in lockstep.
// Zero disables jitter.
func WithJitter(d time.Duration) Option {
	return func(c *Coordinator) {
		c.jitter = d
	}
}

// WithAttemptBudget caps how many lock attempts are spent per endpoint
// before the acquisition fails with a LockTimeoutError.
func WithAttemptBudget(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithAcquireTimeout bounds the total wall-clock time spent acquiring any
// single endpoint, contention waits included. Exceeding it fails the
// acquisition with a LockTimeoutError. Zero, the default, leaves the
// context in charge.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.acquireTimeout = d
	}
}

// WithTransportRetries sets how many attempts the coordinator spends on an
// operation that fails at the transport level before treating it as fatal.
// The default is 2; a failed unlock leaves the remote lock held until it
// expires, so unlocks are not given up on the first network error. Zero
// disables the retry layer. Lock attempts are always single-shot regardless
// (see transport.Retrying).
func WithTransportRetries(n int) Option {
	return func(c *Coordinator) {
		c.transportRetries = n
	}
}

// WithBus subscribes contention waits to unlock signals on the given bus and
// announces this coordinator's own releases on it, cutting backoff sleeps
// short when a holder releases. Signals are wake hints only; losing or
// duplicating them never changes correctness.
func WithBus(bus lockbus.Bus) Option {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.acquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_lock_acquired_total",
			Help: "Total number of endpoint locks acquired",
		})
		c.contentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_lock_contention_total",
			Help: "Total number of contended lock attempts",
		})
		c.releasedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_lock_released_total",
			Help: "Total number of endpoint locks released",
		})
		c.waitHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lockstep_lock_wait_seconds",
			Help:    "Time spent acquiring each endpoint lock",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.acquiredCounter, c.contentionCounter, c.releasedCounter, c.waitHist)
	}
}

// WithTracing enables OpenTelemetry tracing for acquire and release.
func WithTracing() Option {
	return func(c *Coordinator) {
		c.traceEnabled = true
	}
}
