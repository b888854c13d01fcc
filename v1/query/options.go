package query

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-lockstep/v1/lock"
	"github.com/mirkobrombin/go-lockstep/v1/lockbus"
)

// Option configures a Client.
type Option func(*Client)

// WithWorkers bounds how many resource reads a query runs concurrently.
// Zero or negative values keep the fetch package default.
func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithRegistryCache reuses registry snapshots across queries for up to ttl.
// The cache is dropped whenever the remote service reports an endpoint it no
// longer knows, so a stale snapshot costs one failed query, not ttl worth of
// them. The default is a fresh registry fetch per query.
func WithRegistryCache(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithCoordinator passes options through to the client's lock coordinator,
// for backoff, jitter and budget tuning.
func WithCoordinator(opts ...lock.Option) Option {
	return func(c *Client) {
		c.coordOpts = append(c.coordOpts, opts...)
	}
}

// WithBus hands lock lifecycle signals to the coordinator, letting contended
// acquisitions retry as soon as a holder releases instead of sleeping out
// the full backoff.
func WithBus(bus lockbus.Bus) Option {
	return func(c *Client) {
		c.bus = bus
	}
}

// WithMetrics enables Prometheus metrics for this client and its coordinator
// on reg. Do not combine with WithCoordinator(lock.WithMetrics(...)) on the
// same registry; the coordinator collectors would register twice.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.metricReg = reg
		c.queryCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_query_total",
			Help: "Total number of synchronized queries issued",
		})
		c.failureCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_query_failures_total",
			Help: "Total number of queries that returned no snapshot",
		})
		c.queryHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lockstep_query_duration_seconds",
			Help:    "End to end latency of synchronized queries",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.queryCounter, c.failureCounter, c.queryHist)
	}
}

// WithTracing enables OpenTelemetry spans for queries, lock acquisition and
// fetches.
func WithTracing() Option {
	return func(c *Client) {
		c.traceEnabled = true
	}
}
