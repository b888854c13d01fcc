package query

import (
	"context"
	stderrors "errors"
	"time"

	guuid "github.com/google/uuid"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/fetch"
	"github.com/mirkobrombin/go-lockstep/v1/lock"
	"github.com/mirkobrombin/go-lockstep/v1/lockbus"
	"github.com/mirkobrombin/go-lockstep/v1/registry"
	"github.com/mirkobrombin/go-lockstep/v1/transport"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lockstep/v1/query")

// Snapshot is the resource id to state mapping a successful query returns.
// It is complete: a query either reads every requested resource under its
// endpoint's lock or returns no snapshot at all.
type Snapshot = fetch.Snapshot

// Client issues synchronized resource queries against one remote service.
// Every query resolves the registry, locks the owning endpoints in the
// shared lexicographic order, reads the resources concurrently and releases
// the locks again, whatever happened in between.
//
// A Client is safe for concurrent use. Concurrent queries from the same
// Client share endpoint locks through the coordinator's reference counts
// instead of contending with each other remotely.
type Client struct {
	transport transport.Transport
	source    registry.Source
	cache     *registry.SnapshotCache
	coord     *lock.Coordinator

	instanceID string

	workers   int
	cacheTTL  time.Duration
	coordOpts []lock.Option
	bus       lockbus.Bus
	metricReg prometheus.Registerer

	queryCounter   prometheus.Counter
	failureCounter prometheus.Counter
	queryHist      prometheus.Histogram
	traceEnabled   bool
}

// New returns a Client reading through the given transport.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport:  t,
		source:     t,
		instanceID: guuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cacheTTL > 0 {
		c.cache = registry.NewSnapshotCache(t, registry.WithTTL(c.cacheTTL))
		c.source = c.cache
	}
	coordOpts := append([]lock.Option(nil), c.coordOpts...)
	if c.bus != nil {
		coordOpts = append(coordOpts, lock.WithBus(c.bus))
	}
	if c.metricReg != nil {
		coordOpts = append(coordOpts, lock.WithMetrics(c.metricReg))
	}
	if c.traceEnabled {
		coordOpts = append(coordOpts, lock.WithTracing())
	}
	c.coord = lock.New(t, coordOpts...)
	return c
}

// InstanceID returns the stable identity of this client instance.
func (c *Client) InstanceID() string { return c.instanceID }

// Close releases resources held by the client. Queries in flight are not
// interrupted.
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// QuerySynchronizedResources reads the given resources as one synchronized
// snapshot. The owning endpoints are locked before any read and unlocked
// after the last one, so the returned states were all observed while no
// other client could write them.
//
// The error taxonomy callers dispatch on: errors.IsResourceNotFound when an
// id is absent from the registry (no lock was taken), errors.IsLockTimeout
// when an endpoint stayed contended past the acquisition budget,
// errors.IsEndpointNotFound when the registry snapshot went stale. If every
// read succeeded but some unlock failed, the snapshot is returned together
// with the aggregated error; errors.AsReleaseError tells that case apart
// from a failed query.
func (c *Client) QuerySynchronizedResources(ctx context.Context, ids ...registry.ResourceID) (Snapshot, error) {
	start := time.Now()
	if c.queryCounter != nil {
		c.queryCounter.Inc()
	}

	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Client.QuerySynchronizedResources")
		defer span.End()
		span.SetAttributes(
			attribute.String("lockstep.query.client", c.instanceID),
			attribute.Int("lockstep.query.resources", len(ids)),
		)
		if qid, err := uuid.GenerateUUID(); err == nil {
			span.SetAttributes(attribute.String("lockstep.query.id", qid))
		}
	}

	snap, err := c.run(ctx, ids)

	if c.queryHist != nil {
		c.queryHist.Observe(time.Since(start).Seconds())
	}
	switch {
	case err == nil:
		if c.traceEnabled {
			span.SetAttributes(attribute.String("lockstep.query.result", "ok"))
		}
	case snap != nil:
		if c.traceEnabled {
			span.SetAttributes(attribute.String("lockstep.query.result", "release_failed"))
		}
	default:
		if c.failureCounter != nil {
			c.failureCounter.Inc()
		}
		if c.traceEnabled {
			span.SetAttributes(attribute.String("lockstep.query.result", "failed"))
		}
	}
	return snap, err
}

func (c *Client) run(ctx context.Context, ids []registry.ResourceID) (Snapshot, error) {
	if len(ids) == 0 {
		return nil, errors.ErrNoResources
	}
	reg, err := c.source.GetRegistry(ctx)
	if err != nil {
		return nil, err
	}
	res, err := reg.Resolve(ids...)
	if err != nil {
		return nil, err
	}

	set, err := c.coord.Acquire(ctx, res.Endpoints)
	if err != nil {
		c.noteStaleRegistry(err)
		return nil, err
	}

	snap, err := fetch.Fetch(ctx, c.transport, res.Assignments, c.fetchOptions()...)

	// Locks are returned on a fresh context: cleanup must still run when the
	// caller's context died between read and release.
	relErr := c.coord.Release(context.Background(), set)
	if relErr != nil {
		c.noteStaleRegistry(relErr)
	}

	if err != nil {
		c.noteStaleRegistry(err)
		if relErr != nil {
			return nil, stderrors.Join(err, relErr)
		}
		return nil, err
	}
	if relErr != nil {
		// Every read happened under lock; the snapshot is valid and the
		// caller decides what a leaked lock means for it.
		return snap, relErr
	}
	return snap, nil
}

func (c *Client) fetchOptions() []fetch.Option {
	var opts []fetch.Option
	if c.workers > 0 {
		opts = append(opts, fetch.WithWorkers(c.workers))
	}
	if c.traceEnabled {
		opts = append(opts, fetch.WithTracing())
	}
	return opts
}

// noteStaleRegistry drops the cached registry snapshot after the remote
// service reported an endpoint it no longer knows.
func (c *Client) noteStaleRegistry(err error) {
	if c.cache != nil && errors.IsEndpointNotFound(err) {
		c.cache.Invalidate()
	}
}
