package fetch

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-lockstep/v1/registry"
	"github.com/mirkobrombin/go-lockstep/v1/transport"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lockstep/v1/fetch")

// defaultWorkers bounds concurrent reads per fetch. Endpoints serve few
// resources each, so a small pool saturates the useful parallelism without
// stampeding the remote service.
const defaultWorkers = 8

// Snapshot is the complete resource id to state mapping produced by one
// fetch. A Snapshot is only ever returned whole; a failed fetch yields none.
type Snapshot map[registry.ResourceID]string

// IDs returns the snapshot's resource ids in ascending order.
func (s Snapshot) IDs() []registry.ResourceID {
	out := make([]registry.ResourceID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type config struct {
	workers int
	trace   bool
}

// Option configures a fetch.
type Option func(*config)

// WithWorkers sets the concurrent read limit. Values below one fall back to
// the default.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithTracing enables an OpenTelemetry span around the fetch.
func WithTracing() Option {
	return func(c *config) {
		c.trace = true
	}
}

// Fetch reads every assigned resource from its endpoint concurrently,
// bounded by the worker limit. The caller must hold the lock of every
// endpoint in the assignment. The first failed read cancels the rest and
// fails the whole fetch; on success the snapshot holds exactly one state
// per assigned id.
func Fetch(ctx context.Context, t transport.Transport, assignments map[registry.ResourceID]string, opts ...Option) (Snapshot, error) {
	cfg := config{workers: defaultWorkers}
	for _, opt := range opts {
		opt(&cfg)
	}

	var span trace.Span
	if cfg.trace {
		ctx, span = tracer.Start(ctx, "Fetch")
		defer span.End()
		span.SetAttributes(
			attribute.Int("lockstep.fetch.resources", len(assignments)),
			attribute.Int("lockstep.fetch.workers", cfg.workers),
		)
	}

	snap := make(Snapshot, len(assignments))
	if len(assignments) == 0 {
		return snap, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	for id, endpoint := range assignments {
		g.Go(func() error {
			state, err := t.GetResource(ctx, endpoint, id)
			if err != nil {
				return err
			}
			mu.Lock()
			snap[id] = state
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if cfg.trace {
			span.SetAttributes(attribute.String("lockstep.fetch.result", "failed"))
		}
		return nil, err
	}
	if cfg.trace {
		span.SetAttributes(attribute.String("lockstep.fetch.result", "complete"))
	}
	return snap, nil
}
