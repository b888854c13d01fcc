package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/lockbus"
	"github.com/mirkobrombin/go-lockstep/v1/metrics"
	"github.com/mirkobrombin/go-lockstep/v1/registry"
	"github.com/mirkobrombin/go-lockstep/v1/transport"
)

const (
	populateEndpoints      = 50
	populateMinResource    = 0
	populateMaxResource    = 51
	populateMaxPerEndpoint = 10
)

// EndpointStats are the audit counters kept per endpoint. Locks counts
// successful acquisitions, Unlocks successful releases; after a well behaved
// client run the two must match. Denials counts rejected locks, unlocks and
// reads.
type EndpointStats struct {
	Locks   uint64
	Unlocks uint64
	Reads   uint64
	Denials uint64
}

type endpointState struct {
	resources  map[registry.ResourceID]struct{}
	order      []registry.ResourceID
	locked     bool
	generation uint64
	stats      EndpointStats
}

// FaultFunc lets tests and harnesses inject transport level failures. It is
// consulted before every operation with the operation name and endpoint
// (empty for registry fetches); a non nil result fails the operation.
type FaultFunc func(op, endpoint string) error

// Service is an in-memory reference implementation of the remote side of
// the protocol: a registry of lockable endpoints, each serving resource
// states readable only under its lock. It satisfies transport.Transport, so
// clients can run against it in-process, and Handler exposes the same
// behavior over the JSON wire protocol.
//
// Lock state follows the wire protocol: locks have no owner, and any caller
// may release a held lock. Resource states are deterministic per endpoint,
// resource and lock generation, so tests can predict what a read under a
// given acquisition returns.
type Service struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState

	readDelay time.Duration
	bus       lockbus.Bus
	fault     FaultFunc
	watchers  *watchHub
}

var _ transport.Transport = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithReadDelay makes every successful resource read take at least d, like
// the mock service this replaces slept per read so latency numbers mean
// something. Zero disables the delay.
func WithReadDelay(d time.Duration) Option {
	return func(s *Service) {
		s.readDelay = d
	}
}

// WithBus publishes lock and unlock transitions to the given bus under
// lockbus.LockKey and lockbus.UnlockKey, letting waiting clients use wake
// hints instead of pure timer backoff.
func WithBus(bus lockbus.Bus) Option {
	return func(s *Service) {
		s.bus = bus
	}
}

// WithFault installs a fault injection hook.
func WithFault(hook FaultFunc) Option {
	return func(s *Service) {
		s.fault = hook
	}
}

// New returns an empty service. Add endpoints with AddEndpoint or Populate.
func New(opts ...Option) *Service {
	s := &Service{
		endpoints: make(map[string]*endpointState),
		watchers:  newWatchHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddEndpoint registers an endpoint serving the given resource ids,
// replacing any endpoint of the same name. Duplicate ids collapse.
func (s *Service) AddEndpoint(name string, ids ...registry.ResourceID) {
	ep := &endpointState{resources: make(map[registry.ResourceID]struct{}, len(ids))}
	for _, id := range ids {
		if _, ok := ep.resources[id]; ok {
			continue
		}
		ep.resources[id] = struct{}{}
		ep.order = append(ep.order, id)
	}
	sort.Slice(ep.order, func(i, j int) bool { return ep.order[i] < ep.order[j] })

	s.mu.Lock()
	s.endpoints[name] = ep
	s.mu.Unlock()
	s.watchers.publish(registryWatchKey, Event{Event: "added", Endpoint: name})
}

// RemoveEndpoint drops an endpoint from the registry, reporting whether it
// existed. In-flight clients that resolved against the old registry will see
// EndpointNotFoundError on their next operation against it.
func (s *Service) RemoveEndpoint(name string) bool {
	s.mu.Lock()
	_, ok := s.endpoints[name]
	delete(s.endpoints, name)
	s.mu.Unlock()
	if ok {
		s.watchers.publish(registryWatchKey, Event{Event: "removed", Endpoint: name})
	}
	return ok
}

// Populate fills the service with a randomized registry shaped like the
// original mock data set: 50 endpoints with word-like names, each serving
// up to 10 resource ids drawn from 0 through 51. The same seed always
// produces the same registry.
func (s *Service) Populate(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	used := make(map[string]struct{}, populateEndpoints)
	for len(used) < populateEndpoints {
		name := nameAdjectives[rng.Intn(len(nameAdjectives))] + "-" + nameNouns[rng.Intn(len(nameNouns))]
		if _, ok := used[name]; ok {
			continue
		}
		used[name] = struct{}{}

		n := rng.Intn(populateMaxPerEndpoint + 1)
		ids := make([]registry.ResourceID, 0, n)
		for i := 0; i < n; i++ {
			ids = append(ids, registry.ResourceID(populateMinResource+rng.Intn(populateMaxResource-populateMinResource+1)))
		}
		s.AddEndpoint(name, ids...)
	}
}

// Stats returns a copy of the per-endpoint audit counters.
func (s *Service) Stats() map[string]EndpointStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]EndpointStats, len(s.endpoints))
	for name, ep := range s.endpoints {
		out[name] = ep.stats
	}
	return out
}

// PeekState returns the state a read under the current lock generation
// would yield, without the lock gate, delay or counters. Test helper.
func (s *Service) PeekState(name string, id registry.ResourceID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[name]
	if !ok {
		return "", false
	}
	if _, ok := ep.resources[id]; !ok {
		return "", false
	}
	return StateFor(name, id, ep.generation), true
}

// GetRegistry snapshots the endpoint membership.
func (s *Service) GetRegistry(ctx context.Context) (registry.Registry, error) {
	if err := s.gate(ctx, "registry", ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := make(registry.Registry, len(s.endpoints))
	for name, ep := range s.endpoints {
		reg[name] = registry.Endpoint{
			Resources: append([]registry.ResourceID(nil), ep.order...),
			Locked:    ep.locked,
		}
	}
	return reg, nil
}

// LockEndpoint attempts a non blocking acquisition. Acquiring bumps the
// endpoint's lock generation, which rotates its resource states.
func (s *Service) LockEndpoint(ctx context.Context, name string) (transport.LockStatus, error) {
	if err := s.gate(ctx, "lock", name); err != nil {
		return 0, err
	}
	s.mu.Lock()
	ep, ok := s.endpoints[name]
	if !ok {
		s.mu.Unlock()
		return 0, &errors.EndpointNotFoundError{Endpoint: name}
	}
	if ep.locked {
		ep.stats.Denials++
		s.mu.Unlock()
		metrics.DenialCounter.Inc()
		return transport.LockContended, nil
	}
	ep.locked = true
	ep.generation++
	gen := ep.generation
	ep.stats.Locks++
	s.mu.Unlock()

	metrics.LockCounter.Inc()
	if s.bus != nil {
		_ = s.bus.Publish(ctx, lockbus.LockKey(name))
	}
	s.watchers.publish(name, Event{Event: "lock", Endpoint: name, Generation: gen})
	return transport.LockAcquired, nil
}

// UnlockEndpoint releases the endpoint lock. As on the wire, locks carry no
// owner: any caller can release a held lock, and releasing an idle endpoint
// reports UnlockNotHeld.
func (s *Service) UnlockEndpoint(ctx context.Context, name string) (transport.UnlockStatus, error) {
	if err := s.gate(ctx, "unlock", name); err != nil {
		return 0, err
	}
	s.mu.Lock()
	ep, ok := s.endpoints[name]
	if !ok {
		s.mu.Unlock()
		return 0, &errors.EndpointNotFoundError{Endpoint: name}
	}
	if !ep.locked {
		ep.stats.Denials++
		s.mu.Unlock()
		metrics.DenialCounter.Inc()
		return transport.UnlockNotHeld, nil
	}
	ep.locked = false
	gen := ep.generation
	ep.stats.Unlocks++
	s.mu.Unlock()

	metrics.UnlockCounter.Inc()
	if s.bus != nil {
		_ = s.bus.Publish(ctx, lockbus.UnlockKey(name))
	}
	s.watchers.publish(name, Event{Event: "unlock", Endpoint: name, Generation: gen})
	return transport.UnlockReleased, nil
}

// GetResource reads one resource state. Checks run in the wire protocol's
// order: unknown endpoint, then unknown resource, then the lock gate.
func (s *Service) GetResource(ctx context.Context, name string, id registry.ResourceID) (string, error) {
	if err := s.gate(ctx, "read", name); err != nil {
		return "", err
	}
	s.mu.Lock()
	ep, ok := s.endpoints[name]
	if !ok {
		s.mu.Unlock()
		return "", &errors.EndpointNotFoundError{Endpoint: name}
	}
	if _, ok := ep.resources[id]; !ok {
		s.mu.Unlock()
		return "", &errors.ResourceNotFoundError{Resource: int64(id), Endpoint: name}
	}
	if !ep.locked {
		ep.stats.Denials++
		s.mu.Unlock()
		metrics.DenialCounter.Inc()
		return "", errors.ErrEndpointNotLocked
	}
	gen := ep.generation
	ep.stats.Reads++
	s.mu.Unlock()

	metrics.ReadCounter.Inc()
	if s.readDelay > 0 {
		timer := time.NewTimer(s.readDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return StateFor(name, id, gen), nil
}

// gate applies the context check and the fault hook shared by every
// operation.
func (s *Service) gate(ctx context.Context, op, endpoint string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if s.fault != nil {
		if err := s.fault(op, endpoint); err != nil {
			return &errors.TransportError{Op: op, Endpoint: endpoint, Err: err}
		}
	}
	return nil
}

// StateFor computes the deterministic state string an endpoint serves for a
// resource under a given lock generation.
func StateFor(endpoint string, id registry.ResourceID, generation uint64) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d/%d", endpoint, id, generation)
	return fmt.Sprintf("%016x", h.Sum64())
}

var nameAdjectives = []string{
	"amber", "brisk", "calm", "dusty", "eager", "faint", "grand", "hazy",
	"iron", "jade", "keen", "lunar", "mellow", "noble", "oaken", "pale",
	"quiet", "rapid", "solid", "tidal", "umber", "vivid", "wry", "young",
}

var nameNouns = []string{
	"anchor", "basin", "cove", "delta", "ember", "fjord", "grove", "harbor",
	"inlet", "jetty", "knoll", "lagoon", "mesa", "narrows", "outpost", "pier",
	"quay", "reef", "shoal", "terrace", "upland", "vale", "wharf", "zenith",
}
