// Package presets wires the common go-lockstep assemblies together so a
// client is one call away for the usual deployments.
package presets

import (
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockstep/v1/lockbus"
	"github.com/mirkobrombin/go-lockstep/v1/query"
	"github.com/mirkobrombin/go-lockstep/v1/service"
	"github.com/mirkobrombin/go-lockstep/v1/transport"
)

// InProcessOptions configures the in-process assembly.
type InProcessOptions struct {
	// Seed populates the service with a randomized endpoint layout when non
	// zero. Leave zero to start empty and add endpoints by hand.
	Seed int64
	// ReadDelay is the artificial per read latency of the service.
	ReadDelay time.Duration
}

// NewInProcess creates a query client against an in-memory service in the
// same process, with an in-memory bus carrying lock signals between them.
// This is the assembly for tests, examples and single process benchmarks.
func NewInProcess(opts InProcessOptions) (*query.Client, *service.Service) {
	bus := lockbus.NewInMemoryBus()

	// Service: the in-memory reference implementation, announcing lock
	// transitions on the bus.
	svc := service.New(service.WithBus(bus), service.WithReadDelay(opts.ReadDelay))
	if opts.Seed != 0 {
		svc.Populate(opts.Seed)
	}

	// Client: direct in-process calls, woken by the bus on contention.
	cli := query.New(svc, query.WithBus(bus))
	return cli, svc
}

// HTTPOptions configures the connection to a wire protocol service.
type HTTPOptions struct {
	// BaseURL is the root of the remote service, e.g. "http://localhost:8080".
	BaseURL string
	// Retries enables transport level retries for idempotent operations when
	// greater than zero.
	Retries int
}

// NewHTTP creates a query client speaking the JSON wire protocol against the
// service at BaseURL.
func NewHTTP(opts HTTPOptions) *query.Client {
	var t transport.Transport = transport.NewHTTP(opts.BaseURL)
	if opts.Retries > 0 {
		t = transport.NewRetrying(t, transport.WithAttempts(opts.Retries))
	}
	return query.New(t)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a query client against a Redis hosted endpoint service,
// sharing one connection between the transport and the pub/sub lock signal
// bus. Unlock signals reach waiters in other processes, so contended
// acquisitions retry as soon as the holder releases.
func NewRedis(opts RedisOptions) *query.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	// Transport: registry, locks and states in Redis keys.
	t := transport.NewRedis(client)

	// Bus: Redis pub/sub lock signals.
	bus := lockbus.NewRedisBus(client)

	return query.New(t, query.WithBus(bus))
}
