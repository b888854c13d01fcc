package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/registry"
)

// releaseScript deletes the lock key only while it still holds our token, so
// a release can never drop a lock acquired by someone else after ours
// expired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis serves the protocol from a shared Redis deployment instead of an
// HTTP service. The registry lives in a hash keyed by endpoint name, each
// endpoint's resource states in a hash of their own, and endpoint locks are
// plain SET NX keys holding a per-acquisition token.
//
// Unlike the HTTP wire protocol, locks are owned: UnlockEndpoint releases
// only acquisitions made through this transport instance and reports
// UnlockNotHeld for anything else.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// RedisOption configures a Redis transport.
type RedisOption func(*Redis)

// WithLockTTL sets an expiry on acquired lock keys, as crash protection for
// holders that die without releasing. Zero, the default, means locks persist
// until released.
func WithLockTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = d
	}
}

// WithKeyPrefix changes the key namespace, which defaults to "lockstep:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis returns a transport backed by the given client. The caller owns
// the client and its lifecycle.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "lockstep:",
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) registryKey() string { return r.prefix + "registry" }

func (r *Redis) lockKey(endpoint string) string { return r.prefix + "lock:" + endpoint }

func (r *Redis) stateKey(endpoint string) string { return r.prefix + "state:" + endpoint }

// Seed writes the registry and resource states in one transaction, replacing
// whatever was there. Lock keys are left alone.
func (r *Redis) Seed(ctx context.Context, reg registry.Registry, states map[registry.ResourceID]string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.registryKey())
	for name, ep := range reg {
		ids, err := json.Marshal(ep.Resources)
		if err != nil {
			return fmt.Errorf("lockstep: encode endpoint %q: %w", name, err)
		}
		pipe.HSet(ctx, r.registryKey(), name, string(ids))
		pipe.Del(ctx, r.stateKey(name))
		for _, id := range ep.Resources {
			if state, ok := states[id]; ok {
				pipe.HSet(ctx, r.stateKey(name), field(id), state)
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &errors.TransportError{Op: "seed", Err: err}
	}
	return nil
}

// GetRegistry reads the endpoint hash and derives each locked flag from the
// existence of the endpoint's lock key.
func (r *Redis) GetRegistry(ctx context.Context) (registry.Registry, error) {
	fields, err := r.client.HGetAll(ctx, r.registryKey()).Result()
	if err != nil {
		return nil, &errors.TransportError{Op: "registry", Err: err}
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	pipe := r.client.Pipeline()
	locked := make([]*redis.IntCmd, len(names))
	for i, name := range names {
		locked[i] = pipe.Exists(ctx, r.lockKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &errors.TransportError{Op: "registry", Err: err}
	}

	reg := make(registry.Registry, len(names))
	for i, name := range names {
		var ids []registry.ResourceID
		if err := json.Unmarshal([]byte(fields[name]), &ids); err != nil {
			return nil, &errors.TransportError{Op: "registry", Err: fmt.Errorf("decode endpoint %q: %w", name, err)}
		}
		reg[name] = registry.Endpoint{Resources: ids, Locked: locked[i].Val() > 0}
	}
	return reg, nil
}

// LockEndpoint attempts SET NX with a fresh token. An existing key, whoever
// owns it, is contention.
func (r *Redis) LockEndpoint(ctx context.Context, endpoint string) (LockStatus, error) {
	known, err := r.client.HExists(ctx, r.registryKey(), endpoint).Result()
	if err != nil {
		return 0, &errors.TransportError{Op: "lock", Endpoint: endpoint, Err: err}
	}
	if !known {
		return 0, &errors.EndpointNotFoundError{Endpoint: endpoint}
	}
	token := uuid.NewString()
	acquired, err := r.client.SetNX(ctx, r.lockKey(endpoint), token, r.ttl).Result()
	if err != nil {
		return 0, &errors.TransportError{Op: "lock", Endpoint: endpoint, Err: err}
	}
	if !acquired {
		return LockContended, nil
	}
	r.mu.Lock()
	r.tokens[endpoint] = token
	r.mu.Unlock()
	return LockAcquired, nil
}

// UnlockEndpoint releases our acquisition through the compare and delete
// script. The token survives a failed release attempt so a retry can still
// complete it.
func (r *Redis) UnlockEndpoint(ctx context.Context, endpoint string) (UnlockStatus, error) {
	known, err := r.client.HExists(ctx, r.registryKey(), endpoint).Result()
	if err != nil {
		return 0, &errors.TransportError{Op: "unlock", Endpoint: endpoint, Err: err}
	}
	if !known {
		return 0, &errors.EndpointNotFoundError{Endpoint: endpoint}
	}
	r.mu.Lock()
	token, held := r.tokens[endpoint]
	r.mu.Unlock()
	if !held {
		return UnlockNotHeld, nil
	}
	n, err := releaseScript.Run(ctx, r.client, []string{r.lockKey(endpoint)}, token).Int()
	if err != nil {
		return 0, &errors.TransportError{Op: "unlock", Endpoint: endpoint, Err: err}
	}
	r.mu.Lock()
	delete(r.tokens, endpoint)
	r.mu.Unlock()
	if n == 0 {
		// Key expired or was taken over; nothing of ours left to release.
		return UnlockNotHeld, nil
	}
	return UnlockReleased, nil
}

// GetResource reads one state field. It requires a lock held through this
// transport instance, mirroring the wire protocol's read gate.
func (r *Redis) GetResource(ctx context.Context, endpoint string, id registry.ResourceID) (string, error) {
	r.mu.Lock()
	_, held := r.tokens[endpoint]
	r.mu.Unlock()
	if !held {
		return "", errors.ErrEndpointNotLocked
	}
	state, err := r.client.HGet(ctx, r.stateKey(endpoint), field(id)).Result()
	if err == redis.Nil {
		return "", &errors.ResourceNotFoundError{Resource: int64(id), Endpoint: endpoint}
	}
	if err != nil {
		return "", &errors.TransportError{Op: "read", Endpoint: endpoint, Err: err}
	}
	return state, nil
}

func field(id registry.ResourceID) string {
	return strconv.FormatInt(int64(id), 10)
}
