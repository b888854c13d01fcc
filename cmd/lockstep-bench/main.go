package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/lock"
	"github.com/mirkobrombin/go-lockstep/v1/lockbus"
	"github.com/mirkobrombin/go-lockstep/v1/query"
	"github.com/mirkobrombin/go-lockstep/v1/registry"
	"github.com/mirkobrombin/go-lockstep/v1/service"
	"github.com/mirkobrombin/go-lockstep/v1/transport"
)

var (
	clients   = flag.Int("c", 8, "Number of concurrent clients")
	queries   = flag.Int("n", 1000, "Total number of queries")
	maxIDs    = flag.Int("ids", 3, "Resources per query (upper bound)")
	seed      = flag.Int64("seed", 42, "Population seed for the in-process service")
	readDelay = flag.Duration("read-delay", 0, "Artificial per read delay of the in-process service")
	kind      = flag.String("transport", "inproc", "Transport: inproc, http, redis")
	addr      = flag.String("addr", "", "Service base URL (http) or address (redis)")
	attempts  = flag.Int("attempts", 8, "Lock attempt budget per endpoint")
	workers   = flag.Int("workers", 8, "Concurrent reads per query")
	cacheTTL  = flag.Duration("cache", 0, "Registry snapshot cache TTL, 0 fetches fresh")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	var (
		t   transport.Transport
		svc *service.Service
	)
	opts := []query.Option{
		query.WithWorkers(*workers),
		query.WithCoordinator(lock.WithAttemptBudget(*attempts)),
	}

	switch *kind {
	case "inproc":
		bus := lockbus.NewInMemoryBus()
		svc = service.New(service.WithBus(bus), service.WithReadDelay(*readDelay))
		svc.Populate(*seed)
		t = svc
		opts = append(opts, query.WithBus(bus))
	case "http":
		if *addr == "" {
			log.Fatal("http transport needs -addr")
		}
		t = transport.NewHTTP(*addr)
	case "redis":
		if *addr == "" {
			log.Fatal("redis transport needs -addr")
		}
		client := redis.NewClient(&redis.Options{Addr: *addr})
		t = transport.NewRedis(client)
		opts = append(opts, query.WithBus(lockbus.NewRedisBus(client)))
	default:
		log.Fatalf("unknown transport %q", *kind)
	}
	if *cacheTTL > 0 {
		opts = append(opts, query.WithRegistryCache(*cacheTTL))
	}

	reg, err := t.GetRegistry(ctx)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	universe := reg.Resources()
	if len(universe) == 0 {
		log.Fatal("registry serves no resources")
	}

	cli := query.New(t, opts...)
	log.Printf("Starting benchmark: %d queries, %d clients, %d endpoints, %d resources",
		*queries, *clients, len(reg), len(universe))

	var ok, timeouts, notFound, failures atomic.Int64
	perClient := *queries / *clients
	latencies := make([]int64, perClient*(*clients))

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(*seed + int64(idx)))
			offset := idx * perClient
			for j := 0; j < perClient; j++ {
				ids := pickIDs(rng, universe, *maxIDs)
				qStart := time.Now()
				_, err := cli.QuerySynchronizedResources(ctx, ids...)
				switch {
				case err == nil:
					latencies[offset+j] = time.Since(qStart).Nanoseconds()
					ok.Add(1)
				case errors.IsLockTimeout(err):
					timeouts.Add(1)
				case errors.IsResourceNotFound(err):
					notFound.Add(1)
				default:
					failures.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	report(elapsed, latencies, ok.Load(), timeouts.Load(), notFound.Load(), failures.Load())
	if svc != nil {
		audit(svc)
	}
}

// pickIDs samples up to max distinct resource ids from the universe.
func pickIDs(rng *rand.Rand, universe []registry.ResourceID, max int) []registry.ResourceID {
	n := 1
	if max > 1 {
		n = 1 + rng.Intn(max)
	}
	if n > len(universe) {
		n = len(universe)
	}
	seen := make(map[registry.ResourceID]struct{}, n)
	ids := make([]registry.ResourceID, 0, n)
	for len(ids) < n {
		id := universe[rng.Intn(len(universe))]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func report(elapsed time.Duration, latencies []int64, ok, timeouts, notFound, failures int64) {
	valid := make([]int64, 0, len(latencies))
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
		}
	}
	log.Printf("Finished in %v", elapsed)
	if ok > 0 {
		log.Printf("Throughput: %.2f queries/s", float64(ok)/elapsed.Seconds())
	}
	if len(valid) > 0 {
		sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
		log.Printf("Latency min/avg/p95/max: %v / %v / %v / %v",
			time.Duration(valid[0]),
			time.Duration(mean(valid)),
			time.Duration(percentile(valid, 0.95)),
			time.Duration(valid[len(valid)-1]))
	}
	log.Printf("Results: %d ok, %d lock timeouts, %d not found, %d failures",
		ok, timeouts, notFound, failures)
}

func mean(vals []int64) int64 {
	var sum int64
	for _, v := range vals {
		sum += v
	}
	return sum / int64(len(vals))
}

func percentile(sorted []int64, p float64) int64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func audit(svc *service.Service) {
	leaked := 0
	var denials uint64
	for _, st := range svc.Stats() {
		if st.Locks != st.Unlocks {
			leaked++
		}
		denials += st.Denials
	}
	if leaked > 0 {
		log.Printf("Audit: %d endpoints with unbalanced locks", leaked)
		return
	}
	log.Printf("Audit: lock parity holds on every endpoint (%d contention denials)", denials)
}
