package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-lockstep/v1/metrics"
	"github.com/mirkobrombin/go-lockstep/v1/service"
)

var (
	addr      = flag.String("addr", ":8080", "Address to listen on")
	seed      = flag.Int64("seed", 42, "Population seed, 0 starts empty")
	readDelay = flag.Duration("read-delay", 100*time.Millisecond, "Artificial delay per resource read")
)

func main() {
	flag.Parse()

	svc := service.New(service.WithReadDelay(*readDelay))
	if *seed != 0 {
		svc.Populate(*seed)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/watch", service.WatchHandler(svc))
	mux.Handle("/watch/sse", service.SSEHandler(svc))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", svc.Handler())

	snapshot, err := svc.GetRegistry(context.Background())
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	log.Printf("lockstep-mockd serving %d endpoints on %s", len(snapshot), *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}
