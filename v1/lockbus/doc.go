// Package lockbus propagates endpoint lock and unlock signals between
// processes. The coordinator subscribes to unlock signals to cut contention
// backoff sleeps short, and the reference service publishes transitions for
// watchers. Backends exist for in-memory use, Redis pub/sub, NATS and Kafka.
// All delivery is best effort: a signal is a hint to re-check lock state, not
// a grant.
package lockbus
