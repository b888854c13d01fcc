// Package transport defines the remote service contract the synchronization
// protocol runs against, together with an HTTP client for the JSON wire
// protocol, a Redis backed implementation, and retry and circuit breaker
// decorators that stack over any Transport.
//
// Contention is a status, not an error: LockEndpoint returns LockContended
// with a nil error when someone else holds the lock, and UnlockEndpoint
// returns UnlockNotHeld when there was nothing to release. Errors are
// reserved for unknown endpoints and resources, reads without a held lock,
// and transport level failures.
package transport
