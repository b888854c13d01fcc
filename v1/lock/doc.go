// Package lock coordinates scoped acquisition of remote endpoint locks.
//
// The Coordinator takes locks in one global lexicographic order, retries
// contention with capped exponential backoff and jitter, and rolls back
// partial acquisitions in reverse order on any failure, so a query either
// holds every endpoint it needs or none. Held locks are reference counted
// per process: concurrent queries sharing an endpoint share its handle, and
// only the last reference issues the remote unlock.
package lock
