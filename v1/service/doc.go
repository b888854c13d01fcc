// Package service is an in-memory reference implementation of the remote
// side of the protocol: a registry of independently lockable endpoints, each
// serving resource states readable only while the endpoint is locked.
//
// The Service satisfies transport.Transport for in-process use, and Handler
// exposes the identical behavior over the JSON wire protocol, so tests and
// benchmarks can run the same scenarios against either surface. Lock and
// unlock transitions stream to watchers over SSE or WebSocket, and audit
// counters record lock parity per endpoint.
package service
