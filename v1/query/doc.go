// Package query is the public entry point of go-lockstep: it orchestrates
// registry resolution, ordered lock acquisition, concurrent fetching and
// guaranteed release into one synchronized snapshot read.
package query
