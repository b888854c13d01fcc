// Package registry models the endpoint membership snapshot and resolves
// resource ids onto the endpoints that serve them. Resolution is
// deterministic: the same ids against the same registry always pick the same
// endpoints in the same canonical order, regardless of input order. An
// optional ristretto-backed snapshot cache lets query bursts share a fetch.
package registry
