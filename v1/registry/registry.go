package registry

import (
	"sort"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
)

// ResourceID identifies a resource independently of the endpoint serving it.
type ResourceID int64

// Endpoint describes one lockable partition as reported by the registry: the
// resource ids it serves and the advisory lock flag from the wire format. The
// flag is informational only; lock state is authoritative solely through
// lock and unlock responses.
type Endpoint struct {
	Resources []ResourceID
	Locked    bool
}

// Registry is an immutable snapshot of the endpoint membership, keyed by
// endpoint name. It may be stale the moment it is fetched; stale entries
// surface later as EndpointNotFoundError.
type Registry map[string]Endpoint

// Resolution pairs the canonical endpoint sequence with the id to endpoint
// assignment. Endpoints is sorted lexicographically; the coordinator acquires
// locks in exactly this order, which is the contract that keeps independent
// clients deadlock free.
type Resolution struct {
	Endpoints   []string
	Assignments map[ResourceID]string
}

// Resolve maps the requested resource ids onto endpoints. Duplicate ids
// collapse. When several endpoints serve the same id the lexicographically
// smallest name wins, so any two clients resolving the same ids against the
// same registry choose the same endpoints.
//
// Resolve fails with ErrNoResources on an empty id set and with a
// ResourceNotFoundError naming the smallest unresolvable id when the registry
// serves none of its endpoints. No lock is taken in either case.
func (r Registry) Resolve(ids ...ResourceID) (*Resolution, error) {
	if len(ids) == 0 {
		return nil, errors.ErrNoResources
	}
	sorted := append([]ResourceID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	res := &Resolution{Assignments: make(map[ResourceID]string, len(sorted))}
	seen := make(map[string]struct{})
	var prev ResourceID
	for i, id := range sorted {
		if i > 0 && id == prev {
			continue
		}
		prev = id
		owner := ""
		for name, ep := range r {
			if !ep.serves(id) {
				continue
			}
			if owner == "" || name < owner {
				owner = name
			}
		}
		if owner == "" {
			return nil, &errors.ResourceNotFoundError{Resource: int64(id)}
		}
		res.Assignments[id] = owner
		if _, ok := seen[owner]; !ok {
			seen[owner] = struct{}{}
			res.Endpoints = append(res.Endpoints, owner)
		}
	}
	sort.Strings(res.Endpoints)
	return res, nil
}

// Resources returns every distinct resource id in the registry in ascending
// order. Harnesses use it to build the id universe they sample queries from.
func (r Registry) Resources() []ResourceID {
	seen := make(map[ResourceID]struct{})
	for _, ep := range r {
		for _, id := range ep.Resources {
			seen[id] = struct{}{}
		}
	}
	out := make([]ResourceID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResourcesFor returns the ids assigned to the given endpoint in ascending
// order.
func (res *Resolution) ResourcesFor(endpoint string) []ResourceID {
	var out []ResourceID
	for id, owner := range res.Assignments {
		if owner == endpoint {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (ep Endpoint) serves(id ResourceID) bool {
	for _, r := range ep.Resources {
		if r == id {
			return true
		}
	}
	return false
}
