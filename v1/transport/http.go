package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/registry"
)

// HTTP talks the JSON wire protocol: GET /registry, POST and DELETE
// /{endpoint}/lock, GET /{endpoint}/resource/{id}. Error responses carry a
// {"error": "..."} body which is folded into the returned error.
type HTTP struct {
	base   string
	client *http.Client
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the underlying http.Client, for callers that need
// custom timeouts, proxies or transports.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.client = c
	}
}

// NewHTTP returns a transport against the service rooted at base, for
// example "http://localhost:8000".
func NewHTTP(base string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		base:   strings.TrimRight(base, "/"),
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type wireEndpoint struct {
	Resources []registry.ResourceID `json:"resources"`
	Locked    bool                  `json:"locked"`
}

// GetRegistry fetches the endpoint membership snapshot.
func (h *HTTP) GetRegistry(ctx context.Context) (registry.Registry, error) {
	resp, err := h.do(ctx, http.MethodGet, h.base+"/registry")
	if err != nil {
		return nil, &errors.TransportError{Op: "registry", Err: err}
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, &errors.TransportError{Op: "registry", Err: statusError(resp)}
	}
	var wire map[string]wireEndpoint
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &errors.TransportError{Op: "registry", Err: fmt.Errorf("decode: %w", err)}
	}
	reg := make(registry.Registry, len(wire))
	for name, ep := range wire {
		reg[name] = registry.Endpoint{Resources: ep.Resources, Locked: ep.Locked}
	}
	return reg, nil
}

// LockEndpoint requests the endpoint lock. A 403 response is contention, not
// an error: the holder is someone else and the caller decides whether to
// retry.
func (h *HTTP) LockEndpoint(ctx context.Context, endpoint string) (LockStatus, error) {
	resp, err := h.do(ctx, http.MethodPost, h.lockURL(endpoint))
	if err != nil {
		return 0, &errors.TransportError{Op: "lock", Endpoint: endpoint, Err: err}
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return LockAcquired, nil
	case http.StatusForbidden:
		return LockContended, nil
	case http.StatusNotFound:
		return 0, &errors.EndpointNotFoundError{Endpoint: endpoint}
	default:
		return 0, &errors.TransportError{Op: "lock", Endpoint: endpoint, Err: statusError(resp)}
	}
}

// UnlockEndpoint releases the endpoint lock. A 403 response means the lock
// was not held; release reports it as UnlockNotHeld and succeeds, since the
// desired state already holds.
func (h *HTTP) UnlockEndpoint(ctx context.Context, endpoint string) (UnlockStatus, error) {
	resp, err := h.do(ctx, http.MethodDelete, h.lockURL(endpoint))
	if err != nil {
		return 0, &errors.TransportError{Op: "unlock", Endpoint: endpoint, Err: err}
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return UnlockReleased, nil
	case http.StatusForbidden:
		return UnlockNotHeld, nil
	case http.StatusNotFound:
		return 0, &errors.EndpointNotFoundError{Endpoint: endpoint}
	default:
		return 0, &errors.TransportError{Op: "unlock", Endpoint: endpoint, Err: statusError(resp)}
	}
}

// GetResource reads one resource state from a locked endpoint. Reads happen
// only under a held lock, so a 404 here is reported as the resource moving
// rather than the endpoint vanishing.
func (h *HTTP) GetResource(ctx context.Context, endpoint string, id registry.ResourceID) (string, error) {
	u := h.base + "/" + url.PathEscape(endpoint) + "/resource/" + strconv.FormatInt(int64(id), 10)
	resp, err := h.do(ctx, http.MethodGet, u)
	if err != nil {
		return "", &errors.TransportError{Op: "read", Endpoint: endpoint, Err: err}
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			State string `json:"state"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", &errors.TransportError{Op: "read", Endpoint: endpoint, Err: fmt.Errorf("decode: %w", err)}
		}
		return body.State, nil
	case http.StatusForbidden:
		return "", errors.ErrEndpointNotLocked
	case http.StatusNotFound:
		return "", &errors.ResourceNotFoundError{Resource: int64(id), Endpoint: endpoint}
	default:
		return "", &errors.TransportError{Op: "read", Endpoint: endpoint, Err: statusError(resp)}
	}
}

func (h *HTTP) lockURL(endpoint string) string {
	return h.base + "/" + url.PathEscape(endpoint) + "/lock"
}

func (h *HTTP) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return h.client.Do(req)
}

// statusError turns a non-OK response into an error carrying the service's
// own message when the body has one.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
