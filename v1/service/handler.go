package service

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/registry"
	"github.com/mirkobrombin/go-lockstep/v1/transport"
)

type wireEndpoint struct {
	Resources []registry.ResourceID `json:"resources"`
	Locked    bool                  `json:"locked"`
}

// Handler returns an http.Handler speaking the JSON wire protocol:
// GET /registry, POST and DELETE /{endpoint}/lock, and
// GET /{endpoint}/resource/{id}. Error bodies carry {"error": "..."} with
// the same message shapes as the service this replaces.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /registry", s.handleRegistry)
	mux.HandleFunc("POST /{endpoint}/lock", s.handleLock)
	mux.HandleFunc("DELETE /{endpoint}/lock", s.handleUnlock)
	mux.HandleFunc("GET /{endpoint}/resource/{id}", s.handleResource)
	return mux
}

func (s *Service) handleRegistry(w http.ResponseWriter, r *http.Request) {
	reg, err := s.GetRegistry(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	wire := make(map[string]wireEndpoint, len(reg))
	for name, ep := range reg {
		wire[name] = wireEndpoint{Resources: ep.Resources, Locked: ep.Locked}
	}
	writeJSON(w, http.StatusOK, wire)
}

func (s *Service) handleLock(w http.ResponseWriter, r *http.Request) {
	endpoint := r.PathValue("endpoint")
	status, err := s.LockEndpoint(r.Context(), endpoint)
	switch {
	case errors.IsEndpointNotFound(err):
		writeError(w, http.StatusNotFound, fmt.Sprintf("'%s' not found", endpoint))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case status == transport.LockContended:
		writeError(w, http.StatusForbidden, fmt.Sprintf("'%s' is already locked", endpoint))
	default:
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

func (s *Service) handleUnlock(w http.ResponseWriter, r *http.Request) {
	endpoint := r.PathValue("endpoint")
	status, err := s.UnlockEndpoint(r.Context(), endpoint)
	switch {
	case errors.IsEndpointNotFound(err):
		writeError(w, http.StatusNotFound, fmt.Sprintf("'%s' not found", endpoint))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case status == transport.UnlockNotHeld:
		writeError(w, http.StatusForbidden, fmt.Sprintf("'%s' is already unlocked", endpoint))
	default:
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

func (s *Service) handleResource(w http.ResponseWriter, r *http.Request) {
	endpoint := r.PathValue("endpoint")
	rawID := r.PathValue("id")
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("'%s' does not expose resource '%s'", endpoint, rawID))
		return
	}
	state, err := s.GetResource(r.Context(), endpoint, registry.ResourceID(id))
	switch {
	case errors.IsEndpointNotFound(err):
		writeError(w, http.StatusNotFound, fmt.Sprintf("'%s' not found", endpoint))
	case errors.IsResourceNotFound(err):
		writeError(w, http.StatusNotFound, fmt.Sprintf("'%s' does not expose resource '%s'", endpoint, rawID))
	case stderrors.Is(err, errors.ErrEndpointNotLocked):
		writeError(w, http.StatusForbidden, fmt.Sprintf("'%s' must be locked to access its state", endpoint))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"state": state})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
