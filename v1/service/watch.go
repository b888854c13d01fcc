package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-lockstep/v1/metrics"
)

// registryWatchKey is the watch key carrying endpoint membership changes.
const registryWatchKey = "registry"

// Event is one endpoint lifecycle transition as streamed to watchers:
// "lock" and "unlock" on the endpoint's own key, "added" and "removed" on
// the registry key.
type Event struct {
	Event      string `json:"event"`
	Endpoint   string `json:"endpoint"`
	Generation uint64 `json:"generation,omitempty"`
}

type watchHub struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[string][]chan []byte)}
}

// publish fans the event out to the key's watchers. Sends happen under the
// hub lock so they cannot race an unwatch closing a channel; a watcher whose
// buffer is full misses the event rather than blocking the service.
func (h *watchHub) publish(key string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[key] {
		select {
		case ch <- data:
		default:
		}
	}
}

func (h *watchHub) watch(ctx context.Context, key string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, 8)
	h.mu.Lock()
	h.subs[key] = append(h.subs[key], ch)
	h.mu.Unlock()
	metrics.WatcherGauge.Inc()
	go func() {
		<-ctx.Done()
		h.unwatch(key, ch)
	}()
	return ch, nil
}

func (h *watchHub) unwatch(key string, ch chan []byte) {
	h.mu.Lock()
	removed := false
	subs := h.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			h.subs[key] = subs
			close(c)
			removed = true
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, key)
	}
	h.mu.Unlock()
	// The gauge moves only on actual removal; unwatch runs both explicitly
	// and from the watch goroutine, whichever comes first wins.
	if removed {
		metrics.WatcherGauge.Dec()
	}
}

// Watch subscribes to lifecycle events for key, which is an endpoint name
// or the "registry" membership stream. The channel receives JSON encoded
// Events until the context is canceled.
func (s *Service) Watch(ctx context.Context, key string) (chan []byte, error) {
	return s.watchers.watch(ctx, key)
}

// Unwatch stops delivering events for key to ch and closes it.
func (s *Service) Unwatch(key string, ch chan []byte) {
	s.watchers.unwatch(key, ch)
}

// SSEHandler streams lifecycle events over Server-Sent Events.
// The watched key is taken from the "key" query parameter.
func SSEHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := s.Watch(ctx, key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WatchHandler streams lifecycle events over WebSocket.
// The watched key is taken from the "key" query parameter.
func WatchHandler(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := s.Watch(ctx, key)
		if err != nil {
			return
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
