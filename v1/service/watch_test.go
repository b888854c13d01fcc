package service

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitForWatchers(t *testing.T, s *Service, key string, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		s.watchers.mu.Lock()
		got := len(s.watchers.subs[key])
		s.watchers.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("watcher count for %q never reached %d", key, n)
}

func recvEvent(t *testing.T, ch chan []byte) Event {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed")
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestWatchReceivesLockTransitions(t *testing.T) {
	s := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "alpha")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if _, err := s.LockEndpoint(ctx, "alpha"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	ev := recvEvent(t, ch)
	if ev.Event != "lock" || ev.Endpoint != "alpha" || ev.Generation != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, err := s.UnlockEndpoint(ctx, "alpha"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	ev = recvEvent(t, ch)
	if ev.Event != "unlock" || ev.Endpoint != "alpha" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWatchRegistryMembership(t *testing.T) {
	s := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "registry")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	s.AddEndpoint("gamma", 7)
	ev := recvEvent(t, ch)
	if ev.Event != "added" || ev.Endpoint != "gamma" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if !s.RemoveEndpoint("gamma") {
		t.Fatal("remove should report true")
	}
	ev = recvEvent(t, ch)
	if ev.Event != "removed" || ev.Endpoint != "gamma" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWatchCancelUnsubscribes(t *testing.T) {
	s := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := s.Watch(ctx, "alpha"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	waitForWatchers(t, s, "alpha", 1)

	cancel()
	waitForWatchers(t, s, "alpha", 0)
}

func TestSSEHandlerStreamsTransitions(t *testing.T) {
	s := newTestService(t)
	srv := httptest.NewServer(SSEHandler(s))
	defer srv.Close()

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(srv.URL + "?key=alpha")
		if err != nil {
			t.Errorf("get: %v", err)
			return
		}
		respCh <- resp
	}()

	waitForWatchers(t, s, "alpha", 1)
	if _, err := s.LockEndpoint(context.Background(), "alpha"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	var resp *http.Response
	select {
	case resp = <-respCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("unexpected line %q", line)
	}
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Event != "lock" || ev.Endpoint != "alpha" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSSEHandlerMissingKey(t *testing.T) {
	s := newTestService(t)
	srv := httptest.NewServer(SSEHandler(s))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestWatchHandlerWebSocket(t *testing.T) {
	s := newTestService(t)
	srv := httptest.NewServer(WatchHandler(s))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?key=beta"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForWatchers(t, s, "beta", 1)
	if _, err := s.LockEndpoint(context.Background(), "beta"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Event != "lock" || ev.Endpoint != "beta" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
