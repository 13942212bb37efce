package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// fakeBridge serves /events SSE subscriptions for gateway-level tests,
// mirroring the fake-relay pattern the provider's own tests use. Each
// subscription gets a connection number so a test can address frames to
// a specific stream, and dropFirst, when set, aborts the first stream
// mid-flight to provoke a reconnect.
type fakeBridge struct {
	srv *httptest.Server

	mu       sync.Mutex
	writers  map[int]http.ResponseWriter
	flushers map[int]http.Flusher
	conns    int

	subscribes chan url.Values
	dropFirst  chan struct{}
}

func newFakeBridge() *fakeBridge {
	fb := &fakeBridge{
		writers:    make(map[int]http.ResponseWriter),
		flushers:   make(map[int]http.Flusher),
		subscribes: make(chan url.Values, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", fb.handleEvents)
	fb.srv = httptest.NewServer(mux)
	return fb
}

func (fb *fakeBridge) handleEvents(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	fb.conns++
	n := fb.conns
	fb.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fl := w.(http.Flusher)
	fl.Flush()

	fb.mu.Lock()
	fb.writers[n] = w
	fb.flushers[n] = fl
	fb.mu.Unlock()

	fb.subscribes <- r.URL.Query()

	if n == 1 && fb.dropFirst != nil {
		<-fb.dropFirst
		panic(http.ErrAbortHandler)
	}
	<-r.Context().Done()
}

// push writes one SSE frame to the conn-th subscription.
func (fb *fakeBridge) push(conn, eventID int, data string) {
	fb.mu.Lock()
	w, wok := fb.writers[conn]
	fl, fok := fb.flushers[conn]
	fb.mu.Unlock()
	if !wok || !fok {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", eventID, data)
	fl.Flush()
}

func (fb *fakeBridge) close() { fb.srv.Close() }

func TestRegisterSessionOpensAndPersistsCursor(t *testing.T) {
	fb := newFakeBridge()
	defer fb.close()

	var mu sync.Mutex
	cursor := "42"
	frames := make(chan Frame, 4)

	g := New(Config{
		BridgeURL: fb.srv.URL,
		SessionID: "deadbeef",
		Listener:  func(f Frame) { frames <- f },
		GetCursor: func(context.Context) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			return cursor, nil
		},
		SetCursor: func(_ context.Context, c string) error {
			mu.Lock()
			defer mu.Unlock()
			cursor = c
			return nil
		},
	})

	select {
	case <-g.RegisterSession(context.Background()):
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
	if err := g.ReadyErr(); err != nil {
		t.Fatalf("ReadyErr: %v", err)
	}
	if got := g.State(); got != StateOpen {
		t.Fatalf("expected Open after ready, got %s", got)
	}

	q := <-fb.subscribes
	if q.Get("client_id") != "deadbeef" {
		t.Fatalf("expected client_id=deadbeef, got %q", q.Get("client_id"))
	}
	if q.Get("last_event_id") != "42" {
		t.Fatalf("expected last_event_id=42 on subscribe, got %q", q.Get("last_event_id"))
	}

	fb.push(1, 43, `{"from":"aa","message":"bb"}`)
	select {
	case f := <-frames:
		if f.EventID != "43" {
			t.Fatalf("expected event id 43, got %q", f.EventID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	mu.Lock()
	got := cursor
	mu.Unlock()
	if got != "43" {
		t.Fatalf("expected cursor advanced to 43, got %q", got)
	}

	g.Close()
	if g.State() != StateClosed {
		t.Fatalf("expected Closed after Close, got %s", g.State())
	}
}

// TestReconnectAfterStreamDrop aborts the first SSE stream mid-flight
// and expects the gateway to come back with a second subscription, end
// up Open again, and keep delivering frames.
func TestReconnectAfterStreamDrop(t *testing.T) {
	fb := newFakeBridge()
	fb.dropFirst = make(chan struct{})
	defer fb.close()

	frames := make(chan Frame, 4)
	g := New(Config{
		BridgeURL:        fb.srv.URL,
		SessionID:        "deadbeef",
		Listener:         func(f Frame) { frames <- f },
		GetCursor:        func(context.Context) (string, error) { return "", nil },
		SetCursor:        func(context.Context, string) error { return nil },
		ReconnectBackoff: 10 * time.Millisecond,
	})

	select {
	case <-g.RegisterSession(context.Background()):
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
	<-fb.subscribes

	close(fb.dropFirst)

	select {
	case <-fb.subscribes:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for implicit re-registration")
	}

	deadline := time.Now().Add(3 * time.Second)
	for g.State() != StateOpen {
		if time.Now().After(deadline) {
			t.Fatalf("gateway did not return to Open, state %s", g.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	fb.push(2, 1, `{"from":"aa","message":"cc"}`)
	select {
	case <-frames:
	case <-time.After(3 * time.Second):
		t.Fatal("frame after reconnect was not delivered")
	}
}

func TestStateStringer(t *testing.T) {
	cases := map[State]string{
		StateIdle:    "Idle",
		StateOpening: "Opening",
		StateOpen:    "Open",
		StatePaused:  "Paused",
		StateClosed:  "Closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestPeerGuardFlagsDanger(t *testing.T) {
	g := NewPeerGuard(16, 1000000000)

	if v := g.Observe("client-1", "wallet-a"); v != "unknown" {
		t.Fatalf("expected unknown for first observation, got %s", v)
	}
	if v := g.Observe("client-1", "wallet-a"); v != "ok" {
		t.Fatalf("expected ok for repeat observation, got %s", v)
	}
	if v := g.Observe("client-1", "wallet-b"); v != "danger" {
		t.Fatalf("expected danger for a client_id paired with a new wallet key, got %s", v)
	}
}
