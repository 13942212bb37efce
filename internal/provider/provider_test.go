package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tonkeeper/tonconnect-go/internal/cryptobox"
	"github.com/tonkeeper/tonconnect-go/internal/store"
)

// fakeBridge is a minimal SSE+POST bridge server standing in for the
// real relay.
type fakeBridge struct {
	srv *httptest.Server

	mu       sync.Mutex
	flushers map[string]http.Flusher
	writers  map[string]http.ResponseWriter
	nextID   int

	posts chan postedMessage
}

type postedMessage struct {
	to, topic, body string
}

func newFakeBridge() *fakeBridge {
	fb := &fakeBridge{
		flushers: make(map[string]http.Flusher),
		writers:  make(map[string]http.ResponseWriter),
		posts:    make(chan postedMessage, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", fb.handleEvents)
	mux.HandleFunc("/message", fb.handleMessage)
	fb.srv = httptest.NewServer(mux)
	return fb
}

func (fb *fakeBridge) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	fb.mu.Lock()
	fb.flushers[clientID] = flusher
	fb.writers[clientID] = w
	fb.mu.Unlock()

	<-r.Context().Done()
}

func (fb *fakeBridge) handleMessage(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	topic := r.URL.Query().Get("topic")
	buf, _ := io.ReadAll(r.Body)
	fb.posts <- postedMessage{to: to, topic: topic, body: string(buf)}
	w.WriteHeader(http.StatusOK)
}

// push writes one SSE frame to the subscriber identified by clientID.
func (fb *fakeBridge) push(clientID string, eventID int, from, b64Message string) {
	fb.mu.Lock()
	w, wok := fb.writers[clientID]
	fl, fok := fb.flushers[clientID]
	fb.mu.Unlock()
	if !wok || !fok {
		return
	}

	payload, _ := json.Marshal(map[string]string{"from": from, "message": b64Message})
	fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", eventID, payload)
	fl.Flush()
}

func (fb *fakeBridge) close() { fb.srv.Close() }

func newTestProvider(t *testing.T, onEvent WalletEventListener) (*BridgeProvider, *store.SessionStore) {
	t.Helper()
	kv := store.NewMemoryStore()
	ss := store.NewSessionStore(kv)
	p := New(Config{Store: ss, OnWalletEvent: onEvent})
	return p, ss
}

func TestConnectAndReceiveConnectEvent(t *testing.T) {
	fb := newFakeBridge()
	defer fb.close()

	events := make(chan WalletEvent, 4)
	p, _ := newTestProvider(t, func(ev WalletEvent) { events <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID, err := p.Connect(ctx, store.ConnectionItem{BridgeURL: fb.srv.URL, Name: "test"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	wallet, err := cryptobox.New()
	if err != nil {
		t.Fatalf("wallet key: %v", err)
	}

	connectPayload := `{"items":[{"name":"ton_addr","address":"0:ab00000000000000000000000000000000000000000000000000000000ff","network":"-239","walletStateInit":"te6=="}],"device":{"platform":"iphone","appName":"Tonkeeper","appVersion":"1.0","maxProtocolVersion":2,"features":["SendTransaction"]}}`
	frameJSON := fmt.Sprintf(`{"event":"connect","id":"1","payload":%s}`, connectPayload)
	sealed, err := wallet.Encrypt(frameJSON, sessionID)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	fb.push(sessionID, 1, wallet.SessionID(), sealed)

	select {
	case ev := <-events:
		if ev.Kind != EventConnect {
			t.Fatalf("expected EventConnect, got %v", ev.Kind)
		}
		if ev.Connect.Address != "0:ab00000000000000000000000000000000000000000000000000000000ff" {
			t.Fatalf("unexpected address: %s", ev.Connect.Address)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connect event")
	}

	if !p.Connected() {
		t.Fatal("expected provider to be connected")
	}
}

func TestDuplicateEventIsDropped(t *testing.T) {
	fb := newFakeBridge()
	defer fb.close()

	events := make(chan WalletEvent, 4)
	p, _ := newTestProvider(t, func(ev WalletEvent) { events <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID, err := p.Connect(ctx, store.ConnectionItem{BridgeURL: fb.srv.URL})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	wallet, _ := cryptobox.New()
	connectPayload := `{"items":[{"name":"ton_addr","address":"0:ab00000000000000000000000000000000000000000000000000000000ff","network":"-239","walletStateInit":"te6=="}],"device":{"platform":"iphone","appName":"Tonkeeper","appVersion":"1.0","maxProtocolVersion":2,"features":[]}}`
	frameJSON := fmt.Sprintf(`{"event":"connect","id":"1","payload":%s}`, connectPayload)
	sealed, _ := wallet.Encrypt(frameJSON, sessionID)
	fb.push(sessionID, 1, wallet.SessionID(), sealed)

	select {
	case <-events:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connect event")
	}

	dupSealed, _ := wallet.Encrypt(`{"event":"disconnect","id":"1"}`, sessionID)
	fb.push(sessionID, 2, wallet.SessionID(), dupSealed)

	select {
	case ev := <-events:
		t.Fatalf("expected replayed id=1 disconnect to be dropped, got %v", ev.Kind)
	case <-time.After(500 * time.Millisecond):
	}

	if !p.Connected() {
		t.Fatal("expected provider to remain connected after dropped replay")
	}
}
