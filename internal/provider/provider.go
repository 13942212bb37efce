// Package provider implements BridgeProvider: owns the session and the
// bridge gateway, multiplexing wallet events and RPC responses over one
// bridge connection, and correlating outgoing RPCs by monotonic id.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tonkeeper/tonconnect-go/internal/cryptobox"
	"github.com/tonkeeper/tonconnect-go/internal/gateway"
	"github.com/tonkeeper/tonconnect-go/internal/parsers"
	"github.com/tonkeeper/tonconnect-go/internal/store"
)

// ErrNoSession is returned by SendRequest when the provider has no
// gateway, session, or wallet public key yet.
type ErrNoSession struct{ reason string }

func (e *ErrNoSession) Error() string { return "provider: no session: " + e.reason }

// DisconnectTimeout bounds how long Disconnect waits for the outgoing
// disconnect RPC to be delivered before tearing down unconditionally.
const DisconnectTimeout = 600 * time.Second

type pendingRequest struct {
	resp chan *parsers.RPCResponse
}

// Config wires a BridgeProvider to its collaborators.
type Config struct {
	Store         *store.SessionStore
	OnWalletEvent WalletEventListener
	OnError       TransportErrorListener
	AuthToken     string

	// RPSLimit/Burst/ReconnectBackoff tune the underlying gateway; zero
	// values pick the gateway's own defaults.
	RPSLimit         float64
	Burst            int
	ReconnectBackoff time.Duration
}

// BridgeProvider owns the session, the gateway and the pending-request
// table for one ConnectionRecord.
type BridgeProvider struct {
	cfg   Config
	log   *logrus.Entry
	guard *gateway.PeerGuard

	mu              sync.Mutex
	session         *cryptobox.SessionCrypto
	bridgeURL       string
	walletPublicKey string
	gw              *gateway.BridgeGateway
	pending         map[string]*pendingRequest
	listeners       []WalletEventListener
}

// New constructs an unconnected BridgeProvider.
func New(cfg Config) *BridgeProvider {
	p := &BridgeProvider{
		cfg:     cfg,
		log:     logrus.WithField("prefix", "BridgeProvider"),
		guard:   gateway.NewPeerGuard(64, time.Hour),
		pending: make(map[string]*pendingRequest),
	}
	if cfg.OnWalletEvent != nil {
		p.listeners = append(p.listeners, cfg.OnWalletEvent)
	}
	return p
}

// AddListener registers an additional wallet-event listener and returns
// an unsubscribe function, resolving the cyclic listener<->provider
// reference with a flat list rather than weak references.
func (p *BridgeProvider) AddListener(l WalletEventListener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
	idx := len(p.listeners) - 1

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx < len(p.listeners) {
			p.listeners[idx] = nil
		}
	}
}

// Connect closes any existing gateway, generates a fresh session,
// persists a new ConnectionRecord, and opens the gateway. Returns the
// new session id (the dApp's client_id), to be embedded in the
// universal link by the caller.
func (p *BridgeProvider) Connect(ctx context.Context, source store.ConnectionItem) (string, error) {
	p.mu.Lock()
	if p.gw != nil {
		p.gw.Close()
	}
	p.mu.Unlock()

	sc, err := cryptobox.New()
	if err != nil {
		return "", fmt.Errorf("provider: generate session: %w", err)
	}

	p.mu.Lock()
	p.session = sc
	p.bridgeURL = source.BridgeURL
	p.walletPublicKey = ""
	p.mu.Unlock()

	rec := store.ConnectionRecord{
		Type:             "http",
		Session:          store.Session{SessionPrivateKey: sc.PrivateKeyHex(), BridgeURL: source.BridgeURL},
		ConnectionSource: source,
	}
	if err := p.cfg.Store.SetConnection(ctx, rec); err != nil {
		return "", fmt.Errorf("provider: persist connection: %w", err)
	}

	if err := p.openGateway(ctx, source.BridgeURL, sc.SessionID()); err != nil {
		return "", err
	}

	return sc.SessionID(), nil
}

// RestoreConnection rehydrates the session from storage. Returns false
// if no (or a malformed) record is present. If the stored record
// already has a wallet_public_key, the gateway is reopened and the
// stored connect_event is replayed to listeners.
func (p *BridgeProvider) RestoreConnection(ctx context.Context) (bool, error) {
	rec, ok, err := p.cfg.Store.GetConnection(ctx)
	if err != nil {
		return false, fmt.Errorf("provider: get connection: %w", err)
	}
	if !ok {
		return false, nil
	}

	sc, err := cryptobox.FromPrivateKey(rec.Session.SessionPrivateKey)
	if err != nil {
		_ = p.cfg.Store.RemoveConnection(ctx, rec.Session.BridgeURL)
		return false, nil
	}

	p.mu.Lock()
	p.session = sc
	p.bridgeURL = rec.Session.BridgeURL
	p.walletPublicKey = rec.Session.WalletPublicKey
	p.mu.Unlock()

	if rec.Session.WalletPublicKey == "" {
		return true, nil
	}

	if err := p.openGateway(ctx, rec.Session.BridgeURL, sc.SessionID()); err != nil {
		return false, err
	}

	if rec.ConnectEvent != nil {
		raw, err := json.Marshal(rec.ConnectEvent)
		if err == nil {
			if parsed, perr := parsers.ParseConnectPayload(raw); perr == nil {
				p.fanOut(WalletEvent{Kind: EventConnect, ID: rec.LastWalletEventID, Connect: parsed, Raw: raw})
			}
		}
	}

	return true, nil
}

func (p *BridgeProvider) openGateway(ctx context.Context, bridgeURL, sessionID string) error {
	gw := gateway.New(gateway.Config{
		BridgeURL: bridgeURL,
		SessionID: sessionID,
		AuthToken: p.cfg.AuthToken,
		Listener:  p.onFrame,
		ErrorListener: func(err error) {
			if p.cfg.OnError != nil {
				p.cfg.OnError(err)
			}
		},
		GetCursor: func(ctx context.Context) (string, error) {
			return p.cfg.Store.GetLastEventID(ctx, bridgeURL)
		},
		SetCursor: func(ctx context.Context, cursor string) error {
			return p.cfg.Store.SetLastEventID(ctx, bridgeURL, cursor)
		},
		RPSLimit:         p.cfg.RPSLimit,
		Burst:            p.cfg.Burst,
		ReconnectBackoff: p.cfg.ReconnectBackoff,
	})

	p.mu.Lock()
	p.gw = gw
	p.mu.Unlock()

	ready := gw.RegisterSession(ctx)
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := gw.ReadyErr(); err != nil {
		return fmt.Errorf("provider: open gateway: %w", err)
	}
	return nil
}

// onFrame is the gateway listener: decrypt, parse, demux.
func (p *BridgeProvider) onFrame(f gateway.Frame) {
	var bridgeMsg struct {
		From    string `json:"from"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(f.Message), &bridgeMsg); err != nil {
		p.log.WithError(err).Warn("malformed bridge frame, dropping")
		return
	}

	p.mu.Lock()
	sc := p.session
	p.mu.Unlock()
	if sc == nil {
		return
	}

	if verdict := p.guard.Observe(sc.SessionID(), bridgeMsg.From); verdict == "danger" {
		p.log.WithField("from", bridgeMsg.From).Warn("session receiving frames from an unrelated wallet key")
	}

	plaintext, err := sc.Decrypt(bridgeMsg.Message, bridgeMsg.From)
	if err != nil {
		p.log.WithError(err).Warn("decrypt failed, dropping frame")
		return
	}

	raw := []byte(plaintext)
	generic, err := parsers.ParseWalletMessage(raw)
	if err != nil {
		p.log.WithError(err).Warn("parse failed, dropping frame")
		return
	}

	if !parsers.IsEvent(generic) {
		p.dispatchRPCResponse(raw, generic)
		return
	}
	p.dispatchWalletEvent(raw, generic, bridgeMsg.From)
}

func (p *BridgeProvider) dispatchRPCResponse(raw []byte, generic map[string]any) {
	id, _ := generic["id"].(string)
	p.mu.Lock()
	pr, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		p.log.WithField("id", id).Debug("rpc response with no pending request, dropping")
		return
	}

	resp, err := parsers.ParseRPCResponse(raw)
	if err != nil {
		p.log.WithError(err).Warn("failed to parse rpc response")
		return
	}
	pr.resp <- resp
}

func (p *BridgeProvider) dispatchWalletEvent(raw []byte, generic map[string]any, from string) {
	eventName, _ := generic["event"].(string)

	var id int64
	hasID := false
	if idStr, ok := generic["id"].(string); ok {
		if v, err := strconv.ParseInt(idStr, 10, 64); err == nil {
			id = v
			hasID = true
		}
	}

	ctx := context.Background()
	if hasID {
		watermark, ok, err := p.cfg.Store.GetLastWalletEventID(ctx)
		if err == nil && ok && id <= watermark {
			p.log.WithField("id", id).Debug("dropping replayed/duplicate wallet event")
			return
		}
		if eventName != "connect" {
			if err := p.cfg.Store.SetLastWalletEventID(ctx, id); err != nil {
				p.log.WithError(err).Warn("failed to persist wallet event watermark")
			}
		}
	}

	switch eventName {
	case "connect":
		parsed, err := parsers.ParseConnectPayload(raw)
		if err != nil {
			p.log.WithError(err).Warn("failed to parse connect event")
			return
		}
		p.onConnectEvent(ctx, from, parsed, raw, id)
		p.fanOut(WalletEvent{Kind: EventConnect, ID: id, Connect: parsed, Raw: raw})

	case "connect_error":
		connErr, err := parsers.ParseConnectError(raw)
		if err != nil {
			p.log.WithError(err).Warn("failed to parse connect_error event")
			return
		}
		p.fanOut(WalletEvent{Kind: EventConnectError, ID: id, Error: &connErr, Raw: raw})

	case "disconnect":
		p.teardownSession()
		p.fanOut(WalletEvent{Kind: EventDisconnect, ID: id, Raw: raw})

	default:
		p.log.WithField("event", eventName).Debug("unknown wallet event, ignoring")
	}
}

func (p *BridgeProvider) onConnectEvent(ctx context.Context, walletPublicKey string, parsed *parsers.ParsedConnect, raw []byte, id int64) {
	p.mu.Lock()
	p.walletPublicKey = walletPublicKey
	bridgeURL := p.bridgeURL
	p.mu.Unlock()

	var connectEvent map[string]any
	_ = json.Unmarshal(raw, &connectEvent)

	rec, ok, err := p.cfg.Store.GetConnection(ctx)
	if err != nil || !ok {
		return
	}
	rec.Session.WalletPublicKey = walletPublicKey
	rec.ConnectEvent = connectEvent
	rec.NextRPCRequestID = 0
	rec.LastWalletEventID = id
	rec.Session.BridgeURL = bridgeURL

	if err := p.cfg.Store.SetConnection(ctx, *rec); err != nil {
		p.log.WithError(err).Warn("failed to persist connect event")
	}
}

func (p *BridgeProvider) fanOut(ev WalletEvent) {
	p.mu.Lock()
	snapshot := make([]WalletEventListener, len(p.listeners))
	copy(snapshot, p.listeners)
	p.mu.Unlock()

	for _, l := range snapshot {
		if l != nil {
			l(ev)
		}
	}
}

func (p *BridgeProvider) teardownSession() {
	p.mu.Lock()
	if p.gw != nil {
		p.gw.Close()
		p.gw = nil
	}
	p.session = nil
	p.walletPublicKey = ""
	p.mu.Unlock()
}

// SendRequest performs the outgoing RPC protocol: allocate an id and
// stamp it into req, serialize, encrypt, POST, then await the
// correlated response.
func (p *BridgeProvider) SendRequest(ctx context.Context, req parsers.RPCRequest, onRequestSent func()) (*parsers.RPCResponse, error) {
	p.mu.Lock()
	gw := p.gw
	sc := p.session
	peer := p.walletPublicKey
	p.mu.Unlock()

	if gw == nil || sc == nil || peer == "" {
		return nil, &ErrNoSession{reason: "not connected"}
	}

	id, err := p.cfg.Store.IncreaseNextRPCRequestID(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider: allocate rpc id: %w", err)
	}

	traceID := uuid.NewString()
	log := p.log.WithField("trace_id", traceID).WithField("method", req.Method).WithField("rpc_id", id)

	req.ID = id
	body, err := parsers.MarshalRequest(req)
	if err != nil {
		return nil, err
	}

	ciphertext, err := sc.Encrypt(string(body), peer)
	if err != nil {
		return nil, fmt.Errorf("provider: encrypt rpc request: %w", err)
	}

	pr := &pendingRequest{resp: make(chan *parsers.RPCResponse, 1)}
	p.mu.Lock()
	p.pending[id] = pr
	p.mu.Unlock()

	if onRequestSent != nil {
		onRequestSent()
	}

	log.Debug("posting rpc request")
	if err := gw.Post(ctx, peer, req.Method, ciphertext, 300*time.Second); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("provider: post rpc request: %w", err)
	}

	select {
	case resp := <-pr.resp:
		return resp, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Disconnect races an outgoing disconnect RPC against DisconnectTimeout;
// either branch tears down the session, clears storage, and closes the
// gateway.
func (p *BridgeProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	bridgeURL := p.bridgeURL
	connected := p.gw != nil && p.session != nil
	p.mu.Unlock()

	if connected {
		done := make(chan struct{})
		runWithRecovery(func() {
			defer close(done)
			rpcCtx, cancel := context.WithTimeout(context.Background(), DisconnectTimeout)
			defer cancel()
			_, _ = p.SendRequest(rpcCtx, parsers.RPCRequest{Method: "disconnect", Params: []string{}}, nil)
		})

		select {
		case <-done:
		case <-time.After(DisconnectTimeout):
		case <-ctx.Done():
		}
	}

	p.teardownSession()
	return p.cfg.Store.RemoveConnection(context.Background(), bridgeURL)
}

// Pause delegates to the gateway.
func (p *BridgeProvider) Pause() {
	p.mu.Lock()
	gw := p.gw
	p.mu.Unlock()
	if gw != nil {
		gw.Pause()
	}
}

// Unpause delegates to the gateway.
func (p *BridgeProvider) Unpause(ctx context.Context) {
	p.mu.Lock()
	gw := p.gw
	p.mu.Unlock()
	if gw != nil {
		<-gw.Unpause(ctx)
	}
}

// Connected reports whether a wallet public key has been observed for
// the current session.
func (p *BridgeProvider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil && p.walletPublicKey != ""
}

// SessionID returns the current session's client_id, if any.
func (p *BridgeProvider) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ""
	}
	return p.session.SessionID()
}
