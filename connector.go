// Package tonconnect implements the client side of the TON Connect v2
// protocol: a dApp-facing Connector that opens a bridge-relayed,
// end-to-end-encrypted session with a wallet, restores it across
// process restarts, and exchanges signed transaction requests.
package tonconnect

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/tonkeeper/tonconnect-go/internal/clock"
	"github.com/tonkeeper/tonconnect-go/internal/parsers"
	"github.com/tonkeeper/tonconnect-go/internal/provider"
	"github.com/tonkeeper/tonconnect-go/internal/store"
)

// ProofFreshnessWindow bounds how far a ton_proof timestamp may drift
// from the connector's (NTP-corrected, if configured) clock before
// Connector.CheckProof rejects it, per the freshness requirement a
// ton_proof consumer must enforce.
const ProofFreshnessWindow = 15 * time.Minute

// StatusListener receives the new WalletInfo on connect, or nil on
// disconnect.
type StatusListener func(*WalletInfo)

// ConnectRequest is the caller-supplied connect intent: a manifest URL
// plus an optional ton_proof challenge payload.
type ConnectRequest struct {
	ManifestURL string
	TonProof    string // opaque payload the wallet will sign; empty skips ton_proof
}

// WalletDescriptor is the subset of a wallets-list entry the Connector
// needs to open a session.
type WalletDescriptor struct {
	Name         string
	Image        string
	AboutURL     string
	AppName      string
	BridgeURL    string
	UniversalURL string
}

type subscription struct {
	status StatusListener
	errs   func(error)
}

// Connector is the public façade: a thin orchestrator over one
// BridgeProvider.
type Connector struct {
	prov  *provider.BridgeProvider
	store *store.SessionStore

	clock *clock.Clock

	mu      sync.Mutex
	wallet  *WalletInfo
	subs    []*subscription
	waiters []chan waitResult
	log     *logrus.Entry
}

type waitResult struct {
	info *WalletInfo
	err  error
}

// Options configures a new Connector.
type Options struct {
	Storage   store.Storage
	AuthToken string // bearer token sent to whichever bridge the session uses; there is no per-host matching

	// RPSLimit/Burst/ReconnectBackoff tune the underlying bridge
	// gateway; zero values pick the gateway's own defaults.
	RPSLimit         float64
	Burst            int
	ReconnectBackoff time.Duration

	// Clock is the NTP-corrected clock CheckProof judges ton_proof
	// freshness against. Its Start/Stop lifecycle is the caller's
	// responsibility (cmd/tcsidecar starts one for the process and
	// passes it in here). Nil falls back to an unstarted Clock, which
	// reports uncorrected local time.
	Clock *clock.Clock
}

// New constructs a disconnected Connector over the given storage.
func New(opts Options) *Connector {
	ss := store.NewSessionStore(opts.Storage)
	c := &Connector{store: ss, log: logrus.WithField("prefix", "Connector")}

	c.clock = opts.Clock
	if c.clock == nil {
		c.clock = clock.New(clock.Options{})
	}

	c.prov = provider.New(provider.Config{
		Store:            ss,
		AuthToken:        opts.AuthToken,
		OnWalletEvent:    c.onWalletEvent,
		OnError:          c.onTransportError,
		RPSLimit:         opts.RPSLimit,
		Burst:            opts.Burst,
		ReconnectBackoff: opts.ReconnectBackoff,
	})
	return c
}

// Connected reports whether a wallet is currently connected.
func (c *Connector) Connected() bool {
	return c.prov.Connected()
}

// Wallet returns the connected WalletInfo, or nil.
func (c *Connector) Wallet() *WalletInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallet
}

// CheckProof verifies the connected wallet's ton_proof signature against
// pubKey and rejects it if its timestamp has drifted more than
// ProofFreshnessWindow from c.clock. Comparing the proof payload
// against the challenge issued at Connect time stays with the caller.
func (c *Connector) CheckProof(pubKey ed25519.PublicKey) bool {
	wallet := c.Wallet()
	if wallet == nil || wallet.TonProof == nil {
		return false
	}
	if !wallet.CheckProof(pubKey) {
		return false
	}
	return c.clock.IsFresh(wallet.TonProof.Timestamp, ProofFreshnessWindow)
}

// Connect opens a new session against wallet and returns the universal
// deep link to present to the user.
func (c *Connector) Connect(ctx context.Context, wallet WalletDescriptor, req ConnectRequest) (string, error) {
	if c.Connected() {
		return "", newErr(KindWalletAlreadyConnected, "connect called while already connected", nil)
	}

	source := store.ConnectionItem{
		Name:         wallet.Name,
		Image:        wallet.Image,
		AboutURL:     wallet.AboutURL,
		AppName:      wallet.AppName,
		BridgeURL:    wallet.BridgeURL,
		UniversalURL: wallet.UniversalURL,
	}

	sessionID, err := c.prov.Connect(ctx, source)
	if err != nil {
		return "", newErr(KindTonConnect, "failed to open bridge session", err)
	}

	items := []map[string]any{{"name": "ton_addr"}}
	if req.TonProof != "" {
		items = append(items, map[string]any{"name": "ton_proof", "payload": req.TonProof})
	}
	connectReq := map[string]any{"manifestUrl": req.ManifestURL, "items": items}

	reqJSON, err := json.Marshal(connectReq)
	if err != nil {
		return "", newErr(KindTonConnect, "failed to encode connect request", err)
	}

	universalURL := wallet.UniversalURL
	if universalURL == "" {
		universalURL = wallet.BridgeURL
	}
	return GenerateUniversalURL(universalURL, sessionID, string(reqJSON)), nil
}

// RestoreConnection attempts to rehydrate a previously persisted
// session.
func (c *Connector) RestoreConnection(ctx context.Context) (bool, error) {
	ok, err := c.prov.RestoreConnection(ctx)
	if err != nil {
		return false, newErr(KindTonConnect, "failed to restore connection", err)
	}
	return ok, nil
}

// SendTransaction submits a sendTransaction RPC after pre-flighting the
// wallet's SendTransaction capability.
func (c *Connector) SendTransaction(ctx context.Context, tx map[string]any) (string, error) {
	wallet := c.Wallet()
	if wallet == nil {
		return "", newErr(KindWalletNotConnected, "send_transaction called without a connected wallet", nil)
	}

	messages, _ := tx["messages"].([]any)
	if !wallet.SupportsSendTransaction(len(messages)) {
		return "", newErr(KindWalletNotSupportFeature, "wallet does not support sendTransaction for this message count", nil)
	}

	merged := map[string]any{"from": wallet.Account.Address, "network": wallet.Account.Chain}
	for k, v := range tx {
		merged[k] = v
	}

	reqJSON, err := json.Marshal(merged)
	if err != nil {
		return "", newErr(KindTonConnect, "failed to encode transaction", err)
	}

	resp, err := c.prov.SendRequest(ctx, parsers.EncodeSendTransaction(string(reqJSON)), nil)
	if err != nil {
		return "", newErr(KindTonConnect, "send_transaction rpc failed", err)
	}
	if resp.Error != nil {
		return "", newErr(wireErrorKind(resp.Error.Code), resp.Error.Message, nil)
	}
	return resp.Result, nil
}

// Disconnect tears down the session.
func (c *Connector) Disconnect(ctx context.Context) error {
	if !c.Connected() {
		return newErr(KindWalletNotConnected, "disconnect called without a connected wallet", nil)
	}
	if err := c.prov.Disconnect(ctx); err != nil {
		return newErr(KindTonConnect, "disconnect failed", err)
	}
	c.mu.Lock()
	c.wallet = nil
	c.mu.Unlock()
	c.notifyStatus(nil)
	return nil
}

// Pause delegates to the gateway.
func (c *Connector) Pause() { c.prov.Pause() }

// Unpause delegates to the gateway.
func (c *Connector) Unpause(ctx context.Context) { c.prov.Unpause(ctx) }

// Unsubscribe removes a previously registered OnStatusChange callback.
type Unsubscribe func()

// OnStatusChange registers status and error listeners, returning an
// unsubscribe handle. This resolves the cyclic listener<->connector
// reference with a flat subscription list rather than weak references.
func (c *Connector) OnStatusChange(status StatusListener, errCb func(error)) Unsubscribe {
	c.mu.Lock()
	sub := &subscription{status: status, errs: errCb}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if i := slices.Index(c.subs, sub); i >= 0 {
			c.subs = slices.Delete(c.subs, i, i+1)
		}
	}
}

// WaitForConnection resolves with the next WalletInfo or error, then
// auto-unsubscribes. If a wallet is already connected, it resolves
// immediately.
func (c *Connector) WaitForConnection(ctx context.Context) (*WalletInfo, error) {
	if wallet := c.Wallet(); wallet != nil {
		return wallet, nil
	}

	ch := make(chan waitResult, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case r := <-ch:
		return r.info, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connector) notifyStatus(info *WalletInfo) {
	c.mu.Lock()
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, s := range subs {
		if s.status != nil {
			s.status(info)
		}
	}
	for _, w := range waiters {
		w <- waitResult{info: info}
	}
}

func (c *Connector) notifyError(err error) {
	c.mu.Lock()
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, s := range subs {
		if s.errs != nil {
			s.errs(err)
		}
	}
	for _, w := range waiters {
		w <- waitResult{err: err}
	}
}

func (c *Connector) onWalletEvent(ev provider.WalletEvent) {
	switch ev.Kind {
	case provider.EventConnect:
		info := walletInfoFromParsed(ev.Connect)
		c.mu.Lock()
		c.wallet = info
		c.mu.Unlock()
		c.notifyStatus(info)

	case provider.EventConnectError:
		kind := wireErrorKind(ev.Error.Code)
		err := newErr(kind, ev.Error.Message, nil)
		c.notifyError(err)
		if kind.IsFatal() {
			c.log.WithError(err).Error("fatal connect error")
		}

	case provider.EventDisconnect:
		c.mu.Lock()
		c.wallet = nil
		c.mu.Unlock()
		c.notifyStatus(nil)
	}
}

func (c *Connector) onTransportError(err error) {
	c.notifyError(newErr(KindTonConnect, "bridge transport error", err))
}

func walletInfoFromParsed(p *parsers.ParsedConnect) *WalletInfo {
	info := &WalletInfo{
		Device: Device{
			Platform:       p.Platform,
			AppName:        p.AppName,
			AppVersion:     p.AppVersion,
			MaxProtocolVer: p.MaxProtocolVer,
			Features:       p.Features,
		},
		Account: Account{
			Address:         p.Address,
			Chain:           p.Chain,
			WalletStateInit: p.WalletStateInit,
			PublicKey:       p.PublicKey,
		},
	}

	if p.TonProofRaw != nil && p.TonProofRaw.Proof != nil {
		info.TonProof = &TonProof{
			Timestamp: p.TonProofRaw.Proof.Timestamp,
			Domain: Domain{
				LengthBytes: p.TonProofRaw.Proof.Domain.LengthBytes,
				Value:       p.TonProofRaw.Proof.Domain.Value,
			},
			Payload:   p.TonProofRaw.Proof.Payload,
			Signature: p.TonProofRaw.Proof.Signature,
		}
	}

	return info
}
