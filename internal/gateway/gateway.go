// Package gateway implements BridgeGateway: a resumable SSE subscriber
// and idempotent HTTP poster for one (bridge, session) pair.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

// State is the gateway's subscription state machine position.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StatePaused
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StatePaused:
		return "Paused"
	case StateClosed:
		return "Closed"
	default:
		return "Idle"
	}
}

// Frame is a non-heartbeat SSE frame delivered to the listener. The
// gateway fills in Message and EventID only; From is left empty and the
// sender key is read by the listener from the envelope in Message.
type Frame struct {
	From    string
	Message string // raw SSE data: the bridge's JSON {from, message} envelope
	EventID string
}

// Listener receives every non-heartbeat frame from the subscription.
type Listener func(Frame)

// ErrorListener is invoked on transport errors the gateway cannot
// resolve by implicit re-registration.
type ErrorListener func(error)

// BridgeGateway owns the SSE subscription and POST channel for one
// bridge URL and session id.
type BridgeGateway struct {
	bridgeURL string
	sessionID string
	authToken string // optional bearer token for this bridge host

	httpClient       *http.Client
	limiter          *rate.Limiter
	reconnectBackoff time.Duration

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	readyErr error

	listener      Listener
	errorListener ErrorListener
	cursor        func(context.Context) (string, error)
	persistCursor func(context.Context, string) error

	log *logrus.Entry
}

// Config configures a new BridgeGateway.
type Config struct {
	BridgeURL     string
	SessionID     string
	AuthToken     string
	Listener      Listener
	ErrorListener ErrorListener

	// GetCursor/SetCursor persist the per-bridge last_event_id used to
	// resume an SSE subscription, matching SessionStore's
	// get_last_event_id/set_last_event_id.
	GetCursor func(context.Context) (string, error)
	SetCursor func(context.Context, string) error

	// RPSLimit/Burst bound outgoing Post calls; zero picks the default
	// of 5 req/s with a burst of 10.
	RPSLimit float64
	Burst    int

	// ReconnectBackoff seeds the exponential backoff used by the single
	// implicit re-registration on an Open-state connection error; zero
	// picks the default of 200ms.
	ReconnectBackoff time.Duration
}

// New constructs a gateway in the Idle state. Call RegisterSession to
// open the subscription.
func New(cfg Config) *BridgeGateway {
	rps := cfg.RPSLimit
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	backoff := cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	return &BridgeGateway{
		bridgeURL:        cfg.BridgeURL,
		sessionID:        cfg.SessionID,
		authToken:        cfg.AuthToken,
		httpClient:       &http.Client{Timeout: 0}, // infinite read timeout; the POST side never streams
		limiter:          rate.NewLimiter(rate.Limit(rps), burst),
		reconnectBackoff: backoff,
		state:            StateIdle,
		listener:         cfg.Listener,
		errorListener:    cfg.ErrorListener,
		cursor:           cfg.GetCursor,
		persistCursor:    cfg.SetCursor,
		log:              logrus.WithField("prefix", "BridgeGateway"),
	}
}

// RegisterSession opens (or reopens) the SSE subscription. ready
// resolves once the connection is established or the attempt fails
// (check ReadyErr). The subscription's lifetime is owned by the
// gateway, not by ctx: it stays open until Pause or Close.
func (g *BridgeGateway) RegisterSession(ctx context.Context) <-chan struct{} {
	g.mu.Lock()
	if g.state == StateClosed {
		g.mu.Unlock()
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	g.state = StateOpening
	g.readyErr = nil
	ready := make(chan struct{})

	listenCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.mu.Unlock()

	go g.worker(listenCtx, ready)
	return ready
}

// ReadyErr returns the error observed while opening the subscription,
// if ready resolved false.
func (g *BridgeGateway) ReadyErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readyErr
}

func (g *BridgeGateway) worker(ctx context.Context, ready chan struct{}) {
	log := g.log.WithField("session_id", g.sessionID)

	u, err := g.buildSubscribeURL(ctx)
	if err != nil {
		g.failReady(ready, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		g.failReady(ready, err)
		return
	}
	if g.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	var opened bool
	client := &sse.Client{
		HTTPClient: g.httpClient,
		ResponseValidator: func(resp *http.Response) error {
			if err := sse.DefaultValidator(resp); err != nil {
				return err
			}
			if !opened {
				opened = true
				g.markOpen(ready)
			}
			return nil
		},
	}

	conn := client.NewConnection(req)

	unsub := conn.SubscribeEvent("message", func(e sse.Event) {
		if e.LastEventID != "" {
			if err := g.persistCursor(ctx, e.LastEventID); err != nil {
				log.WithError(err).Warn("failed to persist bridge cursor")
			}
		}

		g.deliver(Frame{Message: e.Data, EventID: e.LastEventID})
	})
	defer unsub()

	connErr := conn.Connect()

	g.mu.Lock()
	wasOpen := g.state == StateOpen
	g.mu.Unlock()

	if !opened {
		g.failReady(ready, connErr)
		return
	}

	if connErr != nil && wasOpen && ctx.Err() == nil {
		log.WithError(connErr).Warn("sse connection closed, attempting one implicit re-registration")
		if rerr := g.reconnectOnce(ctx); rerr != nil && g.errorListener != nil {
			g.errorListener(connErr)
		}
	}
}

// reconnectOnce implements the single implicit re-registration the
// Open state permits on a closed connection: one bounded, backed-off
// retry of RegisterSession before giving up to the error listener.
func (g *BridgeGateway) reconnectOnce(ctx context.Context) error {
	b := retry.NewExponential(g.reconnectBackoff)
	b = retry.WithMaxRetries(1, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		ready := g.RegisterSession(ctx)
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := g.ReadyErr(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (g *BridgeGateway) markOpen(ready chan struct{}) {
	g.mu.Lock()
	if g.state == StateOpening {
		g.state = StateOpen
	}
	g.mu.Unlock()
	close(ready)
}

func (g *BridgeGateway) failReady(ready chan struct{}, err error) {
	g.mu.Lock()
	g.readyErr = err
	g.mu.Unlock()
	g.log.WithError(err).Warn("failed to open bridge subscription")
	close(ready)
}

func (g *BridgeGateway) deliver(f Frame) {
	g.mu.Lock()
	state := g.state
	listener := g.listener
	g.mu.Unlock()

	if state != StateOpen || listener == nil {
		return
	}
	listener(f)
}

func (g *BridgeGateway) buildSubscribeURL(ctx context.Context) (string, error) {
	u, err := url.Parse(g.bridgeURL)
	if err != nil {
		return "", fmt.Errorf("gateway: parse bridge url: %w", err)
	}
	u = u.JoinPath("events")

	q := u.Query()
	q.Set("client_id", g.sessionID)

	if g.cursor != nil {
		cursor, err := g.cursor(ctx)
		if err == nil && cursor != "" {
			q.Set("last_event_id", cursor)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Post submits an encrypted envelope to peerPubHex with the given RPC
// method as the bridge topic, default TTL 300s.
func (g *BridgeGateway) Post(ctx context.Context, peerPubHex, topic, base64Ciphertext string, ttl time.Duration) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gateway: rate limit wait: %w", err)
	}

	u, err := url.Parse(g.bridgeURL)
	if err != nil {
		return fmt.Errorf("gateway: parse bridge url: %w", err)
	}
	u = u.JoinPath("message")

	q := u.Query()
	q.Set("client_id", g.sessionID)
	q.Set("to", peerPubHex)
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	q.Set("ttl", strconv.Itoa(int(ttl.Seconds())))
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBufferString(base64Ciphertext))
	if err != nil {
		return fmt.Errorf("gateway: build post request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	if g.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway: post: bridge returned status %d", resp.StatusCode)
	}
	return nil
}

// Pause cancels the SSE listener task without forbidding future
// registration.
func (g *BridgeGateway) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateOpen {
		return
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.state = StatePaused
}

// Unpause re-registers the subscription from the Paused state.
func (g *BridgeGateway) Unpause(ctx context.Context) <-chan struct{} {
	g.mu.Lock()
	paused := g.state == StatePaused
	g.mu.Unlock()
	if !paused {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return g.RegisterSession(ctx)
}

// Close cancels the subscription and forbids further registration.
func (g *BridgeGateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	g.state = StateClosed
}

// State reports the current subscription state.
func (g *BridgeGateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
