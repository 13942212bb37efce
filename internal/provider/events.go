package provider

import "github.com/tonkeeper/tonconnect-go/internal/parsers"

// WalletEventKind tags the three fixed wallet-event variants the bridge
// can deliver.
type WalletEventKind int

const (
	EventConnect WalletEventKind = iota
	EventConnectError
	EventDisconnect
)

// WalletEvent is the demultiplexed result of one incoming SSE frame
// that carried an "event" field.
type WalletEvent struct {
	Kind    WalletEventKind
	ID      int64
	Connect *parsers.ParsedConnect     // set iff Kind == EventConnect
	Error   *parsers.ConnectEventError // set iff Kind == EventConnectError
	Raw     []byte                     // the raw decoded wallet_message, for fan-out
}

// WalletEventListener receives every wallet event after internal state
// has been updated.
type WalletEventListener func(WalletEvent)

// TransportErrorListener receives gateway-level transport errors that
// the provider could not resolve through implicit re-registration.
type TransportErrorListener func(error)
