package wallets

import (
	"context"
	"time"
)

// Descriptor is a wallet entry from the directory: only sse-type
// bridges are connectable through this SDK; js-type (injected) wallets
// are out of scope.
type Descriptor struct {
	Name         string
	Image        string
	AboutURL     string
	AppName      string
	BridgeType   string // "sse" or "js"
	BridgeURL    string
	UniversalURL string
}

// Usable reports whether this descriptor can be used with BridgeGateway.
func (d Descriptor) Usable() bool {
	return d.BridgeType == "sse"
}

// Source fetches the live wallets directory. No implementation ships in
// this module; the directory fetcher is an external collaborator.
type Source interface {
	Fetch(ctx context.Context) ([]Descriptor, error)
}

// FallbackList is the hard-coded failover used whenever the directory
// fetch fails or no Source is configured. This constant must ship with
// the SDK, never be replaced by a network call. Each entry carries its
// real UniversalURL: a fallback-sourced Connect otherwise degrades to a
// bare bridge-URL deep link.
var FallbackList = []Descriptor{
	{
		Name:         "Wallet",
		Image:        "https://wallet.tg/images/logo-288.png",
		AboutURL:     "https://wallet.tg/",
		AppName:      "telegram-wallet",
		BridgeType:   "sse",
		BridgeURL:    "https://bridge.tonapi.io/bridge",
		UniversalURL: "https://t.me/wallet?attach=wallet",
	},
	{
		Name:         "Tonkeeper",
		Image:        "https://tonkeeper.com/assets/tonconnect-icon.png",
		AboutURL:     "https://tonkeeper.com",
		AppName:      "tonkeeper",
		BridgeType:   "sse",
		BridgeURL:    "https://bridge.tonapi.io/bridge",
		UniversalURL: "https://app.tonkeeper.com/ton-connect",
	},
	{
		Name:         "Tonhub",
		Image:        "https://tonhub.com/tonconnect_logo.png",
		AboutURL:     "https://tonhub.com",
		AppName:      "tonhub",
		BridgeType:   "sse",
		BridgeURL:    "https://connect.tonhubapi.com/tonconnect",
		UniversalURL: "https://tonhub.com/ton-connect",
	},
}

// List is a TTL-cached view over a Source, falling back to FallbackList
// on any fetch error.
type List struct {
	source Source
	cache  *ttlLRU[[]Descriptor]
}

const cacheKey = "wallets"

// NewList wraps source with a TTL cache. A nil source skips straight to
// FallbackList.
func NewList(source Source, ttl time.Duration) *List {
	return &List{source: source, cache: newTTLLRU[[]Descriptor](1, ttl)}
}

// Get returns the cached directory, refreshing from the Source on a
// cache miss, and falling back to FallbackList if the Source errors or
// is absent.
func (l *List) Get(ctx context.Context) []Descriptor {
	if cached, ok := l.cache.get(cacheKey); ok {
		return cached
	}

	if l.source == nil {
		return FallbackList
	}

	fetched, err := l.source.Fetch(ctx)
	if err != nil || len(fetched) == 0 {
		return FallbackList
	}

	l.cache.add(cacheKey, fetched)
	return fetched
}
