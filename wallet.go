package tonconnect

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/tonkeeper/tonconnect-go/internal/proof"
)

// Device describes the wallet application reporting a connect event.
type Device struct {
	Platform       string `json:"platform"`
	AppName        string `json:"appName"`
	AppVersion     string `json:"appVersion"`
	MaxProtocolVer int    `json:"maxProtocolVersion"`
	Features       []any  `json:"features"`
}

// TonProof is the wallet's signed binding of its address to the dApp's
// challenge, as returned alongside a connect event.
type TonProof struct {
	Timestamp int64  `json:"timestamp"`
	Domain    Domain `json:"domain"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"` // base64, 64 raw bytes
}

// Domain is the dApp-domain binding inside a TonProof.
type Domain struct {
	LengthBytes int    `json:"lengthBytes"`
	Value       string `json:"value"`
}

// Account is the wallet's on-chain identity reported on connect.
type Account struct {
	Address         string `json:"address"` // "wc:hash"
	Chain           string `json:"chain"`   // "-239" mainnet, "-3" testnet
	WalletStateInit string `json:"walletStateInit"`
	PublicKey       string `json:"publicKey,omitempty"`
}

// WalletInfo is the in-memory connected-wallet view surfaced to callers
// by status-change subscribers.
type WalletInfo struct {
	Device   Device    `json:"device"`
	Account  Account   `json:"account"`
	TonProof *TonProof `json:"ton_proof,omitempty"`
}

// SupportsSendTransaction reports whether the wallet's device features
// list the "SendTransaction" capability, and whether its maxMessages (when
// given) is at least messageCount. Matches the legacy string form and the
// modern {name, maxMessages} object form.
func (w WalletInfo) SupportsSendTransaction(messageCount int) bool {
	for _, f := range w.Device.Features {
		switch v := f.(type) {
		case string:
			if v == "SendTransaction" {
				return true
			}
		case map[string]any:
			name, _ := v["name"].(string)
			if name != "SendTransaction" {
				continue
			}
			maxMessages, ok := v["maxMessages"].(float64)
			if !ok {
				return true
			}
			return int(maxMessages) >= messageCount
		}
	}
	return false
}

// CheckProof verifies TonProof's signature against pubKey. It reports
// only signature validity; freshness of the timestamp is the caller's
// responsibility (see Connector.CheckProof for a freshness-checked
// wrapper).
func (w WalletInfo) CheckProof(pubKey ed25519.PublicKey) bool {
	if w.TonProof == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(w.TonProof.Signature)
	if err != nil {
		return false
	}
	return proof.Verify(w.Account.Address, pubKey, proof.Proof{
		Timestamp: w.TonProof.Timestamp,
		Domain:    w.TonProof.Domain.Value,
		Payload:   w.TonProof.Payload,
		Signature: sig,
	})
}
