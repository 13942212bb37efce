// Package parsers decodes connect/sendTransaction envelopes exchanged
// over the bridge. Mapping wire error codes to tonconnect error kinds is
// done by the root package, not here.
package parsers

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/bytedance/sonic"
)

// ConnectItem is one entry of a connect event's "items" array.
type ConnectItem struct {
	Name            string `json:"name"`
	Address         string `json:"address,omitempty"`
	Network         string `json:"network,omitempty"`
	WalletStateInit string `json:"walletStateInit,omitempty"`
	PublicKey       string `json:"publicKey,omitempty"`
	Proof           *struct {
		Timestamp int64 `json:"timestamp"`
		Domain    struct {
			LengthBytes int    `json:"lengthBytes"`
			Value       string `json:"value"`
		} `json:"domain"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	} `json:"proof,omitempty"`
}

// ConnectEventPayload is the decoded payload of a "connect" wallet event.
type ConnectEventPayload struct {
	Items  []ConnectItem `json:"items"`
	Device struct {
		Platform       string `json:"platform"`
		AppName        string `json:"appName"`
		AppVersion     string `json:"appVersion"`
		MaxProtocolVer int    `json:"maxProtocolVersion"`
		Features       []any  `json:"features"`
	} `json:"device"`
}

// ParsedConnect is the result of successfully parsing a connect event.
type ParsedConnect struct {
	Address         string
	Chain           string
	WalletStateInit string
	PublicKey       string
	TonProofHex     string // signature as hex, empty if no ton_proof item
	TonProofRaw     *ConnectItem
	Platform        string
	AppName         string
	AppVersion      string
	MaxProtocolVer  int
	Features        []any
}

// ParseConnectPayload decodes a full "connect" wallet message
// ({event, id, payload}) and extracts the mandatory ton_addr item plus
// the optional ton_proof item from its payload.
func ParseConnectPayload(raw []byte) (*ParsedConnect, error) {
	var frame struct {
		Payload ConnectEventPayload `json:"payload"`
	}
	if err := sonic.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("parsers: unmarshal connect payload: %w", err)
	}
	payload := frame.Payload

	parsed := &ParsedConnect{
		Platform:       payload.Device.Platform,
		AppName:        payload.Device.AppName,
		AppVersion:     payload.Device.AppVersion,
		MaxProtocolVer: payload.Device.MaxProtocolVer,
		Features:       payload.Device.Features,
	}

	var haveAddr bool
	for i := range payload.Items {
		item := payload.Items[i]
		switch item.Name {
		case "ton_addr":
			parsed.Address = item.Address
			parsed.Chain = item.Network
			parsed.WalletStateInit = item.WalletStateInit
			parsed.PublicKey = item.PublicKey
			haveAddr = true
		case "ton_proof":
			parsed.TonProofRaw = &payload.Items[i]
			if item.Proof != nil {
				if sig, err := DecodeProofSignature(item.Proof.Signature); err == nil {
					parsed.TonProofHex = hex.EncodeToString(sig)
				}
			}
		}
	}

	if !haveAddr {
		return nil, fmt.Errorf("parsers: ton_addr not present in connect event items")
	}
	return parsed, nil
}

// DecodeProofSignature base64-decodes a ton_proof signature field.
func DecodeProofSignature(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("parsers: decode proof signature: %w", err)
	}
	return raw, nil
}

// ConnectEventError is the {code, message} shape of a connect_error event.
type ConnectEventError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ParseConnectError decodes a full "connect_error" wallet message; its
// payload carries the wire {code, message} pair directly.
func ParseConnectError(raw []byte) (ConnectEventError, error) {
	var frame struct {
		Payload ConnectEventError `json:"payload"`
	}
	if err := sonic.Unmarshal(raw, &frame); err != nil {
		return ConnectEventError{}, fmt.Errorf("parsers: unmarshal connect_error: %w", err)
	}
	return frame.Payload, nil
}
