package parsers

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// RPCRequest is the outgoing envelope stamped with an id before
// encryption, e.g. {"method":"sendTransaction","params":["..."],"id":"0"}.
type RPCRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     string   `json:"id,omitempty"`
}

// RPCResponse is the decoded shape of any wallet RPC reply: either
// Result or Error is populated, never both.
type RPCResponse struct {
	ID     string          `json:"id"`
	Result string          `json:"result,omitempty"`
	Error  *RPCResponseErr `json:"error,omitempty"`
}

// RPCResponseErr is the {code, message} error half of an RPCResponse.
type RPCResponseErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// IsEvent reports whether a raw decoded wallet message is a wallet
// event (has an "event" field) rather than an RPC response.
func IsEvent(raw map[string]any) bool {
	_, ok := raw["event"]
	return ok
}

// MarshalRequest serializes an RPCRequest as compact JSON.
func MarshalRequest(req RPCRequest) ([]byte, error) {
	out, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("parsers: marshal rpc request: %w", err)
	}
	return out, nil
}

// EncodeSendTransaction wraps a sendTransaction request body in the
// {method, params} RPC envelope; the body travels as a JSON string.
func EncodeSendTransaction(requestJSON string) RPCRequest {
	return RPCRequest{Method: "sendTransaction", Params: []string{requestJSON}}
}

// ParseRPCResponse decodes a raw wallet message into an RPCResponse.
func ParseRPCResponse(raw []byte) (*RPCResponse, error) {
	var resp RPCResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsers: unmarshal rpc response: %w", err)
	}
	return &resp, nil
}

// ParseWalletMessage decodes a raw decrypted wallet message into a
// generic map, used to decide whether it is a wallet event or an RPC
// response before a typed decode.
func ParseWalletMessage(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsers: unmarshal wallet message: %w", err)
	}
	return m, nil
}
