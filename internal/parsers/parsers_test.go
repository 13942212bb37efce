package parsers

import "testing"

const connectPayload = `{"event":"connect","id":"1","payload":{
	"items": [
		{"name":"ton_addr","address":"0:ab00000000000000000000000000000000000000000000000000000000ff","network":"-239","walletStateInit":"te6cc==","publicKey":"abcd"},
		{"name":"ton_proof","proof":{"timestamp":1700000000,"domain":{"lengthBytes":11,"value":"example.com"},"payload":"abcd","signature":"c2ln"}}
	],
	"device": {"platform":"iphone","appName":"Tonkeeper","appVersion":"2.3.367","maxProtocolVersion":2,"features":["SendTransaction"]}
}}`

func TestParseConnectPayload(t *testing.T) {
	parsed, err := ParseConnectPayload([]byte(connectPayload))
	if err != nil {
		t.Fatalf("ParseConnectPayload: %v", err)
	}
	if parsed.Address != "0:ab00000000000000000000000000000000000000000000000000000000ff" {
		t.Fatalf("unexpected address: %s", parsed.Address)
	}
	if parsed.TonProofRaw == nil {
		t.Fatal("expected ton_proof item to be captured")
	}
	if parsed.TonProofRaw.Proof.Domain.Value != "example.com" {
		t.Fatalf("unexpected domain: %s", parsed.TonProofRaw.Proof.Domain.Value)
	}
}

func TestParseConnectPayloadRequiresAddr(t *testing.T) {
	_, err := ParseConnectPayload([]byte(`{"event":"connect","id":"1","payload":{"items":[],"device":{}}}`))
	if err == nil {
		t.Fatal("expected error when ton_addr is missing")
	}
}

func TestParseConnectError(t *testing.T) {
	got, err := ParseConnectError([]byte(`{"event":"connect_error","id":"1","payload":{"code":300,"message":"User rejects the action"}}`))
	if err != nil {
		t.Fatalf("ParseConnectError: %v", err)
	}
	if got.Code != 300 || got.Message != "User rejects the action" {
		t.Fatalf("unexpected connect_error: %+v", got)
	}
}

func TestParseRPCResponseError(t *testing.T) {
	resp, err := ParseRPCResponse([]byte(`{"id":"0","error":{"code":300,"message":"no"}}`))
	if err != nil {
		t.Fatalf("ParseRPCResponse: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != 300 {
		t.Fatalf("expected error code 300, got %+v", resp.Error)
	}
}

func TestIsEvent(t *testing.T) {
	event, err := ParseWalletMessage([]byte(`{"event":"connect","id":"1"}`))
	if err != nil {
		t.Fatalf("ParseWalletMessage: %v", err)
	}
	if !IsEvent(event) {
		t.Fatal("expected message with event field to be recognized as an event")
	}

	rpcResp, err := ParseWalletMessage([]byte(`{"id":"0","result":"te6cc"}`))
	if err != nil {
		t.Fatalf("ParseWalletMessage: %v", err)
	}
	if IsEvent(rpcResp) {
		t.Fatal("expected message without event field to not be recognized as an event")
	}
}
