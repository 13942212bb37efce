package proof

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
)

func TestVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	const address = "0:ab000000000000000000000000000000000000000000000000000000000000ff"
	msg, err := Build(address, "example.com", 1700000000, []byte("abcd"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	h1 := sha256.Sum256(msg)
	sigMsg := append([]byte{0xFF, 0xFF}, append([]byte(tonConnectMagic), h1[:]...)...)
	h2 := sha256.Sum256(sigMsg)
	sig := ed25519.Sign(priv, h2[:])

	p := Proof{Timestamp: 1700000000, Domain: "example.com", Payload: "abcd", Signature: sig}
	if !Verify(address, pub, p) {
		t.Fatal("expected valid proof to verify")
	}

	sig[0] ^= 0x01
	p.Signature = sig
	if Verify(address, pub, p) {
		t.Fatal("expected bit-flipped signature to fail verification")
	}
}

func TestVerifyRejectsMalformedAddress(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	p := Proof{Timestamp: 1, Domain: "x", Payload: "y", Signature: make([]byte, ed25519.SignatureSize)}
	if Verify("not-an-address", pub, p) {
		t.Fatal("expected malformed address to fail verification")
	}
}
