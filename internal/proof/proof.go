// Package proof verifies a wallet's ton_proof signature: a binding of
// {wallet address, dApp domain, timestamp, dApp challenge} signed with
// the wallet's Ed25519 key.
package proof

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const messagePrefix = "ton-proof-item-v2/"

var signaturePrefix = []byte{0xFF, 0xFF}

const tonConnectMagic = "ton-connect"

// Proof carries the fields a wallet returns alongside its ton_proof item.
type Proof struct {
	Timestamp int64
	Domain    string
	Payload   string
	Signature []byte // 64 bytes
}

// Verify checks Signature against the account's Ed25519 public key.
// It never returns an error for a malformed/forged proof: a false
// result is the normal outcome of a bad signature, and the decision of
// whether that is fatal belongs to the caller.
func Verify(address string, pub ed25519.PublicKey, p Proof) bool {
	message, err := buildMessage(address, p.Domain, p.Timestamp, []byte(p.Payload))
	if err != nil {
		return false
	}

	h1 := sha256.Sum256(message)

	signatureMessage := make([]byte, 0, len(signaturePrefix)+len(tonConnectMagic)+len(h1))
	signatureMessage = append(signatureMessage, signaturePrefix...)
	signatureMessage = append(signatureMessage, tonConnectMagic...)
	signatureMessage = append(signatureMessage, h1[:]...)

	h2 := sha256.Sum256(signatureMessage)

	if len(p.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, h2[:], p.Signature)
}

// buildMessage constructs the canonical ton-proof message for (address,
// domain, timestamp, payload). Exported via Build for test vectors and
// for callers that sign their own proofs in integration tests.
func buildMessage(address, domain string, timestamp int64, payload []byte) ([]byte, error) {
	wc, hash, err := splitAddress(address)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(messagePrefix)+4+32+4+len(domain)+8+len(payload))
	buf = append(buf, messagePrefix...)

	wcBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(wcBytes, uint32(wc))
	buf = append(buf, wcBytes...)

	buf = append(buf, hash...)

	domainLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(domainLen, uint32(len(domain)))
	buf = append(buf, domainLen...)
	buf = append(buf, domain...)

	tsBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(tsBytes, uint64(timestamp))
	buf = append(buf, tsBytes...)

	buf = append(buf, payload...)
	return buf, nil
}

// Build exposes buildMessage for test vector construction.
func Build(address, domain string, timestamp int64, payload []byte) ([]byte, error) {
	return buildMessage(address, domain, timestamp, payload)
}

func splitAddress(address string) (wc int32, hash []byte, err error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return 0, nil, fmt.Errorf("proof: malformed address %q", address)
	}

	wc64, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("proof: parse workchain: %w", err)
	}

	hash, err = hex.DecodeString(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("proof: parse address hash: %w", err)
	}
	if len(hash) != 32 {
		return 0, nil, fmt.Errorf("proof: address hash must be 32 bytes, got %d", len(hash))
	}

	return int32(wc64), hash, nil
}
