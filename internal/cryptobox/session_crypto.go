// Package cryptobox implements the per-session NaCl box used to encrypt
// and decrypt envelopes exchanged with a wallet over a bridge.
package cryptobox

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const (
	keySize   = 32
	nonceSize = 24
)

// SessionCrypto holds the X25519 keypair identifying the dApp end of a
// bridge connection. Its hex-encoded public key doubles as the bridge
// client_id.
type SessionCrypto struct {
	privateKey [keySize]byte
	publicKey  [keySize]byte
}

// New generates a fresh session identity.
func New() (*SessionCrypto, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: generate key: %w", err)
	}
	return &SessionCrypto{privateKey: *priv, publicKey: *pub}, nil
}

// FromPrivateKey restores a session identity from a persisted hex-encoded
// 32-byte private key.
func FromPrivateKey(hexKey string) (*SessionCrypto, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: decode private key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("cryptobox: private key must be %d bytes, got %d", keySize, len(raw))
	}
	sc := &SessionCrypto{}
	copy(sc.privateKey[:], raw)
	curve25519ScalarBaseMult(&sc.publicKey, &sc.privateKey)
	return sc, nil
}

// SessionID is the hex-encoded public key, used as the bridge client_id.
func (s *SessionCrypto) SessionID() string {
	return hex.EncodeToString(s.publicKey[:])
}

// PrivateKeyHex returns the hex-encoded private key for persistence.
func (s *SessionCrypto) PrivateKeyHex() string {
	return hex.EncodeToString(s.privateKey[:])
}

// Encrypt seals plaintext for the peer identified by its hex-encoded
// X25519 public key, returning base64(nonce || ciphertext-with-tag).
func (s *SessionCrypto) Encrypt(plaintext string, peerPubHex string) (string, error) {
	peerPub, err := decodeKey(peerPubHex)
	if err != nil {
		return "", err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("cryptobox: generate nonce: %w", err)
	}

	sealed := box.Seal(nonce[:], []byte(plaintext), &nonce, peerPub, &s.privateKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64(nonce || ciphertext) payload sealed by the peer
// identified by its hex-encoded X25519 public key.
func (s *SessionCrypto) Decrypt(b64Payload string, peerPubHex string) (string, error) {
	peerPub, err := decodeKey(peerPubHex)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(b64Payload)
	if err != nil {
		return "", fmt.Errorf("%w: decode base64: %v", ErrDecrypt, err)
	}
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: payload shorter than nonce", ErrDecrypt)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	ciphertext := raw[nonceSize:]

	opened, ok := box.Open(nil, ciphertext, &nonce, peerPub, &s.privateKey)
	if !ok {
		return "", fmt.Errorf("%w: box authentication failed", ErrDecrypt)
	}
	return string(opened), nil
}

func decodeKey(hexKey string) (*[keySize]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: decode peer key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("cryptobox: peer key must be %d bytes, got %d", keySize, len(raw))
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}
