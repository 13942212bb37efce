package cryptobox

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := New()
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
	bob, err := New()
	if err != nil {
		t.Fatalf("New bob: %v", err)
	}

	const want = "hello wallet, this is a dApp"
	sealed, err := alice.Encrypt(want, bob.SessionID())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := bob.Decrypt(sealed, alice.SessionID())
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestDecryptTamperedFails(t *testing.T) {
	alice, _ := New()
	bob, _ := New()

	sealed, err := alice.Encrypt("payload", bob.SessionID())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := []byte(sealed)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := bob.Decrypt(string(tampered), alice.SessionID()); err == nil {
		t.Fatal("expected decrypt of tampered payload to fail")
	}
}

func TestFromPrivateKeyRestoresSessionID(t *testing.T) {
	original, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	restored, err := FromPrivateKey(original.PrivateKeyHex())
	if err != nil {
		t.Fatalf("FromPrivateKey: %v", err)
	}
	if restored.SessionID() != original.SessionID() {
		t.Fatalf("restored session id mismatch: got %s want %s", restored.SessionID(), original.SessionID())
	}
}
