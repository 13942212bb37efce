package cryptobox

import "golang.org/x/crypto/curve25519"

// curve25519ScalarBaseMult derives the public key matching a restored
// private scalar, since box.GenerateKey is only usable for fresh keys.
func curve25519ScalarBaseMult(dst, scalar *[32]byte) {
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		panic("cryptobox: invalid private scalar: " + err.Error())
	}
	copy(dst[:], pub)
}
