// Package crypto is the single entry point to the post-quantum primitives
// used by the rest of the node: ML-KEM-768 encapsulation, ML-DSA-65
// signatures, BLAKE3 hashing and key derivation, and ChaCha20-Poly1305
// sealing. Apart from the throwaway ed25519 TLS certificate the QUIC
// transport needs (internal/network/cert.go, stdlib), no other package
// imports a cryptographic library directly, so swapping a primitive touches
// only this package.
package crypto

import "errors"

// ErrDecrypt is returned for every AEAD open failure. A single opaque value
// keeps wrong-key and wrong-payload failures indistinguishable to callers
// and to remote senders.
var ErrDecrypt = errors.New("crypto: decryption failed")

// ErrBadKey is returned when key material cannot be parsed.
var ErrBadKey = errors.New("crypto: malformed key material")

// Zeroize overwrites the buffer with zeros. Secrets are zeroized before
// their owner releases them.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
