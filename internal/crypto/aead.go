package crypto

import "golang.org/x/crypto/chacha20poly1305"

// AEAD parameter sizes.
const (
	AEADKeySize   = chacha20poly1305.KeySize
	AEADNonceSize = chacha20poly1305.NonceSize
	AEADOverhead  = chacha20poly1305.Overhead
)

// Seal encrypts and authenticates pt, binding aad. The output is
// len(pt)+AEADOverhead bytes.
func Seal(key [32]byte, nonce [AEADNonceSize]byte, aad, pt []byte) []byte {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		// Key size is fixed by the type; New cannot fail.
		panic(err)
	}
	return aead.Seal(nil, nonce[:], pt, aad)
}

// Open verifies and decrypts ct. Every failure returns ErrDecrypt; no
// distinction is made between tag mismatch and malformed input.
func Open(key [32]byte, nonce [AEADNonceSize]byte, aad, ct []byte) ([]byte, error) {
	if len(ct) < AEADOverhead {
		return nil, ErrDecrypt
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(err)
	}
	pt, err := aead.Open(nil, nonce[:], ct, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
