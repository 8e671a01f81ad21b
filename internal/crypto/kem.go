package crypto

import (
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// ML-KEM-768 parameter sizes (NIST Level 3).
const (
	KEMPublicKeySize  = 1184
	KEMPrivateKeySize = 2400
	KEMCiphertextSize = 1088
	SharedSecretSize  = 32
)

var kemScheme = mlkem768.Scheme()

// KEMPublicKey is an ML-KEM-768 encapsulation key.
type KEMPublicKey struct {
	pk kem.PublicKey
}

// KEMPrivateKey is an ML-KEM-768 decapsulation key.
type KEMPrivateKey struct {
	sk kem.PrivateKey
}

// GenerateKEMKeyPair creates a fresh ML-KEM-768 key pair.
func GenerateKEMKeyPair() (*KEMPublicKey, *KEMPrivateKey, error) {
	pk, sk, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	return &KEMPublicKey{pk: pk}, &KEMPrivateKey{sk: sk}, nil
}

// Bytes returns the canonical encoding of the public key.
func (k *KEMPublicKey) Bytes() []byte {
	b, _ := k.pk.MarshalBinary()
	return b
}

// ParseKEMPublicKey decodes a public key from its canonical encoding.
func ParseKEMPublicKey(b []byte) (*KEMPublicKey, error) {
	if len(b) != KEMPublicKeySize {
		return nil, ErrBadKey
	}
	pk, err := kemScheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, ErrBadKey
	}
	return &KEMPublicKey{pk: pk}, nil
}

// Encapsulate produces a ciphertext and the shared secret it carries.
func Encapsulate(pk *KEMPublicKey) (ct, ss []byte, err error) {
	return kemScheme.Encapsulate(pk.pk)
}

// Decapsulate recovers the shared secret from a ciphertext.
// ML-KEM decapsulation is implicit-rejection: a bad ciphertext yields a
// pseudorandom secret rather than an error, so there is no failure oracle.
func Decapsulate(sk *KEMPrivateKey, ct []byte) ([]byte, error) {
	if len(ct) != KEMCiphertextSize {
		return nil, ErrBadKey
	}
	return kemScheme.Decapsulate(sk.sk, ct)
}

// Zeroize clears a marshalled copy of the private key and drops this
// wrapper's reference to it. The library's own key value is not overwritten
// in place.
func (k *KEMPrivateKey) Zeroize() {
	if b, err := k.sk.MarshalBinary(); err == nil {
		Zeroize(b)
	}
	k.sk = nil
}
