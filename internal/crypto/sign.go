package crypto

import (
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// ML-DSA-65 parameter sizes (NIST Level 3).
const (
	SigPublicKeySize  = 1952
	SigPrivateKeySize = 4032
	SignatureSize     = 3309
)

var sigScheme = mldsa65.Scheme()

// SigningKey is an ML-DSA-65 private key together with its public half.
type SigningKey struct {
	sk sign.PrivateKey
	pk sign.PublicKey
}

// GenerateSigningKey creates a fresh ML-DSA-65 key pair.
func GenerateSigningKey() (*SigningKey, error) {
	pk, sk, err := sigScheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &SigningKey{sk: sk, pk: pk}, nil
}

// ParseSigningKey decodes a private key from its canonical encoding.
func ParseSigningKey(b []byte) (*SigningKey, error) {
	if len(b) != SigPrivateKeySize {
		return nil, ErrBadKey
	}
	sk, err := sigScheme.UnmarshalBinaryPrivateKey(b)
	if err != nil {
		return nil, ErrBadKey
	}
	return &SigningKey{sk: sk, pk: sk.Public().(sign.PublicKey)}, nil
}

// Bytes returns the canonical encoding of the private key.
func (k *SigningKey) Bytes() []byte {
	b, _ := k.sk.MarshalBinary()
	return b
}

// PublicKey returns the canonical encoding of the public key.
func (k *SigningKey) PublicKey() []byte {
	b, _ := k.pk.MarshalBinary()
	return b
}

// Sign produces a detached signature over msg.
func (k *SigningKey) Sign(msg []byte) []byte {
	return sigScheme.Sign(k.sk, msg, nil)
}

// Zeroize clears a marshalled copy of the private key and drops this
// wrapper's references to both halves. The library's own key value is not
// overwritten in place.
func (k *SigningKey) Zeroize() {
	if b, err := k.sk.MarshalBinary(); err == nil {
		Zeroize(b)
	}
	k.sk = nil
	k.pk = nil
}

// Verify checks a detached signature against a public key encoding.
// Unparseable keys and wrong-length signatures verify as false rather than
// erroring; callers need only the boolean.
func Verify(pubKey, msg, sig []byte) bool {
	if len(pubKey) != SigPublicKeySize || len(sig) != SignatureSize {
		return false
	}
	pk, err := sigScheme.UnmarshalBinaryPublicKey(pubKey)
	if err != nil {
		return false
	}
	return sigScheme.Verify(pk, msg, sig, nil)
}
