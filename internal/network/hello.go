package network

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/masharratt/QuDAG/internal/crypto"
)

// helloVersion is the identity exchange format version.
const helloVersion = 1

// ErrBadHello is returned for malformed or unauthenticated hello messages.
var ErrBadHello = errors.New("network: bad hello")

// hello is the identity message each side sends on its first stream: the
// long-term ML-DSA key, the node's KEM key for onion handshakes, and a
// signature binding both to the ephemeral TLS transport key so the PQ
// identity cannot be lifted onto another connection.
type hello struct {
	SigPK []byte
	KEMPK []byte
	Sig   []byte
}

func (h *hello) signingBytes(transportPK []byte) []byte {
	buf := make([]byte, 0, 1+len(h.SigPK)+len(h.KEMPK)+len(transportPK))
	buf = append(buf, helloVersion)
	buf = append(buf, h.SigPK...)
	buf = append(buf, h.KEMPK...)
	buf = append(buf, transportPK...)
	return buf
}

// encodeHello builds and signs a hello for the given transport key.
func encodeHello(key *crypto.SigningKey, kemPK, transportPK []byte) []byte {
	h := &hello{SigPK: key.PublicKey(), KEMPK: kemPK}
	h.Sig = key.Sign(h.signingBytes(transportPK))

	buf := make([]byte, 0, 1+4*3+len(h.SigPK)+len(h.KEMPK)+len(h.Sig))
	buf = append(buf, helloVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.SigPK)))
	buf = append(buf, h.SigPK...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.KEMPK)))
	buf = append(buf, h.KEMPK...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.Sig)))
	buf = append(buf, h.Sig...)
	return buf
}

// decodeHello parses and verifies a hello against the sender's transport
// key from the TLS layer.
func decodeHello(data, transportPK []byte) (*hello, error) {
	if len(data) < 1 || data[0] != helloVersion {
		return nil, ErrBadHello
	}
	rest := data[1:]

	next := func(want int) ([]byte, error) {
		if len(rest) < 4 {
			return nil, ErrBadHello
		}
		n := int(binary.LittleEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if n != want || len(rest) < n {
			return nil, ErrBadHello
		}
		field := rest[:n]
		rest = rest[n:]
		return field, nil
	}

	sigPK, err := next(crypto.SigPublicKeySize)
	if err != nil {
		return nil, err
	}
	kemPK, err := next(crypto.KEMPublicKeySize)
	if err != nil {
		return nil, err
	}
	sig, err := next(crypto.SignatureSize)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrBadHello
	}

	h := &hello{
		SigPK: append([]byte(nil), sigPK...),
		KEMPK: append([]byte(nil), kemPK...),
		Sig:   append([]byte(nil), sig...),
	}
	if !crypto.Verify(h.SigPK, h.signingBytes(transportPK), h.Sig) {
		return nil, ErrBadHello
	}
	return h, nil
}

// PeerID derives the short peer identifier from an ML-DSA public key.
func PeerID(sigPK []byte) string {
	sum := crypto.Sum256(sigPK)
	return hex.EncodeToString(sum[:16])
}
