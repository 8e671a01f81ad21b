// Package dag implements the vertex DAG: content-addressed storage with
// parent indices and a tip set, conflict tracking, parent selection, and the
// avalanche sampling engine that drives vertices to finality.
package dag

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/masharratt/QuDAG/internal/crypto"
)

const (
	// MaxParents is the maximum number of parents a vertex may reference.
	MaxParents = 8

	// vertexVersion is the wire format version.
	vertexVersion = 1

	// maxPayloadSize bounds a single vertex payload (1 MB).
	maxPayloadSize = 1 << 20
)

// Wire format errors.
var (
	ErrMalformed = errors.New("dag: malformed vertex")
)

// VertexID is the BLAKE3 hash of a vertex's canonical unsigned encoding.
type VertexID [32]byte

// String returns a short hex form for logging.
func (id VertexID) String() string {
	return fmt.Sprintf("%x", id[:6])
}

// Vertex is an immutable signed unit of payload plus parent references.
// Fields are never mutated after admission.
type Vertex struct {
	Parents   []VertexID
	Payload   []byte
	AuthorPK  []byte
	Timestamp uint64
	Nonce     uint64
	Signature []byte
}

// ID computes the vertex identifier: the BLAKE3 hash of every field except
// the signature, in canonical order.
func (v *Vertex) ID() VertexID {
	return crypto.Sum256(v.signingBytes())
}

// signingBytes returns the canonical encoding of all fields except the
// signature. This is both the signed message and the preimage of the id.
func (v *Vertex) signingBytes() []byte {
	buf := make([]byte, 0, v.encodedSize()-4-len(v.Signature))

	buf = append(buf, vertexVersion)
	buf = appendBytes32(buf, v.AuthorPK)
	buf = append(buf, byte(len(v.Parents)))
	for _, p := range v.Parents {
		buf = append(buf, p[:]...)
	}
	buf = binary.LittleEndian.AppendUint64(buf, v.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, v.Nonce)
	buf = appendBytes32(buf, v.Payload)

	return buf
}

// Sign signs the vertex with the given key and records the author public key.
func (v *Vertex) Sign(key *crypto.SigningKey) {
	v.AuthorPK = key.PublicKey()
	v.Signature = key.Sign(v.signingBytes())
}

// VerifySignature checks the vertex signature against its stated author key.
func (v *Vertex) VerifySignature() bool {
	return crypto.Verify(v.AuthorPK, v.signingBytes(), v.Signature)
}

func (v *Vertex) encodedSize() int {
	return 1 + 4 + len(v.AuthorPK) + 1 + 32*len(v.Parents) + 8 + 8 +
		4 + len(v.Payload) + 4 + len(v.Signature)
}

// Encode produces the canonical wire encoding:
// version:u8 | author_pk_len:u32 | author_pk | parent_count:u8 |
// parent_ids | timestamp:u64 | nonce:u64 | payload_len:u32 | payload |
// signature_len:u32 | signature. Integers are little-endian.
func (v *Vertex) Encode() []byte {
	buf := v.signingBytes()
	buf = appendBytes32(buf, v.Signature)
	return buf
}

// DecodeVertex parses a canonical vertex encoding. Any structural violation
// returns ErrMalformed; signature validity is checked at admission, not here.
func DecodeVertex(data []byte) (*Vertex, error) {
	r := reader{buf: data}

	version, ok := r.u8()
	if !ok || version != vertexVersion {
		return nil, ErrMalformed
	}

	authorPK, ok := r.bytes32(crypto.SigPublicKeySize)
	if !ok || len(authorPK) != crypto.SigPublicKeySize {
		return nil, ErrMalformed
	}

	parentCount, ok := r.u8()
	if !ok || int(parentCount) > MaxParents {
		return nil, ErrMalformed
	}

	parents := make([]VertexID, parentCount)
	for i := range parents {
		b, ok := r.take(32)
		if !ok {
			return nil, ErrMalformed
		}
		copy(parents[i][:], b)
	}

	timestamp, ok := r.u64()
	if !ok {
		return nil, ErrMalformed
	}
	nonce, ok := r.u64()
	if !ok {
		return nil, ErrMalformed
	}

	payload, ok := r.bytes32(maxPayloadSize)
	if !ok {
		return nil, ErrMalformed
	}

	signature, ok := r.bytes32(crypto.SignatureSize)
	if !ok || len(signature) != crypto.SignatureSize {
		return nil, ErrMalformed
	}

	if !r.empty() {
		return nil, ErrMalformed
	}

	return &Vertex{
		Parents:   parents,
		Payload:   payload,
		AuthorPK:  authorPK,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: signature,
	}, nil
}

// appendBytes32 appends a u32 length prefix followed by the bytes.
func appendBytes32(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader is a bounds-checked cursor over a wire buffer.
type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, bool) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *reader) u8() (byte, bool) {
	b, ok := r.take(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (r *reader) u16() (uint16, bool) {
	b, ok := r.take(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (r *reader) u32() (uint32, bool) {
	b, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (r *reader) u64() (uint64, bool) {
	b, ok := r.take(8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// bytes32 reads a u32 length prefix and the bytes it announces, rejecting
// lengths above max. The returned slice is copied.
func (r *reader) bytes32(max int) ([]byte, bool) {
	n, ok := r.u32()
	if !ok || int(n) > max {
		return nil, false
	}
	b, ok := r.take(int(n))
	if !ok {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, b)
	return out, true
}

func (r *reader) empty() bool {
	return r.off == len(r.buf)
}
