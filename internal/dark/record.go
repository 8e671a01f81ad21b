// Package dark implements the dark addressing resolver: signed name records
// for .dark and .shadow names, published to a DHT and resolved with
// signature and validity checks, plus ephemeral shadow names.
package dark

import (
	"encoding/binary"
	"errors"
	"regexp"
	"strings"

	"github.com/masharratt/QuDAG/internal/crypto"
)

const (
	// recordVersion is the wire format version.
	recordVersion = 1

	// maxNameLen is the maximum total name length.
	maxNameLen = 253

	// maxAddrLen bounds the multiaddress field.
	maxAddrLen = 1024

	// shadowPrefix is the mandatory first-label prefix of ephemeral names.
	shadowPrefix = "shadow-"
)

// Record and resolution errors.
var (
	ErrMalformed        = errors.New("dark: malformed record")
	ErrBadName          = errors.New("dark: invalid name syntax")
	ErrNotFound         = errors.New("dark: name not found")
	ErrExpired          = errors.New("dark: record expired")
	ErrSignatureInvalid = errors.New("dark: record signature invalid")
	ErrConflict         = errors.New("dark: name already registered")
	ErrRateLimited      = errors.New("dark: rate limited")
	ErrRevoked          = errors.New("dark: name revoked")
)

// nameRe matches lowercase dotted labels ending in .dark or .shadow.
var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*\.(dark|shadow)$`)

// ValidateName checks name syntax and length. Ephemeral names additionally
// require the shadow- prefix, enforced by the caller that knows the flag.
func ValidateName(name string) error {
	if len(name) > maxNameLen || !nameRe.MatchString(name) {
		return ErrBadName
	}
	return nil
}

// Record is one signed dark name record. An empty Address on a record that
// supersedes an active one is a revocation.
type Record struct {
	Name        string
	Address     string
	OwnerPK     []byte
	Fingerprint [32]byte
	NotBefore   uint64
	NotAfter    uint64
	Ephemeral   bool
	Signature   []byte
}

// signingBytes is the canonical encoding of every field before the
// signature; it is the signed message.
func (r *Record) signingBytes() []byte {
	buf := make([]byte, 0, 64+len(r.Name)+len(r.Address)+len(r.OwnerPK))

	buf = append(buf, recordVersion)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Name)))
	buf = append(buf, r.Name...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Address)))
	buf = append(buf, r.Address...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.OwnerPK)))
	buf = append(buf, r.OwnerPK...)
	buf = append(buf, r.Fingerprint[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.NotBefore)
	buf = binary.LittleEndian.AppendUint64(buf, r.NotAfter)
	if r.Ephemeral {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// Sign seals the record under the given key, filling OwnerPK and the
// key fingerprint.
func (r *Record) Sign(key *crypto.SigningKey) {
	r.OwnerPK = key.PublicKey()
	r.Fingerprint = crypto.DeriveKey("qudag-dark-v1 fingerprint", r.OwnerPK)
	r.Signature = key.Sign(r.signingBytes())
}

// Verify checks the signature and the key fingerprint.
func (r *Record) Verify() bool {
	if r.Fingerprint != crypto.DeriveKey("qudag-dark-v1 fingerprint", r.OwnerPK) {
		return false
	}
	return crypto.Verify(r.OwnerPK, r.signingBytes(), r.Signature)
}

// ValidAt reports whether now falls inside the validity window.
func (r *Record) ValidAt(now uint64) bool {
	return r.NotBefore <= now && now <= r.NotAfter
}

// IsRevocation reports whether the record revokes its name rather than
// binding an address.
func (r *Record) IsRevocation() bool {
	return r.Address == ""
}

// effectiveAt reports whether the record governs its name at time now. A
// revocation takes effect immediately on publication; its not_before only
// orders it against the record it supersedes.
func (r *Record) effectiveAt(now uint64) bool {
	if r.IsRevocation() {
		return now <= r.NotAfter
	}
	return r.ValidAt(now)
}

// sameOwner reports whether other is signed by the same key.
func (r *Record) sameOwner(other *Record) bool {
	return r.Fingerprint == other.Fingerprint
}

// Encode serializes the record:
// version:u8 | name_len:u16 | name | addr_len:u16 | addr |
// owner_pk_len:u32 | owner_pk | fingerprint:32 | not_before:u64 |
// not_after:u64 | ephemeral:u8 | signature_len:u32 | signature.
func (r *Record) Encode() []byte {
	buf := r.signingBytes()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Signature)))
	return append(buf, r.Signature...)
}

// DecodeRecord parses a record encoding. Structural violations return
// ErrMalformed; signatures are checked separately.
func DecodeRecord(data []byte) (*Record, error) {
	r := reader{buf: data}

	version, ok := r.u8()
	if !ok || version != recordVersion {
		return nil, ErrMalformed
	}

	nameLen, ok := r.u16()
	if !ok || int(nameLen) > maxNameLen {
		return nil, ErrMalformed
	}
	name, ok := r.take(int(nameLen))
	if !ok {
		return nil, ErrMalformed
	}

	addrLen, ok := r.u16()
	if !ok || int(addrLen) > maxAddrLen {
		return nil, ErrMalformed
	}
	addr, ok := r.take(int(addrLen))
	if !ok {
		return nil, ErrMalformed
	}

	pkLen, ok := r.u32()
	if !ok || pkLen != crypto.SigPublicKeySize {
		return nil, ErrMalformed
	}
	pk, ok := r.take(int(pkLen))
	if !ok {
		return nil, ErrMalformed
	}

	fp, ok := r.take(32)
	if !ok {
		return nil, ErrMalformed
	}

	notBefore, ok := r.u64()
	if !ok {
		return nil, ErrMalformed
	}
	notAfter, ok := r.u64()
	if !ok {
		return nil, ErrMalformed
	}

	eph, ok := r.u8()
	if !ok || eph > 1 {
		return nil, ErrMalformed
	}

	sigLen, ok := r.u32()
	if !ok || sigLen != crypto.SignatureSize {
		return nil, ErrMalformed
	}
	sig, ok := r.take(int(sigLen))
	if !ok {
		return nil, ErrMalformed
	}

	if !r.empty() {
		return nil, ErrMalformed
	}

	rec := &Record{
		Name:      string(name),
		Address:   string(addr),
		OwnerPK:   append([]byte(nil), pk...),
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Ephemeral: eph == 1,
		Signature: append([]byte(nil), sig...),
	}
	copy(rec.Fingerprint[:], fp)

	if err := ValidateName(rec.Name); err != nil {
		return nil, ErrMalformed
	}
	if rec.Ephemeral && !strings.HasPrefix(rec.Name, shadowPrefix) {
		return nil, ErrMalformed
	}
	return rec, nil
}

// NameKey is the DHT key for a name: the blake3 hash of the name bytes.
func NameKey(name string) [32]byte {
	return crypto.Sum256([]byte(name))
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

func (r *reader) empty() bool {
	return r.off == len(r.buf)
}
