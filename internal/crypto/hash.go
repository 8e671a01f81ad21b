package crypto

import "github.com/zeebo/blake3"

// HashSize is the size of all content hashes in the system.
const HashSize = 32

// Sum256 computes the BLAKE3 hash of data.
func Sum256(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// DeriveKey derives a 32-byte key from material, domain-separated by
// context. Used for per-hop direction keys and dark record owner-key
// fingerprints.
func DeriveKey(context string, material []byte) [32]byte {
	var out [32]byte
	blake3.DeriveKey(context, material, out[:])
	return out
}
