package dag

import "github.com/masharratt/QuDAG/internal/crypto"

// sum256 computes the blake3 hash used for ids and author slots.
func sum256(data []byte) [32]byte {
	return crypto.Sum256(data)
}
