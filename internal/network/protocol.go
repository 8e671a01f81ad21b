// Package network provides the QUIC transport between peers: authenticated
// connections, framed messages on unidirectional streams, and
// request/response exchanges on bidirectional streams.
package network

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/masharratt/QuDAG/internal/crypto"
)

// maxFrameSize bounds a single framed message. The largest legal message
// is a gossiped vertex: kind byte plus the canonical encoding of a vertex
// carrying a 1 MB payload, eight parents, an ML-DSA key and signature.
// Everything else on the wire (onion cells, dark records, hellos,
// preference queries) is far smaller. 2 MB leaves headroom without letting
// a peer stall a stream on a multi-gigabyte length claim.
const maxFrameSize = 2<<20 + crypto.SigPublicKeySize + crypto.SignatureSize

// frameHeaderSize is the length prefix: u32, little-endian like every
// other integer this node puts on the wire.
const frameHeaderSize = 4

// writeFrame writes one length-prefixed message to the stream.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}

	frame := make([]byte, frameHeaderSize+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[frameHeaderSize:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed message, rejecting oversized length
// claims before allocating.
func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return data, nil
}
