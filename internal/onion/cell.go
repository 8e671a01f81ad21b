// Package onion implements the circuit layer: multi-hop KEM handshakes,
// layered sealing and per-hop peeling of fixed-size cells, replay and timing
// defenses, and cover traffic.
package onion

import (
	"encoding/binary"
	"errors"
)

const (
	// DefaultCellSize is the wire size of every onion cell. Cells never
	// change size between hops.
	DefaultCellSize = 1280

	// headerSize covers circuit_id:u64 | command:u8 | counter:u64.
	headerSize = 17

	// layerOverhead is the AEAD tag added or removed per layer.
	layerOverhead = 16
)

// Command is the routing command carried in the cell header.
type Command uint8

const (
	// CmdExtend performs the per-link KEM handshake when a circuit is
	// created or extended to a new hop.
	CmdExtend Command = iota

	// CmdRelay carries layered payload along an established circuit.
	CmdRelay

	// CmdEnd tears the circuit down at each hop it passes.
	CmdEnd
)

// Cell errors. Processing errors are deliberately not distinguished further;
// undecryptable or malformed cells are dropped without a reply.
var (
	ErrMalformed = errors.New("onion: malformed cell")
	ErrClosed    = errors.New("onion: circuit closed")
	ErrExhausted = errors.New("onion: circuit table full")
	ErrTimeout   = errors.New("onion: handshake timed out")
	ErrCancelled = errors.New("onion: cancelled")
)

// Cell is one fixed-size onion packet.
type Cell struct {
	CircuitID uint64
	Command   Command
	Counter   uint64
	Body      []byte // exactly cellSize-headerSize bytes
}

// Encode serializes the cell to its fixed wire size.
func (c *Cell) Encode() []byte {
	out := make([]byte, headerSize+len(c.Body))
	binary.LittleEndian.PutUint64(out[0:8], c.CircuitID)
	out[8] = byte(c.Command)
	binary.LittleEndian.PutUint64(out[9:17], c.Counter)
	copy(out[headerSize:], c.Body)
	return out
}

// DecodeCell parses a cell, enforcing the fixed wire size.
func DecodeCell(data []byte, cellSize int) (*Cell, error) {
	if len(data) != cellSize {
		return nil, ErrMalformed
	}
	cmd := Command(data[8])
	if cmd > CmdEnd {
		return nil, ErrMalformed
	}
	body := make([]byte, cellSize-headerSize)
	copy(body, data[headerSize:])
	return &Cell{
		CircuitID: binary.LittleEndian.Uint64(data[0:8]),
		Command:   cmd,
		Counter:   binary.LittleEndian.Uint64(data[9:17]),
		Body:      body,
	}, nil
}

// aadFor binds the sealed layers to the header fields that are stable across
// hops. The circuit id is per-link and rewritten in flight, so it stays out.
func aadFor(cmd Command, counter uint64) []byte {
	aad := make([]byte, 9)
	aad[0] = byte(cmd)
	binary.LittleEndian.PutUint64(aad[1:], counter)
	return aad
}

// nonceFor builds the AEAD nonce from the per-circuit counter and direction.
func nonceFor(counter uint64, backward bool) [12]byte {
	var n [12]byte
	binary.LittleEndian.PutUint64(n[:8], counter)
	if backward {
		n[8] = 1
	}
	return n
}
