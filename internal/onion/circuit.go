package onion

import (
	"sync"
	"time"

	"github.com/masharratt/QuDAG/internal/crypto"
)

// Hop count bounds for origin circuits.
const (
	MinHops     = 3
	MaxHops     = 7
	DefaultHops = 3
)

// State is the circuit lifecycle position.
type State uint8

const (
	StateBuilding State = iota
	StateReady
	StateTearingDown
	StateClosed
)

// hop is one established hop of an origin circuit: the peer and the two
// direction keys derived from its shared secret.
type hop struct {
	peer     string
	forward  [32]byte
	backward [32]byte
}

// Circuit is an origin-side circuit. Only the builder mutates it; other
// components refer to circuits by id.
type Circuit struct {
	mu      sync.Mutex
	id      uint64
	hops    []hop
	created time.Time
	ttl     time.Duration
	state   State
	usage   uint64
	counter uint64
}

// ID returns the circuit identifier on the first link.
func (c *Circuit) ID() uint64 {
	return c.id
}

// State returns the current lifecycle state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hops returns the number of established hops.
func (c *Circuit) Hops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hops)
}

// Usage returns how many cells the circuit has carried.
func (c *Circuit) Usage() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// expired reports whether the circuit outlived its TTL at time now.
func (c *Circuit) expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.created) > c.ttl
}

// nextCounter reserves the next cell counter, counting usage against the
// cell budget. Returns false once the circuit is not Ready or the budget is
// spent.
func (c *Circuit) nextCounter(maxCells uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady || c.usage >= maxCells {
		return 0, false
	}
	c.usage++
	n := c.counter
	c.counter++
	return n, true
}

// zeroize destroys all hop key material.
func (c *Circuit) zeroize() {
	for i := range c.hops {
		crypto.Zeroize(c.hops[i].forward[:])
		crypto.Zeroize(c.hops[i].backward[:])
	}
}

// deriveHopKeys expands a shared secret into the two direction keys for hop
// index i (1-based).
func deriveHopKeys(ss []byte, index uint8) (forward, backward [32]byte) {
	material := make([]byte, len(ss)+1)
	copy(material, ss)
	material[len(ss)] = index
	forward = crypto.DeriveKey("qudag-onion-v1 forward", material)
	backward = crypto.DeriveKey("qudag-onion-v1 backward", material)
	crypto.Zeroize(material)
	return forward, backward
}

// confirmTag derives the handshake confirmation tag a hop returns to prove
// it decapsulated the same shared secret.
func confirmTag(ss []byte) [32]byte {
	return crypto.DeriveKey("qudag-onion-v1 confirm", ss)
}
