package network

import (
	"sync"
	"time"

	"github.com/masharratt/QuDAG/internal/crypto"
)

// gossipEchoTTL is how long a seen gossip message suppresses repeats. It
// must outlive one fan-out storm (every peer echoing a vertex back within
// a round trip or two) while staying short enough that a vertex
// re-gossiped for a peer's pending-parent retry gets through.
const gossipEchoTTL = 5 * time.Second

// Dedup suppresses gossip echoes. Only messages the filter selects
// participate: the coordinator exempts onion cells, whose replay defense
// is the per-hop (circuit, counter) window inside the circuit layer and
// whose cover cells are unique by construction, so hashing them here
// would only grow the table.
//
// Entries live in two generations, rotated lazily by Check once the TTL has
// passed: a message is suppressed for at least gossipEchoTTL and is
// forgotten at the second rotation after it was recorded, which is at most
// twice the TTL while Check runs steadily and later when calls are sparse.
// No background goroutine is needed.
type Dedup struct {
	mu      sync.Mutex
	ttl     time.Duration
	filter  func([]byte) bool
	cur     map[[32]byte]struct{}
	prev    map[[32]byte]struct{}
	rotated time.Time
}

// NewDedup creates a deduplication tracker with the gossip echo TTL.
func NewDedup() *Dedup {
	return &Dedup{
		ttl:     gossipEchoTTL,
		cur:     make(map[[32]byte]struct{}),
		prev:    make(map[[32]byte]struct{}),
		rotated: time.Now(),
	}
}

// SetFilter installs the predicate deciding which messages are subject to
// deduplication. A nil filter (the default) dedups everything.
func (d *Dedup) SetFilter(fn func([]byte) bool) {
	d.mu.Lock()
	d.filter = fn
	d.mu.Unlock()
}

// Check returns true if the message is new (or exempt) and records it;
// false for a repeat within the suppression window.
func (d *Dedup) Check(data []byte) bool {
	d.mu.Lock()
	filter := d.filter
	d.mu.Unlock()
	if filter != nil && !filter(data) {
		return true
	}

	hash := crypto.Sum256(data)

	d.mu.Lock()
	defer d.mu.Unlock()

	if now := time.Now(); now.Sub(d.rotated) >= d.ttl {
		d.prev = d.cur
		d.cur = make(map[[32]byte]struct{}, len(d.prev))
		d.rotated = now
	}

	if _, dup := d.cur[hash]; dup {
		return false
	}
	if _, dup := d.prev[hash]; dup {
		return false
	}
	d.cur[hash] = struct{}{}
	return true
}
