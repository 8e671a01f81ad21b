package onion

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/masharratt/QuDAG/internal/crypto"
)

// Directory resolves peers' KEM keys and enumerates candidate hops.
type Directory interface {
	KEMKey(peer string) (*crypto.KEMPublicKey, error)
	Peers() []string
}

// reputationFloor is the score at or below which a peer is skipped during
// hop selection. Failed handshakes decrement the score; successes recover it.
const reputationFloor = -3

// BuilderConfig carries origin-side tunables; zero values select defaults.
type BuilderConfig struct {
	CellSize         int
	HopCount         int           // hops per circuit (default 3, clamped to [3,7])
	TTL              time.Duration // circuit lifetime (default 10m)
	MaxCells         uint64        // cell budget per circuit (default 10000)
	MaxCircuits      int           // open circuit cap (default 1000)
	HandshakeTimeout time.Duration // per-hop ack deadline (default 5s)
	HopRetries       int           // alternate peers tried per hop (default 3)
}

func (c BuilderConfig) withDefaults() BuilderConfig {
	if c.CellSize <= 0 {
		c.CellSize = DefaultCellSize
	}
	if c.HopCount == 0 {
		c.HopCount = DefaultHops
	}
	if c.HopCount < MinHops {
		c.HopCount = MinHops
	}
	if c.HopCount > MaxHops {
		c.HopCount = MaxHops
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.MaxCells == 0 {
		c.MaxCells = 10000
	}
	if c.MaxCircuits <= 0 {
		c.MaxCircuits = 1000
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.HopRetries <= 0 {
		c.HopRetries = 3
	}
	return c
}

// pendingHandshake parks a Build waiting for one hop's confirmation.
type pendingHandshake struct {
	confirm [32]byte
	done    chan []byte // receives the confirm bytes carried by the ack
}

// Builder establishes and drives origin circuits.
type Builder struct {
	cfg     BuilderConfig
	trans   Transport
	dir     Directory
	deliver DeliverFunc

	mu         sync.Mutex
	circuits   map[uint64]*Circuit
	building   map[uint64]*Circuit
	firstHop   map[uint64]string
	createAcks map[linkKey]*pendingHandshake
	extendAcks map[uint64]*pendingHandshake
	reputation map[string]int
}

// NewBuilder creates a circuit builder. deliver receives payloads arriving
// back through owned circuits.
func NewBuilder(cfg BuilderConfig, trans Transport, dir Directory, deliver DeliverFunc) *Builder {
	return &Builder{
		cfg:        cfg.withDefaults(),
		trans:      trans,
		dir:        dir,
		deliver:    deliver,
		circuits:   make(map[uint64]*Circuit),
		building:   make(map[uint64]*Circuit),
		firstHop:   make(map[uint64]string),
		createAcks: make(map[linkKey]*pendingHandshake),
		extendAcks: make(map[uint64]*pendingHandshake),
		reputation: make(map[string]int),
	}
}

func (b *Builder) bodySize() int {
	return b.cfg.CellSize - headerSize
}

// MaxPayload returns the largest payload one cell can carry on a circuit
// with the configured hop count.
func (b *Builder) MaxPayload() int {
	return b.bodySize() - layerOverhead*b.cfg.HopCount - 5
}

// Circuit returns the circuit with the given id, if it exists.
func (b *Builder) Circuit(id uint64) (*Circuit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[id]
	return c, ok
}

// Build establishes a circuit of the configured hop count. Each hop is a
// KEM handshake tunneled through the already-established prefix; a failed
// hop is retried with a different peer, and the failing peer's reputation
// drops. The partial circuit is zeroized on every abort path.
func (b *Builder) Build(ctx context.Context) (*Circuit, error) {
	b.mu.Lock()
	if len(b.circuits) >= b.cfg.MaxCircuits {
		b.mu.Unlock()
		return nil, ErrExhausted
	}
	b.mu.Unlock()

	circ := &Circuit{
		id:      randomID(),
		created: time.Now(),
		ttl:     b.cfg.TTL,
		state:   StateBuilding,
	}

	b.mu.Lock()
	b.building[circ.id] = circ
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.building, circ.id)
		b.mu.Unlock()
	}()

	used := make(map[string]struct{})
	for hopIdx := 1; hopIdx <= b.cfg.HopCount; hopIdx++ {
		established := false
		for attempt := 0; attempt < b.cfg.HopRetries && !established; attempt++ {
			peer, ok := b.pickPeer(used)
			if !ok {
				break
			}
			used[peer] = struct{}{}

			err := b.establishHop(ctx, circ, uint8(hopIdx), peer)
			switch {
			case err == nil:
				established = true
				b.adjustReputation(peer, +1)
			case ctx.Err() != nil:
				circ.zeroize()
				return nil, ErrCancelled
			default:
				b.adjustReputation(peer, -1)
				slog.Debug("circuit hop failed", "peer", peer, "hop", hopIdx, "err", err)
			}
		}
		if !established {
			circ.zeroize()
			return nil, ErrTimeout
		}
	}

	circ.mu.Lock()
	circ.state = StateReady
	first := circ.hops[0].peer
	circ.mu.Unlock()

	b.mu.Lock()
	b.circuits[circ.id] = circ
	b.firstHop[circ.id] = first
	b.mu.Unlock()

	return circ, nil
}

// pickPeer selects an unused candidate with acceptable reputation.
func (b *Builder) pickPeer(used map[string]struct{}) (string, bool) {
	peers := b.dir.Peers()

	b.mu.Lock()
	defer b.mu.Unlock()

	var candidates []string
	for _, p := range peers {
		if _, taken := used[p]; taken {
			continue
		}
		if b.reputation[p] <= reputationFloor {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[int(randomID()%uint64(len(candidates)))], true
}

func (b *Builder) adjustReputation(peer string, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reputation[peer] += delta
}

// establishHop runs one tunneled KEM handshake. Hop 1 is a direct create;
// later hops are extend requests sealed through the existing prefix.
func (b *Builder) establishHop(ctx context.Context, circ *Circuit, index uint8, peer string) error {
	kemPK, err := b.dir.KEMKey(peer)
	if err != nil {
		return err
	}
	ct, ss, err := crypto.Encapsulate(kemPK)
	if err != nil {
		return err
	}
	forward, backward := deriveHopKeys(ss, index)
	confirm := confirmTag(ss)
	crypto.Zeroize(ss)

	pend := &pendingHandshake{confirm: confirm, done: make(chan []byte, 1)}

	if index == 1 {
		key := linkKey{peer: peer, id: circ.id}
		b.mu.Lock()
		b.createAcks[key] = pend
		b.mu.Unlock()
		defer func() {
			b.mu.Lock()
			delete(b.createAcks, key)
			b.mu.Unlock()
		}()

		body := make([]byte, 1+crypto.KEMCiphertextSize)
		body[0] = index
		copy(body[1:], ct)
		cell := &Cell{CircuitID: circ.id, Command: CmdExtend, Body: b.padBody(body)}
		if err := b.trans.Send(peer, cell.Encode()); err != nil {
			return err
		}
	} else {
		b.mu.Lock()
		b.extendAcks[circ.id] = pend
		b.mu.Unlock()
		defer func() {
			b.mu.Lock()
			delete(b.extendAcks, circ.id)
			b.mu.Unlock()
		}()

		inner := make([]byte, 1+2+len(peer)+1+crypto.KEMCiphertextSize)
		inner[0] = innerExtend
		binary.LittleEndian.PutUint16(inner[1:3], uint16(len(peer)))
		copy(inner[3:], peer)
		inner[3+len(peer)] = index
		copy(inner[3+len(peer)+1:], ct)

		if err := b.sendSealed(circ, inner); err != nil {
			return err
		}
	}

	select {
	case ackConfirm := <-pend.done:
		if !bytes.Equal(ackConfirm, confirm[:]) {
			return ErrMalformed
		}
	case <-ctx.Done():
		return ErrCancelled
	case <-time.After(b.cfg.HandshakeTimeout):
		return ErrTimeout
	}

	circ.mu.Lock()
	circ.hops = append(circ.hops, hop{peer: peer, forward: forward, backward: backward})
	circ.mu.Unlock()
	return nil
}

// sendSealed wraps inner in one layer per established hop and emits the
// cell on the first link.
func (b *Builder) sendSealed(circ *Circuit, inner []byte) error {
	circ.mu.Lock()
	hops := make([]hop, len(circ.hops))
	copy(hops, circ.hops)
	counter := circ.counter
	circ.counter++
	circ.mu.Unlock()

	h := len(hops)
	ptLen := b.bodySize() - layerOverhead*h
	if len(inner) > ptLen {
		return ErrMalformed
	}

	buf := make([]byte, ptLen)
	copy(buf, inner)
	randomFill(buf[len(inner):])

	aad := aadFor(CmdRelay, counter)
	nonce := nonceFor(counter, false)
	for i := h - 1; i >= 0; i-- {
		buf = crypto.Seal(hops[i].forward, nonce, aad, buf)
	}

	cell := &Cell{CircuitID: circ.id, Command: CmdRelay, Counter: counter, Body: b.padBody(buf)}
	return b.trans.Send(hops[0].peer, cell.Encode())
}

// Send pushes payload through a Ready circuit to its exit hop.
func (b *Builder) Send(circuitID uint64, payload []byte) error {
	b.mu.Lock()
	circ, ok := b.circuits[circuitID]
	b.mu.Unlock()
	if !ok {
		return ErrClosed
	}
	if len(payload) > b.MaxPayload() {
		return ErrMalformed
	}

	if _, ok := circ.nextCounter(b.cfg.MaxCells); !ok {
		// Budget spent or not Ready: a spent circuit tears down.
		if circ.State() == StateReady {
			b.Teardown(circuitID)
		}
		return ErrClosed
	}

	inner := make([]byte, 5+len(payload))
	inner[0] = innerData
	binary.LittleEndian.PutUint32(inner[1:5], uint32(len(payload)))
	copy(inner[5:], payload)

	return b.sendSealed(circ, inner)
}

// HandleExtendAck routes a first-hop create ack to the waiting Build call.
// Returns false if no circuit of ours is waiting on this link.
func (b *Builder) HandleExtendAck(peer string, circuitID uint64, body []byte) bool {
	b.mu.Lock()
	pend, ok := b.createAcks[linkKey{peer: peer, id: circuitID}]
	b.mu.Unlock()
	if !ok {
		return false
	}
	if len(body) >= 32 {
		ack := make([]byte, 32)
		copy(ack, body[:32])
		select {
		case pend.done <- ack:
		default:
		}
	}
	return true
}

// HandleBackward peels a backward cell on an owned circuit and routes its
// inner command. Returns false if the circuit is not ours; undecryptable
// cells on owned circuits are consumed and dropped silently.
func (b *Builder) HandleBackward(from string, cell *Cell) bool {
	b.mu.Lock()
	circ, ok := b.circuits[cell.CircuitID]
	first := b.firstHop[cell.CircuitID]
	if !ok {
		// A circuit mid-build is not in the table yet.
		circ, ok = b.building[cell.CircuitID]
	}
	b.mu.Unlock()

	if !ok || circ == nil {
		return false
	}
	if first != "" && from != first {
		return true // wrong link for this circuit: drop
	}
	if cell.Command == CmdEnd {
		b.Teardown(cell.CircuitID)
		return true
	}

	circ.mu.Lock()
	hops := make([]hop, len(circ.hops))
	copy(hops, circ.hops)
	circ.mu.Unlock()

	aad := aadFor(CmdRelay, cell.Counter)
	nonce := nonceFor(cell.Counter, true)
	buf := cell.Body
	for i := 0; i < len(hops); i++ {
		meaningful := b.bodySize() - layerOverhead*i
		if meaningful > len(buf) {
			return true
		}
		pt, err := crypto.Open(hops[i].backward, nonce, aad, buf[:meaningful])
		if err != nil {
			return true // silent drop
		}
		buf = pt
	}

	if len(buf) < 1 {
		return true
	}
	switch buf[0] {
	case innerExtended:
		if len(buf) < 33 {
			return true
		}
		b.mu.Lock()
		pend := b.extendAcks[cell.CircuitID]
		b.mu.Unlock()
		if pend != nil {
			ack := make([]byte, 32)
			copy(ack, buf[1:33])
			select {
			case pend.done <- ack:
			default:
			}
		}
	case innerData:
		if len(buf) < 5 {
			return true
		}
		n := binary.LittleEndian.Uint32(buf[1:5])
		if int(n) > len(buf)-5 {
			return true
		}
		if b.deliver != nil {
			payload := make([]byte, n)
			copy(payload, buf[5:5+n])
			b.deliver(from, cell.CircuitID, payload)
		}
	}
	return true
}

// Teardown closes a circuit: an End cell walks the path, keys are zeroized
// and the id is forgotten.
func (b *Builder) Teardown(circuitID uint64) {
	b.mu.Lock()
	circ, ok := b.circuits[circuitID]
	first := b.firstHop[circuitID]
	delete(b.circuits, circuitID)
	delete(b.firstHop, circuitID)
	b.mu.Unlock()

	if !ok {
		return
	}

	circ.mu.Lock()
	if circ.state == StateClosed {
		circ.mu.Unlock()
		return
	}
	circ.state = StateTearingDown
	circ.mu.Unlock()

	if first != "" {
		end := &Cell{CircuitID: circuitID, Command: CmdEnd, Body: b.padBody(nil)}
		_ = b.trans.Send(first, end.Encode())
	}

	circ.zeroize()
	circ.mu.Lock()
	circ.state = StateClosed
	circ.mu.Unlock()
}

// Sweep tears down circuits that outlived their TTL. Driven by the
// coordinator tick.
func (b *Builder) Sweep(now time.Time) int {
	b.mu.Lock()
	var expired []uint64
	for id, circ := range b.circuits {
		if circ.expired(now) {
			expired = append(expired, id)
		}
	}
	b.mu.Unlock()

	for _, id := range expired {
		b.Teardown(id)
	}
	return len(expired)
}

// OpenCircuits returns the number of live circuits.
func (b *Builder) OpenCircuits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.circuits)
}

// padBody places b0 at the start of a full-size body, filling the rest with
// random bytes.
func (b *Builder) padBody(b0 []byte) []byte {
	body := make([]byte, b.bodySize())
	copy(body, b0)
	randomFill(body[len(b0):])
	return body
}
