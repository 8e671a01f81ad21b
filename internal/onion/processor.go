package onion

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/masharratt/QuDAG/internal/crypto"
)

// Inner commands carried inside the innermost decrypted layer. Only the
// terminal hop of a circuit ever parses these.
const (
	innerData     = 0
	innerExtend   = 1
	innerExtended = 2
)

// Transport sends an encoded cell to a directly connected peer.
type Transport interface {
	Send(peer string, data []byte) error
}

// OriginHandler lets the circuit builder claim cells that belong to circuits
// this node originated. Both methods return false if the cell is not theirs.
type OriginHandler interface {
	HandleExtendAck(peer string, circuitID uint64, body []byte) bool
	HandleBackward(peer string, cell *Cell) bool
}

// DeliverFunc receives fully peeled plaintext payloads. from is the link
// peer the final cell arrived on; circuitID is the id on that link.
type DeliverFunc func(from string, circuitID uint64, payload []byte)

// ProcessorConfig carries the relay tunables; zero values select defaults.
type ProcessorConfig struct {
	CellSize   int           // fixed wire cell size (default 1280)
	DelayMax   time.Duration // max randomized forwarding delay (default 5ms)
	CoverRate  float64       // cover cells per second, each to one peer (default 1)
	ReplayCap  int           // replay window capacity (default 4096)
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.CellSize <= 0 {
		c.CellSize = DefaultCellSize
	}
	if c.DelayMax == 0 {
		c.DelayMax = 5 * time.Millisecond
	}
	if c.CoverRate <= 0 {
		c.CoverRate = 1
	}
	if c.ReplayCap <= 0 {
		c.ReplayCap = 4096
	}
	return c
}

// linkKey identifies a circuit on one link: the adjacent peer and the
// circuit id used on that link.
type linkKey struct {
	peer string
	id   uint64
}

// relayEntry is this node's state for one circuit passing through it.
type relayEntry struct {
	index    uint8   // 1-based position in the circuit
	prev     linkKey // link toward the origin
	next     linkKey // link away from the origin; empty peer when terminal
	nextUp   bool    // next link confirmed
	forward  [32]byte
	backward [32]byte

	backCounter uint64 // terminal's backward cell counter
}

// extendJob tracks an in-flight extension this relay performs on behalf of
// the origin: the entry being extended and the counter to ack with.
type extendJob struct {
	entry   *relayEntry
	counter uint64
}

// Processor peels, forwards and answers onion cells at a hop. It holds the
// relay table; origin-side circuits live in the Builder, which the
// processor consults for inbound cells that match no pending extension or
// relay table entry.
type Processor struct {
	cfg    ProcessorConfig
	kemSK  *crypto.KEMPrivateKey
	trans  Transport
	origin OriginHandler
	deliver DeliverFunc

	mu       sync.Mutex
	inbound  map[linkKey]*relayEntry
	outbound map[linkKey]*relayEntry
	creates  map[linkKey]*extendJob

	replay *replayWindow
	rng    *mrand.Rand
}

// NewProcessor creates a relay processor. origin may be nil on pure relays.
func NewProcessor(cfg ProcessorConfig, kemSK *crypto.KEMPrivateKey, trans Transport, origin OriginHandler, deliver DeliverFunc) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		cfg:      cfg,
		kemSK:    kemSK,
		trans:    trans,
		origin:   origin,
		deliver:  deliver,
		inbound:  make(map[linkKey]*relayEntry),
		outbound: make(map[linkKey]*relayEntry),
		creates:  make(map[linkKey]*extendJob),
		replay:   newReplayWindow(cfg.ReplayCap),
		rng:      mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
}

// CellSize returns the fixed wire cell size.
func (p *Processor) CellSize() int {
	return p.cfg.CellSize
}

func (p *Processor) bodySize() int {
	return p.cfg.CellSize - headerSize
}

// HandleCell processes one inbound cell. Every failure path drops the cell
// silently; no reply distinguishes bad from good cells.
func (p *Processor) HandleCell(from string, data []byte) {
	cell, err := DecodeCell(data, p.cfg.CellSize)
	if err != nil {
		return
	}

	switch cell.Command {
	case CmdExtend:
		p.handleExtend(from, cell)
	case CmdRelay:
		p.handleRelay(from, cell)
	case CmdEnd:
		p.handleEnd(from, cell)
	}
}

// handleExtend processes either a handshake request (we are the new hop) or
// a handshake ack (we asked this peer to become a hop).
func (p *Processor) handleExtend(from string, cell *Cell) {
	key := linkKey{peer: from, id: cell.CircuitID}

	// Ack for an extension this relay initiated on behalf of an origin?
	p.mu.Lock()
	job, isJobAck := p.creates[key]
	if isJobAck {
		delete(p.creates, key)
	}
	p.mu.Unlock()
	if isJobAck {
		p.completeExtend(job, cell)
		return
	}

	// Ack for a circuit this node originated?
	if p.origin != nil && p.origin.HandleExtendAck(from, cell.CircuitID, cell.Body) {
		return
	}

	// Otherwise a create request: body = index:u8 | kem_ct | padding.
	body := cell.Body
	if len(body) < 1+crypto.KEMCiphertextSize {
		return
	}
	index := body[0]
	if index == 0 {
		return
	}
	ct := body[1 : 1+crypto.KEMCiphertextSize]

	ss, err := crypto.Decapsulate(p.kemSK, ct)
	if err != nil {
		return
	}
	forward, backward := deriveHopKeys(ss, index)
	confirm := confirmTag(ss)
	crypto.Zeroize(ss)

	p.mu.Lock()
	if _, exists := p.inbound[key]; !exists {
		p.inbound[key] = &relayEntry{
			index:    index,
			prev:     key,
			forward:  forward,
			backward: backward,
		}
	}
	p.mu.Unlock()

	ack := &Cell{CircuitID: cell.CircuitID, Command: CmdExtend, Counter: cell.Counter}
	ack.Body = p.padBody(confirm[:])
	_ = p.trans.Send(from, ack.Encode())
}

// completeExtend finishes a relayed extension: the new hop confirmed, so
// report success to the origin through a backward extended ack.
func (p *Processor) completeExtend(job *extendJob, ack *Cell) {
	p.mu.Lock()
	job.entry.nextUp = true
	p.outbound[job.entry.next] = job.entry
	p.mu.Unlock()

	inner := make([]byte, 1+32)
	inner[0] = innerExtended
	copy(inner[1:], ack.Body[:32])
	// Control acks use the top counter bit so they can never collide with
	// the terminal's backward data counter under the same keys.
	p.sendBackward(job.entry, job.counter|1<<63, inner)
}

// handleRelay peels one layer in the forward direction or adds one in the
// backward direction, depending on which side of the circuit the cell
// arrived from.
func (p *Processor) handleRelay(from string, cell *Cell) {
	key := linkKey{peer: from, id: cell.CircuitID}

	p.mu.Lock()
	entry, isForward := p.inbound[key]
	var backEntry *relayEntry
	if !isForward {
		backEntry = p.outbound[key]
	}
	p.mu.Unlock()

	switch {
	case isForward:
		if !p.replay.check(cell.CircuitID, cell.Counter) {
			return
		}
		p.relayForward(entry, cell)
	case backEntry != nil:
		p.relayBackward(backEntry, cell)
	default:
		// Origin circuits get the cell last: backward data and acks.
		if p.origin != nil && p.origin.HandleBackward(from, cell) {
			return
		}
		// Unknown circuit (or cover traffic): drop.
	}
}

// relayForward opens this hop's layer. On a middle hop the peeled body is
// re-padded and forwarded; on the terminal hop the inner command is parsed.
func (p *Processor) relayForward(entry *relayEntry, cell *Cell) {
	meaningful := p.bodySize() - layerOverhead*int(entry.index-1)
	if meaningful < layerOverhead || meaningful > len(cell.Body) {
		return
	}

	pt, err := crypto.Open(entry.forward, nonceFor(cell.Counter, false), aadFor(CmdRelay, cell.Counter), cell.Body[:meaningful])
	if err != nil {
		return // silent drop
	}

	p.mu.Lock()
	hasNext := entry.nextUp
	next := entry.next
	p.mu.Unlock()

	if hasNext {
		out := &Cell{CircuitID: next.id, Command: CmdRelay, Counter: cell.Counter, Body: p.padBody(pt)}
		p.forwardWithDelay(next.peer, out)
		return
	}

	p.handleTerminal(entry, cell.Counter, pt)
}

// handleTerminal parses the innermost layer at the circuit's current end.
func (p *Processor) handleTerminal(entry *relayEntry, counter uint64, pt []byte) {
	if len(pt) < 1 {
		return
	}
	switch pt[0] {
	case innerData:
		if len(pt) < 5 {
			return
		}
		n := binary.LittleEndian.Uint32(pt[1:5])
		if int(n) > len(pt)-5 {
			return
		}
		if p.deliver != nil {
			payload := make([]byte, n)
			copy(payload, pt[5:5+n])
			p.deliver(entry.prev.peer, entry.prev.id, payload)
		}
	case innerExtend:
		p.startExtend(entry, counter, pt[1:])
	}
}

// startExtend dials the requested next hop with a fresh link circuit id and
// parks the job until that hop acks.
func (p *Processor) startExtend(entry *relayEntry, counter uint64, req []byte) {
	// req = peer_len:u16 | peer | new_index:u8 | kem_ct.
	if len(req) < 2 {
		return
	}
	nameLen := int(binary.LittleEndian.Uint16(req[:2]))
	if len(req) < 2+nameLen+1+crypto.KEMCiphertextSize {
		return
	}
	peer := string(req[2 : 2+nameLen])
	newIndex := req[2+nameLen]
	ct := req[2+nameLen+1 : 2+nameLen+1+crypto.KEMCiphertextSize]

	outID := randomID()
	out := linkKey{peer: peer, id: outID}

	p.mu.Lock()
	entry.next = out
	p.creates[out] = &extendJob{entry: entry, counter: counter}
	p.mu.Unlock()

	body := make([]byte, 1+crypto.KEMCiphertextSize)
	body[0] = newIndex
	copy(body[1:], ct)
	create := &Cell{CircuitID: outID, Command: CmdExtend, Body: p.padBody(body)}
	if err := p.trans.Send(peer, create.Encode()); err != nil {
		p.mu.Lock()
		delete(p.creates, out)
		entry.next = linkKey{}
		p.mu.Unlock()
		slog.Debug("onion extend dial failed", "peer", peer, "err", err)
	}
}

// relayBackward adds this hop's backward layer and passes the cell toward
// the origin.
func (p *Processor) relayBackward(entry *relayEntry, cell *Cell) {
	meaningful := p.bodySize() - layerOverhead*int(entry.index)
	if meaningful <= 0 || meaningful > len(cell.Body) {
		return
	}
	sealed := crypto.Seal(entry.backward, nonceFor(cell.Counter, true), aadFor(CmdRelay, cell.Counter), cell.Body[:meaningful])
	out := &Cell{CircuitID: entry.prev.id, Command: CmdRelay, Counter: cell.Counter, Body: p.padBody(sealed)}
	p.forwardWithDelay(entry.prev.peer, out)
}

// SendBackwardData lets the terminal hop push payload toward the origin.
func (p *Processor) SendBackwardData(circuitID uint64, fromPeer string, payload []byte) error {
	p.mu.Lock()
	entry := p.inbound[linkKey{peer: fromPeer, id: circuitID}]
	p.mu.Unlock()
	if entry == nil || entry.nextUp {
		return ErrClosed
	}

	maxInner := p.bodySize() - layerOverhead*int(entry.index) - 5
	if len(payload) > maxInner {
		return ErrMalformed
	}
	inner := make([]byte, 5+len(payload))
	inner[0] = innerData
	binary.LittleEndian.PutUint32(inner[1:5], uint32(len(payload)))
	copy(inner[5:], payload)

	p.mu.Lock()
	entry.backCounter++
	counter := entry.backCounter
	p.mu.Unlock()

	p.sendBackward(entry, counter, inner)
	return nil
}

// sendBackward seals inner with this hop's backward key and emits the cell
// on the inbound link.
func (p *Processor) sendBackward(entry *relayEntry, counter uint64, inner []byte) {
	ptLen := p.bodySize() - layerOverhead*int(entry.index)
	if len(inner) > ptLen {
		return
	}
	pt := make([]byte, ptLen)
	copy(pt, inner)
	randomFill(pt[len(inner):])

	sealed := crypto.Seal(entry.backward, nonceFor(counter, true), aadFor(CmdRelay, counter), pt)
	out := &Cell{CircuitID: entry.prev.id, Command: CmdRelay, Counter: counter, Body: p.padBody(sealed)}
	p.forwardWithDelay(entry.prev.peer, out)
}

// handleEnd tears down the matching relay entry and propagates the end cell
// one link onward.
func (p *Processor) handleEnd(from string, cell *Cell) {
	key := linkKey{peer: from, id: cell.CircuitID}

	p.mu.Lock()
	entry, fromPrev := p.inbound[key]
	if fromPrev {
		delete(p.inbound, key)
		if entry.nextUp {
			delete(p.outbound, entry.next)
		}
	} else if entry = p.outbound[key]; entry != nil {
		delete(p.outbound, key)
		delete(p.inbound, entry.prev)
	}
	p.mu.Unlock()

	if entry == nil {
		if p.origin != nil {
			p.origin.HandleBackward(from, cell)
		}
		return
	}

	crypto.Zeroize(entry.forward[:])
	crypto.Zeroize(entry.backward[:])

	var onward linkKey
	if fromPrev && entry.nextUp {
		onward = entry.next
	} else if !fromPrev {
		onward = entry.prev
	}
	if onward.peer != "" {
		end := &Cell{CircuitID: onward.id, Command: CmdEnd, Body: p.padBody(nil)}
		_ = p.trans.Send(onward.peer, end.Encode())
	}
}

// EmitCover sends one indistinguishable junk cell to each given peer. The
// receivers fail to decrypt it and drop it silently, like any bad cell.
func (p *Processor) EmitCover(peers []string) {
	for _, peer := range peers {
		cell := &Cell{CircuitID: randomID(), Command: CmdRelay, Counter: randomID(), Body: p.padBody(nil)}
		_ = p.trans.Send(peer, cell.Encode())
	}
}

// RelayCount returns the number of circuits relayed through this node.
func (p *Processor) RelayCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbound)
}

// forwardWithDelay applies the randomized timing defense before sending.
// A negative DelayMax disables the defense (used by tests for synchronous
// delivery).
func (p *Processor) forwardWithDelay(peer string, cell *Cell) {
	data := cell.Encode()
	if p.cfg.DelayMax < 0 {
		_ = p.trans.Send(peer, data)
		return
	}

	p.mu.Lock()
	delay := time.Duration(p.rng.Int63n(int64(p.cfg.DelayMax) + 1))
	p.mu.Unlock()

	time.AfterFunc(delay, func() {
		_ = p.trans.Send(peer, data)
	})
}

// padBody places b at the start of a full-size body, filling the remainder
// with random bytes.
func (p *Processor) padBody(b []byte) []byte {
	body := make([]byte, p.bodySize())
	copy(body, b)
	randomFill(body[len(b):])
	return body
}

func randomFill(b []byte) {
	_, _ = rand.Read(b)
}

func randomID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
