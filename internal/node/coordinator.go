// Package node wires the subsystems into one event loop: inbound messages
// are demultiplexed by kind to the DAG, the onion processor or the
// resolver, and a periodic tick drives sampling rounds, TTL expiry, store
// pruning and cover traffic. Buffered pending vertices are retried when a
// later vertex is inserted, not on the tick.
package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/masharratt/QuDAG/internal/crypto"
	"github.com/masharratt/QuDAG/internal/dag"
	"github.com/masharratt/QuDAG/internal/dark"
	"github.com/masharratt/QuDAG/internal/network"
	"github.com/masharratt/QuDAG/internal/onion"
	"github.com/masharratt/QuDAG/internal/storage"
)

// Coordinator lifecycle states.
const (
	StateInitialized uint32 = iota
	StateRunning
	StateStopping
	StateStopped
)

// ErrNotRunning is returned for operations on a stopped coordinator.
var ErrNotRunning = errors.New("node: not running")

// Config carries coordinator tunables; zero values select defaults.
type Config struct {
	TickInterval time.Duration // event loop tick (default 100ms)
	GossipFanout int           // peers per gossip round (default 16)
	ParentCount  int           // parents per submitted vertex (default 2)
	MaxVertices  int           // in-memory vertex cap (default 1_000_000)
	PruneKeep    int           // decided vertices kept behind the frontier (default 10_000)

	Avalanche dag.Params
	Conflict  dag.ConflictClassifier
	TipPolicy dag.TipPolicy
	Onion     onion.BuilderConfig
	Relay     onion.ProcessorConfig
	Resolver  dark.Config
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.GossipFanout <= 0 {
		c.GossipFanout = 16
	}
	if c.ParentCount <= 0 {
		c.ParentCount = 2
	}
	if c.MaxVertices <= 0 {
		c.MaxVertices = 1_000_000
	}
	if c.PruneKeep <= 0 {
		c.PruneKeep = 10_000
	}
	return c
}

// event is one unit of work for the loop.
type event struct {
	kind    eventKind
	peer    *network.Peer
	data    []byte
	payload []byte
	tick    time.Time
	result  chan submitResult
}

type eventKind uint8

const (
	evPeerMessage eventKind = iota
	evLocalSubmit
	evTick
	evShutdown
)

type submitResult struct {
	id  dag.VertexID
	err error
}

// Coordinator owns the node's subsystems and the event loop that feeds
// them. One event is handled at a time; long work (sampling rounds) runs
// on the side so ticks never back up behind the network.
type Coordinator struct {
	cfg Config

	signKey *crypto.SigningKey
	kemSK   *crypto.KEMPrivateKey

	net       *network.Node
	db        *storage.Store
	store     *dag.Store
	conflicts *dag.ConflictIndex
	engine    *dag.Engine
	tips      *dag.TipSelector
	builder   *onion.Builder
	proc      *onion.Processor
	resolver  *dark.Resolver

	state  atomic.Uint32
	events chan event
	stop   chan struct{}
	wg     sync.WaitGroup

	roundBusy atomic.Bool
	nonce     atomic.Uint64
	lastCover time.Time

	// anonymous resolve bookkeeping
	anonMu   sync.Mutex
	anonSeq  uint64
	anonWait map[uint64]chan anonReply

	// Finalized forwards finality announcements to the application.
	Finalized <-chan dag.VertexID

	// Deliver receives application payloads arriving through circuits
	// this node terminates or originates. May be nil.
	Deliver func(payload []byte)
}

type anonReply struct {
	status  byte
	address string
}

// New assembles a coordinator over an already-created network node and
// storage. db may be nil for ephemeral nodes.
func New(cfg Config, signKey *crypto.SigningKey, kemSK *crypto.KEMPrivateKey, net *network.Node, db *storage.Store) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:      cfg,
		signKey:  signKey,
		kemSK:    kemSK,
		net:      net,
		db:       db,
		events:   make(chan event, 4096),
		stop:     make(chan struct{}),
		anonWait: make(map[uint64]chan anonReply),
	}

	var flog dag.FinalityLog
	if db != nil {
		flog = db
	}
	c.store = dag.NewStore(dag.StoreConfig{Log: flog})
	c.conflicts = dag.NewConflictIndex(cfg.Conflict)
	c.engine = dag.NewEngine(c.store, c.conflicts, &netSampler{net: net}, cfg.Avalanche)
	c.tips = dag.NewTipSelector(c.store, c.engine, cfg.TipPolicy)
	c.Finalized = c.engine.Finalized()

	trans := &netTransport{net: net}
	c.builder = onion.NewBuilder(cfg.Onion, trans, &netDirectory{net: net}, c.onCircuitPayload)
	c.proc = onion.NewProcessor(cfg.Relay, kemSK, trans, c.builder, c.onExitPayload)

	var ownedLog dark.OwnedLog
	if db != nil {
		ownedLog = db
	}
	var dht dark.DHT = dark.NewMemoryDHT()
	resolver, err := dark.NewResolver(cfg.Resolver, signKey, dht, ownedLog)
	if err != nil {
		return nil, err
	}
	c.resolver = resolver

	net.OnMessage(c.onPeerMessage)
	net.OnRequest(c.onPeerRequest)
	// Only gossip kinds dedup at the transport; onion cells carry their
	// own per-hop replay window and cover cells must never be suppressed.
	net.SetDedupFilter(func(data []byte) bool {
		return len(data) > 0 && (data[0] == kindVertex || data[0] == kindDarkRecord)
	})

	return c, nil
}

// UseDHT swaps the resolver's table (e.g. for a Redis-backed directory).
// Must be called before Run.
func (c *Coordinator) UseDHT(dht dark.DHT) error {
	if c.state.Load() != StateInitialized {
		return ErrNotRunning
	}
	resolver, err := dark.NewResolver(c.cfg.Resolver, c.signKey, dht, c.ownedLog())
	if err != nil {
		return err
	}
	c.resolver = resolver
	return nil
}

func (c *Coordinator) ownedLog() dark.OwnedLog {
	if c.db == nil {
		return nil
	}
	return c.db
}

// Store exposes the DAG store for inspection.
func (c *Coordinator) Store() *dag.Store {
	return c.store
}

// Resolver exposes the dark resolver.
func (c *Coordinator) Resolver() *dark.Resolver {
	return c.resolver
}

// State returns the lifecycle state.
func (c *Coordinator) State() uint32 {
	return c.state.Load()
}

// Restore replays persisted state: the finalized vertex log and owned dark
// records. Called before Run on nodes with storage.
func (c *Coordinator) Restore() error {
	if c.db == nil {
		return nil
	}

	err := c.db.ReplayFinalized(func(_ uint64, id [32]byte, encoded []byte) error {
		v, derr := dag.DecodeVertex(encoded)
		if derr != nil {
			return derr
		}
		if len(v.Parents) == 0 {
			if _, gerr := c.store.AddGenesis(v); gerr != nil && !errors.Is(gerr, dag.ErrDuplicate) {
				return gerr
			}
			return nil
		}
		if _, ierr := c.store.Insert(v); ierr != nil && !errors.Is(ierr, dag.ErrDuplicate) {
			// Ancestors may have been pruned before shutdown; skip.
			slog.Debug("finalized replay skipped vertex", "id", dag.VertexID(id), "err", ierr)
			return nil
		}
		c.store.MarkFinalized(v.ID())
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay finalized log: %w", err)
	}

	return c.db.ReplayOwned(func(name string, encoded []byte) error {
		if rerr := c.resolver.RestoreOwned(encoded); rerr != nil {
			slog.Warn("owned record not restored", "name", name, "err", rerr)
		}
		return nil
	})
}

// Bootstrap installs a genesis vertex shared by the network.
func (c *Coordinator) Bootstrap(genesis *dag.Vertex) (dag.VertexID, error) {
	return c.store.AddGenesis(genesis)
}

// Run drives the event loop until Stop or ctx cancellation.
func (c *Coordinator) Run(ctx context.Context) {
	if !c.state.CompareAndSwap(StateInitialized, StateRunning) {
		return
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.stop:
			c.shutdown()
			return
		case now := <-ticker.C:
			c.handleTick(now)
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// Stop requests shutdown; Run returns once the loop drains.
func (c *Coordinator) Stop() {
	if c.state.CompareAndSwap(StateRunning, StateStopping) {
		close(c.stop)
	}
}

func (c *Coordinator) shutdown() {
	c.state.Store(StateStopping)
	c.wg.Wait()
	c.state.Store(StateStopped)
}

func (c *Coordinator) handleEvent(ev event) {
	switch ev.kind {
	case evPeerMessage:
		c.handlePeerMessage(ev.peer, ev.data)
	case evLocalSubmit:
		id, err := c.submit(ev.payload)
		if ev.result != nil {
			ev.result <- submitResult{id: id, err: err}
		}
	case evShutdown:
		c.Stop()
	}
}

// onPeerMessage enqueues inbound bytes for the loop. Under backpressure,
// non-consensus traffic is shed first: onion cells (which include cover
// traffic) are dropped before vertices and never instead of them.
func (c *Coordinator) onPeerMessage(p *network.Peer, data []byte) {
	select {
	case c.events <- event{kind: evPeerMessage, peer: p, data: data}:
	default:
		if len(data) > 0 && data[0] == kindVertex {
			// Block briefly for consensus traffic rather than dropping.
			select {
			case c.events <- event{kind: evPeerMessage, peer: p, data: data}:
			case <-time.After(50 * time.Millisecond):
				slog.Warn("inbound queue overflow, vertex dropped")
			}
			return
		}
		slog.Debug("inbound queue overflow, message dropped")
	}
}

func (c *Coordinator) handlePeerMessage(p *network.Peer, data []byte) {
	if len(data) < 1 {
		return
	}
	kind, body := data[0], data[1:]

	switch kind {
	case kindVertex:
		c.handleVertex(body, data)
	case kindOnionCell:
		c.proc.HandleCell(p.ID(), body)
	case kindDarkRecord:
		c.handleDarkRecord(body)
	}
}

// handleVertex admits a gossiped vertex and re-gossips it when new.
func (c *Coordinator) handleVertex(body, raw []byte) {
	v, err := dag.DecodeVertex(body)
	if err != nil {
		return // malformed: discard, never propagate
	}

	admitted, err := c.store.Insert(v)
	switch {
	case err == nil:
	case errors.Is(err, dag.ErrMissingParents):
		return // buffered as pending, retried on new arrivals
	default:
		return // duplicate, bad signature, rejected parent: drop
	}

	now := time.Now()
	for _, id := range admitted {
		vv := c.store.Get(id)
		c.engine.Admit(id, vv)
		c.tips.Observe(id, now)
	}

	_ = c.net.Gossip(raw, c.cfg.GossipFanout)
}

// handleDarkRecord folds a pushed record into the local table if it wins
// under the supersession rules. Unauthenticated pushes drop silently.
func (c *Coordinator) handleDarkRecord(body []byte) {
	rec, err := dark.DecodeRecord(body)
	if err != nil {
		return
	}
	if aerr := c.resolver.AcceptPush(context.Background(), rec); aerr != nil {
		slog.Debug("dark record push rejected", "name", rec.Name, "err", aerr)
	}
}

// onPeerRequest serves preference queries and resolve requests.
func (c *Coordinator) onPeerRequest(p *network.Peer, req []byte) ([]byte, error) {
	if len(req) < 1 {
		return nil, errors.New("empty request")
	}

	switch req[0] {
	case reqPreference:
		id, err := dag.DecodePreferenceQuery(req[1:])
		if err != nil {
			return nil, err
		}
		return dag.EncodePreferenceReply(id, c.engine.Answer(id)), nil

	case reqDarkResolve:
		name := string(req[1:])
		addr, err := c.resolver.Resolve(context.Background(), p.Address(), name)
		return encodeDarkReply(addr, err), nil

	default:
		return nil, errors.New("unknown request kind")
	}
}

func encodeDarkReply(addr string, err error) []byte {
	status := byte(darkReplyOK)
	switch {
	case err == nil:
	case errors.Is(err, dark.ErrExpired):
		status = darkReplyExpired
	case errors.Is(err, dark.ErrSignatureInvalid):
		status = darkReplyBadSignature
	case errors.Is(err, dark.ErrRateLimited):
		status = darkReplyRateLimited
	case errors.Is(err, dark.ErrRevoked):
		status = darkReplyRevoked
	default:
		status = darkReplyNotFound
	}
	if status != darkReplyOK {
		return []byte{status}
	}
	return append([]byte{darkReplyOK}, addr...)
}

func decodeDarkReply(data []byte) (string, error) {
	if len(data) < 1 {
		return "", dark.ErrNotFound
	}
	switch data[0] {
	case darkReplyOK:
		return string(data[1:]), nil
	case darkReplyExpired:
		return "", dark.ErrExpired
	case darkReplyBadSignature:
		return "", dark.ErrSignatureInvalid
	case darkReplyRateLimited:
		return "", dark.ErrRateLimited
	case darkReplyRevoked:
		return "", dark.ErrRevoked
	default:
		return "", dark.ErrNotFound
	}
}

// handleTick fans the periodic work out to the subsystems.
func (c *Coordinator) handleTick(now time.Time) {
	// Sampling rounds overlap ticks; skip if the previous round runs.
	if c.engine.ActiveCount() > 0 && c.roundBusy.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.roundBusy.Store(false)

			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TickInterval*10)
			defer cancel()
			c.engine.Round(ctx)
		}()
	}

	c.store.ExpirePending(now)
	c.store.Prune(c.cfg.MaxVertices, c.cfg.PruneKeep)
	c.builder.Sweep(now)
	c.resolver.Sweep(context.Background(), now)

	// Cover traffic at the configured base rate, independent of load.
	rate := c.cfg.Relay.CoverRate
	if rate <= 0 {
		rate = 1
	}
	if now.Sub(c.lastCover) >= time.Duration(float64(time.Second)/rate) {
		if peers := c.net.PeerIDs(); len(peers) > 0 {
			c.proc.EmitCover(peers[:1])
			c.lastCover = now
		}
	}

	for _, id := range c.engine.StuckVertices() {
		slog.Debug("vertex stuck in consensus", "id", id)
	}
}

// Submit queues an application payload for the DAG and waits for admission.
func (c *Coordinator) Submit(ctx context.Context, payload []byte) (dag.VertexID, error) {
	if c.state.Load() != StateRunning {
		return dag.VertexID{}, ErrNotRunning
	}

	result := make(chan submitResult, 1)
	select {
	case c.events <- event{kind: evLocalSubmit, payload: payload, result: result}:
	case <-ctx.Done():
		return dag.VertexID{}, ctx.Err()
	}

	select {
	case r := <-result:
		return r.id, r.err
	case <-ctx.Done():
		return dag.VertexID{}, ctx.Err()
	}
}

// submit builds, signs, admits and gossips a new vertex.
func (c *Coordinator) submit(payload []byte) (dag.VertexID, error) {
	parents := c.tips.SelectParents(c.cfg.ParentCount)
	if len(parents) == 0 {
		return dag.VertexID{}, errors.New("node: no parents available")
	}

	v := &dag.Vertex{
		Parents:   parents,
		Payload:   payload,
		Timestamp: uint64(time.Now().UnixNano()),
		Nonce:     c.nonce.Add(1),
	}
	v.Sign(c.signKey)

	admitted, err := c.store.Insert(v)
	if err != nil {
		return dag.VertexID{}, err
	}
	now := time.Now()
	for _, id := range admitted {
		c.engine.Admit(id, c.store.Get(id))
		c.tips.Observe(id, now)
	}

	msg := append([]byte{kindVertex}, v.Encode()...)
	_ = c.net.Gossip(msg, c.cfg.GossipFanout)

	return v.ID(), nil
}

// BuildCircuit establishes a fresh onion circuit.
func (c *Coordinator) BuildCircuit(ctx context.Context) (*onion.Circuit, error) {
	return c.builder.Build(ctx)
}

// SendThrough pushes an application payload through an owned circuit.
func (c *Coordinator) SendThrough(circuitID uint64, payload []byte) error {
	return c.builder.Send(circuitID, append([]byte{appData}, payload...))
}

// RegisterName registers a dark name for this node.
func (c *Coordinator) RegisterName(ctx context.Context, name, address string, validity time.Duration) (*dark.Record, error) {
	rec, err := c.resolver.Register(ctx, name, address, validity)
	if err != nil {
		return nil, err
	}
	_ = c.net.Gossip(append([]byte{kindDarkRecord}, rec.Encode()...), c.cfg.GossipFanout)
	return rec, nil
}

// ResolveName resolves a dark name directly.
func (c *Coordinator) ResolveName(ctx context.Context, name string) (string, error) {
	return c.resolver.Resolve(ctx, "", name)
}

// ResolveAnonymous resolves a dark name through an onion circuit, so the
// exit hop, not this node, performs the lookup.
func (c *Coordinator) ResolveAnonymous(ctx context.Context, circuitID uint64, name string) (string, error) {
	c.anonMu.Lock()
	c.anonSeq++
	reqID := c.anonSeq
	wait := make(chan anonReply, 1)
	c.anonWait[reqID] = wait
	c.anonMu.Unlock()

	defer func() {
		c.anonMu.Lock()
		delete(c.anonWait, reqID)
		c.anonMu.Unlock()
	}()

	msg := make([]byte, 9+len(name))
	msg[0] = appDarkResolve
	binary.LittleEndian.PutUint64(msg[1:9], reqID)
	copy(msg[9:], name)
	if err := c.builder.Send(circuitID, msg); err != nil {
		return "", err
	}

	select {
	case reply := <-wait:
		return decodeDarkReply(append([]byte{reply.status}, reply.address...))
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// onExitPayload handles payloads arriving at this node as a circuit's exit.
func (c *Coordinator) onExitPayload(from string, circuitID uint64, payload []byte) {
	if len(payload) < 1 {
		return
	}
	switch payload[0] {
	case appData:
		if c.Deliver != nil {
			c.Deliver(payload[1:])
		}
	case appDarkResolve:
		if len(payload) < 9 {
			return
		}
		reqID := payload[1:9]
		name := string(payload[9:])

		addr, err := c.resolver.Resolve(context.Background(), "circuit", name)
		reply := make([]byte, 9, 9+len(addr))
		reply[0] = appDarkReply
		copy(reply[1:9], reqID)
		reply = append(reply, encodeDarkReply(addr, err)...)
		if serr := c.proc.SendBackwardData(circuitID, from, reply); serr != nil {
			slog.Debug("anonymous resolve reply failed", "err", serr)
		}
	}
}

// onCircuitPayload handles payloads returning to this node as an origin.
func (c *Coordinator) onCircuitPayload(_ string, _ uint64, payload []byte) {
	if len(payload) < 1 {
		return
	}
	switch payload[0] {
	case appDarkReply:
		if len(payload) < 10 {
			return
		}
		reqID := binary.LittleEndian.Uint64(payload[1:9])

		c.anonMu.Lock()
		wait := c.anonWait[reqID]
		c.anonMu.Unlock()
		if wait != nil {
			reply := anonReply{status: payload[9]}
			if len(payload) > 10 {
				reply.address = string(payload[10:])
			}
			select {
			case wait <- reply:
			default:
			}
		}
	case appData:
		if c.Deliver != nil {
			c.Deliver(payload[1:])
		}
	}
}

// netSampler adapts the network's request path to the avalanche engine.
type netSampler struct {
	net *network.Node
}

func (s *netSampler) Peers() []string {
	return s.net.PeerIDs()
}

func (s *netSampler) Query(ctx context.Context, peer string, id dag.VertexID) (dag.Answer, error) {
	p := s.net.GetPeer(peer)
	if p == nil {
		return dag.AnswerUnknown, errors.New("peer not connected")
	}

	req := append([]byte{reqPreference}, dag.EncodePreferenceQuery(id)...)
	resp, err := p.Request(ctx, req)
	if err != nil {
		return dag.AnswerUnknown, err
	}
	_, answer, err := dag.DecodePreferenceReply(resp)
	if err != nil {
		return dag.AnswerUnknown, err
	}
	return answer, nil
}

// netTransport adapts the network send path to the onion layer.
type netTransport struct {
	net *network.Node
}

func (t *netTransport) Send(peer string, cell []byte) error {
	p := t.net.GetPeer(peer)
	if p == nil {
		return errors.New("peer not connected")
	}
	return p.Send(append([]byte{kindOnionCell}, cell...))
}

// netDirectory adapts the peer table to the circuit builder.
type netDirectory struct {
	net *network.Node
}

func (d *netDirectory) Peers() []string {
	return d.net.PeerIDs()
}

func (d *netDirectory) KEMKey(peer string) (*crypto.KEMPublicKey, error) {
	p := d.net.GetPeer(peer)
	if p == nil {
		return nil, errors.New("peer not connected")
	}
	return crypto.ParseKEMPublicKey(p.KEMPublicKey())
}
