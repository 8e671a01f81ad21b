package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/masharratt/QuDAG/internal/crypto"
)

const (
	// defaultReconnectDelay is the initial delay between reconnect attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay caps the reconnect backoff.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "qudag/1"

	// helloTimeout bounds the identity exchange on a fresh connection.
	helloTimeout = 10 * time.Second
)

// Config holds the configuration for a Node.
type Config struct {
	SigningKey     *crypto.SigningKey // long-term ML-DSA identity
	KEMPublicKey   []byte             // node's KEM key, announced to peers
	ListenAddr     string             // e.g. ":9000"
	ReconnectDelay time.Duration
}

// Node accepts and initiates authenticated QUIC connections. Transport
// security is an ephemeral TLS certificate; peer identity is the ML-DSA
// key exchanged and verified in the signed hello.
type Node struct {
	signingKey  *crypto.SigningKey
	kemPK       []byte
	localID     string
	listenAddr  string
	transportPK ed25519.PublicKey
	tlsConfig   *tls.Config
	quicConfig  *quic.Config

	listener *quic.Listener

	peers   map[string]*Peer // peer id -> peer
	peersMu sync.RWMutex

	knownAddrs   map[string]string // peer id -> dial address
	knownAddrsMu sync.RWMutex

	reconnectDelay time.Duration

	dedup *Dedup

	onConnect    func(*Peer)
	onMessage    func(*Peer, []byte)
	onDisconnect func(*Peer)
	onRequest    func(*Peer, []byte) ([]byte, error)
	handlersMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.SigningKey == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if len(cfg.KEMPublicKey) != crypto.KEMPublicKeySize {
		return nil, fmt.Errorf("KEM public key is required")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, transportPK, err := generateCertificate()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity comes from the signed hello
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		signingKey:     cfg.SigningKey,
		kemPK:          append([]byte(nil), cfg.KEMPublicKey...),
		localID:        PeerID(cfg.SigningKey.PublicKey()),
		listenAddr:     cfg.ListenAddr,
		transportPK:    transportPK,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[string]*Peer),
		knownAddrs:     make(map[string]string),
		reconnectDelay: reconnectDelay,
		dedup:          NewDedup(),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// LocalID returns this node's peer identifier.
func (n *Node) LocalID() string {
	return n.localID
}

// Addr returns the listener's address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Start begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()
	return nil
}

// Connect dials a remote node and completes the identity exchange.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}
	n.callOnConnect(peer)
	return peer, nil
}

// Broadcast sends a message to every connected peer.
func (n *Node) Broadcast(data []byte) error {
	var lastErr error
	for _, p := range n.Peers() {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Gossip sends data to a random subset of connected peers.
func (n *Node) Gossip(data []byte, fanout int) error {
	peers := n.Peers()
	if fanout < len(peers) {
		indices := rand.Perm(len(peers))[:fanout]
		subset := make([]*Peer, fanout)
		for i, idx := range indices {
			subset[i] = peers[idx]
		}
		peers = subset
	}

	var lastErr error
	for _, p := range peers {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Peers returns all connected, authenticated peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

// PeerIDs returns the ids of all connected peers.
func (n *Node) PeerIDs() []string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

// GetPeer returns the peer with the given id, or nil.
func (n *Node) GetPeer(id string) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return n.peers[id]
}

// Disconnect closes the connection to a peer and forgets its address, so
// no reconnect is attempted.
func (n *Node) Disconnect(id string) {
	n.knownAddrsMu.Lock()
	delete(n.knownAddrs, id)
	n.knownAddrsMu.Unlock()

	if p := n.GetPeer(id); p != nil {
		p.Close()
	}
}

// OnConnect sets the handler called when a peer authenticates.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler for inbound messages.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer drops.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// SetDedupFilter restricts deduplication to the messages the predicate
// selects; everything else bypasses the echo-suppression table.
func (n *Node) SetDedupFilter(fn func([]byte) bool) {
	n.dedup.SetFilter(fn)
}

// OnRequest sets the handler for bidirectional request streams.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()
	return nil
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // listener closed
		}
		go n.handleIncoming(conn)
	}
}

func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return
	}
	n.callOnConnect(peer)
}

// setupPeer completes the identity exchange on a fresh connection: each
// side sends its signed hello on a unidirectional stream and verifies the
// other's against the TLS transport key before the peer becomes visible.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	remoteTransportPK, err := transportKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("transport key: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, helloTimeout)
	defer cancel()

	// Send our hello, bound to our transport key.
	out, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open hello stream: %w", err)
	}
	if err := writeFrame(out, encodeHello(n.signingKey, n.kemPK, n.transportPK)); err != nil {
		out.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	out.Close()

	// Receive and verify theirs, bound to their transport key.
	in, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept hello stream: %w", err)
	}
	raw, err := readFrame(in)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	h, err := decodeHello(raw, remoteTransportPK)
	if err != nil {
		return nil, err
	}

	peer := &Peer{
		id:      PeerID(h.SigPK),
		sigPK:   h.SigPK,
		kemPK:   h.KEMPK,
		address: addr,
		conn:    conn,
		node:    n,
	}

	n.peersMu.Lock()
	if existing, ok := n.peers[peer.id]; ok {
		// Keep the existing connection; drop the duplicate quietly.
		n.peersMu.Unlock()
		conn.CloseWithError(0, "duplicate")
		return existing, nil
	}
	n.peers[peer.id] = peer
	n.peersMu.Unlock()

	n.knownAddrsMu.Lock()
	n.knownAddrs[peer.id] = addr
	n.knownAddrsMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// dispatchMessage runs the message handler after deduplication.
func (n *Node) dispatchMessage(p *Peer, data []byte) {
	if !n.dedup.Check(data) {
		return
	}

	n.handlersMu.RLock()
	handler := n.onMessage
	n.handlersMu.RUnlock()
	if handler != nil {
		handler(p, data)
	}
}

func (n *Node) requestHandler() func(*Peer, []byte) ([]byte, error) {
	n.handlersMu.RLock()
	defer n.handlersMu.RUnlock()
	return n.onRequest
}

func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	handler := n.onConnect
	n.handlersMu.RUnlock()
	if handler != nil {
		handler(p)
	}
}

func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
	n.peersMu.Unlock()

	n.handlersMu.RLock()
	handler := n.onDisconnect
	n.handlersMu.RUnlock()
	if handler != nil {
		handler(p)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(p.id)
	}()
}

// reconnectPeer redials a dropped peer with exponential backoff until it
// answers, the address is forgotten, or the node shuts down.
func (n *Node) reconnectPeer(id string) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[id]
		n.knownAddrsMu.RUnlock()
		if !ok {
			return
		}

		n.peersMu.RLock()
		_, connected := n.peers[id]
		n.peersMu.RUnlock()
		if connected {
			return
		}

		if _, err := n.Connect(addr); err == nil {
			return
		}
		slog.Debug("reconnect failed", "peer", id, "addr", addr)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
