package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// defaultRequestTimeout bounds Request calls without a context deadline.
const defaultRequestTimeout = 30 * time.Second

// Peer is an authenticated connection to a remote node. A peer is not
// visible to handlers until its signed hello has verified.
type Peer struct {
	id      string // blake3-derived id of the remote ML-DSA key
	sigPK   []byte // remote long-term signature key
	kemPK   []byte // remote KEM key for onion handshakes
	address string
	conn    *quic.Conn
	node    *Node
	closed  atomic.Bool
	mu      sync.Mutex // serializes stream opens for Send
}

// ID returns the remote peer identifier.
func (p *Peer) ID() string {
	return p.id
}

// SigPublicKey returns the remote ML-DSA public key encoding.
func (p *Peer) SigPublicKey() []byte {
	return p.sigPK
}

// KEMPublicKey returns the remote KEM public key encoding.
func (p *Peer) KEMPublicKey() []byte {
	return p.kemPK
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send writes one message on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write message: %w", err)
	}
	return stream.Close()
}

// Request sends data on a bidirectional stream and waits for the reply.
// Used for preference queries and DHT lookups.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	response, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return response, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts inbound streams until the connection drops.
func (p *Peer) receiveLoop() {
	go p.acceptBidiStreams()

	for {
		stream, err := p.conn.AcceptUniStream(p.node.ctx)
		if err != nil {
			break
		}
		go p.handleUniStream(stream)
	}

	p.node.handlePeerDisconnect(p)
}

func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		return
	}
	p.node.dispatchMessage(p, data)
}

// acceptBidiStreams serves request/response exchanges.
func (p *Peer) acceptBidiStreams() {
	for {
		stream, err := p.conn.AcceptStream(p.node.ctx)
		if err != nil {
			return
		}
		go p.handleBidiStream(stream)
	}
}

func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	request, err := readFrame(stream)
	if err != nil {
		return
	}

	handler := p.node.requestHandler()
	if handler == nil {
		return
	}
	response, err := handler(p, request)
	if err != nil {
		slog.Debug("request handler failed", "peer", p.id, "err", err)
		return
	}
	if err := writeFrame(stream, response); err != nil {
		slog.Debug("response write failed", "peer", p.id, "err", err)
	}
}
