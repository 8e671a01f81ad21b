package node

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/masharratt/QuDAG/internal/crypto"
	"github.com/masharratt/QuDAG/internal/dag"
	"github.com/masharratt/QuDAG/internal/dark"
	"github.com/masharratt/QuDAG/internal/network"
	"github.com/masharratt/QuDAG/internal/onion"
)

// testNode bundles one coordinator with its network node.
type testNode struct {
	coord *Coordinator
	net   *network.Node
}

// newTestCluster starts n connected nodes sharing one genesis vertex.
func newTestCluster(t *testing.T, n int) []*testNode {
	t.Helper()

	genKey, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	genesis := &dag.Vertex{Payload: []byte("genesis"), Timestamp: 1}
	genesis.Sign(genKey)

	cfg := Config{
		TickInterval: 20 * time.Millisecond,
		Avalanche: dag.Params{
			K:            n - 1,
			Alpha:        0.8,
			Beta:         3,
			QueryTimeout: 500 * time.Millisecond,
		},
		Onion: onion.BuilderConfig{HandshakeTimeout: 3 * time.Second},
		Relay: onion.ProcessorConfig{DelayMax: -1},
	}

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		signKey, err := crypto.GenerateSigningKey()
		if err != nil {
			t.Fatal(err)
		}
		kemPK, kemSK, err := crypto.GenerateKEMKeyPair()
		if err != nil {
			t.Fatal(err)
		}

		nn, err := network.NewNode(network.Config{
			SigningKey:   signKey,
			KEMPublicKey: kemPK.Bytes(),
			ListenAddr:   "127.0.0.1:0",
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := nn.Start(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { nn.Close() })

		coord, err := New(cfg, signKey, kemSK, nn, nil)
		if err != nil {
			t.Fatal(err)
		}
		gen := *genesis
		if _, err := coord.Bootstrap(&gen); err != nil {
			t.Fatal(err)
		}
		nodes[i] = &testNode{coord: coord, net: nn}
	}

	// Full mesh.
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if _, err := nodes[i].net.Connect(nodes[j].net.Addr()); err != nil {
				t.Fatalf("connect %d->%d: %v", i, j, err)
			}
		}
	}
	for _, tn := range nodes {
		waitFor(t, 5*time.Second, func() bool {
			return len(tn.net.PeerIDs()) == n-1
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, tn := range nodes {
		go tn.coord.Run(ctx)
	}
	for _, tn := range nodes {
		waitFor(t, 2*time.Second, func() bool {
			return tn.coord.State() == StateRunning
		})
	}
	return nodes
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestClusterFinalizesSubmittedVertex(t *testing.T) {
	nodes := newTestCluster(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := nodes[0].coord.Submit(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 20*time.Second, func() bool {
		for _, tn := range nodes {
			status, ok := tn.coord.Store().StatusOf(id)
			if !ok || status != dag.StatusFinalized {
				return false
			}
		}
		return true
	})
}

func TestClusterCircuitDelivery(t *testing.T) {
	nodes := newTestCluster(t, 4)

	received := make(chan []byte, 1)
	for _, tn := range nodes[1:] {
		tn := tn
		tn.coord.Deliver = func(payload []byte) {
			select {
			case received <- payload:
			default:
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	circ, err := nodes[0].coord.BuildCircuit(ctx)
	if err != nil {
		t.Fatalf("build circuit: %v", err)
	}

	payload := bytes.Repeat([]byte{0x01}, 100)
	if err := nodes[0].coord.SendThrough(circ.ID(), payload); err != nil {
		t.Fatalf("send through: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Errorf("delivered payload differs")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("payload not delivered at exit")
	}
}

func TestClusterAnonymousResolve(t *testing.T) {
	nodes := newTestCluster(t, 4)

	// All nodes share one directory so the exit can resolve what the
	// origin's node registered.
	shared := dark.NewMemoryDHT()
	for _, tn := range nodes {
		tn.coord.resolver, _ = dark.NewResolver(dark.Config{}, tn.coord.signKey, shared, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := nodes[1].coord.RegisterName(ctx, "svc.dark", "/ip4/10.0.0.1/tcp/8000", time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}

	circ, err := nodes[0].coord.BuildCircuit(ctx)
	if err != nil {
		t.Fatalf("build circuit: %v", err)
	}

	addr, err := nodes[0].coord.ResolveAnonymous(ctx, circ.ID(), "svc.dark")
	if err != nil {
		t.Fatalf("anonymous resolve: %v", err)
	}
	if addr != "/ip4/10.0.0.1/tcp/8000" {
		t.Errorf("resolved %q", addr)
	}
}

func TestDarkReplyCodec(t *testing.T) {
	cases := []struct {
		addr string
		err  error
	}{
		{"/ip4/1.2.3.4/tcp/1", nil},
		{"", dark.ErrNotFound},
		{"", dark.ErrExpired},
		{"", dark.ErrSignatureInvalid},
		{"", dark.ErrRateLimited},
		{"", dark.ErrRevoked},
	}
	for _, c := range cases {
		addr, err := decodeDarkReply(encodeDarkReply(c.addr, c.err))
		if addr != c.addr || !errors.Is(err, c.err) && !(err == nil && c.err == nil) {
			t.Errorf("round trip of (%q, %v) gave (%q, %v)", c.addr, c.err, addr, err)
		}
	}
}

func TestSubmitRequiresRunning(t *testing.T) {
	signKey, _ := crypto.GenerateSigningKey()
	kemPK, kemSK, _ := crypto.GenerateKEMKeyPair()

	nn, err := network.NewNode(network.Config{
		SigningKey:   signKey,
		KEMPublicKey: kemPK.Bytes(),
		ListenAddr:   "127.0.0.1:0",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { nn.Close() })

	coord, err := New(Config{}, signKey, kemSK, nn, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := coord.Submit(context.Background(), []byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("submit before run: got %v", err)
	}
}
