package dag

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/masharratt/QuDAG/internal/crypto"
)

// simNode is one node in an in-process consensus network.
type simNode struct {
	name   string
	store  *Store
	engine *Engine
}

// simNet wires engines so each node samples the others' Answer directly.
type simNet struct {
	nodes map[string]*simNode
}

// simSampler implements Sampler for one node over the simulated network.
type simSampler struct {
	net  *simNet
	self string
}

func (s *simSampler) Peers() []string {
	var out []string
	for name := range s.net.nodes {
		if name != s.self {
			out = append(out, name)
		}
	}
	return out
}

func (s *simSampler) Query(_ context.Context, peer string, id VertexID) (Answer, error) {
	n, ok := s.net.nodes[peer]
	if !ok {
		return AnswerUnknown, fmt.Errorf("unknown peer %s", peer)
	}
	return n.engine.Answer(id), nil
}

// newSimNet builds n nodes sharing one genesis, with fast test parameters.
func newSimNet(t *testing.T, key *crypto.SigningKey, n int) (*simNet, *Vertex) {
	t.Helper()

	net := &simNet{nodes: make(map[string]*simNode)}
	gen := &Vertex{Payload: []byte("genesis"), Timestamp: 1}
	gen.Sign(key)

	params := Params{K: 3, Alpha: 0.8, Beta: 3, QueryTimeout: 100 * time.Millisecond}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("node-%d", i)
		store := NewStore(StoreConfig{})
		if _, err := store.AddGenesis(cloneVertex(gen)); err != nil {
			t.Fatalf("genesis on %s: %v", name, err)
		}
		node := &simNode{name: name, store: store}
		node.engine = NewEngine(store, NewConflictIndex(nil), &simSampler{net: net, self: name}, params)
		net.nodes[name] = node
	}
	return net, gen
}

func cloneVertex(v *Vertex) *Vertex {
	c := *v
	c.Parents = append([]VertexID(nil), v.Parents...)
	c.Payload = append([]byte(nil), v.Payload...)
	c.AuthorPK = append([]byte(nil), v.AuthorPK...)
	c.Signature = append([]byte(nil), v.Signature...)
	return &c
}

// deliver admits a vertex on a node's store and engine.
func (n *simNode) deliver(t *testing.T, v *Vertex) {
	t.Helper()
	c := cloneVertex(v)
	admitted, err := n.store.Insert(c)
	if err != nil {
		t.Fatalf("%s insert: %v", n.name, err)
	}
	for _, id := range admitted {
		n.engine.Admit(id, n.store.Get(id))
	}
}

// runRounds drives sampling on every node until the predicate holds or the
// round budget is exhausted.
func (net *simNet) runRounds(t *testing.T, rounds int, done func() bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		for _, n := range net.nodes {
			n.engine.Round(ctx)
		}
		if done() {
			return
		}
	}
	t.Fatal("consensus did not converge within round budget")
}

func TestSingletonFinality(t *testing.T) {
	key := newTestKey(t)
	net, gen := newSimNet(t, key, 4)

	v1 := newTestVertex(t, key, []byte("hello"), 1, gen.ID())
	for _, n := range net.nodes {
		n.deliver(t, v1)
	}

	net.runRounds(t, 60, func() bool {
		for _, n := range net.nodes {
			if status, _ := n.store.StatusOf(v1.ID()); status != StatusFinalized {
				return false
			}
		}
		return true
	})

	for _, n := range net.nodes {
		if status, _ := n.store.StatusOf(v1.ID()); status != StatusFinalized {
			t.Errorf("%s: v1 not finalized", n.name)
		}
	}
}

func TestConflictExactlyOneFinalizes(t *testing.T) {
	keyA := newTestKey(t)
	keyB := newTestKey(t)
	net, gen := newSimNet(t, keyA, 4)

	va := newTestVertex(t, keyA, []byte("conflict:slot-42|a"), 1, gen.ID())
	vb := newTestVertex(t, keyB, []byte("conflict:slot-42|b"), 1, gen.ID())

	// Three nodes see va first; one sees vb first.
	i := 0
	for _, n := range net.nodes {
		if i < 3 {
			n.deliver(t, va)
			n.deliver(t, vb)
		} else {
			n.deliver(t, vb)
			n.deliver(t, va)
		}
		i++
	}

	decided := func() bool {
		for _, n := range net.nodes {
			sa, _ := n.store.StatusOf(va.ID())
			sb, _ := n.store.StatusOf(vb.ID())
			if sa == StatusActive || sb == StatusActive {
				return false
			}
		}
		return true
	}
	net.runRounds(t, 200, decided)

	var winner VertexID
	first := true
	for _, n := range net.nodes {
		sa, _ := n.store.StatusOf(va.ID())
		sb, _ := n.store.StatusOf(vb.ID())
		if sa == StatusFinalized && sb == StatusFinalized {
			t.Fatalf("%s finalized both sides of the conflict", n.name)
		}
		var local VertexID
		switch {
		case sa == StatusFinalized:
			local = va.ID()
		case sb == StatusFinalized:
			local = vb.ID()
		default:
			t.Fatalf("%s finalized neither", n.name)
		}
		if first {
			winner, first = local, false
		} else if local != winner {
			t.Fatalf("nodes disagree on the winner")
		}
	}
}

func TestAnswerUnknownForUnseenVertex(t *testing.T) {
	key := newTestKey(t)
	store, _ := newTestStore(t, key)
	engine := NewEngine(store, NewConflictIndex(nil), &simSampler{net: &simNet{nodes: map[string]*simNode{}}}, Params{})

	if a := engine.Answer(VertexID{0xee}); a != AnswerUnknown {
		t.Errorf("answer for unseen vertex = %d, want unknown", a)
	}
}

// unknownSampler answers unknown for everything.
type unknownSampler struct{ peers []string }

func (u *unknownSampler) Peers() []string { return u.peers }
func (u *unknownSampler) Query(context.Context, string, VertexID) (Answer, error) {
	return AnswerUnknown, nil
}

func TestRoundDiscardedOnMajorityUnknown(t *testing.T) {
	key := newTestKey(t)
	store, genID := newTestStore(t, key)
	engine := NewEngine(store, NewConflictIndex(nil),
		&unknownSampler{peers: []string{"a", "b", "c"}},
		Params{K: 3, Beta: 1, QueryTimeout: 50 * time.Millisecond})

	v := newTestVertex(t, key, []byte("x"), 1, genID)
	admitted, err := store.Insert(v)
	if err != nil {
		t.Fatal(err)
	}
	engine.Admit(admitted[0], v)

	engine.Round(context.Background())

	p, ok := engine.Preference(v.ID())
	if !ok {
		t.Fatal("no preference recorded")
	}
	// Discarded round: no confidence movement, no success count.
	if p.Consecutive != 0 || p.Confidence != 0.5 {
		t.Errorf("discarded round mutated preference: %+v", p)
	}
	if status, _ := store.StatusOf(v.ID()); status != StatusActive {
		t.Error("vertex decided on a discarded round")
	}
}

// yesSampler always agrees, with a configurable peer list.
type yesSampler struct{ peers []string }

func (y *yesSampler) Peers() []string { return y.peers }
func (y *yesSampler) Query(context.Context, string, VertexID) (Answer, error) {
	return AnswerYes, nil
}

func TestThresholdScalesWithSmallPeerSet(t *testing.T) {
	key := newTestKey(t)
	store, genID := newTestStore(t, key)
	// Only 2 peers but k=20: sampling must use n=2 and threshold ceil(0.8*2)=2.
	engine := NewEngine(store, NewConflictIndex(nil),
		&yesSampler{peers: []string{"a", "b"}},
		Params{K: 20, Alpha: 0.8, Beta: 2, FinalityThreshold: 0.6})

	v := newTestVertex(t, key, []byte("x"), 1, genID)
	admitted, err := store.Insert(v)
	if err != nil {
		t.Fatal(err)
	}
	engine.Admit(admitted[0], v)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		engine.Round(ctx)
		if status, _ := store.StatusOf(v.ID()); status == StatusFinalized {
			return
		}
	}
	t.Fatal("vertex did not finalize with scaled threshold")
}

func TestStuckMarkedAfterFinalityTimeout(t *testing.T) {
	key := newTestKey(t)
	store, genID := newTestStore(t, key)
	engine := NewEngine(store, NewConflictIndex(nil),
		&unknownSampler{peers: []string{"a"}},
		Params{K: 1, Beta: 1, FinalityTimeout: time.Millisecond, QueryTimeout: 10 * time.Millisecond})

	v := newTestVertex(t, key, []byte("x"), 1, genID)
	admitted, err := store.Insert(v)
	if err != nil {
		t.Fatal(err)
	}
	engine.Admit(admitted[0], v)

	time.Sleep(5 * time.Millisecond)
	engine.Round(context.Background())

	stuck := engine.StuckVertices()
	if len(stuck) != 1 || stuck[0] != v.ID() {
		t.Errorf("stuck = %v, want [%v]", stuck, v.ID())
	}
	// Stuck is not terminal: the vertex stays active.
	if status, _ := store.StatusOf(v.ID()); status != StatusActive {
		t.Error("stuck vertex left Active")
	}
}

func TestFinalityAnnouncedOnce(t *testing.T) {
	key := newTestKey(t)
	store, genID := newTestStore(t, key)
	engine := NewEngine(store, NewConflictIndex(nil),
		&yesSampler{peers: []string{"a", "b", "c"}},
		Params{K: 3, Beta: 1, FinalityThreshold: 0.55})

	v := newTestVertex(t, key, []byte("x"), 1, genID)
	admitted, _ := store.Insert(v)
	engine.Admit(admitted[0], v)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		engine.Round(ctx)
	}

	count := 0
	for {
		select {
		case <-engine.Finalized():
			count++
			continue
		default:
		}
		break
	}
	if count != 1 {
		t.Errorf("finality announced %d times, want 1", count)
	}
}
