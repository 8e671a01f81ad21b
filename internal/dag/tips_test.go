package dag

import (
	"testing"
	"time"
)

func TestSelectParentsUniform(t *testing.T) {
	key := newTestKey(t)
	s, genID := newTestStore(t, key)
	sel := NewTipSelector(s, nil, TipPolicyUniform)

	// Only genesis: full tip set returned.
	got := sel.SelectParents(3)
	if len(got) != 1 || got[0] != genID {
		t.Fatalf("parents = %v, want [genesis]", got)
	}

	for i := uint64(1); i <= 5; i++ {
		v := newTestVertex(t, key, []byte{byte(i)}, i, genID)
		if _, err := s.Insert(v); err != nil {
			t.Fatal(err)
		}
	}

	got = sel.SelectParents(3)
	if len(got) != 3 {
		t.Fatalf("len(parents) = %d, want 3", len(got))
	}
	seen := make(map[VertexID]struct{})
	for _, id := range got {
		if _, dup := seen[id]; dup {
			t.Fatal("parent selected twice")
		}
		seen[id] = struct{}{}
		if !s.Has(id) {
			t.Fatal("selected unknown vertex")
		}
	}
}

func TestSelectParentsBounds(t *testing.T) {
	key := newTestKey(t)
	s, genID := newTestStore(t, key)
	sel := NewTipSelector(s, nil, TipPolicyUniform)

	for i := uint64(1); i <= 2*MaxParents; i++ {
		v := newTestVertex(t, key, []byte{byte(i)}, i, genID)
		if _, err := s.Insert(v); err != nil {
			t.Fatal(err)
		}
	}

	if got := sel.SelectParents(0); len(got) != 1 {
		t.Errorf("count 0 clamped to %d parents, want 1", len(got))
	}
	if got := sel.SelectParents(100); len(got) != MaxParents {
		t.Errorf("count 100 clamped to %d parents, want %d", len(got), MaxParents)
	}
}

func TestSelectParentsAnchorFallback(t *testing.T) {
	key := newTestKey(t)
	s, genID := newTestStore(t, key)
	sel := NewTipSelector(s, nil, TipPolicyUniform)

	// Admit one child and reject it: tips become empty, fallback is the
	// highest finalized vertex (genesis).
	v := newTestVertex(t, key, []byte("x"), 1, genID)
	if _, err := s.Insert(v); err != nil {
		t.Fatal(err)
	}
	s.MarkRejected(v.ID())

	got := sel.SelectParents(2)
	if len(got) != 1 || got[0] != genID {
		t.Errorf("fallback parents = %v, want [genesis]", got)
	}
}

func TestConfidenceWeightedSelection(t *testing.T) {
	key := newTestKey(t)
	s, genID := newTestStore(t, key)
	engine := NewEngine(s, NewConflictIndex(nil), &yesSampler{}, Params{})
	sel := NewTipSelector(s, engine, TipPolicyConfidence)

	var ids []VertexID
	for i := uint64(1); i <= 4; i++ {
		v := newTestVertex(t, key, []byte{byte(i)}, i, genID)
		admitted, err := s.Insert(v)
		if err != nil {
			t.Fatal(err)
		}
		engine.Admit(admitted[0], v)
		sel.Observe(v.ID(), time.Now())
		ids = append(ids, v.ID())
	}

	got := sel.SelectParents(2)
	if len(got) != 2 || got[0] == got[1] {
		t.Fatalf("weighted selection returned %v", got)
	}
	for _, id := range got {
		if !containsID(ids, id) {
			t.Fatal("selected non-tip vertex")
		}
	}
}
