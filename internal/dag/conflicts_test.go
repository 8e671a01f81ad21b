package dag

import "testing"

func TestSingletonConflictSet(t *testing.T) {
	key := newTestKey(t)
	idx := NewConflictIndex(nil)

	v := newTestVertex(t, key, []byte("plain payload"), 1, VertexID{1})
	_, contested := idx.Record(v.ID(), v)
	if contested {
		t.Error("conflict-free vertex reported contested")
	}
	if sibs := idx.Siblings(v.ID()); len(sibs) != 0 {
		t.Errorf("siblings = %v, want none", sibs)
	}
}

func TestSharedKeyJoinsSameSet(t *testing.T) {
	keyA := newTestKey(t)
	keyB := newTestKey(t)
	idx := NewConflictIndex(nil)

	va := newTestVertex(t, keyA, []byte("conflict:slot-42|a"), 1, VertexID{1})
	vb := newTestVertex(t, keyB, []byte("conflict:slot-42|b"), 2, VertexID{1})

	_, contested := idx.Record(va.ID(), va)
	if contested {
		t.Error("first member contested")
	}
	setB, contested := idx.Record(vb.ID(), vb)
	if !contested {
		t.Error("second member not contested")
	}
	setA, _ := idx.SetID(va.ID())
	if setA != setB {
		t.Errorf("set ids differ: %d vs %d", setA, setB)
	}
	if sibs := idx.Siblings(va.ID()); len(sibs) != 1 || sibs[0] != vb.ID() {
		t.Errorf("siblings of va = %v", sibs)
	}
}

func TestEquivocationDetected(t *testing.T) {
	key := newTestKey(t)
	idx := NewConflictIndex(nil)

	// Same author, same nonce, different payloads: equivocation.
	v1 := newTestVertex(t, key, []byte("first"), 5, VertexID{1})
	v2 := newTestVertex(t, key, []byte("second"), 5, VertexID{2})

	idx.Record(v1.ID(), v1)
	_, contested := idx.Record(v2.ID(), v2)
	if !contested {
		t.Error("equivocating pair not contested")
	}
	if sibs := idx.Siblings(v1.ID()); len(sibs) != 1 || sibs[0] != v2.ID() {
		t.Errorf("siblings = %v", sibs)
	}
}

func TestConflictSetsMergeNeverSplit(t *testing.T) {
	key := newTestKey(t)
	idx := NewConflictIndex(nil)

	// v1 claims key "k1" under nonce 9. v2 claims "k1" under nonce 8.
	// v3 equivocates with v2 (same author+nonce) but claims no payload key,
	// so recording v3 merges its author slot into the "k1" set.
	v1 := newTestVertex(t, key, []byte("conflict:k1|x"), 9, VertexID{1})
	v2 := newTestVertex(t, key, []byte("conflict:k1|y"), 8, VertexID{2})
	v3 := newTestVertex(t, key, []byte("no conflict marker"), 8, VertexID{3})

	idx.Record(v1.ID(), v1)
	idx.Record(v2.ID(), v2)
	_, contested := idx.Record(v3.ID(), v3)
	if !contested {
		t.Fatal("v3 should join v2's set via author slot")
	}

	set1, _ := idx.SetID(v1.ID())
	set3, _ := idx.SetID(v3.ID())
	if set1 != set3 {
		t.Error("author-slot member not merged with payload-key set")
	}
	if sibs := idx.Siblings(v1.ID()); len(sibs) != 2 {
		t.Errorf("siblings of v1 = %v, want 2 members", sibs)
	}
}

func TestPayloadPrefixClassifier(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{"conflict:slot-42|data", "slot-42"},
		{"conflict:x|", "x"},
		{"conflict:unterminated", ""},
		{"plain", ""},
		{"", ""},
	}
	for _, c := range cases {
		v := &Vertex{Payload: []byte(c.payload)}
		if got := PayloadPrefixClassifier(v); got != c.want {
			t.Errorf("classify(%q) = %q, want %q", c.payload, got, c.want)
		}
	}
}
