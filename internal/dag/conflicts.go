package dag

import "sync"

// ConflictClassifier maps a vertex to its conflict key. Vertices sharing a
// non-empty key are mutually exclusive: at most one of them may finalize.
// An empty key means the vertex conflicts with nothing.
type ConflictClassifier func(v *Vertex) string

// PayloadPrefixClassifier is the default classifier. Payloads of the form
// "conflict:<key>|..." conflict on <key>; anything else is conflict-free.
// Embedders supply their own classifier for real payload types.
func PayloadPrefixClassifier(v *Vertex) string {
	const prefix = "conflict:"
	p := v.Payload
	if len(p) < len(prefix) || string(p[:len(prefix)]) != prefix {
		return ""
	}
	rest := p[len(prefix):]
	for i, c := range rest {
		if c == '|' {
			return string(rest[:i])
		}
	}
	return ""
}

// ConflictSet is a group of pairwise mutually exclusive vertices. Sets only
// grow; they never split.
type ConflictSet struct {
	ID      uint64
	members map[VertexID]struct{}
}

// ConflictIndex groups admitted vertices into conflict sets by classifier
// key. Equivocation (same author key and nonce on distinct vertices) is
// detected independently of the classifier.
type ConflictIndex struct {
	classify ConflictClassifier

	mu       sync.Mutex
	nextID   uint64
	byKey    map[string]*ConflictSet
	byAuthor map[authorSlot]*ConflictSet
	byVertex map[VertexID]*ConflictSet
}

// authorSlot detects equivocating authors: two vertices signed by the same
// key with the same nonce land in one conflict set.
type authorSlot struct {
	keyHash [32]byte
	nonce   uint64
}

// NewConflictIndex creates an index with the given classifier; nil selects
// PayloadPrefixClassifier.
func NewConflictIndex(classify ConflictClassifier) *ConflictIndex {
	if classify == nil {
		classify = PayloadPrefixClassifier
	}
	return &ConflictIndex{
		classify: classify,
		nextID:   1,
		byKey:    make(map[string]*ConflictSet),
		byAuthor: make(map[authorSlot]*ConflictSet),
		byVertex: make(map[VertexID]*ConflictSet),
	}
}

// Record registers an admitted vertex, joining it to the conflict set of its
// key (and of its author slot). Returns the set and whether the vertex has
// at least one sibling.
func (c *ConflictIndex) Record(id VertexID, v *Vertex) (setID uint64, contested bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.byVertex[id]; ok {
		return set.ID, len(set.members) > 1
	}

	var set *ConflictSet
	if key := c.classify(v); key != "" {
		set = c.byKey[key]
		if set == nil {
			set = c.newSetLocked()
			c.byKey[key] = set
		}
	}

	slot := authorSlot{keyHash: hashAuthor(v.AuthorPK), nonce: v.Nonce}
	if existing := c.byAuthor[slot]; existing != nil {
		if set == nil {
			set = existing
		} else if existing != set {
			c.mergeLocked(set, existing)
		}
	}

	if set == nil {
		set = c.newSetLocked()
	}
	c.byAuthor[slot] = set

	set.members[id] = struct{}{}
	c.byVertex[id] = set

	return set.ID, len(set.members) > 1
}

func (c *ConflictIndex) newSetLocked() *ConflictSet {
	set := &ConflictSet{ID: c.nextID, members: make(map[VertexID]struct{})}
	c.nextID++
	return set
}

// mergeLocked folds src into dst. Sets never split, so merging is the only
// structural change after creation.
func (c *ConflictIndex) mergeLocked(dst, src *ConflictSet) {
	for id := range src.members {
		dst.members[id] = struct{}{}
		c.byVertex[id] = dst
	}
	for key, set := range c.byKey {
		if set == src {
			c.byKey[key] = dst
		}
	}
	for slot, set := range c.byAuthor {
		if set == src {
			c.byAuthor[slot] = dst
		}
	}
}

// Siblings returns the other members of id's conflict set.
func (c *ConflictIndex) Siblings(id VertexID) []VertexID {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.byVertex[id]
	if !ok {
		return nil
	}
	out := make([]VertexID, 0, len(set.members)-1)
	for m := range set.members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

// SetID returns the conflict set id for a recorded vertex.
func (c *ConflictIndex) SetID(id VertexID) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byVertex[id]
	if !ok {
		return 0, false
	}
	return set.ID, true
}

func hashAuthor(pk []byte) [32]byte {
	var h [32]byte
	if len(pk) == 0 {
		return h
	}
	h = sum256(pk)
	return h
}
