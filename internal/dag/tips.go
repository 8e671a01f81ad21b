package dag

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// TipPolicy selects how parents are drawn from the tip set.
type TipPolicy uint8

const (
	// TipPolicyUniform draws parents uniformly at random from the tips.
	TipPolicyUniform TipPolicy = iota

	// TipPolicyConfidence weights each tip by its consensus confidence
	// decayed by age, then samples without replacement.
	TipPolicyConfidence
)

// defaultAgeDecay is the per-second exponential decay applied to tip weight
// under TipPolicyConfidence.
const defaultAgeDecay = 0.001

// TipSelector chooses parents for new vertices.
type TipSelector struct {
	store  *Store
	engine *Engine
	policy TipPolicy
	decay  float64

	mu       sync.Mutex
	rng      *rand.Rand
	firstSeen map[VertexID]time.Time
}

// NewTipSelector creates a selector over the given store. engine may be nil
// under TipPolicyUniform.
func NewTipSelector(store *Store, engine *Engine, policy TipPolicy) *TipSelector {
	return &TipSelector{
		store:     store,
		engine:    engine,
		policy:    policy,
		decay:     defaultAgeDecay,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		firstSeen: make(map[VertexID]time.Time),
	}
}

// Observe records when a tip was first seen locally, for age weighting.
func (t *TipSelector) Observe(id VertexID, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.firstSeen[id]; !ok {
		t.firstSeen[id] = at
	}
}

// SelectParents returns between 1 and MaxParents parent ids. If the tip set
// is empty it falls back to the highest finalized vertex; if the tip set is
// smaller than count it returns the whole set.
func (t *TipSelector) SelectParents(count int) []VertexID {
	if count < 1 {
		count = 1
	}
	if count > MaxParents {
		count = MaxParents
	}

	tips := t.store.Tips()
	if len(tips) == 0 {
		if anchor, ok := t.store.HighestFinalized(); ok {
			return []VertexID{anchor}
		}
		return nil
	}
	if len(tips) <= count {
		return tips
	}

	switch t.policy {
	case TipPolicyConfidence:
		return t.weightedSample(tips, count)
	default:
		return t.uniformSample(tips, count)
	}
}

func (t *TipSelector) uniformSample(tips []VertexID, count int) []VertexID {
	t.mu.Lock()
	t.rng.Shuffle(len(tips), func(i, j int) { tips[i], tips[j] = tips[j], tips[i] })
	t.mu.Unlock()
	return tips[:count]
}

// weightedSample draws count tips without replacement with probability
// proportional to confidence(t) * exp(-decay * age_seconds(t)).
func (t *TipSelector) weightedSample(tips []VertexID, count int) []VertexID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	weights := make([]float64, len(tips))
	for i, id := range tips {
		conf := 0.5
		if t.engine != nil {
			if p, ok := t.engine.Preference(id); ok {
				conf = p.Confidence
			}
		}
		age := 0.0
		if seen, ok := t.firstSeen[id]; ok {
			age = now.Sub(seen).Seconds()
		}
		w := conf * math.Exp(-t.decay*age)
		if w <= 0 {
			w = 1e-9
		}
		weights[i] = w
	}

	out := make([]VertexID, 0, count)
	remaining := append([]VertexID(nil), tips...)
	for len(out) < count && len(remaining) > 0 {
		total := 0.0
		for _, w := range weights {
			total += w
		}
		target := t.rng.Float64() * total
		idx := len(remaining) - 1
		acc := 0.0
		for i, w := range weights {
			acc += w
			if target < acc {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}
	return out
}

// Forget drops first-seen bookkeeping for vertices that left the tip set.
func (t *TipSelector) Forget(id VertexID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.firstSeen, id)
}
