package dag

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Answer is a peer's reply to a preference query.
type Answer uint8

const (
	AnswerNo Answer = iota
	AnswerYes
	AnswerUnknown
)

// Sampler provides the peer set and query transport for consensus rounds.
type Sampler interface {
	// Peers returns the ids of currently reachable peers.
	Peers() []string

	// Query asks one peer for its preference on a vertex. It must respect
	// ctx cancellation.
	Query(ctx context.Context, peer string, id VertexID) (Answer, error)
}

// Engine errors reported to submitters.
var (
	ErrStuck     = errors.New("dag: consensus stuck")
	ErrCancelled = errors.New("dag: cancelled")
)

// Params are the avalanche tunables. Zero values select the defaults.
type Params struct {
	K                   int           // sample size (default 20)
	Alpha               float64       // quorum ratio (default 0.8)
	Beta                uint32        // consecutive successes to finalize (default 15)
	FinalityThreshold   float64       // confidence gate (default 0.95)
	QueryTimeout        time.Duration // per-round reply deadline (default 250ms)
	FinalityTimeout     time.Duration // stuck threshold (default 60s)
	MaxConcurrentRounds int           // vertices sampled per tick (default 1000)
	QueryRetries        int           // transport retries per query (default 3)

	// confidenceRate is the EMA learning rate toward the observed ratio.
	confidenceRate float64
}

func (p Params) withDefaults() Params {
	if p.K <= 0 {
		p.K = 20
	}
	if p.Alpha <= 0 {
		p.Alpha = 0.8
	}
	if p.Beta == 0 {
		p.Beta = 15
	}
	if p.FinalityThreshold <= 0 {
		p.FinalityThreshold = 0.95
	}
	if p.QueryTimeout <= 0 {
		p.QueryTimeout = 250 * time.Millisecond
	}
	if p.FinalityTimeout <= 0 {
		p.FinalityTimeout = 60 * time.Second
	}
	if p.MaxConcurrentRounds <= 0 {
		p.MaxConcurrentRounds = 1000
	}
	if p.QueryRetries <= 0 {
		p.QueryRetries = 3
	}
	if p.confidenceRate <= 0 {
		p.confidenceRate = 0.1
	}
	return p
}

// Preference is the engine's running opinion on one vertex.
type Preference struct {
	Preferred   bool
	Confidence  float64
	LastSampled time.Time
	Consecutive uint32
}

// activeState tracks a vertex under active consensus.
type activeState struct {
	started      time.Time
	backoffUntil time.Time
	backoff      time.Duration
	lastRatio    float64
	stuck        bool
}

// Engine runs QR-avalanche sampling over admitted vertices until each either
// finalizes or is rejected with its conflict set's winner.
type Engine struct {
	params    Params
	store     *Store
	conflicts *ConflictIndex
	sampler   Sampler

	mu     sync.Mutex
	prefs  map[VertexID]*Preference
	active map[VertexID]*activeState
	rng    *rand.Rand

	// finalized receives announcements exactly once per finalized vertex.
	finalized chan VertexID
}

// NewEngine creates an engine over the given store and conflict index.
func NewEngine(store *Store, conflicts *ConflictIndex, sampler Sampler, params Params) *Engine {
	return &Engine{
		params:    params.withDefaults(),
		store:     store,
		conflicts: conflicts,
		sampler:   sampler,
		prefs:     make(map[VertexID]*Preference),
		active:    make(map[VertexID]*activeState),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		finalized: make(chan VertexID, 1024),
	}
}

// Finalized returns the finality announcement channel.
func (e *Engine) Finalized() <-chan VertexID {
	return e.finalized
}

// Admit registers an admitted vertex for consensus. The initial preference
// depends on contention: a vertex in a singleton conflict set starts
// preferred at confidence 0.5; a contested vertex is preferred only if no
// sibling has accumulated any confidence yet.
func (e *Engine) Admit(id VertexID, v *Vertex) {
	_, contested := e.conflicts.Record(id, v)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.prefs[id]; exists {
		return
	}

	pref := &Preference{Preferred: true, Confidence: 0.5}
	if contested {
		pref.Confidence = 0
		for _, sib := range e.conflicts.Siblings(id) {
			if sp, ok := e.prefs[sib]; ok && sp.Confidence > 0 {
				pref.Preferred = false
				break
			}
		}
	}

	e.prefs[id] = pref
	e.active[id] = &activeState{started: time.Now()}
}

// Preference returns a copy of the current preference record for id.
func (e *Engine) Preference(id VertexID) (Preference, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prefs[id]
	if !ok {
		return Preference{}, false
	}
	return *p, true
}

// Answer replies to a remote preference query with the local preferred bit,
// or unknown for vertices this node has no opinion on.
func (e *Engine) Answer(id VertexID) Answer {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.prefs[id]
	if !ok {
		return AnswerUnknown
	}
	if p.Preferred {
		return AnswerYes
	}
	return AnswerNo
}

// ActiveCount returns the number of vertices still under consensus.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// StuckVertices returns the vertices that exceeded the finality timeout
// without deciding. Stuck is not terminal; sampling continues.
func (e *Engine) StuckVertices() []VertexID {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []VertexID
	for id, st := range e.active {
		if st.stuck {
			out = append(out, id)
		}
	}
	return out
}

// Round runs one sampling round for every due active vertex, bounded by
// MaxConcurrentRounds. Rounds for distinct vertices run concurrently; the
// call returns when all of them have completed or ctx fires.
func (e *Engine) Round(ctx context.Context) {
	now := time.Now()

	e.mu.Lock()
	due := make([]VertexID, 0, len(e.active))
	for id, st := range e.active {
		if now.Before(st.backoffUntil) {
			continue
		}
		if !st.stuck && now.Sub(st.started) > e.params.FinalityTimeout {
			st.stuck = true
		}
		due = append(due, id)
		if len(due) >= e.params.MaxConcurrentRounds {
			break
		}
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range due {
		wg.Add(1)
		go func(id VertexID) {
			defer wg.Done()
			e.sampleOne(ctx, id)
		}(id)
	}
	wg.Wait()
}

// sampleOne runs a single query round for one vertex and applies the
// tally to its preference.
func (e *Engine) sampleOne(ctx context.Context, id VertexID) {
	peers := e.sampler.Peers()
	if len(peers) == 0 {
		return
	}

	// Uniform sample of min(k, n) distinct peers; never with replacement.
	k := e.params.K
	if len(peers) < k {
		k = len(peers)
	}
	e.mu.Lock()
	e.rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	e.mu.Unlock()
	sampled := peers[:k]

	threshold := int(math.Ceil(e.params.Alpha * float64(k)))

	yes, unknown := e.queryPeers(ctx, sampled, id)
	if ctx.Err() != nil {
		return
	}

	if unknown > k/2 {
		e.deferRound(id)
		return
	}

	e.applyTally(id, yes, k, threshold)
}

// queryPeers fans the preference query out to the sampled peers and tallies
// replies arriving within the query timeout. Transport errors are retried
// with exponential backoff up to QueryRetries times; a peer that never
// answers counts as unknown.
func (e *Engine) queryPeers(ctx context.Context, sampled []string, id VertexID) (yes, unknown int) {
	qctx, cancel := context.WithTimeout(ctx, e.params.QueryTimeout)
	defer cancel()

	answers := make([]Answer, len(sampled))
	var wg sync.WaitGroup
	for i, peer := range sampled {
		wg.Add(1)
		go func(i int, peer string) {
			defer wg.Done()
			answers[i] = e.queryWithRetry(qctx, peer, id)
		}(i, peer)
	}
	wg.Wait()

	for _, a := range answers {
		switch a {
		case AnswerYes:
			yes++
		case AnswerUnknown:
			unknown++
		}
	}
	return yes, unknown
}

func (e *Engine) queryWithRetry(ctx context.Context, peer string, id VertexID) Answer {
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < e.params.QueryRetries; attempt++ {
		a, err := e.sampler.Query(ctx, peer, id)
		if err == nil {
			return a
		}
		select {
		case <-ctx.Done():
			return AnswerUnknown
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return AnswerUnknown
}

// deferRound backs a vertex off after a discarded round (too many unknowns).
func (e *Engine) deferRound(id VertexID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.active[id]
	if !ok {
		return
	}
	if st.backoff == 0 {
		st.backoff = 50 * time.Millisecond
	} else if st.backoff < 2*time.Second {
		st.backoff *= 2
	}
	st.backoffUntil = time.Now().Add(st.backoff)
}

// applyTally folds one round's result into the preference state and, when
// warranted, flips preference within the conflict set or finalizes.
func (e *Engine) applyTally(id VertexID, yes, k, threshold int) {
	ratio := float64(yes) / float64(k)

	e.mu.Lock()

	p, ok := e.prefs[id]
	st := e.active[id]
	if !ok || st == nil {
		e.mu.Unlock()
		return
	}

	p.LastSampled = time.Now()
	st.lastRatio = ratio
	st.backoff = 0
	p.Confidence += e.params.confidenceRate * (ratio - p.Confidence)

	passed := yes >= threshold
	if passed {
		p.Consecutive++
	} else {
		p.Consecutive = 0
	}

	// A contested vertex passing quorum pulls preference away from the
	// currently preferred sibling, unless that sibling's latest tally was
	// at least as strong (ties keep the incumbent).
	if passed && !p.Preferred {
		e.maybeFlipLocked(id, p, st)
	}

	shouldFinalize := passed &&
		p.Preferred &&
		p.Consecutive >= e.params.Beta &&
		p.Confidence >= e.params.FinalityThreshold

	e.mu.Unlock()

	// Finality additionally requires the full ancestor closure to be
	// decided; checked outside the engine lock against the store.
	if shouldFinalize && e.store.AncestorsDecided(id) {
		e.finalize(id)
	}
}

// maybeFlipLocked flips local preference to id if the incumbent preferred
// sibling's last observed tally was strictly weaker.
func (e *Engine) maybeFlipLocked(id VertexID, p *Preference, st *activeState) {
	for _, sib := range e.conflicts.Siblings(id) {
		sp, ok := e.prefs[sib]
		if !ok || !sp.Preferred {
			continue
		}
		if sst := e.active[sib]; sst != nil && sst.lastRatio >= st.lastRatio {
			return // incumbent holds on ties
		}
		sp.Preferred = false
		sp.Consecutive = 0
	}
	p.Preferred = true
	p.Consecutive = 0
}

// finalize moves id to Finalized and every sibling in its conflict set to
// Rejected. Conflict sets are processed in ascending set-id order when a
// finalization cascades, keeping the transition order deterministic.
func (e *Engine) finalize(id VertexID) {
	if !e.store.MarkFinalized(id) {
		return
	}

	siblings := e.conflicts.Siblings(id)
	sort.Slice(siblings, func(i, j int) bool {
		si, _ := e.conflicts.SetID(siblings[i])
		sj, _ := e.conflicts.SetID(siblings[j])
		if si != sj {
			return si < sj
		}
		ii, _ := e.store.Index(siblings[i])
		ij, _ := e.store.Index(siblings[j])
		return ii < ij
	})

	rejected := make([]VertexID, 0, len(siblings))
	for _, sib := range siblings {
		rejected = append(rejected, e.store.MarkRejected(sib)...)
	}

	e.mu.Lock()
	delete(e.active, id)
	if p := e.prefs[id]; p != nil {
		p.Preferred = true
		p.Confidence = 1
	}
	for _, r := range rejected {
		delete(e.active, r)
		if p := e.prefs[r]; p != nil {
			p.Preferred = false
		}
	}
	e.mu.Unlock()

	// Announce once; finality is irrevocable.
	select {
	case e.finalized <- id:
	default:
	}
}
