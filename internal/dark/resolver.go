package dark

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/masharratt/QuDAG/internal/crypto"
)

// Config carries resolver tunables; zero values select defaults.
type Config struct {
	CacheSize    int           // resolution cache entries (default 10000)
	CacheTTL     time.Duration // cache entry lifetime (default 1h)
	QueryLimit   int           // resolutions per origin per window (default 60)
	QueryWindow  time.Duration // rate limit window (default 1m)
	MaxShadowTTL time.Duration // ephemeral record lifetime cap (default 24h)
}

func (c Config) withDefaults() Config {
	if c.CacheSize <= 0 {
		c.CacheSize = 10000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.QueryLimit <= 0 {
		c.QueryLimit = 60
	}
	if c.QueryWindow <= 0 {
		c.QueryWindow = time.Minute
	}
	if c.MaxShadowTTL <= 0 {
		c.MaxShadowTTL = 24 * time.Hour
	}
	return c
}

// OwnedLog persists records this node registered, so they can be replayed
// after restart.
type OwnedLog interface {
	AppendOwned(name string, encoded []byte) error
}

// cacheEntry is one cached resolution.
type cacheEntry struct {
	rec      *Record
	cachedAt time.Time
}

// Resolver registers, publishes and resolves dark name records.
type Resolver struct {
	cfg     Config
	key     *crypto.SigningKey
	dht     DHT
	cache   *lru.Cache
	limiter *rateLimiter
	log     OwnedLog

	mu    sync.Mutex
	owned map[string]*Record

	// now is injectable for tests.
	now func() time.Time
}

// NewResolver creates a resolver signing with key and publishing to dht.
// log may be nil.
func NewResolver(cfg Config, key *crypto.SigningKey, dht DHT, log OwnedLog) (*Resolver, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		cfg:     cfg,
		key:     key,
		dht:     dht,
		cache:   cache,
		limiter: newRateLimiter(cfg.QueryLimit, cfg.QueryWindow),
		log:     log,
		owned:   make(map[string]*Record),
		now:     time.Now,
	}, nil
}

func (r *Resolver) nowUnix() uint64 {
	return uint64(r.now().Unix())
}

// Register signs and publishes a record binding name to address for the
// given validity window. A still-valid record for the same name under a
// different key wins by priority: registration fails with ErrConflict.
func (r *Resolver) Register(ctx context.Context, name, address string, validity time.Duration) (*Record, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if address == "" || len(address) > maxAddrLen {
		return nil, ErrMalformed
	}
	return r.register(ctx, name, address, validity, false)
}

// RegisterShadow generates and publishes an ephemeral shadow name bound to
// address. The record's TTL is capped at the configured maximum and the
// record is cleaned up by Sweep once it expires.
func (r *Resolver) RegisterShadow(ctx context.Context, address string, ttl time.Duration) (*Record, error) {
	if ttl <= 0 || ttl > r.cfg.MaxShadowTTL {
		ttl = r.cfg.MaxShadowTTL
	}

	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return nil, err
	}
	name := shadowPrefix + hex.EncodeToString(suffix[:]) + ".dark"

	return r.register(ctx, name, address, ttl, true)
}

func (r *Resolver) register(ctx context.Context, name, address string, validity time.Duration, ephemeral bool) (*Record, error) {
	now := r.nowUnix()

	// First-registered and still-valid wins: a foreign live record blocks
	// until it expires or its owner revokes it.
	existing := r.fetch(ctx, name)
	notBefore := now
	if existing != nil {
		if !r.ownsRecord(existing) {
			if existing.effectiveAt(now) && !existing.IsRevocation() {
				return nil, ErrConflict
			}
		} else if existing.NotBefore >= notBefore {
			// Same key supersedes only with strictly greater not_before.
			notBefore = existing.NotBefore + 1
		}
	}

	rec := &Record{
		Name:      name,
		Address:   address,
		NotBefore: notBefore,
		NotAfter:  now + uint64(validity/time.Second),
		Ephemeral: ephemeral,
	}
	rec.Sign(r.key)

	if err := r.dht.Put(ctx, NameKey(name), rec.Encode()); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.owned[name] = rec
	r.mu.Unlock()
	r.cache.Add(name, &cacheEntry{rec: rec, cachedAt: r.now()})

	if r.log != nil {
		if err := r.log.AppendOwned(name, rec.Encode()); err != nil {
			slog.Warn("dark record not persisted", "name", name, "err", err)
		}
	}
	return rec, nil
}

func (r *Resolver) ownsRecord(rec *Record) bool {
	return rec.Fingerprint == crypto.DeriveKey("qudag-dark-v1 fingerprint", r.key.PublicKey())
}

// fetch pulls and verifies the published record for name; nil if absent or
// unverifiable.
func (r *Resolver) fetch(ctx context.Context, name string) *Record {
	raw, err := r.dht.Get(ctx, NameKey(name))
	if err != nil || raw == nil {
		return nil
	}
	rec, err := DecodeRecord(raw)
	if err != nil || rec.Name != name || !rec.Verify() {
		return nil
	}
	return rec
}

// Resolve returns the address bound to name. origin identifies the caller
// for rate limiting ("" skips the limit, for local callers).
func (r *Resolver) Resolve(ctx context.Context, origin, name string) (string, error) {
	if origin != "" && !r.limiter.allow(origin, r.now()) {
		return "", ErrRateLimited
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}

	// Names this node owns resolve locally and authoritatively.
	r.mu.Lock()
	if rec, ok := r.owned[name]; ok {
		r.mu.Unlock()
		return rec.Address, nil
	}
	r.mu.Unlock()

	now := r.nowUnix()

	// Cache hit inside TTL: a previously accepted record keeps winning
	// over later publications by other keys until it expires.
	if v, ok := r.cache.Get(name); ok {
		entry := v.(*cacheEntry)
		if r.now().Sub(entry.cachedAt) < r.cfg.CacheTTL && entry.rec.effectiveAt(now) {
			if entry.rec.IsRevocation() {
				return "", ErrRevoked
			}
			return entry.rec.Address, nil
		}
	}

	raw, err := r.dht.Get(ctx, NameKey(name))
	if err != nil || raw == nil {
		return "", ErrNotFound
	}
	rec, derr := DecodeRecord(raw)
	if derr != nil || rec.Name != name {
		return "", ErrNotFound
	}
	if !rec.Verify() {
		return "", ErrSignatureInvalid
	}
	if now > rec.NotAfter {
		return "", ErrExpired
	}
	if !rec.effectiveAt(now) {
		return "", ErrNotFound
	}

	accepted := r.accept(name, rec, now)
	if accepted.IsRevocation() {
		return "", ErrRevoked
	}
	return accepted.Address, nil
}

// accept reconciles a freshly fetched record with a previously cached one
// under the supersession rules and caches the winner. Records from
// different keys never supersede each other; same-key records supersede by
// strictly greater not_before.
func (r *Resolver) accept(name string, fetched *Record, now uint64) *Record {
	winner := fetched
	if v, ok := r.cache.Get(name); ok {
		cached := v.(*cacheEntry).rec
		if cached.effectiveAt(now) {
			switch {
			case !cached.sameOwner(fetched):
				winner = cached // first accepted key keeps the name
			case fetched.NotBefore > cached.NotBefore:
				winner = fetched
			default:
				winner = cached
			}
		}
	}
	r.cache.Add(name, &cacheEntry{rec: winner, cachedAt: r.now()})
	return winner
}

// AcceptPush folds a record received from a peer into the local table,
// applying the supersession rules against whatever is already published:
// foreign keys never displace a live record, same-key records win by
// strictly greater not_before.
func (r *Resolver) AcceptPush(ctx context.Context, rec *Record) error {
	if err := ValidateName(rec.Name); err != nil {
		return err
	}
	if !rec.Verify() {
		return ErrSignatureInvalid
	}

	now := r.nowUnix()
	if !rec.effectiveAt(now) && !rec.IsRevocation() {
		return ErrExpired
	}

	existing := r.fetch(ctx, rec.Name)
	if existing != nil && existing.effectiveAt(now) {
		if !existing.sameOwner(rec) {
			return ErrConflict
		}
		if rec.NotBefore <= existing.NotBefore {
			return nil // stale same-key record: keep what we have
		}
	}

	return r.dht.Put(ctx, NameKey(rec.Name), rec.Encode())
}

// Revoke publishes a revocation for an owned name. The revocation is a
// record with an empty address and a strictly newer not_before, signed by
// the owning key.
func (r *Resolver) Revoke(ctx context.Context, name string) error {
	r.mu.Lock()
	active, ok := r.owned[name]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	now := r.nowUnix()
	notBefore := now
	if active.NotBefore >= notBefore {
		notBefore = active.NotBefore + 1
	}
	notAfter := active.NotAfter
	if notAfter < now+3600 {
		notAfter = now + 3600
	}

	rev := &Record{
		Name:      name,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Ephemeral: active.Ephemeral,
	}
	rev.Sign(r.key)

	if err := r.dht.Put(ctx, NameKey(name), rev.Encode()); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.owned, name)
	r.mu.Unlock()
	r.cache.Add(name, &cacheEntry{rec: rev, cachedAt: r.now()})

	if r.log != nil {
		if err := r.log.AppendOwned(name, rev.Encode()); err != nil {
			slog.Warn("dark revocation not persisted", "name", name, "err", err)
		}
	}
	return nil
}

// Owned returns the records this node currently owns.
func (r *Resolver) Owned() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.owned))
	for _, rec := range r.owned {
		out = append(out, rec)
	}
	return out
}

// RestoreOwned re-adopts a persisted owned record after restart. Records
// not signed by this node's key are refused.
func (r *Resolver) RestoreOwned(encoded []byte) error {
	rec, err := DecodeRecord(encoded)
	if err != nil {
		return err
	}
	if !rec.Verify() || !r.ownsRecord(rec) {
		return ErrSignatureInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owned[rec.Name]; ok && prev.NotBefore >= rec.NotBefore {
		return nil
	}
	if rec.IsRevocation() {
		delete(r.owned, rec.Name)
		return nil
	}
	r.owned[rec.Name] = rec
	return nil
}

// Sweep removes expired ephemeral records from the table and prunes the
// rate limiter. Driven by the coordinator tick.
func (r *Resolver) Sweep(ctx context.Context, now time.Time) int {
	nowU := uint64(now.Unix())

	r.mu.Lock()
	var expired []*Record
	for name, rec := range r.owned {
		if rec.Ephemeral && nowU > rec.NotAfter {
			expired = append(expired, rec)
			delete(r.owned, name)
		}
	}
	r.mu.Unlock()

	for _, rec := range expired {
		if err := r.dht.Delete(ctx, NameKey(rec.Name)); err != nil {
			slog.Debug("shadow record cleanup failed", "name", rec.Name, "err", err)
		}
		r.cache.Remove(rec.Name)
	}

	r.limiter.sweep(now)
	return len(expired)
}
