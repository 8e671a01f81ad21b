package dark

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/masharratt/QuDAG/internal/crypto"
)

func newTestKey(t *testing.T) *crypto.SigningKey {
	t.Helper()
	key, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return key
}

func newTestResolver(t *testing.T, dht DHT) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{}, newTestKey(t), dht, nil)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func TestRegisterThenResolve(t *testing.T) {
	ctx := context.Background()
	dht := NewMemoryDHT()
	a := newTestResolver(t, dht)

	rec, err := a.Register(ctx, "service.dark", "/ip4/10.0.0.1/tcp/8000", 24*time.Hour)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !rec.Verify() {
		t.Error("registered record does not verify")
	}

	// A second node sharing the DHT resolves the name cold.
	b := newTestResolver(t, dht)
	addr, err := b.Resolve(ctx, "", "service.dark")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if addr != "/ip4/10.0.0.1/tcp/8000" {
		t.Errorf("resolved %q", addr)
	}
}

func TestResolveStates(t *testing.T) {
	ctx := context.Background()
	dht := NewMemoryDHT()
	r := newTestResolver(t, dht)

	if _, err := r.Resolve(ctx, "", "absent.dark"); !errors.Is(err, ErrNotFound) {
		t.Errorf("absent name: got %v", err)
	}
	if _, err := r.Resolve(ctx, "", "Bad_Name.dark"); !errors.Is(err, ErrBadName) {
		t.Errorf("bad syntax: got %v", err)
	}

	// Expired record.
	exp := &Record{Name: "old.dark", Address: "/ip4/1.2.3.4/tcp/1", NotBefore: 1, NotAfter: 2}
	exp.Sign(r.key)
	if err := dht.Put(ctx, NameKey("old.dark"), exp.Encode()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(ctx, "", "old.dark"); !errors.Is(err, ErrExpired) {
		t.Errorf("expired: got %v", err)
	}

	// Tampered signature.
	now := uint64(time.Now().Unix())
	bad := &Record{Name: "tampered.dark", Address: "/ip4/1.2.3.4/tcp/1", NotBefore: now - 10, NotAfter: now + 3600}
	bad.Sign(r.key)
	bad.Signature[0] ^= 0xff
	if err := dht.Put(ctx, NameKey("tampered.dark"), bad.Encode()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(ctx, "", "tampered.dark"); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("tampered: got %v", err)
	}
}

func TestNameCollisionFirstKeyWins(t *testing.T) {
	ctx := context.Background()
	dht := NewMemoryDHT()
	a := newTestResolver(t, dht)
	b := newTestResolver(t, dht)

	if _, err := a.Register(ctx, "common.dark", "/ip4/10.0.0.1/tcp/1", 24*time.Hour); err != nil {
		t.Fatal(err)
	}

	// A different key cannot take a live name.
	if _, err := b.Register(ctx, "common.dark", "/ip4/10.0.0.2/tcp/2", 24*time.Hour); !errors.Is(err, ErrConflict) {
		t.Fatalf("foreign re-registration: got %v", err)
	}

	// A resolver that cached A's record keeps returning it even if B's
	// record lands in the DHT directly.
	c := newTestResolver(t, dht)
	addr, err := c.Resolve(ctx, "", "common.dark")
	if err != nil || addr != "/ip4/10.0.0.1/tcp/1" {
		t.Fatalf("initial resolve: %q %v", addr, err)
	}

	forged := &Record{
		Name: "common.dark", Address: "/ip4/10.0.0.2/tcp/2",
		NotBefore: uint64(time.Now().Unix()) - 1, NotAfter: uint64(time.Now().Unix()) + 7200,
	}
	forged.Sign(b.key)
	if err := dht.Put(ctx, NameKey("common.dark"), forged.Encode()); err != nil {
		t.Fatal(err)
	}

	addr, err = c.Resolve(ctx, "", "common.dark")
	if err != nil || addr != "/ip4/10.0.0.1/tcp/1" {
		t.Errorf("cached resolve after foreign publish: %q %v", addr, err)
	}
}

func TestSameKeySupersedes(t *testing.T) {
	ctx := context.Background()
	dht := NewMemoryDHT()
	r := newTestResolver(t, dht)

	first, err := r.Register(ctx, "svc.dark", "/ip4/10.0.0.1/tcp/1", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Register(ctx, "svc.dark", "/ip4/10.0.0.1/tcp/2", 24*time.Hour)
	if err != nil {
		t.Fatalf("same-key re-registration: %v", err)
	}
	if second.NotBefore <= first.NotBefore {
		t.Error("superseding record does not have strictly greater not_before")
	}

	addr, err := r.Resolve(ctx, "", "svc.dark")
	if err != nil || addr != "/ip4/10.0.0.1/tcp/2" {
		t.Errorf("resolve after supersede: %q %v", addr, err)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	dht := NewMemoryDHT()
	r := newTestResolver(t, dht)

	if _, err := r.Register(ctx, "gone.dark", "/ip4/10.0.0.1/tcp/1", 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := r.Revoke(ctx, "gone.dark"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := r.Resolve(ctx, "", "gone.dark"); !errors.Is(err, ErrRevoked) {
		t.Errorf("resolve after revoke: got %v", err)
	}

	// A cold resolver sees the revocation from the DHT too.
	cold := newTestResolver(t, dht)
	if _, err := cold.Resolve(ctx, "", "gone.dark"); !errors.Is(err, ErrRevoked) {
		t.Errorf("cold resolve after revoke: got %v", err)
	}

	if err := r.Revoke(ctx, "gone.dark"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double revoke: got %v", err)
	}
}

func TestRegisterShadow(t *testing.T) {
	ctx := context.Background()
	dht := NewMemoryDHT()
	r := newTestResolver(t, dht)

	rec, err := r.RegisterShadow(ctx, "/ip4/10.0.0.9/tcp/9", time.Hour)
	if err != nil {
		t.Fatalf("register shadow: %v", err)
	}
	if !rec.Ephemeral {
		t.Error("shadow record not ephemeral")
	}
	if !strings.HasPrefix(rec.Name, "shadow-") || !strings.HasSuffix(rec.Name, ".dark") {
		t.Errorf("shadow name %q has wrong shape", rec.Name)
	}

	addr, err := r.Resolve(ctx, "", rec.Name)
	if err != nil || addr != "/ip4/10.0.0.9/tcp/9" {
		t.Errorf("resolve shadow: %q %v", addr, err)
	}

	// Expired shadow records are swept away.
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := r.Sweep(ctx, r.now()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if raw, _ := dht.Get(ctx, NameKey(rec.Name)); raw != nil {
		t.Error("expired shadow record still published")
	}
}

func TestShadowTTLCapped(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t, NewMemoryDHT())

	rec, err := r.RegisterShadow(ctx, "/ip4/1.1.1.1/tcp/1", 100*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rec.NotAfter-rec.NotBefore > uint64((24*time.Hour)/time.Second) {
		t.Error("shadow TTL above the cap")
	}
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	dht := NewMemoryDHT()
	r := newTestResolver(t, dht)
	if _, err := r.Register(ctx, "svc.dark", "/ip4/1.1.1.1/tcp/1", time.Hour); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 60; i++ {
		if _, err := r.Resolve(ctx, "10.9.8.7", "svc.dark"); err != nil {
			t.Fatalf("query %d rejected: %v", i, err)
		}
	}
	if _, err := r.Resolve(ctx, "10.9.8.7", "svc.dark"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("61st query: got %v, want ErrRateLimited", err)
	}
	// Another origin is unaffected.
	if _, err := r.Resolve(ctx, "10.0.0.1", "svc.dark"); err != nil {
		t.Errorf("other origin rejected: %v", err)
	}
}

func TestAcceptPush(t *testing.T) {
	ctx := context.Background()
	dht := NewMemoryDHT()
	r := newTestResolver(t, dht)
	owner := newTestKey(t)
	now := uint64(time.Now().Unix())

	rec := &Record{Name: "pushed.dark", Address: "/ip4/3.3.3.3/tcp/3", NotBefore: now - 1, NotAfter: now + 3600}
	rec.Sign(owner)
	if err := r.AcceptPush(ctx, rec); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if addr, err := r.Resolve(ctx, "", "pushed.dark"); err != nil || addr != "/ip4/3.3.3.3/tcp/3" {
		t.Errorf("resolve pushed: %q %v", addr, err)
	}

	// A foreign key cannot displace the live record.
	intruder := newTestKey(t)
	forged := &Record{Name: "pushed.dark", Address: "/ip4/6.6.6.6/tcp/6", NotBefore: now, NotAfter: now + 7200}
	forged.Sign(intruder)
	if err := r.AcceptPush(ctx, forged); !errors.Is(err, ErrConflict) {
		t.Errorf("foreign push: got %v", err)
	}

	// The same key supersedes with a greater not_before.
	newer := &Record{Name: "pushed.dark", Address: "/ip4/3.3.3.3/tcp/4", NotBefore: now, NotAfter: now + 7200}
	newer.Sign(owner)
	if err := r.AcceptPush(ctx, newer); err != nil {
		t.Fatalf("superseding push: %v", err)
	}

	// A tampered push drops with a signature error.
	bad := &Record{Name: "pushed.dark", Address: "/ip4/9.9.9.9/tcp/9", NotBefore: now, NotAfter: now + 7200}
	bad.Sign(owner)
	bad.Signature[3] ^= 1
	if err := r.AcceptPush(ctx, bad); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("tampered push: got %v", err)
	}
}

func TestRestoreOwned(t *testing.T) {
	ctx := context.Background()
	dht := NewMemoryDHT()
	key := newTestKey(t)

	r1, err := NewResolver(Config{}, key, dht, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := r1.Register(ctx, "svc.dark", "/ip4/1.1.1.1/tcp/1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// A new resolver with the same key replays the record.
	r2, err := NewResolver(Config{}, key, dht, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r2.RestoreOwned(rec.Encode()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(r2.Owned()) != 1 {
		t.Error("record not restored")
	}

	// A foreign record is refused.
	other := newTestResolver(t, dht)
	foreign := &Record{Name: "x.dark", Address: "/ip4/2.2.2.2/tcp/2", NotBefore: 1, NotAfter: 2}
	foreign.Sign(other.key)
	if err := r2.RestoreOwned(foreign.Encode()); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("foreign restore: got %v", err)
	}
}
