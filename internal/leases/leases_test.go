package leases

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_AcquireAndSteal(t *testing.T) {
	ctx := context.Background()
	cur := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return cur })

	l, ok, err := s.Acquire(ctx, "verify-sweep", "node-a", 15*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if l.Owner != "node-a" {
		t.Fatalf("owner = %s", l.Owner)
	}

	// Held lease cannot be taken.
	l, ok, err = s.Acquire(ctx, "verify-sweep", "node-b", 15*time.Second)
	if err != nil || ok {
		t.Fatalf("steal while held: ok=%v err=%v", ok, err)
	}
	if l.Owner != "node-a" {
		t.Fatalf("current holder = %s, want node-a", l.Owner)
	}

	// Expired lease can be.
	cur = cur.Add(16 * time.Second)
	_, ok, err = s.Acquire(ctx, "verify-sweep", "node-b", 15*time.Second)
	if err != nil || !ok {
		t.Fatalf("steal after expiry: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_RenewOnlyOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	if _, _, err := s.Renew(ctx, "missing", "node-a", time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("renew missing: %v", err)
	}

	if _, _, err := s.Acquire(ctx, "expiry-sweep", "node-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, _, err := s.Renew(ctx, "expiry-sweep", "node-b", time.Minute); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("renew as non-owner: %v", err)
	}
	if _, ok, err := s.Renew(ctx, "expiry-sweep", "node-a", time.Minute); err != nil || !ok {
		t.Fatalf("renew as owner: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_ReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	if _, _, err := s.Acquire(ctx, "x", "node-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.Release(ctx, "x", "node-b"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("release as non-owner: %v", err)
	}
	if err := s.Release(ctx, "x", "node-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Already gone: no error.
	if err := s.Release(ctx, "x", "node-a"); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if _, err := s.Get(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after release: %v", err)
	}
}
