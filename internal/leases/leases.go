// Package leases provides named, expiring ownership records used to keep a
// single reconciler instance sweeping at a time. Losing the lease is safe
// because the intent store's conditional transitions stay correct with
// concurrent sweepers; holding it just avoids duplicate verification work.
package leases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease API. Acquire succeeds when the lease is
// absent or expired; Renew only for the current owner; Release is idempotent
// when the lease is already gone.
type Store interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func checkArgs(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" {
		return fmt.Errorf("%w: name and owner must be non-empty", ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

// MemoryStore holds leases in process memory; tests and single-instance
// deployments.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) Acquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.leases[name]; ok && cur.ExpiresAt.After(now) {
		return cur, false, nil
	}
	l := Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	s.leases[name] = l
	return l, true, nil
}

func (s *MemoryStore) Renew(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := checkArgs(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok {
		return Lease{}, false, ErrNotFound
	}
	if cur.Owner != owner {
		return Lease{}, false, ErrNotOwner
	}
	l := Lease{Name: name, Owner: owner, ExpiresAt: s.now().Add(ttl)}
	s.leases[name] = l
	return l, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return fmt.Errorf("%w: name and owner must be non-empty", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok {
		return nil
	}
	if cur.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, fmt.Errorf("%w: empty name", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return cur, nil
}
