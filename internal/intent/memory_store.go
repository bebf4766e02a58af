package intent

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory intent store for unit tests and single-process
// usage. It is safe for concurrent use and mirrors the conditional-update
// semantics of the postgres store.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time
	ttl time.Duration

	intents map[string]Intent
}

func NewMemoryStore(now func() time.Time, ttl time.Duration) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		now:     now,
		ttl:     ttl,
		intents: make(map[string]Intent),
	}
}

func (s *MemoryStore) Create(_ context.Context, p CreateParams) (Intent, error) {
	if err := p.validate(); err != nil {
		return Intent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	it := Intent{
		ID:           uuid.NewString(),
		Kind:         p.Kind,
		ActorID:      p.ActorID,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		SerializedTx: append([]byte(nil), p.SerializedTx...),
		Metadata:     append([]byte(nil), p.Metadata...),
	}
	s.intents[it.ID] = it
	return cloneIntent(it), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.intents[id]
	if !ok {
		return Intent{}, ErrNotFound
	}
	return cloneIntent(it), nil
}

func (s *MemoryStore) MarkObservedSignature(_ context.Context, id, signature string) error {
	if signature == "" {
		return fmt.Errorf("%w: empty signature", ErrInvalidIntent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.intents[id]
	if !ok {
		return ErrNotFound
	}
	if it.ObservedSignature == signature {
		return nil
	}
	if it.ObservedSignature != "" {
		return fmt.Errorf("%w: intent %s already has signature %s", ErrConflictingSignature, id, it.ObservedSignature)
	}
	it.ObservedSignature = signature
	s.intents[id] = it
	return nil
}

func (s *MemoryStore) RecordFailureReason(_ context.Context, id, reason string) error {
	if reason == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.intents[id]
	if !ok {
		return ErrNotFound
	}
	if it.FailureReason != "" {
		return nil
	}
	it.FailureReason = reason
	s.intents[id] = it
	return nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to Status) (Intent, error) {
	if !to.Terminal() {
		return Intent{}, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.intents[id]
	if !ok {
		return Intent{}, ErrNotFound
	}
	// Losing a race to the same terminal status is a success, not an error.
	if it.Status == to {
		return cloneIntent(it), nil
	}
	if !CanTransition(it.Status, to) {
		return Intent{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, it.Status, to)
	}
	it.Status = to
	s.intents[id] = it
	return cloneIntent(it), nil
}

func (s *MemoryStore) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]Intent, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", ErrInvalidIntent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Intent
	for _, it := range s.intents {
		if it.Status != StatusPending {
			continue
		}
		if !it.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneIntent(it))
	}
	slices.SortFunc(out, func(a, b Intent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		// Stable order for intents created in the same instant.
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneIntent(it Intent) Intent {
	it.SerializedTx = append([]byte(nil), it.SerializedTx...)
	it.Metadata = append([]byte(nil), it.Metadata...)
	return it
}
