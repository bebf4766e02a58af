package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory document store for unit tests and local
// development. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]any)}
}

func (s *MemoryStore) Exists(_ context.Context, path string) (bool, error) {
	if _, _, err := splitPath(path); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[path]
	return ok, nil
}

func (s *MemoryStore) Get(_ context.Context, path string, out any) error {
	if _, _, err := splitPath(path); err != nil {
		return err
	}
	s.mu.Lock()
	doc, ok := s.docs[path]
	if ok {
		doc = cloneDoc(doc)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	// JSON round-trip so out gets the same decode behavior as the mongo
	// driver (numbers, nested maps).
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: encode %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("docstore: decode %s: %w", path, err)
	}
	return nil
}

func (s *MemoryStore) Set(_ context.Context, path string, doc map[string]any) error {
	if _, _, err := splitPath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = cloneDoc(doc)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	if _, _, err := splitPath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[path]
	if !ok {
		doc = make(map[string]any)
		s.docs[path] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

func (s *MemoryStore) IncrementOnce(_ context.Context, path, field string, delta int64, marker string, set map[string]any) (bool, error) {
	if _, _, err := splitPath(path); err != nil {
		return false, err
	}
	if field == "" || marker == "" {
		return false, fmt.Errorf("%w: empty field", ErrInvalidPath)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[path]
	if !ok {
		doc = make(map[string]any)
		s.docs[path] = doc
	}
	if _, applied := doc[marker]; applied {
		return false, nil
	}
	cur, _ := doc[field].(int64)
	doc[field] = cur + delta
	doc[marker] = true
	for k, v := range set {
		doc[k] = v
	}
	return true, nil
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
