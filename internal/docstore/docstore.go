// Package docstore is the key-path document store the reconciliation
// dispatcher mutates. Paths are "collection/id". The store offers no
// atomicity across paths; the dispatcher keeps each applied marker in the
// same document as the field it guards precisely because of that.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPath = errors.New("docstore: invalid path")
	ErrNotFound    = errors.New("docstore: not found")
	ErrUnavailable = errors.New("docstore: unavailable")
)

// Store is a path-addressed document API.
type Store interface {
	Exists(ctx context.Context, path string) (bool, error)

	// Get decodes the document at path into out (a pointer to a struct or
	// map). ErrNotFound when absent.
	Get(ctx context.Context, path string, out any) error

	// Set replaces the document at path, creating it if absent.
	Set(ctx context.Context, path string, doc map[string]any) error

	// Update merges fields into the document at path, creating it if
	// absent. Only the named fields change.
	Update(ctx context.Context, path string, fields map[string]any) error

	// IncrementOnce adds delta to an integer field and merges set into the
	// document, provided marker is not yet present on it; marker is written
	// in the same update. A missing document or field counts as zero. The
	// whole operation is atomic within the document, making it the only
	// cross-request atomic primitive the store offers. Reports whether the
	// update was applied.
	IncrementOnce(ctx context.Context, path, field string, delta int64, marker string, set map[string]any) (bool, error)
}

// splitPath validates and splits a "collection/id" path.
func splitPath(path string) (collection, id string, err error) {
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q (want collection/id)", ErrInvalidPath, path)
	}
	return parts[0], parts[1], nil
}
