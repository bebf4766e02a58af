package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound             = errors.New("intent: not found")
	ErrInvalidIntent        = errors.New("intent: invalid intent")
	ErrInvalidTransition    = errors.New("intent: invalid transition")
	ErrConflictingSignature = errors.New("intent: conflicting signature")
	ErrStorageUnavailable   = errors.New("intent: storage unavailable")
)

// CreateParams is the caller-supplied part of a new intent; the store
// allocates the id and timestamps.
type CreateParams struct {
	Kind         Kind
	ActorID      string
	SerializedTx []byte
	Metadata     json.RawMessage
}

func (p CreateParams) validate() error {
	if p.Kind == KindUnknown {
		return fmt.Errorf("%w: missing kind", ErrInvalidIntent)
	}
	if p.ActorID == "" {
		return fmt.Errorf("%w: missing actor id", ErrInvalidIntent)
	}
	if len(p.SerializedTx) == 0 {
		return fmt.Errorf("%w: missing serialized transaction", ErrInvalidIntent)
	}
	if _, err := DecodeMetadata(p.Kind, p.Metadata); err != nil {
		return err
	}
	return nil
}

// Store is the durable record of transaction intents.
//
// Transition is the sole mutation point for intent status and must be a
// conditional update against the backing store: whichever of the client
// callback and the background sweep wins the update proceeds, the loser
// observes the idempotent no-op or ErrInvalidTransition and stops. In-process
// locks are not enough because the store is shared across restarts and
// replicas.
type Store interface {
	// Create allocates an id, stamps CreatedAt/ExpiresAt, and durably
	// writes the intent with StatusPending.
	Create(ctx context.Context, p CreateParams) (Intent, error)

	Get(ctx context.Context, id string) (Intent, error)

	// MarkObservedSignature sets the write-once observed signature. It is
	// a no-op when called again with the same value and fails with
	// ErrConflictingSignature on a different one.
	MarkObservedSignature(ctx context.Context, id, signature string) error

	// RecordFailureReason stores the client-reported failure text. Later
	// reports do not overwrite an earlier one.
	RecordFailureReason(ctx context.Context, id, reason string) error

	// Transition moves the intent from Pending to a terminal status via a
	// compare-and-set on the current status. Re-asserting the status the
	// intent already has is an idempotent no-op success; any other
	// transition out of a terminal status fails with ErrInvalidTransition.
	Transition(ctx context.Context, id string, to Status) (Intent, error)

	// ListPendingBefore returns pending intents created before cutoff,
	// oldest first, so starved intents are resolved before newer ones.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Intent, error)
}
