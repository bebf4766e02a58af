package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/arena-gg/arena-settle/internal/events"
	"github.com/arena-gg/arena-settle/internal/intent"
	"github.com/arena-gg/arena-settle/internal/ledger"
)

// outcomePublisher is the slice of events.Publisher the engine needs.
type outcomePublisher interface {
	PublishOutcome(ctx context.Context, o events.Outcome) error
}

// EngineConfig wires the shared reconciliation routine.
type EngineConfig struct {
	Intents    intent.Store
	Verifier   ledger.Verifier
	Dispatcher *Dispatcher

	// Publisher is optional; nil disables outcome events.
	Publisher outcomePublisher

	Now func() time.Time
	Log *slog.Logger
}

// Engine is the single reconciliation routine behind both the client
// confirmation callback and the background sweep. Both triggers converge on
// Reconcile; concurrency is arbitrated by the store's conditional Transition
// and the dispatcher's applied markers, never by in-process locks.
type Engine struct {
	intents    intent.Store
	verifier   ledger.Verifier
	dispatcher *Dispatcher
	publisher  outcomePublisher

	now func() time.Time
	log *slog.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Intents == nil || cfg.Verifier == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		intents:    cfg.Intents,
		verifier:   cfg.Verifier,
		dispatcher: cfg.Dispatcher,
		publisher:  cfg.Publisher,
		now:        cfg.Now,
		log:        cfg.Log,
	}, nil
}

// Reconcile drives one intent toward a terminal status using whatever
// evidence is available now. It never advances an intent on ambiguous
// evidence: inconclusive verification leaves it Pending.
func (e *Engine) Reconcile(ctx context.Context, it intent.Intent) (intent.Intent, error) {
	if it.Status.Terminal() {
		return it, nil
	}
	now := e.now()

	if it.ObservedSignature == "" {
		if !it.ExpiredAt(now) {
			return it, nil
		}
		// TTL lapsed with no signature ever observed: the client never
		// submitted or never reported.
		return e.finalize(ctx, it, intent.StatusExpired)
	}

	status, err := e.verifier.Verify(ctx, it.ObservedSignature)
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			// Fail safe toward "keep waiting".
			e.log.Warn("verification inconclusive, intent stays pending",
				"intent", it.ID, "signature", it.ObservedSignature, "err", err)
			return it, nil
		}
		return it, err
	}

	switch status {
	case ledger.StatusSuccess:
		return e.finalize(ctx, it, intent.StatusConfirmed)
	case ledger.StatusFailed:
		return e.finalize(ctx, it, intent.StatusFailed)
	case ledger.StatusNotYetVisible:
		if it.ExpiredAt(now) {
			// A signature was reported but the ledger never saw it
			// inside the TTL: the submission is dead.
			return e.finalize(ctx, it, intent.StatusFailed)
		}
		return it, nil
	default:
		return it, nil
	}
}

// Confirm is the client-reported confirmation path: record the signature,
// verify once synchronously, then run the same finalize path as the sweep.
func (e *Engine) Confirm(ctx context.Context, intentID, signature string) (intent.Intent, error) {
	if signature == "" {
		return intent.Intent{}, fmt.Errorf("%w: empty signature", intent.ErrInvalidIntent)
	}

	it, err := e.intents.Get(ctx, intentID)
	if err != nil {
		return intent.Intent{}, err
	}

	if it.Status.Terminal() {
		// A repeat of the settled callback returns the terminal state;
		// a different signature is a mis-correlated callback.
		if it.ObservedSignature != "" && it.ObservedSignature != signature {
			return intent.Intent{}, fmt.Errorf("%w: intent %s settled with signature %s",
				intent.ErrConflictingSignature, it.ID, it.ObservedSignature)
		}
		return it, nil
	}

	if err := e.intents.MarkObservedSignature(ctx, intentID, signature); err != nil {
		if errors.Is(err, intent.ErrConflictingSignature) {
			// Data-integrity violation: leave Pending for inspection.
			e.log.Error("conflicting signature reported",
				"intent", it.ID, "have", it.ObservedSignature, "got", signature)
		}
		return intent.Intent{}, err
	}
	it.ObservedSignature = signature

	return e.Reconcile(ctx, it)
}

// Fail is the client-reported failure path. The report is recorded, but a
// client claim alone never fails an intent: with a known signature the
// ledger is consulted, without one the intent waits out its TTL.
func (e *Engine) Fail(ctx context.Context, intentID, reason string) (intent.Intent, error) {
	it, err := e.intents.Get(ctx, intentID)
	if err != nil {
		return intent.Intent{}, err
	}
	if it.Status.Terminal() {
		return it, nil
	}

	if err := e.intents.RecordFailureReason(ctx, intentID, reason); err != nil {
		return intent.Intent{}, err
	}
	it.FailureReason = reason

	return e.Reconcile(ctx, it)
}

// finalize applies side effects first and transitions second, so a crash in
// between is recovered by re-running apply (idempotent) rather than by
// losing state. The loser of a transition race treats it as success.
func (e *Engine) finalize(ctx context.Context, it intent.Intent, final intent.Status) (intent.Intent, error) {
	if err := e.dispatcher.Apply(ctx, it, final); err != nil {
		if errors.Is(err, ErrMissingMetadata) {
			// Fails closed: nothing was mutated, intent stays as-is.
			e.log.Error("dispatcher refused intent", "intent", it.ID, "kind", it.Kind, "err", err)
		}
		return it, err
	}

	out, err := e.intents.Transition(ctx, it.ID, final)
	if err != nil {
		if errors.Is(err, intent.ErrInvalidTransition) {
			// Benign race: the other path settled it first.
			cur, gerr := e.intents.Get(ctx, it.ID)
			if gerr != nil {
				return it, gerr
			}
			return cur, nil
		}
		return it, err
	}

	e.publish(ctx, out)
	return out, nil
}

func (e *Engine) publish(ctx context.Context, it intent.Intent) {
	if e.publisher == nil {
		return
	}
	err := e.publisher.PublishOutcome(ctx, events.Outcome{
		IntentID:  it.ID,
		Kind:      it.Kind.String(),
		ActorID:   it.ActorID,
		Status:    it.Status.String(),
		Signature: it.ObservedSignature,
		SettledAt: e.now(),
	})
	if err != nil {
		// Outcome events are best-effort; reconciliation truth lives in
		// the intent store.
		e.log.Warn("publish outcome", "intent", it.ID, "err", err)
	}
}
