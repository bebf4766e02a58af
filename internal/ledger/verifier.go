// Package ledger answers "is this signature a successfully executed
// transaction" against the Solana RPC surface, normalizing transient
// conditions into a small result set the reconciliation engine can act on.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrInvalidConfig = errors.New("ledger: invalid config")
	ErrBadSignature  = errors.New("ledger: bad signature")

	// ErrUnavailable means verification stayed inconclusive after the
	// bounded retries. Callers must treat the intent as still pending and
	// never advance it on this evidence.
	ErrUnavailable = errors.New("ledger: verification unavailable")
)

// Status is the verification outcome for one signature.
type Status uint8

const (
	// StatusUnknown: RPC exhausted its retries without an answer.
	StatusUnknown Status = iota
	// StatusSuccess: the transaction executed and reached finality.
	StatusSuccess
	// StatusFailed: the ledger actively rejected the transaction.
	StatusFailed
	// StatusNotYetVisible: the ledger has no record of the signature yet,
	// or the transaction has not reached the required commitment. Not an
	// error; the transaction may still propagate.
	StatusNotYetVisible
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusNotYetVisible:
		return "not_yet_visible"
	default:
		return "unknown"
	}
}

// Verifier reports ledger truth for a transaction signature.
type Verifier interface {
	Verify(ctx context.Context, signature string) (Status, error)
}

// statusClient is the slice of the Solana RPC client the verifier needs.
type statusClient interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

type Option func(*RPCVerifier) error

func WithMaxAttempts(n int) Option {
	return func(v *RPCVerifier) error {
		if n <= 0 {
			return fmt.Errorf("%w: max attempts must be > 0", ErrInvalidConfig)
		}
		v.maxAttempts = n
		return nil
	}
}

func WithBackoff(base, max time.Duration) Option {
	return func(v *RPCVerifier) error {
		if base <= 0 || max < base {
			return fmt.Errorf("%w: backoff must satisfy 0 < base <= max", ErrInvalidConfig)
		}
		v.baseDelay = base
		v.maxDelay = max
		return nil
	}
}

// RPCVerifier verifies signatures via getSignatureStatuses. RPC failures are
// retried with doubling backoff up to maxAttempts; only after exhaustion does
// Verify surface StatusUnknown.
type RPCVerifier struct {
	client statusClient

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	sleep func(context.Context, time.Duration) error
}

func NewRPCVerifier(endpoint string, opts ...Option) (*RPCVerifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: missing rpc endpoint", ErrInvalidConfig)
	}
	return newVerifier(rpc.New(endpoint), opts...)
}

// NewVerifierWithClient injects a client; tests and custom transports.
func NewVerifierWithClient(client statusClient, opts ...Option) (*RPCVerifier, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	return newVerifier(client, opts...)
}

func newVerifier(client statusClient, opts ...Option) (*RPCVerifier, error) {
	v := &RPCVerifier{
		client:      client,
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
		maxDelay:    2 * time.Second,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *RPCVerifier) Verify(ctx context.Context, signature string) (Status, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return StatusUnknown, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	delay := v.baseDelay
	var lastErr error
	for attempt := 0; attempt < v.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := v.sleep(ctx, delay); err != nil {
				return StatusUnknown, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			if delay *= 2; delay > v.maxDelay {
				delay = v.maxDelay
			}
		}

		out, err := v.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			lastErr = err
			continue
		}
		if out == nil || len(out.Value) == 0 {
			lastErr = fmt.Errorf("empty status response")
			continue
		}

		st := out.Value[0]
		if st == nil {
			// The ledger has never seen this signature.
			return StatusNotYetVisible, nil
		}
		if st.Err != nil {
			return StatusFailed, nil
		}
		switch st.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return StatusSuccess, nil
		default:
			// Processed but not yet at a trustworthy commitment.
			return StatusNotYetVisible, nil
		}
	}
	return StatusUnknown, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
