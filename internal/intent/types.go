package intent

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL is the window a client has to submit and report a transaction
// before the intent is swept into Expired.
const DefaultTTL = 5 * time.Minute

// Kind is the closed set of ledger actions the platform builds transactions
// for. Each kind has a fixed metadata payload shape; see metadata.go.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCreateTournament
	KindRegisterForTournament
	KindStake
	KindUnstake
	KindDistributeRevenue
	KindDistributePrizes
	KindInitializePrizePool
	KindInitializeStakingPool
	KindInitializeRevenuePool
	KindCreateAssociatedAccount
)

func (k Kind) String() string {
	switch k {
	case KindCreateTournament:
		return "create_tournament"
	case KindRegisterForTournament:
		return "register_for_tournament"
	case KindStake:
		return "stake"
	case KindUnstake:
		return "unstake"
	case KindDistributeRevenue:
		return "distribute_revenue"
	case KindDistributePrizes:
		return "distribute_prizes"
	case KindInitializePrizePool:
		return "initialize_prize_pool"
	case KindInitializeStakingPool:
		return "initialize_staking_pool"
	case KindInitializeRevenuePool:
		return "initialize_revenue_pool"
	case KindCreateAssociatedAccount:
		return "create_associated_account"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseKind maps the wire name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k := KindCreateTournament; k <= KindCreateAssociatedAccount; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, s)
}

// Status is the intent lifecycle state. Pending is the only non-terminal
// state; every intent takes exactly one transition out of it.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusConfirmed
	StatusFailed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal state-machine edge.
// Repeating a terminal status is not an edge; stores treat it as an
// idempotent no-op instead (see Store.Transition).
func CanTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	return to.Terminal()
}

// Intent is a recorded, not-yet-settled request whose execution happens on
// the ledger outside this system's control. Intents are never deleted;
// expiry is a terminal, auditable outcome.
type Intent struct {
	ID      string
	Kind    Kind
	ActorID string
	Status  Status

	CreatedAt time.Time
	ExpiresAt time.Time

	// SerializedTx is the unsigned transaction handed to the client,
	// stored for audit and replay. It is never re-derived.
	SerializedTx []byte

	// ObservedSignature is the base58 ledger signature, set at most once
	// when reported by the client or an external indexer.
	ObservedSignature string

	// FailureReason is the client-reported error from the fail callback.
	// Informational only; it never drives a transition by itself.
	FailureReason string

	// Metadata is the kind-specific payload, JSON-encoded. Decode with
	// DecodeMetadata.
	Metadata json.RawMessage
}

// ExpiredAt reports whether the intent's TTL has lapsed at now.
func (i Intent) ExpiredAt(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
