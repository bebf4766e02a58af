package intent

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingMetadata = errors.New("intent: missing metadata")

// Metadata is the kind-specific payload carried by an intent. The set of
// implementations is closed: one type per Kind, decoded exhaustively by
// DecodeMetadata, so a handler can never see a payload of the wrong shape.
type Metadata interface {
	Kind() Kind
	Validate() error
}

// CreateTournamentMetadata correlates the intent with its tournament record.
type CreateTournamentMetadata struct {
	TournamentID string `json:"tournamentId"`
	PoolAddress  string `json:"poolAddress"`
}

func (CreateTournamentMetadata) Kind() Kind { return KindCreateTournament }

func (m CreateTournamentMetadata) Validate() error {
	if m.TournamentID == "" {
		return fmt.Errorf("%w: tournamentId", ErrMissingMetadata)
	}
	if m.PoolAddress == "" {
		return fmt.Errorf("%w: poolAddress", ErrMissingMetadata)
	}
	return nil
}

// RegisterMetadata records which wallet registered for which tournament.
type RegisterMetadata struct {
	TournamentID string `json:"tournamentId"`
	Wallet       string `json:"wallet"`
	EntryFee     uint64 `json:"entryFeeBaseUnits"`
}

func (RegisterMetadata) Kind() Kind { return KindRegisterForTournament }

func (m RegisterMetadata) Validate() error {
	if m.TournamentID == "" {
		return fmt.Errorf("%w: tournamentId", ErrMissingMetadata)
	}
	if m.Wallet == "" {
		return fmt.Errorf("%w: wallet", ErrMissingMetadata)
	}
	return nil
}

// StakeMetadata describes a stake or unstake movement against a pool.
type StakeMetadata struct {
	PoolAddress string `json:"poolAddress"`
	Wallet      string `json:"wallet"`
	Amount      uint64 `json:"amountBaseUnits"`

	// Unstake flips the sign of the balance mutation.
	Unstake bool `json:"unstake,omitempty"`
}

func (m StakeMetadata) Kind() Kind {
	if m.Unstake {
		return KindUnstake
	}
	return KindStake
}

func (m StakeMetadata) Validate() error {
	if m.PoolAddress == "" {
		return fmt.Errorf("%w: poolAddress", ErrMissingMetadata)
	}
	if m.Wallet == "" {
		return fmt.Errorf("%w: wallet", ErrMissingMetadata)
	}
	if m.Amount == 0 {
		return fmt.Errorf("%w: amountBaseUnits must be > 0", ErrMissingMetadata)
	}
	return nil
}

// RevenueBucket is one recipient of a revenue split. Amount is precomputed
// at transaction-build time as floor(total * percent / 100) in integer base
// units; the dispatcher applies it verbatim and never recomputes.
type RevenueBucket struct {
	// RecipientPath is the document-store path whose revenue counter the
	// dispatcher increments, e.g. "developers/dev-42".
	RecipientPath string `json:"recipientPath"`
	Percent       uint8  `json:"percent"`
	Amount        uint64 `json:"amountBaseUnits"`
}

// DistributeRevenueMetadata carries the precomputed split for a tournament's
// revenue distribution.
type DistributeRevenueMetadata struct {
	TournamentID string          `json:"tournamentId"`
	Total        uint64          `json:"totalBaseUnits"`
	Buckets      []RevenueBucket `json:"buckets"`
}

func (DistributeRevenueMetadata) Kind() Kind { return KindDistributeRevenue }

func (m DistributeRevenueMetadata) Validate() error {
	if m.TournamentID == "" {
		return fmt.Errorf("%w: tournamentId", ErrMissingMetadata)
	}
	if len(m.Buckets) == 0 {
		return fmt.Errorf("%w: buckets", ErrMissingMetadata)
	}
	var pct uint64
	for i, b := range m.Buckets {
		if b.RecipientPath == "" {
			return fmt.Errorf("%w: buckets[%d].recipientPath", ErrMissingMetadata, i)
		}
		pct += uint64(b.Percent)
	}
	if pct != 100 {
		return fmt.Errorf("%w: bucket percentages sum to %d, want 100", ErrMissingMetadata, pct)
	}
	return nil
}

// PrizeAward is one winner's payout within a prize distribution.
type PrizeAward struct {
	Wallet string `json:"wallet"`
	Amount uint64 `json:"amountBaseUnits"`
}

// DistributePrizesMetadata carries the final prize table for a tournament.
type DistributePrizesMetadata struct {
	TournamentID string       `json:"tournamentId"`
	Awards       []PrizeAward `json:"awards"`
}

func (DistributePrizesMetadata) Kind() Kind { return KindDistributePrizes }

func (m DistributePrizesMetadata) Validate() error {
	if m.TournamentID == "" {
		return fmt.Errorf("%w: tournamentId", ErrMissingMetadata)
	}
	if len(m.Awards) == 0 {
		return fmt.Errorf("%w: awards", ErrMissingMetadata)
	}
	for i, a := range m.Awards {
		if a.Wallet == "" {
			return fmt.Errorf("%w: awards[%d].wallet", ErrMissingMetadata, i)
		}
	}
	return nil
}

// InitializePoolMetadata covers the three pool-initialization kinds; the
// pool variant is carried by the intent's Kind, not duplicated here.
type InitializePoolMetadata struct {
	PoolAddress string `json:"poolAddress"`

	// TournamentID is set for prize pools only.
	TournamentID string `json:"tournamentId,omitempty"`

	kind Kind
}

// NewInitializePoolMetadata builds the payload for one of the three pool
// initialization kinds.
func NewInitializePoolMetadata(kind Kind, poolAddress, tournamentID string) (InitializePoolMetadata, error) {
	switch kind {
	case KindInitializePrizePool, KindInitializeStakingPool, KindInitializeRevenuePool:
	default:
		return InitializePoolMetadata{}, fmt.Errorf("%w: %s is not a pool kind", ErrMissingMetadata, kind)
	}
	m := InitializePoolMetadata{PoolAddress: poolAddress, TournamentID: tournamentID, kind: kind}
	return m, m.Validate()
}

func (m InitializePoolMetadata) Kind() Kind { return m.kind }

func (m InitializePoolMetadata) Validate() error {
	if m.PoolAddress == "" {
		return fmt.Errorf("%w: poolAddress", ErrMissingMetadata)
	}
	if m.kind == KindInitializePrizePool && m.TournamentID == "" {
		return fmt.Errorf("%w: tournamentId", ErrMissingMetadata)
	}
	return nil
}

// CreateAssociatedAccountMetadata records a created associated token account.
type CreateAssociatedAccountMetadata struct {
	Owner   string `json:"owner"`
	Mint    string `json:"mint"`
	Address string `json:"address"`
}

func (CreateAssociatedAccountMetadata) Kind() Kind { return KindCreateAssociatedAccount }

func (m CreateAssociatedAccountMetadata) Validate() error {
	if m.Owner == "" {
		return fmt.Errorf("%w: owner", ErrMissingMetadata)
	}
	if m.Mint == "" {
		return fmt.Errorf("%w: mint", ErrMissingMetadata)
	}
	if m.Address == "" {
		return fmt.Errorf("%w: address", ErrMissingMetadata)
	}
	return nil
}

// EncodeMetadata validates and JSON-encodes a typed payload for storage.
func EncodeMetadata(m Metadata) (json.RawMessage, error) {
	if m == nil {
		return nil, ErrMissingMetadata
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("intent: encode %s metadata: %w", m.Kind(), err)
	}
	return raw, nil
}

// DecodeMetadata decodes the payload for kind and validates it. Unknown
// kinds and payloads missing required fields fail closed.
func DecodeMetadata(kind Kind, raw json.RawMessage) (Metadata, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload for %s", ErrMissingMetadata, kind)
	}

	var (
		m   Metadata
		err error
	)
	switch kind {
	case KindCreateTournament:
		var v CreateTournamentMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case KindRegisterForTournament:
		var v RegisterMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case KindStake:
		var v StakeMetadata
		err = json.Unmarshal(raw, &v)
		v.Unstake = false
		m = v
	case KindUnstake:
		var v StakeMetadata
		err = json.Unmarshal(raw, &v)
		v.Unstake = true
		m = v
	case KindDistributeRevenue:
		var v DistributeRevenueMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case KindDistributePrizes:
		var v DistributePrizesMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case KindInitializePrizePool, KindInitializeStakingPool, KindInitializeRevenuePool:
		var v InitializePoolMetadata
		err = json.Unmarshal(raw, &v)
		v.kind = kind
		m = v
	case KindCreateAssociatedAccount:
		var v CreateAssociatedAccountMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: no payload shape for %s", ErrMissingMetadata, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("intent: decode %s metadata: %w", kind, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
