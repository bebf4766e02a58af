package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/arena-gg/arena-settle/internal/docstore"
	"github.com/arena-gg/arena-settle/internal/intent"
)

var (
	ErrInvalidConfig = errors.New("reconcile: invalid config")

	// ErrMissingMetadata re-exports the intent sentinel so callers can
	// test the dispatcher's fail-closed path with one errors.Is.
	ErrMissingMetadata = intent.ErrMissingMetadata
)

// Dispatcher applies the off-chain side effect for a settled intent. It is a
// closed mapping from intent kind to handler; each handler decodes its typed
// metadata and guards every mutation with an "already applied" marker held
// in the same document it mutates. Handlers never transition the intent
// itself.
//
// Because the document store has no cross-path atomicity, counters move only
// through the store's atomic marker-guarded increment: invoking Apply any
// number of times, concurrently or after other intents have settled, leaves
// the store as if it ran once.
type Dispatcher struct {
	docs docstore.Store
	log  *slog.Logger
}

func NewDispatcher(docs docstore.Store, log *slog.Logger) (*Dispatcher, error) {
	if docs == nil {
		return nil, fmt.Errorf("%w: nil document store", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{docs: docs, log: log}, nil
}

// Apply performs the side effect for it settling as final. Missing or
// malformed metadata fails closed: nothing is mutated and the intent is left
// exactly as it was.
func (d *Dispatcher) Apply(ctx context.Context, it intent.Intent, final intent.Status) error {
	if !final.Terminal() {
		return fmt.Errorf("%w: final status %s is not terminal", ErrInvalidConfig, final)
	}

	meta, err := intent.DecodeMetadata(it.Kind, it.Metadata)
	if err != nil {
		return err
	}

	switch m := meta.(type) {
	case intent.CreateTournamentMetadata:
		return d.applyCreateTournament(ctx, m, final)
	case intent.RegisterMetadata:
		return d.applyRegister(ctx, it, m, final)
	case intent.StakeMetadata:
		return d.applyStake(ctx, it, m, final)
	case intent.DistributeRevenueMetadata:
		return d.applyDistributeRevenue(ctx, it, m, final)
	case intent.DistributePrizesMetadata:
		return d.applyDistributePrizes(ctx, it, m, final)
	case intent.InitializePoolMetadata:
		return d.applyInitializePool(ctx, it, m, final)
	case intent.CreateAssociatedAccountMetadata:
		return d.applyCreateAssociatedAccount(ctx, m, final)
	default:
		return fmt.Errorf("%w: no handler for %s", ErrMissingMetadata, it.Kind)
	}
}

func (d *Dispatcher) applyCreateTournament(ctx context.Context, m intent.CreateTournamentMetadata, final intent.Status) error {
	path := "tournaments/" + m.TournamentID

	var doc struct {
		ChainStatus string `json:"chainStatus" bson:"chainStatus"`
	}
	if err := d.docs.Get(ctx, path, &doc); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	if doc.ChainStatus == "confirmed" || doc.ChainStatus == "failed" {
		return nil
	}

	if final == intent.StatusConfirmed {
		// Eligible to enter its scheduled Active/Ended lifecycle.
		return d.docs.Update(ctx, path, map[string]any{
			"chainStatus":         "confirmed",
			"poolAddress":         m.PoolAddress,
			"eligibleForSchedule": true,
		})
	}
	return d.docs.Update(ctx, path, map[string]any{"chainStatus": "failed"})
}

func (d *Dispatcher) applyRegister(ctx context.Context, it intent.Intent, m intent.RegisterMetadata, final intent.Status) error {
	marker := "registrations/" + m.TournamentID + ":" + m.Wallet

	var reg struct {
		Status string `json:"status" bson:"status"`
	}
	if err := d.docs.Get(ctx, marker, &reg); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	if reg.Status == "confirmed" || reg.Status == "failed" {
		return nil
	}

	status := "failed"
	if final == intent.StatusConfirmed {
		status = "confirmed"
		// Count and per-wallet marker live in the same tournament document
		// and move in one guarded update: racing applies of the same
		// registration count once, and a re-registering wallet never counts
		// twice.
		if _, err := d.docs.IncrementOnce(ctx, "tournaments/"+m.TournamentID, "playerCount", 1, "registered:"+m.Wallet, nil); err != nil {
			return err
		}
	}
	return d.docs.Set(ctx, marker, map[string]any{
		"tournamentId":      m.TournamentID,
		"wallet":            m.Wallet,
		"entryFeeBaseUnits": int64(m.EntryFee),
		"status":            status,
		"intentId":          it.ID,
	})
}

func (d *Dispatcher) applyStake(ctx context.Context, it intent.Intent, m intent.StakeMetadata, final intent.Status) error {
	path := "stakes/" + m.PoolAddress + ":" + m.Wallet

	fields := map[string]any{
		"pool":        m.PoolAddress,
		"wallet":      m.Wallet,
		"lastOutcome": final.String(),
	}
	if final != intent.StatusConfirmed {
		return d.docs.Update(ctx, path, fields)
	}

	delta := int64(m.Amount)
	if m.Unstake {
		delta = -delta
	}
	// Each settled intent leaves its own marker on the balance document, in
	// the same atomic update as the balance move. Replaying any earlier
	// intent for this wallet, not just the most recent one, is a no-op.
	_, err := d.docs.IncrementOnce(ctx, path, "stakedBaseUnits", delta, "applied:"+it.ID, fields)
	return err
}

func (d *Dispatcher) applyDistributeRevenue(ctx context.Context, it intent.Intent, m intent.DistributeRevenueMetadata, final intent.Status) error {
	path := "tournaments/" + m.TournamentID

	var doc struct {
		Completed bool `json:"distributionCompleted" bson:"distributionCompleted"`
		Failed    bool `json:"distributionFailed" bson:"distributionFailed"`
	}
	if err := d.docs.Get(ctx, path, &doc); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	if doc.Completed || doc.Failed {
		return nil
	}

	if final != intent.StatusConfirmed {
		// Funds state untouched; flag for remediation.
		return d.docs.Update(ctx, path, map[string]any{"distributionFailed": true})
	}

	for _, b := range m.Buckets {
		if err := d.creditOnce(ctx, b.RecipientPath, "revenueBaseUnits", it.ID, int64(b.Amount)); err != nil {
			return err
		}
	}
	return d.docs.Update(ctx, path, map[string]any{"distributionCompleted": true})
}

func (d *Dispatcher) applyDistributePrizes(ctx context.Context, it intent.Intent, m intent.DistributePrizesMetadata, final intent.Status) error {
	path := "tournaments/" + m.TournamentID

	var doc struct {
		Distributed bool `json:"prizesDistributed" bson:"prizesDistributed"`
		Failed      bool `json:"prizeDistributionFailed" bson:"prizeDistributionFailed"`
	}
	if err := d.docs.Get(ctx, path, &doc); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	if doc.Distributed || doc.Failed {
		return nil
	}

	if final != intent.StatusConfirmed {
		return d.docs.Update(ctx, path, map[string]any{"prizeDistributionFailed": true})
	}

	for _, a := range m.Awards {
		if err := d.creditOnce(ctx, "players/"+a.Wallet, "winningsBaseUnits", it.ID, int64(a.Amount)); err != nil {
			return err
		}
	}
	return d.docs.Update(ctx, path, map[string]any{"prizesDistributed": true})
}

// creditOnce adds amount to a counter field guarded by a marker named for
// the settling intent, both written in one atomic single-document update.
// Markers accumulate on the recipient, so replaying any earlier
// distribution skips recipients it already credited.
func (d *Dispatcher) creditOnce(ctx context.Context, path, counterField, intentID string, amount int64) error {
	_, err := d.docs.IncrementOnce(ctx, path, counterField, amount, "applied:"+intentID, nil)
	return err
}

func (d *Dispatcher) applyInitializePool(ctx context.Context, it intent.Intent, m intent.InitializePoolMetadata, final intent.Status) error {
	path := "pools/" + m.PoolAddress

	var doc struct {
		Initialized bool `json:"initialized" bson:"initialized"`
		InitFailed  bool `json:"initFailed" bson:"initFailed"`
	}
	if err := d.docs.Get(ctx, path, &doc); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	if doc.Initialized || doc.InitFailed {
		return nil
	}

	if final != intent.StatusConfirmed {
		return d.docs.Update(ctx, path, map[string]any{"initFailed": true})
	}
	fields := map[string]any{
		"kind":        it.Kind.String(),
		"initialized": true,
	}
	if m.TournamentID != "" {
		fields["tournamentId"] = m.TournamentID
	}
	return d.docs.Update(ctx, path, fields)
}

func (d *Dispatcher) applyCreateAssociatedAccount(ctx context.Context, m intent.CreateAssociatedAccountMetadata, final intent.Status) error {
	path := "token_accounts/" + m.Address

	ok, err := d.docs.Exists(ctx, path)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	status := "failed"
	if final == intent.StatusConfirmed {
		status = "created"
	}
	return d.docs.Set(ctx, path, map[string]any{
		"owner":  m.Owner,
		"mint":   m.Mint,
		"status": status,
	})
}
