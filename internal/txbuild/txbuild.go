// Package txbuild assembles the unsigned transactions handed to clients.
//
// Each builder method derives the accounts involved, encodes the program
// instruction, serializes an unsigned transaction against a recent
// blockhash, and records a pending intent carrying the typed metadata the
// reconciliation dispatcher will later apply. The client signs and submits
// the transaction; from that point on the intent lifecycle takes over.
package txbuild

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/arena-gg/arena-settle/internal/intent"
	"github.com/arena-gg/arena-settle/internal/pda"
	"github.com/arena-gg/arena-settle/internal/reconcile"
)

var (
	ErrInvalidConfig  = errors.New("txbuild: invalid config")
	ErrInvalidRequest = errors.New("txbuild: invalid request")
)

// Arena program instruction tags. Part of the on-chain ABI.
const (
	opCreateTournament byte = iota + 1
	opRegister
	opStake
	opUnstake
	opDistributeRevenue
	opDistributePrizes
	opInitializePrizePool
	opInitializeStakingPool
	opInitializeRevenuePool
)

// BlockhashClient is the slice of the RPC client the builder needs.
type BlockhashClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// Archiver persists serialized transactions for audit. Archive failures are
// logged and swallowed; the intent record already carries the bytes.
type Archiver interface {
	Archive(ctx context.Context, intentID string, serializedTx []byte) error
}

type Config struct {
	// ProgramID is the arena settlement program.
	ProgramID solana.PublicKey

	// Authority is the platform authority that signs and pays for
	// platform-initiated transactions.
	Authority solana.PublicKey

	// Mint is the platform token mint.
	Mint solana.PublicKey
}

type Builder struct {
	cfg     Config
	intents intent.Store
	client  BlockhashClient
	archive Archiver
	log     *slog.Logger
}

type Option func(*Builder)

func WithArchive(a Archiver) Option {
	return func(b *Builder) { b.archive = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.log = l }
}

func New(cfg Config, intents intent.Store, client BlockhashClient, opts ...Option) (*Builder, error) {
	if cfg.ProgramID.IsZero() {
		return nil, fmt.Errorf("%w: missing program id", ErrInvalidConfig)
	}
	if cfg.Authority.IsZero() {
		return nil, fmt.Errorf("%w: missing authority", ErrInvalidConfig)
	}
	if cfg.Mint.IsZero() {
		return nil, fmt.Errorf("%w: missing mint", ErrInvalidConfig)
	}
	if intents == nil {
		return nil, fmt.Errorf("%w: missing intent store", ErrInvalidConfig)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: missing rpc client", ErrInvalidConfig)
	}
	b := &Builder{
		cfg:     cfg,
		intents: intents,
		client:  client,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// CreateTournament builds the transaction that creates a tournament pool and
// its prize vault.
func (b *Builder) CreateTournament(ctx context.Context, actorID, tournamentID string) (intent.Intent, error) {
	if tournamentID == "" {
		return intent.Intent{}, fmt.Errorf("%w: missing tournament id", ErrInvalidRequest)
	}
	pool, _, err := pda.TournamentPool(tournamentID, b.cfg.Authority, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}
	vault, _, err := pda.PrizeVault(pool, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}

	ix := solana.NewInstruction(b.cfg.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(b.cfg.Authority, true, true),
		solana.NewAccountMeta(pool, true, false),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, instrData(opCreateTournament, []byte(tournamentID)))

	meta := intent.CreateTournamentMetadata{
		TournamentID: tournamentID,
		PoolAddress:  pool.String(),
	}
	return b.record(ctx, actorID, meta, ix, b.cfg.Authority)
}

// Register builds the entry-fee transaction for a player joining a
// tournament. The player's wallet is the fee payer and signer.
func (b *Builder) Register(ctx context.Context, actorID, tournamentID, wallet string, entryFee uint64) (intent.Intent, error) {
	if tournamentID == "" {
		return intent.Intent{}, fmt.Errorf("%w: missing tournament id", ErrInvalidRequest)
	}
	player, err := parseWallet(wallet)
	if err != nil {
		return intent.Intent{}, err
	}
	pool, _, err := pda.TournamentPool(tournamentID, b.cfg.Authority, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}
	source, _, err := pda.AssociatedTokenAccount(player, b.cfg.Mint)
	if err != nil {
		return intent.Intent{}, err
	}

	ix := solana.NewInstruction(b.cfg.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(player, true, true),
		solana.NewAccountMeta(source, true, false),
		solana.NewAccountMeta(pool, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, instrData(opRegister, u64le(entryFee)))

	meta := intent.RegisterMetadata{
		TournamentID: tournamentID,
		Wallet:       wallet,
		EntryFee:     entryFee,
	}
	return b.record(ctx, actorID, meta, ix, player)
}

// Stake builds a stake deposit into the global staking pool.
func (b *Builder) Stake(ctx context.Context, actorID, wallet string, amount uint64) (intent.Intent, error) {
	return b.stakeMovement(ctx, actorID, wallet, amount, false)
}

// Unstake builds a withdrawal from the global staking pool.
func (b *Builder) Unstake(ctx context.Context, actorID, wallet string, amount uint64) (intent.Intent, error) {
	return b.stakeMovement(ctx, actorID, wallet, amount, true)
}

func (b *Builder) stakeMovement(ctx context.Context, actorID, wallet string, amount uint64, unstake bool) (intent.Intent, error) {
	if amount == 0 {
		return intent.Intent{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	staker, err := parseWallet(wallet)
	if err != nil {
		return intent.Intent{}, err
	}
	pool, _, err := pda.StakingPool(b.cfg.Mint, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}
	stake, _, err := pda.StakeAccount(pool, staker, 0, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}
	source, _, err := pda.AssociatedTokenAccount(staker, b.cfg.Mint)
	if err != nil {
		return intent.Intent{}, err
	}

	op := opStake
	if unstake {
		op = opUnstake
	}
	ix := solana.NewInstruction(b.cfg.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(staker, true, true),
		solana.NewAccountMeta(source, true, false),
		solana.NewAccountMeta(pool, true, false),
		solana.NewAccountMeta(stake, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, instrData(op, u64le(amount)))

	meta := intent.StakeMetadata{
		PoolAddress: pool.String(),
		Wallet:      wallet,
		Amount:      amount,
		Unstake:     unstake,
	}
	return b.record(ctx, actorID, meta, ix, staker)
}

// RevenueRecipient names one share of a revenue distribution.
type RevenueRecipient struct {
	// RecipientPath is the document-store path credited when the
	// distribution confirms, e.g. "developers/dev-42".
	RecipientPath string

	// Wallet receives the on-chain transfer.
	Wallet string

	Percent uint8
}

// DistributeRevenue builds the transaction splitting a tournament's revenue
// across recipients. Amounts are fixed here as floor(total*percent/100);
// integer truncation can leave a small remainder in the pool, which is
// deliberate.
func (b *Builder) DistributeRevenue(ctx context.Context, actorID, tournamentID string, total uint64, recipients []RevenueRecipient) (intent.Intent, error) {
	if tournamentID == "" {
		return intent.Intent{}, fmt.Errorf("%w: missing tournament id", ErrInvalidRequest)
	}
	if len(recipients) == 0 {
		return intent.Intent{}, fmt.Errorf("%w: no recipients", ErrInvalidRequest)
	}
	percents := make([]uint8, len(recipients))
	for i, r := range recipients {
		percents[i] = r.Percent
	}
	amounts, err := reconcile.SplitAmounts(total, percents)
	if err != nil {
		return intent.Intent{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	pool, _, err := pda.TournamentPool(tournamentID, b.cfg.Authority, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(b.cfg.Authority, true, true),
		solana.NewAccountMeta(pool, true, false),
	}
	data := instrData(opDistributeRevenue, u64le(total), []byte{byte(len(recipients))})
	buckets := make([]intent.RevenueBucket, len(recipients))
	for i, r := range recipients {
		dest, err := parseWallet(r.Wallet)
		if err != nil {
			return intent.Intent{}, err
		}
		destATA, _, err := pda.AssociatedTokenAccount(dest, b.cfg.Mint)
		if err != nil {
			return intent.Intent{}, err
		}
		accounts = append(accounts, solana.NewAccountMeta(destATA, true, false))
		data = append(data, u64le(amounts[i])...)
		buckets[i] = intent.RevenueBucket{
			RecipientPath: r.RecipientPath,
			Percent:       r.Percent,
			Amount:        amounts[i],
		}
	}
	accounts = append(accounts, solana.NewAccountMeta(solana.TokenProgramID, false, false))

	ix := solana.NewInstruction(b.cfg.ProgramID, accounts, data)
	meta := intent.DistributeRevenueMetadata{
		TournamentID: tournamentID,
		Total:        total,
		Buckets:      buckets,
	}
	return b.record(ctx, actorID, meta, ix, b.cfg.Authority)
}

// DistributePrizes builds the payout transaction for a finished tournament.
func (b *Builder) DistributePrizes(ctx context.Context, actorID, tournamentID string, awards []intent.PrizeAward) (intent.Intent, error) {
	if tournamentID == "" {
		return intent.Intent{}, fmt.Errorf("%w: missing tournament id", ErrInvalidRequest)
	}
	if len(awards) == 0 {
		return intent.Intent{}, fmt.Errorf("%w: no awards", ErrInvalidRequest)
	}
	pool, _, err := pda.TournamentPool(tournamentID, b.cfg.Authority, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}
	vault, _, err := pda.PrizeVault(pool, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(b.cfg.Authority, true, true),
		solana.NewAccountMeta(pool, false, false),
		solana.NewAccountMeta(vault, true, false),
	}
	data := instrData(opDistributePrizes, []byte{byte(len(awards))})
	for _, a := range awards {
		winner, err := parseWallet(a.Wallet)
		if err != nil {
			return intent.Intent{}, err
		}
		winnerATA, _, err := pda.AssociatedTokenAccount(winner, b.cfg.Mint)
		if err != nil {
			return intent.Intent{}, err
		}
		accounts = append(accounts, solana.NewAccountMeta(winnerATA, true, false))
		data = append(data, u64le(a.Amount)...)
	}
	accounts = append(accounts, solana.NewAccountMeta(solana.TokenProgramID, false, false))

	ix := solana.NewInstruction(b.cfg.ProgramID, accounts, data)
	meta := intent.DistributePrizesMetadata{
		TournamentID: tournamentID,
		Awards:       awards,
	}
	return b.record(ctx, actorID, meta, ix, b.cfg.Authority)
}

// InitializePrizePool builds the transaction initializing a tournament's
// prize pool account.
func (b *Builder) InitializePrizePool(ctx context.Context, actorID, tournamentID string) (intent.Intent, error) {
	if tournamentID == "" {
		return intent.Intent{}, fmt.Errorf("%w: missing tournament id", ErrInvalidRequest)
	}
	pool, _, err := pda.TournamentPool(tournamentID, b.cfg.Authority, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}
	vault, _, err := pda.PrizeVault(pool, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}
	return b.initializePool(ctx, actorID, intent.KindInitializePrizePool, opInitializePrizePool, vault, tournamentID)
}

// InitializeStakingPool builds the transaction initializing the global
// staking pool for the platform mint.
func (b *Builder) InitializeStakingPool(ctx context.Context, actorID string) (intent.Intent, error) {
	pool, _, err := pda.StakingPool(b.cfg.Mint, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}
	return b.initializePool(ctx, actorID, intent.KindInitializeStakingPool, opInitializeStakingPool, pool, "")
}

// InitializeRevenuePool builds the transaction initializing the revenue pool
// for a developer authority.
func (b *Builder) InitializeRevenuePool(ctx context.Context, actorID, developer string) (intent.Intent, error) {
	dev, err := parseWallet(developer)
	if err != nil {
		return intent.Intent{}, err
	}
	pool, _, err := pda.RevenuePool(dev, b.cfg.ProgramID)
	if err != nil {
		return intent.Intent{}, err
	}
	return b.initializePool(ctx, actorID, intent.KindInitializeRevenuePool, opInitializeRevenuePool, pool, "")
}

func (b *Builder) initializePool(ctx context.Context, actorID string, kind intent.Kind, op byte, pool solana.PublicKey, tournamentID string) (intent.Intent, error) {
	ix := solana.NewInstruction(b.cfg.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(b.cfg.Authority, true, true),
		solana.NewAccountMeta(pool, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, instrData(op))

	meta, err := intent.NewInitializePoolMetadata(kind, pool.String(), tournamentID)
	if err != nil {
		return intent.Intent{}, err
	}
	return b.record(ctx, actorID, meta, ix, b.cfg.Authority)
}

// CreateAssociatedAccount builds the transaction creating a wallet's
// associated token account for the platform mint. The platform authority
// pays the rent.
func (b *Builder) CreateAssociatedAccount(ctx context.Context, actorID, owner string) (intent.Intent, error) {
	wallet, err := parseWallet(owner)
	if err != nil {
		return intent.Intent{}, err
	}
	ata, _, err := pda.AssociatedTokenAccount(wallet, b.cfg.Mint)
	if err != nil {
		return intent.Intent{}, err
	}

	ix := solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(b.cfg.Authority, true, true),
		solana.NewAccountMeta(ata, true, false),
		solana.NewAccountMeta(wallet, false, false),
		solana.NewAccountMeta(b.cfg.Mint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, nil)

	meta := intent.CreateAssociatedAccountMetadata{
		Owner:   owner,
		Mint:    b.cfg.Mint.String(),
		Address: ata.String(),
	}
	return b.record(ctx, actorID, meta, ix, b.cfg.Authority)
}

// record serializes the unsigned transaction and creates the pending intent.
func (b *Builder) record(ctx context.Context, actorID string, meta intent.Metadata, ix solana.Instruction, payer solana.PublicKey) (intent.Intent, error) {
	raw, err := intent.EncodeMetadata(meta)
	if err != nil {
		return intent.Intent{}, err
	}

	latest, err := b.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return intent.Intent{}, fmt.Errorf("txbuild: fetch blockhash: %w", err)
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, latest.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return intent.Intent{}, fmt.Errorf("txbuild: assemble transaction: %w", err)
	}
	// Placeholder signatures: clients replace them when signing.
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	serialized, err := tx.MarshalBinary()
	if err != nil {
		return intent.Intent{}, fmt.Errorf("txbuild: serialize transaction: %w", err)
	}

	it, err := b.intents.Create(ctx, intent.CreateParams{
		Kind:         meta.Kind(),
		ActorID:      actorID,
		SerializedTx: serialized,
		Metadata:     raw,
	})
	if err != nil {
		return intent.Intent{}, err
	}

	if b.archive != nil {
		if err := b.archive.Archive(ctx, it.ID, serialized); err != nil {
			b.log.Warn("archive serialized transaction", "intent_id", it.ID, "err", err)
		}
	}
	b.log.Info("built transaction intent", "intent_id", it.ID, "kind", it.Kind.String(), "actor_id", actorID)
	return it, nil
}

func parseWallet(s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: wallet %q: %v", ErrInvalidRequest, s, err)
	}
	return pk, nil
}

func instrData(op byte, parts ...[]byte) []byte {
	data := []byte{op}
	for _, p := range parts {
		data = append(data, p...)
	}
	return data
}

func u64le(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), v)
}
