package txbuild

import (
	"context"
	"errors"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/arena-gg/arena-settle/internal/intent"
)

var (
	testProgram   = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
	testAuthority = solana.MustPublicKeyFromBase58("Vote111111111111111111111111111111111111111")
	testMint      = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	testWallet    = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
)

type fakeBlockhashClient struct {
	err   error
	calls int
}

func (c *fakeBlockhashClient) GetLatestBlockhash(_ context.Context, _ rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash: solana.MustHashFromBase58("EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"),
		},
	}, nil
}

type fakeArchive struct {
	entries map[string][]byte
	err     error
}

func (a *fakeArchive) Archive(_ context.Context, intentID string, tx []byte) error {
	if a.err != nil {
		return a.err
	}
	if a.entries == nil {
		a.entries = make(map[string][]byte)
	}
	a.entries[intentID] = append([]byte(nil), tx...)
	return nil
}

func newBuilder(t *testing.T, opts ...Option) (*Builder, *intent.MemoryStore) {
	t.Helper()
	store := intent.NewMemoryStore(time.Now, intent.DefaultTTL)
	b, err := New(Config{
		ProgramID: testProgram,
		Authority: testAuthority,
		Mint:      testMint,
	}, store, &fakeBlockhashClient{}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	store := intent.NewMemoryStore(time.Now, intent.DefaultTTL)
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing program", Config{Authority: testAuthority, Mint: testMint}},
		{"missing authority", Config{ProgramID: testProgram, Mint: testMint}},
		{"missing mint", Config{ProgramID: testProgram, Authority: testAuthority}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg, store, &fakeBlockhashClient{}); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: New = %v, want ErrInvalidConfig", tc.name, err)
		}
	}
	good := Config{ProgramID: testProgram, Authority: testAuthority, Mint: testMint}
	if _, err := New(good, nil, &fakeBlockhashClient{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil store: New = %v, want ErrInvalidConfig", err)
	}
	if _, err := New(good, store, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil client: New = %v, want ErrInvalidConfig", err)
	}
}

func TestCreateTournament(t *testing.T) {
	t.Parallel()
	b, store := newBuilder(t)
	ctx := context.Background()

	it, err := b.CreateTournament(ctx, "ops-1", "spring-cup")
	if err != nil {
		t.Fatalf("CreateTournament: %v", err)
	}
	if it.Kind != intent.KindCreateTournament {
		t.Fatalf("Kind = %v", it.Kind)
	}
	if it.Status != intent.StatusPending {
		t.Fatalf("Status = %v", it.Status)
	}
	if len(it.SerializedTx) == 0 {
		t.Fatalf("SerializedTx empty")
	}

	// The stored metadata must decode back to the typed payload.
	got, err := intent.DecodeMetadata(it.Kind, it.Metadata)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	meta := got.(intent.CreateTournamentMetadata)
	if meta.TournamentID != "spring-cup" {
		t.Fatalf("TournamentID = %q", meta.TournamentID)
	}
	if meta.PoolAddress == "" {
		t.Fatalf("PoolAddress empty")
	}

	// Same inputs must derive the same pool address.
	it2, err := b.CreateTournament(ctx, "ops-1", "spring-cup")
	if err != nil {
		t.Fatalf("CreateTournament again: %v", err)
	}
	got2, err := intent.DecodeMetadata(it2.Kind, it2.Metadata)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if got2.(intent.CreateTournamentMetadata).PoolAddress != meta.PoolAddress {
		t.Fatalf("pool address not deterministic")
	}

	stored, err := store.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.ActorID != "ops-1" {
		t.Fatalf("ActorID = %q", stored.ActorID)
	}
}

func TestSerializedTransactionParses(t *testing.T) {
	t.Parallel()
	b, _ := newBuilder(t)
	it, err := b.Stake(context.Background(), "player-1", testWallet, 500)
	if err != nil {
		t.Fatalf("Stake: %v", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(it.SerializedTx))
	if err != nil {
		t.Fatalf("TransactionFromDecoder: %v", err)
	}
	staker := solana.MustPublicKeyFromBase58(testWallet)
	if !tx.Message.AccountKeys[0].Equals(staker) {
		t.Fatalf("fee payer = %s, want staker", tx.Message.AccountKeys[0])
	}
}

func TestStakeAndUnstakeKinds(t *testing.T) {
	t.Parallel()
	b, _ := newBuilder(t)
	ctx := context.Background()

	st, err := b.Stake(ctx, "player-1", testWallet, 500)
	if err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if st.Kind != intent.KindStake {
		t.Fatalf("Stake kind = %v", st.Kind)
	}

	un, err := b.Unstake(ctx, "player-1", testWallet, 200)
	if err != nil {
		t.Fatalf("Unstake: %v", err)
	}
	if un.Kind != intent.KindUnstake {
		t.Fatalf("Unstake kind = %v", un.Kind)
	}
	meta, err := intent.DecodeMetadata(un.Kind, un.Metadata)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if !meta.(intent.StakeMetadata).Unstake {
		t.Fatalf("Unstake flag not set")
	}

	if _, err := b.Stake(ctx, "player-1", testWallet, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("zero amount = %v, want ErrInvalidRequest", err)
	}
	if _, err := b.Stake(ctx, "player-1", "not-a-wallet", 10); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad wallet = %v, want ErrInvalidRequest", err)
	}
}

func TestDistributeRevenueSplit(t *testing.T) {
	t.Parallel()
	b, _ := newBuilder(t)

	recipients := []RevenueRecipient{
		{RecipientPath: "developers/dev-1", Wallet: testWallet, Percent: 40},
		{RecipientPath: "developers/dev-2", Wallet: testWallet, Percent: 40},
		{RecipientPath: "platform/treasury", Wallet: testWallet, Percent: 15},
		{RecipientPath: "platform/ops", Wallet: testWallet, Percent: 5},
	}
	it, err := b.DistributeRevenue(context.Background(), "ops-1", "spring-cup", 999, recipients)
	if err != nil {
		t.Fatalf("DistributeRevenue: %v", err)
	}

	got, err := intent.DecodeMetadata(it.Kind, it.Metadata)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	meta := got.(intent.DistributeRevenueMetadata)
	want := []uint64{399, 399, 149, 49}
	var sum uint64
	for i, bkt := range meta.Buckets {
		if bkt.Amount != want[i] {
			t.Fatalf("bucket %d amount = %d, want %d", i, bkt.Amount, want[i])
		}
		sum += bkt.Amount
	}
	// Floor division leaves the remainder in the pool.
	if sum != 996 {
		t.Fatalf("allocated = %d, want 996 of 999", sum)
	}
}

func TestDistributeRevenueBadPercents(t *testing.T) {
	t.Parallel()
	b, _ := newBuilder(t)
	recipients := []RevenueRecipient{
		{RecipientPath: "developers/dev-1", Wallet: testWallet, Percent: 60},
		{RecipientPath: "developers/dev-2", Wallet: testWallet, Percent: 60},
	}
	if _, err := b.DistributeRevenue(context.Background(), "ops-1", "t", 100, recipients); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("DistributeRevenue = %v, want ErrInvalidRequest", err)
	}
}

func TestDistributePrizes(t *testing.T) {
	t.Parallel()
	b, _ := newBuilder(t)
	awards := []intent.PrizeAward{
		{Wallet: testWallet, Amount: 700},
		{Wallet: testWallet, Amount: 300},
	}
	it, err := b.DistributePrizes(context.Background(), "ops-1", "spring-cup", awards)
	if err != nil {
		t.Fatalf("DistributePrizes: %v", err)
	}
	if it.Kind != intent.KindDistributePrizes {
		t.Fatalf("Kind = %v", it.Kind)
	}
	if _, err := b.DistributePrizes(context.Background(), "ops-1", "spring-cup", nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("no awards = %v, want ErrInvalidRequest", err)
	}
}

func TestInitializePools(t *testing.T) {
	t.Parallel()
	b, _ := newBuilder(t)
	ctx := context.Background()

	prize, err := b.InitializePrizePool(ctx, "ops-1", "spring-cup")
	if err != nil {
		t.Fatalf("InitializePrizePool: %v", err)
	}
	if prize.Kind != intent.KindInitializePrizePool {
		t.Fatalf("prize kind = %v", prize.Kind)
	}

	staking, err := b.InitializeStakingPool(ctx, "ops-1")
	if err != nil {
		t.Fatalf("InitializeStakingPool: %v", err)
	}
	if staking.Kind != intent.KindInitializeStakingPool {
		t.Fatalf("staking kind = %v", staking.Kind)
	}

	revenue, err := b.InitializeRevenuePool(ctx, "ops-1", testWallet)
	if err != nil {
		t.Fatalf("InitializeRevenuePool: %v", err)
	}
	if revenue.Kind != intent.KindInitializeRevenuePool {
		t.Fatalf("revenue kind = %v", revenue.Kind)
	}
}

func TestCreateAssociatedAccount(t *testing.T) {
	t.Parallel()
	b, _ := newBuilder(t)
	it, err := b.CreateAssociatedAccount(context.Background(), "player-1", testWallet)
	if err != nil {
		t.Fatalf("CreateAssociatedAccount: %v", err)
	}
	got, err := intent.DecodeMetadata(it.Kind, it.Metadata)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	meta := got.(intent.CreateAssociatedAccountMetadata)
	if meta.Owner != testWallet {
		t.Fatalf("Owner = %q", meta.Owner)
	}
	if meta.Address == "" {
		t.Fatalf("Address empty")
	}
}

func TestArchiveReceivesTransaction(t *testing.T) {
	t.Parallel()
	archive := &fakeArchive{}
	b, _ := newBuilder(t, WithArchive(archive))
	it, err := b.CreateTournament(context.Background(), "ops-1", "spring-cup")
	if err != nil {
		t.Fatalf("CreateTournament: %v", err)
	}
	if string(archive.entries[it.ID]) != string(it.SerializedTx) {
		t.Fatalf("archived bytes differ from intent bytes")
	}
}

func TestArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	archive := &fakeArchive{err: errors.New("s3 down")}
	b, _ := newBuilder(t, WithArchive(archive))
	if _, err := b.CreateTournament(context.Background(), "ops-1", "spring-cup"); err != nil {
		t.Fatalf("CreateTournament with failing archive: %v", err)
	}
}

func TestBlockhashFailure(t *testing.T) {
	t.Parallel()
	store := intent.NewMemoryStore(time.Now, intent.DefaultTTL)
	client := &fakeBlockhashClient{err: errors.New("rpc down")}
	b, err := New(Config{ProgramID: testProgram, Authority: testAuthority, Mint: testMint}, store, client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.CreateTournament(context.Background(), "ops-1", "t"); err == nil {
		t.Fatalf("expected error when blockhash fetch fails")
	}
}
