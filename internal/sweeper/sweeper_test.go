package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arena-gg/arena-settle/internal/docstore"
	"github.com/arena-gg/arena-settle/internal/intent"
	"github.com/arena-gg/arena-settle/internal/leases"
	"github.com/arena-gg/arena-settle/internal/ledger"
	"github.com/arena-gg/arena-settle/internal/reconcile"
)

type fakeVerifier struct {
	mu       sync.Mutex
	statuses map[string]ledger.Status
	calls    int
}

func (f *fakeVerifier) Verify(_ context.Context, signature string) (ledger.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	st, ok := f.statuses[signature]
	if !ok {
		return ledger.StatusUnknown, ledger.ErrUnavailable
	}
	return st, nil
}

type fixture struct {
	sweeper  *Sweeper
	intents  *intent.MemoryStore
	verifier *fakeVerifier
	advance  func(time.Duration)
}

func newFixture(t *testing.T, leaseStore leases.Store) *fixture {
	t.Helper()

	cur := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return cur
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(d)
	}

	intents := intent.NewMemoryStore(now, intent.DefaultTTL)
	verifier := &fakeVerifier{statuses: map[string]ledger.Status{}}
	dispatcher, err := reconcile.NewDispatcher(docstore.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	engine, err := reconcile.NewEngine(reconcile.EngineConfig{
		Intents:    intents,
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Now:        now,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	sw, err := New(Config{Owner: "node-test", Leases: leaseStore, Now: now}, engine, intents)
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}
	return &fixture{sweeper: sw, intents: intents, verifier: verifier, advance: advance}
}

func (f *fixture) createIntent(t *testing.T, sig string) intent.Intent {
	t.Helper()
	raw, err := intent.EncodeMetadata(intent.StakeMetadata{PoolAddress: "p", Wallet: "w", Amount: 10})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	it, err := f.intents.Create(context.Background(), intent.CreateParams{
		Kind:         intent.KindStake,
		ActorID:      "w",
		SerializedTx: []byte{1},
		Metadata:     raw,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sig != "" {
		if err := f.intents.MarkObservedSignature(context.Background(), it.ID, sig); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	return it
}

func TestVerifyPass_DrivesIntentsByLedgerTruth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ok := f.createIntent(t, "sig-ok")
	bad := f.createIntent(t, "sig-bad")
	invisible := f.createIntent(t, "sig-nv")
	noSig := f.createIntent(t, "")

	f.verifier.statuses["sig-ok"] = ledger.StatusSuccess
	f.verifier.statuses["sig-bad"] = ledger.StatusFailed
	f.verifier.statuses["sig-nv"] = ledger.StatusNotYetVisible

	f.advance(time.Minute)
	if err := f.sweeper.VerifyPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	wantStatus := map[string]intent.Status{
		ok.ID:        intent.StatusConfirmed,
		bad.ID:       intent.StatusFailed,
		invisible.ID: intent.StatusPending,
		noSig.ID:     intent.StatusPending,
	}
	for id, want := range wantStatus {
		got, err := f.intents.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != want {
			t.Fatalf("intent %s status = %s, want %s", id, got.Status, want)
		}
	}
}

func TestVerifyPass_ExpiresSignaturelessAfterTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	it := f.createIntent(t, "")

	f.advance(intent.DefaultTTL + time.Second)
	if err := f.sweeper.VerifyPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	got, err := f.intents.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != intent.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestExpiryPass_NeverCallsVerifier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.createIntent(t, "sig-x") // has a signature: expiry pass must skip it
	f.createIntent(t, "")      // signatureless: expired by the pass

	f.advance(intent.DefaultTTL + time.Second)
	if err := f.sweeper.ExpiryPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	if f.verifier.calls != 0 {
		t.Fatalf("expiry pass made %d verifier calls, want 0", f.verifier.calls)
	}

	pending, err := f.intents.ListPendingBefore(ctx, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ObservedSignature != "sig-x" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}

func TestHoldLease_OnlyLeaderSweeps(t *testing.T) {
	ctx := context.Background()
	store := leases.NewMemoryStore(nil)

	a := newFixture(t, store)
	b := newFixture(t, store)
	b.sweeper.cfg.Owner = "node-other"

	if !a.sweeper.holdLease(ctx, LeaseVerifySweep) {
		t.Fatal("first instance should hold the lease")
	}
	if b.sweeper.holdLease(ctx, LeaseVerifySweep) {
		t.Fatal("second instance must not hold a held lease")
	}
	// Holder can re-enter.
	if !a.sweeper.holdLease(ctx, LeaseVerifySweep) {
		t.Fatal("holder should renew its own lease")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.sweeper.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
