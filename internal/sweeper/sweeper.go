// Package sweeper runs the periodic reconciliation passes: a verification
// sweep that drives signature-bearing intents through the shared engine, and
// an independent expiry sweep so a verification outage never blocks TTL
// bookkeeping. Each sweep is an explicit loop owning its ticker, started and
// stopped by the process lifecycle.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/arena-gg/arena-settle/internal/intent"
	"github.com/arena-gg/arena-settle/internal/leases"
	"github.com/arena-gg/arena-settle/internal/reconcile"
)

var ErrInvalidConfig = errors.New("sweeper: invalid config")

const (
	LeaseVerifySweep = "verify-sweep"
	LeaseExpirySweep = "expiry-sweep"
)

type Config struct {
	// Owner is this instance's unique id, used for lease ownership.
	Owner string

	// Interval between verification passes. Default 30s.
	Interval time.Duration
	// ExpiryInterval between expiry bookkeeping passes. Default 1m.
	ExpiryInterval time.Duration

	// BatchSize bounds intents handled per pass. Default 100.
	BatchSize int

	// Leases enables leader election when set; nil means every instance
	// sweeps (safe, just wasteful).
	Leases   leases.Store
	LeaseTTL time.Duration

	Now func() time.Time
	Log *slog.Logger
}

type Sweeper struct {
	cfg     Config
	engine  *reconcile.Engine
	intents intent.Store

	now func() time.Time
	log *slog.Logger
}

func New(cfg Config, engine *reconcile.Engine, intents intent.Store) (*Sweeper, error) {
	if engine == nil || intents == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Leases != nil && cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{cfg: cfg, engine: engine, intents: intents, now: cfg.Now, log: cfg.Log}, nil
}

// Run executes the verification sweep until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	return s.loop(ctx, s.cfg.Interval, LeaseVerifySweep, s.VerifyPass)
}

// RunExpiry executes the expiry bookkeeping sweep until ctx is cancelled.
func (s *Sweeper) RunExpiry(ctx context.Context) error {
	return s.loop(ctx, s.cfg.ExpiryInterval, LeaseExpirySweep, s.ExpiryPass)
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, leaseName string, pass func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.releaseLease(leaseName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.holdLease(ctx, leaseName) {
				continue
			}
			if err := pass(ctx); err != nil {
				s.log.Error("sweep pass failed", "lease", leaseName, "err", err)
			}
		}
	}
}

// VerifyPass reconciles every pending intent once: intents with a known
// signature are checked against the ledger, signatureless intents past their
// TTL are expired. Per-intent failures are logged and skipped so one bad
// intent cannot starve the rest of the batch.
func (s *Sweeper) VerifyPass(ctx context.Context) error {
	pending, err := s.intents.ListPendingBefore(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, it := range pending {
		if _, err := s.engine.Reconcile(ctx, it); err != nil {
			s.log.Warn("reconcile intent", "intent", it.ID, "kind", it.Kind, "err", err)
		}
	}
	return nil
}

// ExpiryPass marks long-stale signatureless intents Expired without touching
// the verification adapter.
func (s *Sweeper) ExpiryPass(ctx context.Context) error {
	now := s.now()
	pending, err := s.intents.ListPendingBefore(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, it := range pending {
		if it.ObservedSignature != "" || !it.ExpiredAt(now) {
			continue
		}
		// Reconcile expires signatureless intents without any ledger
		// call, so this pass survives a verification outage.
		if _, err := s.engine.Reconcile(ctx, it); err != nil {
			s.log.Warn("expire intent", "intent", it.ID, "err", err)
		}
	}
	return nil
}

func (s *Sweeper) holdLease(ctx context.Context, name string) bool {
	if s.cfg.Leases == nil {
		return true
	}

	l, ok, err := s.cfg.Leases.Acquire(ctx, name, s.cfg.Owner, s.cfg.LeaseTTL)
	if err != nil {
		s.log.Error("acquire lease", "lease", name, "err", err)
		return false
	}
	if ok {
		return true
	}
	if l.Owner != s.cfg.Owner {
		return false
	}
	// We already hold it; extend.
	if _, ok, err := s.cfg.Leases.Renew(ctx, name, s.cfg.Owner, s.cfg.LeaseTTL); err != nil || !ok {
		s.log.Warn("renew lease", "lease", name, "err", err)
		return false
	}
	return true
}

func (s *Sweeper) releaseLease(name string) {
	if s.cfg.Leases == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Leases.Release(ctx, name, s.cfg.Owner); err != nil {
		s.log.Warn("release lease", "lease", name, "err", err)
	}
}
