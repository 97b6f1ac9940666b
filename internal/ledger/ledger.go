package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/partyline/relaybank/internal/audit"
	"github.com/partyline/relaybank/internal/metrics"
	"github.com/partyline/relaybank/internal/store"
)

// Ledger runs ledger operations, each as its own unit of work.
type Ledger struct {
	store    store.Store
	recorder *audit.Recorder
	now      func() time.Time
}

type Option func(*Ledger)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(st store.Store, recorder *audit.Recorder, opts ...Option) *Ledger {
	l := &Ledger{
		store:    st,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// In binds the ledger to a caller's transaction.
func (l *Ledger) In(tx store.Tx) *Book {
	return &Book{tx: tx, now: l.now}
}

// Now returns the ledger's clock reading.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Summary catches up any due renewal and returns the recomputed profile. The
// sweeper and relayctl renew go through here too.
func (l *Ledger) Summary(ctx context.Context, userID string) (*Summary, error) {
	now := l.now()
	var (
		summary *Summary
		cycles  int
	)
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		book := l.In(tx)
		var err error
		if cycles, err = book.RunRenewalIfDue(ctx, userID, now); err != nil {
			return err
		}
		summary, err = book.RecomputeSummary(ctx, userID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("summarizing relay profile: %w", err)
	}

	if cycles > 0 {
		metrics.RenewalsGrantedTotal.Add(float64(cycles))
		slog.Info("renewal cycles granted", "user_id", userID, "cycles", cycles, "banked_hours", summary.BankedHours)
		l.recorder.Record(ctx, userID, audit.EventRenewalGranted, "info", "relay_profile", userID,
			fmt.Sprintf("%d cycle(s) of %s grant applied", cycles, summary.PlanType))
	}
	return summary, nil
}

// GrantCreditPack adds a credit pack to the user's balance.
func (l *Ledger) GrantCreditPack(ctx context.Context, userID string, pack PackType) (*Summary, error) {
	now := l.now()
	var summary *Summary
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		summary, err = l.In(tx).GrantCreditPack(ctx, userID, pack, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("granting credit pack: %w", err)
	}

	slog.Info("credit pack granted", "user_id", userID, "pack", pack, "total_hours", summary.TotalAvailableHours)
	l.recorder.Record(ctx, userID, audit.EventPackGranted, "info", "relay_profile", userID,
		fmt.Sprintf("%s pack granted", pack))
	return summary, nil
}

// SetPlan switches the user's plan.
func (l *Ledger) SetPlan(ctx context.Context, userID string, planType store.PlanType) (*Summary, error) {
	now := l.now()
	var summary *Summary
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		summary, err = l.In(tx).SetPlan(ctx, userID, planType, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("setting plan: %w", err)
	}

	slog.Info("plan changed", "user_id", userID, "plan", planType)
	l.recorder.Record(ctx, userID, audit.EventPlanChanged, "info", "relay_profile", userID,
		fmt.Sprintf("plan set to %s", planType))
	return summary, nil
}

// Statement returns the summary and live buckets for export.
func (l *Ledger) Statement(ctx context.Context, userID string) (*Summary, []store.Bucket, error) {
	now := l.now()
	var (
		summary *Summary
		buckets []store.Bucket
	)
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		book := l.In(tx)
		var err error
		if summary, err = book.RecomputeSummary(ctx, userID, now); err != nil {
			return err
		}
		buckets, err = book.Buckets(ctx, userID, now)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("loading statement: %w", err)
	}
	return summary, buckets, nil
}
