package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/partyline/relaybank/internal/store"
)

// Sweeper renews due profiles in the background so balances accrue even for
// users who never open the lobby.
type Sweeper struct {
	ledger   *Ledger
	store    store.Store
	interval time.Duration
	batch    int
}

func NewSweeper(l *Ledger, st store.Store, interval time.Duration, batch int) *Sweeper {
	if batch < 1 {
		batch = 100
	}
	return &Sweeper{ledger: l, store: st, interval: interval, batch: batch}
}

// Start sweeps once immediately and then on every tick. Blocks until ctx is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	slog.Info("renewal sweeper started", "interval", s.interval, "batch", s.batch)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.SweepOnce(ctx); err != nil {
			slog.Error("renewal sweep", "error", err)
		} else if n > 0 {
			slog.Info("renewal sweep finished", "renewed", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce renews one batch of due profiles, each in its own transaction,
// and returns how many succeeded.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	dueBefore := s.ledger.Now().Add(-CycleLength)

	var due []string
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		due, err = tx.ListRenewalDue(ctx, dueBefore, s.batch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("listing due profiles: %w", err)
	}

	renewed := 0
	for _, userID := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.ledger.Summary(ctx, userID); err != nil {
			slog.Warn("renewal sweep: renewing profile", "user_id", userID, "error", err)
			continue
		}
		renewed++
	}
	return renewed, nil
}
