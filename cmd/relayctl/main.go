// Command relayctl administers relay hour ledgers against the service's
// database, or against an in-memory store for dry runs.
//
// Usage:
//
//	relayctl migrate up
//	relayctl grant-pack u_123 medium
//	relayctl export u_123 --out statement.xlsx
//	relayctl --memory set-plan u_123 core
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/partyline/relaybank/internal/config"
	"github.com/partyline/relaybank/internal/database"
	"github.com/partyline/relaybank/internal/ledger"
	"github.com/partyline/relaybank/internal/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Migrate   MigrateCmd   `cmd:"" help:"Apply or roll back schema migrations."`
	Summary   SummaryCmd   `cmd:"" help:"Show a user's relay hour summary."`
	GrantPack GrantPackCmd `cmd:"" name:"grant-pack" help:"Grant a credit pack (small, medium, large)."`
	SetPlan   SetPlanCmd   `cmd:"" name:"set-plan" help:"Switch a user's plan (free, core, pro)."`
	Renew     RenewCmd     `cmd:"" help:"Catch up any due renewal cycles for a user."`
	Sweep     SweepCmd     `cmd:"" help:"Renew one batch of due profiles."`
	Export    ExportCmd    `cmd:"" help:"Write a user's XLSX statement."`
	Token     TokenCmd     `cmd:"" help:"Mint an access token for a user."`

	Memory   bool   `help:"Use an in-memory store instead of Postgres (dry run)."`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"warn"`

	out io.Writer      `kong:"-"`
	cfg *config.Config `kong:"-"`
}

func main() {
	cli := CLI{out: os.Stdout}
	ctx := kong.Parse(&cli,
		kong.Name("relayctl"),
		kong.Description("Relay hour ledger administration"),
		kong.UsageOnError(),
	)

	setupLogger(cli.LogLevel)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

func setupLogger(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func (c *CLI) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// openStore returns the store the command runs against and a release func.
func (c *CLI) openStore(ctx context.Context) (store.Store, func(), error) {
	if c.Memory {
		return store.NewMemory(), func() {}, nil
	}
	cfg, err := c.config()
	if err != nil {
		return nil, nil, err
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgres(pool), pool.Close, nil
}

func (c *CLI) withLedger(fn func(ctx context.Context, st store.Store, l *ledger.Ledger) error) error {
	ctx := context.Background()
	st, release, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, st, ledger.New(st, nil))
}

func (c *CLI) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
