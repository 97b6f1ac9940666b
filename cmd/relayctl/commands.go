package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/partyline/relaybank/internal/auth"
	"github.com/partyline/relaybank/internal/database"
	"github.com/partyline/relaybank/internal/ledger"
	"github.com/partyline/relaybank/internal/store"
)

type MigrateCmd struct {
	Direction string `arg:"" optional:"" enum:"up,down" default:"up" help:"up or down."`
	Steps     int    `help:"Migrations to roll back with down." default:"1"`
}

func (c *MigrateCmd) Run(cli *CLI) error {
	if cli.Memory {
		return errors.New("migrate needs a database, drop --memory")
	}
	cfg, err := cli.config()
	if err != nil {
		return err
	}
	if c.Direction == "down" {
		return database.MigrateDown(cfg.DB.DSN(), cfg.Migrations.Path, c.Steps)
	}
	return database.RunMigrations(cfg.DB.DSN(), cfg.Migrations.Path)
}

type SummaryCmd struct {
	UserID string `arg:"" name:"user" help:"User id."`
}

func (c *SummaryCmd) Run(cli *CLI) error {
	return cli.withLedger(func(ctx context.Context, _ store.Store, l *ledger.Ledger) error {
		if _, err := l.Summary(ctx, c.UserID); err != nil {
			return err
		}
		summary, buckets, err := l.Statement(ctx, c.UserID)
		if err != nil {
			return err
		}
		return cli.print(map[string]any{"summary": summary, "buckets": buckets})
	})
}

type GrantPackCmd struct {
	UserID string `arg:"" name:"user" help:"User id."`
	Pack   string `arg:"" help:"Pack size."`
}

func (c *GrantPackCmd) Run(cli *CLI) error {
	pack, _, err := ledger.ParsePack(c.Pack)
	if err != nil {
		return err
	}
	return cli.withLedger(func(ctx context.Context, _ store.Store, l *ledger.Ledger) error {
		summary, err := l.GrantCreditPack(ctx, c.UserID, pack)
		if err != nil {
			return err
		}
		return cli.print(summary)
	})
}

type SetPlanCmd struct {
	UserID string `arg:"" name:"user" help:"User id."`
	Plan   string `arg:"" help:"Plan name."`
}

func (c *SetPlanCmd) Run(cli *CLI) error {
	plan, err := ledger.ParsePlan(c.Plan)
	if err != nil {
		return err
	}
	return cli.withLedger(func(ctx context.Context, _ store.Store, l *ledger.Ledger) error {
		summary, err := l.SetPlan(ctx, c.UserID, plan)
		if err != nil {
			return err
		}
		return cli.print(summary)
	})
}

type RenewCmd struct {
	UserID string `arg:"" name:"user" help:"User id."`
}

func (c *RenewCmd) Run(cli *CLI) error {
	return cli.withLedger(func(ctx context.Context, _ store.Store, l *ledger.Ledger) error {
		summary, err := l.Summary(ctx, c.UserID)
		if err != nil {
			return err
		}
		return cli.print(summary)
	})
}

type SweepCmd struct {
	Batch int `help:"Profiles per batch (defaults to the configured size)."`
}

func (c *SweepCmd) Run(cli *CLI) error {
	batch := c.Batch
	if batch <= 0 {
		cfg, err := cli.config()
		if err != nil {
			return err
		}
		batch = cfg.Renewal.BatchSize
	}
	return cli.withLedger(func(ctx context.Context, st store.Store, l *ledger.Ledger) error {
		renewed, err := ledger.NewSweeper(l, st, time.Hour, batch).SweepOnce(ctx)
		if err != nil {
			return err
		}
		return cli.print(map[string]int{"renewed": renewed})
	})
}

type ExportCmd struct {
	UserID string `arg:"" name:"user" help:"User id."`
	Out    string `short:"o" help:"Output file." default:"statement.xlsx" type:"path"`
}

func (c *ExportCmd) Run(cli *CLI) error {
	return cli.withLedger(func(ctx context.Context, _ store.Store, l *ledger.Ledger) error {
		summary, buckets, err := l.Statement(ctx, c.UserID)
		if err != nil {
			return err
		}

		f, err := os.Create(c.Out)
		if err != nil {
			return fmt.Errorf("creating %s: %w", c.Out, err)
		}
		if err := ledger.WriteStatement(f, summary, buckets); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", c.Out, err)
		}
		return cli.print(map[string]any{"file": c.Out, "buckets": len(buckets)})
	})
}

type TokenCmd struct {
	UserID string        `arg:"" name:"user" help:"User id."`
	Email  string        `help:"Email claim."`
	TTL    time.Duration `name:"ttl" help:"Token lifetime." default:"1h"`
}

func (c *TokenCmd) Run(cli *CLI) error {
	cfg, err := cli.config()
	if err != nil {
		return err
	}
	if cfg.JWT.AccessSecret == "" {
		return errors.New("JWT_ACCESS_SECRET is not set")
	}
	token, err := auth.NewJWTManager(cfg.JWT.AccessSecret, cfg.JWT.Issuer, c.TTL).GenerateAccessToken(c.UserID, c.Email)
	if err != nil {
		return err
	}
	return cli.print(map[string]string{"access_token": token})
}
