// Command ledgerctl administers the ledger database: schema setup,
// instrument seeding, manual orders, and replay verification of accounts.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/config"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	e := &env{out: os.Stdout, open: openPostgres}
	flag.StringVar(&e.configPath, "config", "", "path to YAML config (default $LEDGER_CONFIG)")
	commander := newCommander(e, flag.CommandLine, path.Base(os.Args[0]))

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

func newCommander(e *env, fs *flag.FlagSet, name string) *subcommands.Commander {
	commander := subcommands.NewCommander(fs, name)
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&schemaCmd{env: e}, "setup")
	commander.Register(&seedCmd{env: e}, "setup")
	commander.Register(&openCmd{env: e}, "accounts")
	commander.Register(&orderCmd{env: e}, "accounts")
	commander.Register(&portfolioCmd{env: e}, "accounts")
	commander.Register(&historyCmd{env: e}, "accounts")
	commander.Register(&verifyCmd{env: e}, "accounts")
	return commander
}

// env is shared by every command.
type env struct {
	configPath string
	out        io.Writer
	open       func(ctx context.Context, cfg *config.Config) (store.Store, func(), error)
}

func openPostgres(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is not set")
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}
