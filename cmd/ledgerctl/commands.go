package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/config"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/events"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/instrument"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/ledger"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/store"
)

// session is what a command runs against.
type session struct {
	cfg    *config.Config
	store  store.Store
	engine *ledger.Engine
}

// run loads the configuration, opens the store and calls fn. Trades are
// published to Kafka when brokers are configured.
func (e *env) run(ctx context.Context, fn func(s *session) error) subcommands.ExitStatus {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	st, closeStore, err := e.open(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer closeStore()

	opts := []ledger.Option{ledger.WithStartingBalance(cfg.StartingBalance())}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPub := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaPub.Close()
		dispatcher, err := events.NewDispatcher(1, cfg.Events.Timeout, kafkaPub)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer dispatcher.Close(ctx)
		opts = append(opts, ledger.WithNotifier(dispatcher))
	}

	s := &session{cfg: cfg, store: st, engine: ledger.NewEngine(st, opts...)}
	if err := fn(s); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// formatMoney renders v in the configured currency, e.g. ₹1,234.50 for INR
// or $1,234.50 for USD.
func formatMoney(v decimal.Decimal, code string) string {
	cur := money.New(0, code).Currency()
	return cur.Formatter().Format(v.Shift(int32(cur.Fraction)).Round(0).IntPart())
}

// --- schema ---

type schemaCmd struct{ *env }

func (*schemaCmd) Name() string     { return "schema" }
func (*schemaCmd) Synopsis() string { return "create the ledger tables if they do not exist" }
func (*schemaCmd) Usage() string {
	return `ledgerctl schema

  Applies the embedded schema to DATABASE_URL. Safe to run repeatedly.
`
}
func (*schemaCmd) SetFlags(*flag.FlagSet) {}

func (c *schemaCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return c.run(ctx, func(s *session) error {
		pg, ok := s.store.(interface{ EnsureSchema(context.Context) error })
		if !ok {
			return errors.New("store has no schema to apply")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "schema up to date")
		return nil
	})
}

// --- seed ---

type seedCmd struct{ *env }

func (*seedCmd) Name() string     { return "seed" }
func (*seedCmd) Synopsis() string { return "create the configured instruments that are missing" }
func (*seedCmd) Usage() string {
	return `ledgerctl seed

  Inserts every instrument listed in the configuration that does not exist
  yet. Prices of existing instruments are left untouched.
`
}
func (*seedCmd) SetFlags(*flag.FlagSet) {}

func (c *seedCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return c.run(ctx, func(s *session) error {
		n, err := store.SeedInstruments(ctx, s.store, s.cfg.SeedInstruments(time.Now().UTC()))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%d of %d instruments created\n", n, len(s.cfg.Instruments))
		return nil
	})
}

// --- open ---

type openCmd struct{ *env }

func (*openCmd) Name() string     { return "open" }
func (*openCmd) Synopsis() string { return "open an account with the starting balance" }
func (*openCmd) Usage() string {
	return `ledgerctl open <owner>
`
}
func (*openCmd) SetFlags(*flag.FlagSet) {}

func (c *openCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	return c.run(ctx, func(s *session) error {
		acct, err := s.engine.OpenAccount(ctx, f.Arg(0))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "opened %s with %s\n", acct.OwnerID, formatMoney(acct.CashBalance, s.cfg.Ledger.Currency))
		return nil
	})
}

// --- order ---

type orderCmd struct {
	*env
	symbol   string
	quantity int64
	price    string
}

func (*orderCmd) Name() string     { return "order" }
func (*orderCmd) Synopsis() string { return "execute a buy or sell order" }
func (*orderCmd) Usage() string {
	return `ledgerctl order -s <symbol> -q <quantity> [-p <price>] <owner> buy|sell

  Executes the order immediately. Without -p the order fills at the
  instrument's current price.
`
}

func (c *orderCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.symbol, "s", "", "ticker symbol")
	f.Int64Var(&c.quantity, "q", 0, "number of shares")
	f.StringVar(&c.price, "p", "", "execution price per share")
}

func (c *orderCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	side, err := model.ParseSide(f.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}

	return c.run(ctx, func(s *session) error {
		o := model.Order{OwnerID: f.Arg(0), Symbol: c.symbol, Side: side, Quantity: c.quantity}
		if c.price != "" {
			p, err := decimal.NewFromString(c.price)
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", c.price, err)
			}
			o.Price = p
		} else {
			sym, err := instrument.NormalizeSymbol(c.symbol)
			if err != nil {
				return err
			}
			inst, err := s.store.GetInstrument(ctx, sym)
			if err != nil {
				return err
			}
			o.Price = inst.CurrentPrice
		}

		tx, err := s.engine.ExecuteOrder(ctx, o)
		if err != nil {
			return fmt.Errorf("rejected: %w", err)
		}
		cur := s.cfg.Ledger.Currency
		fmt.Fprintf(c.out, "%s %s %d %s @ %s = %s\n", tx.ID, tx.Side, tx.Quantity, tx.Symbol,
			formatMoney(tx.Price, cur), formatMoney(tx.TotalValue, cur))
		return nil
	})
}

// --- portfolio ---

type portfolioCmd struct{ *env }

func (*portfolioCmd) Name() string     { return "portfolio" }
func (*portfolioCmd) Synopsis() string { return "show holdings marked to current prices" }
func (*portfolioCmd) Usage() string {
	return `ledgerctl portfolio <owner>
`
}
func (*portfolioCmd) SetFlags(*flag.FlagSet) {}

func (c *portfolioCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	return c.run(ctx, func(s *session) error {
		p, err := s.engine.Portfolio(ctx, f.Arg(0))
		if err != nil {
			return err
		}
		cur := s.cfg.Ledger.Currency

		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "SYMBOL\tQTY\tAVG COST\tPRICE\tVALUE\tP&L\tP&L %\t")
		for _, h := range p.Holdings {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t\n", h.Symbol, h.Quantity,
				formatMoney(h.AverageCost, cur), formatMoney(h.CurrentPrice, cur),
				formatMoney(h.CurrentValue, cur), formatMoney(h.UnrealizedPnL, cur), h.UnrealizedPnLPct.StringFixed(2))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Fprintf(c.out, "\ncash     %s\ninvested %s\nmarket   %s\ntotal    %s\np&l      %s (%s%%)\n",
			formatMoney(p.CashBalance, cur), formatMoney(p.InvestedAmount, cur), formatMoney(p.MarketValue, cur),
			formatMoney(p.TotalValue, cur), formatMoney(p.ProfitLoss, cur), p.ProfitLossPct.StringFixed(2))
		return nil
	})
}

// --- history ---

type historyCmd struct {
	*env
	symbol string
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "list an owner's transactions in commit order" }
func (*historyCmd) Usage() string {
	return `ledgerctl history [-s <symbol>] <owner>
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.symbol, "s", "", "only show transactions of this symbol")
}

func (c *historyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	return c.run(ctx, func(s *session) error {
		var symbol string
		if c.symbol != "" {
			sym, err := instrument.NormalizeSymbol(c.symbol)
			if err != nil {
				return err
			}
			symbol = sym
		}
		txs, err := s.store.ListTransactions(ctx, f.Arg(0))
		if err != nil {
			return err
		}
		cur := s.cfg.Ledger.Currency

		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSIDE\tSYMBOL\tQTY\tPRICE\tTOTAL")
		for _, tx := range txs {
			if symbol != "" && tx.Symbol != symbol {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", tx.Timestamp.Format(time.RFC3339), tx.Side, tx.Symbol,
				tx.Quantity, formatMoney(tx.Price, cur), formatMoney(tx.TotalValue, cur))
		}
		return w.Flush()
	})
}

// --- verify ---

type verifyCmd struct{ *env }

func (*verifyCmd) Name() string     { return "verify" }
func (*verifyCmd) Synopsis() string { return "replay the transaction log and compare with stored state" }
func (*verifyCmd) Usage() string {
	return `ledgerctl verify <owner>...

  Rebuilds cash and positions of each owner from the opening balance and
  the transaction log, and reports every difference from the stored rows.
  Exits non-zero if any owner disagrees.
`
}
func (*verifyCmd) SetFlags(*flag.FlagSet) {}

func (c *verifyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	return c.run(ctx, func(s *session) error {
		bad := 0
		for _, owner := range f.Args() {
			diffs, err := s.engine.Reconcile(ctx, owner)
			if err != nil {
				return fmt.Errorf("%s: %w", owner, err)
			}
			if len(diffs) == 0 {
				fmt.Fprintf(c.out, "%s: ok\n", owner)
				continue
			}
			bad++
			for _, d := range diffs {
				fmt.Fprintf(c.out, "%s: %s\n", owner, d)
			}
		}
		if bad > 0 {
			return fmt.Errorf("%d of %d accounts disagree with their transaction log", bad, f.NArg())
		}
		return nil
	})
}
