// Package ledger executes orders against an owner's account and position
// book. Every executed order commits the new cash balance, the position
// change and one immutable transaction together, or nothing at all.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/instrument"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/metrics"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/store"
)

// DefaultStartingBalance is the cash a new account opens with.
var DefaultStartingBalance = decimal.NewFromInt(100000)

// Notifier receives committed trades. It is called after the commit, outside
// the owner lock, and must not block.
type Notifier interface {
	TradeExecuted(ev model.TradeEvent)
}

// Engine is the only writer of accounts, positions and transactions.
type Engine struct {
	store           store.Store
	locks           *ownerLocks
	clock           *monotonicClock
	newID           func() string
	notifier        Notifier
	startingBalance decimal.Decimal
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the receiver of committed trades.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock replaces the wall clock used for commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = newMonotonicClock(now) }
}

// WithStartingBalance sets the cash new accounts open with.
func WithStartingBalance(b decimal.Decimal) Option {
	return func(e *Engine) { e.startingBalance = b }
}

// WithIDGenerator replaces the transaction ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// NewEngine creates an engine over st.
func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:           st,
		locks:           newOwnerLocks(),
		clock:           newMonotonicClock(time.Now),
		newID:           uuid.NewString,
		startingBalance: DefaultStartingBalance,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OpenAccount creates ownerID's account with the starting balance.
func (e *Engine) OpenAccount(ctx context.Context, ownerID string) (*model.Account, error) {
	if ownerID == "" {
		return nil, orderErr(InvalidOrder, "owner_id is required")
	}

	acct := &model.Account{
		OwnerID:        ownerID,
		CashBalance:    e.startingBalance,
		OpeningBalance: e.startingBalance,
		CreatedAt:      e.clock.Now(),
	}
	if err := e.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}

	metrics.AccountsOpened.Inc()
	slog.Info("account opened", "owner", ownerID, "balance", acct.CashBalance.String())
	return acct, nil
}

// ExecuteOrder validates o, applies it to the owner's current state and
// commits the result. Orders of the same owner are serialized; orders of
// different owners run in parallel.
//
// A rejected order returns an *OrderError and leaves all state unchanged.
func (e *Engine) ExecuteOrder(ctx context.Context, o model.Order) (*model.Transaction, error) {
	start := time.Now()

	ev, err := e.execute(ctx, o)
	if err != nil {
		kind := KindOf(err)
		metrics.ObserveOrder(o.Side.String(), string(kind), start)
		slog.Warn("order rejected",
			"owner", o.OwnerID,
			"symbol", o.Symbol,
			"side", o.Side.String(),
			"qty", o.Quantity,
			"price", o.Price.String(),
			"kind", kind,
			"err", err,
		)
		return nil, err
	}

	tx := ev.Transaction
	metrics.ObserveOrder(tx.Side.String(), "executed", start)
	metrics.TradedShares.WithLabelValues(tx.Symbol, tx.Side.String()).Add(float64(tx.Quantity))

	slog.Info("order executed",
		"tx_id", tx.ID,
		"owner", tx.OwnerID,
		"symbol", tx.Symbol,
		"side", tx.Side.String(),
		"qty", tx.Quantity,
		"price", tx.Price.String(),
		"total", tx.TotalValue.String(),
		"cash", ev.CashBalance.String(),
	)

	if e.notifier != nil {
		e.notifier.TradeExecuted(*ev)
	}
	return &tx, nil
}

func (e *Engine) execute(ctx context.Context, o model.Order) (*model.TradeEvent, error) {
	if err := Validate(o); err != nil {
		return nil, err
	}

	sym, err := instrument.NormalizeSymbol(o.Symbol)
	if err != nil {
		return nil, orderErr(UnknownSymbol, "%v", err)
	}
	o.Symbol = sym

	if _, err := e.store.GetInstrument(ctx, sym); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, orderErr(UnknownSymbol, "no instrument %s", sym)
		}
		return nil, persistenceErr("load instrument", err)
	}

	unlock := e.locks.lock(o.OwnerID)
	defer unlock()

	acct, err := e.store.GetAccount(ctx, o.OwnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, orderErr(UnknownAccount, "no account for owner %s", o.OwnerID)
		}
		return nil, persistenceErr("load account", err)
	}

	pos, err := e.store.GetPosition(ctx, o.OwnerID, sym)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, persistenceErr("load position", err)
		}
		pos = nil
	}

	c, err := Apply(*acct, pos, o, e.clock.Now(), e.newID())
	if err != nil {
		return nil, err
	}

	if err := e.store.CommitTrade(ctx, c); err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.CommitConflicts.Inc()
		}
		return nil, persistenceErr("commit trade", err)
	}

	ev := &model.TradeEvent{Transaction: c.Transaction, CashBalance: c.CashBalance}
	if c.PositionOp == store.PositionUpsert {
		p := c.Position
		ev.Position = &p
	}
	return ev, nil
}

// Portfolio marks ownerID's positions to the instruments' current prices.
func (e *Engine) Portfolio(ctx context.Context, ownerID string) (*model.Portfolio, error) {
	acct, err := e.store.GetAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", ownerID, err)
	}
	instruments, err := e.store.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	p := Valuate(*acct, positions, instruments)
	return &p, nil
}

// Discrepancy is a difference between stored state and the state rebuilt
// from the transaction log.
type Discrepancy struct {
	Field    string `json:"field"`
	Symbol   string `json:"symbol,omitempty"`
	Stored   string `json:"stored"`
	Replayed string `json:"replayed"`
}

func (d Discrepancy) String() string {
	if d.Symbol == "" {
		return fmt.Sprintf("%s: stored %s, replayed %s", d.Field, d.Stored, d.Replayed)
	}
	return fmt.Sprintf("%s %s: stored %s, replayed %s", d.Symbol, d.Field, d.Stored, d.Replayed)
}

// Reconcile replays ownerID's transaction log from the opening balance and
// compares the result with the stored account and position book. An empty
// result means they agree.
func (e *Engine) Reconcile(ctx context.Context, ownerID string) ([]Discrepancy, error) {
	unlock := e.locks.lock(ownerID)
	defer unlock()

	acct, err := e.store.GetAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	txs, err := e.store.ListTransactions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list transactions for %s: %w", ownerID, err)
	}
	positions, err := e.store.ListPositions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", ownerID, err)
	}

	cash, book, err := Replay(ownerID, acct.OpeningBalance, txs)
	if err != nil {
		return nil, err
	}

	var out []Discrepancy
	if !cash.Equal(acct.CashBalance) {
		out = append(out, Discrepancy{Field: "cash_balance", Stored: acct.CashBalance.String(), Replayed: cash.String()})
	}

	stored := make(map[string]model.Position, len(positions))
	for _, p := range positions {
		stored[p.Symbol] = p
		r, ok := book[p.Symbol]
		if !ok {
			out = append(out, Discrepancy{Field: "quantity", Symbol: p.Symbol, Stored: fmt.Sprint(p.Quantity), Replayed: "0"})
			continue
		}
		if r.Quantity != p.Quantity {
			out = append(out, Discrepancy{Field: "quantity", Symbol: p.Symbol, Stored: fmt.Sprint(p.Quantity), Replayed: fmt.Sprint(r.Quantity)})
		}
		if !r.AverageCost.Equal(p.AverageCost) {
			out = append(out, Discrepancy{Field: "average_cost", Symbol: p.Symbol, Stored: p.AverageCost.String(), Replayed: r.AverageCost.String()})
		}
	}
	for _, sym := range slices.Sorted(maps.Keys(book)) {
		if _, ok := stored[sym]; !ok {
			r := book[sym]
			out = append(out, Discrepancy{Field: "quantity", Symbol: sym, Stored: "0", Replayed: fmt.Sprint(r.Quantity)})
		}
	}
	return out, nil
}
