package ledger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEngine creates an engine over a memory store holding instruments
// AAA and BBB and an account for alice with 100000 cash.
func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for _, sym := range []string{"AAA", "BBB"} {
		if err := ms.UpsertInstrument(ctx, &model.Instrument{Symbol: sym, Name: sym + " Ltd", CurrentPrice: d("50")}); err != nil {
			t.Fatalf("seed instrument: %v", err)
		}
	}

	e := NewEngine(ms, opts...)
	if _, err := e.OpenAccount(ctx, "alice"); err != nil {
		t.Fatalf("open account: %v", err)
	}
	return e, ms
}

func order(side model.Side, symbol string, qty int64, price string) model.Order {
	return model.Order{OwnerID: "alice", Symbol: symbol, Side: side, Quantity: qty, Price: d(price)}
}

func mustExecute(t *testing.T, e *Engine, o model.Order) *model.Transaction {
	t.Helper()
	tx, err := e.ExecuteOrder(context.Background(), o)
	if err != nil {
		t.Fatalf("execute %s %d %s @ %s: %v", o.Side, o.Quantity, o.Symbol, o.Price, err)
	}
	return tx
}

func cash(t *testing.T, ms *store.MemoryStore, owner string) decimal.Decimal {
	t.Helper()
	a, err := ms.GetAccount(context.Background(), owner)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.CashBalance
}

type snapshot struct {
	account   *model.Account
	positions []model.Position
	txs       []model.Transaction
}

func takeSnapshot(t *testing.T, ms *store.MemoryStore, owner string) snapshot {
	t.Helper()
	ctx := context.Background()
	a, err := ms.GetAccount(ctx, owner)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	positions, _ := ms.ListPositions(ctx, owner)
	txs, _ := ms.ListTransactions(ctx, owner)
	return snapshot{account: a, positions: positions, txs: txs}
}

func TestExecuteOrder_Scenario(t *testing.T) {
	e, ms := newTestEngine(t)
	ctx := context.Background()

	mustExecute(t, e, order(model.Buy, "AAA", 10, "50"))
	if got := cash(t, ms, "alice"); !got.Equal(d("99500")) {
		t.Errorf("after first buy: cash = %s, want 99500", got)
	}
	pos, _ := ms.GetPosition(ctx, "alice", "AAA")
	if pos.Quantity != 10 || !pos.AverageCost.Equal(d("50")) {
		t.Errorf("after first buy: position = %+v", pos)
	}

	mustExecute(t, e, order(model.Buy, "AAA", 10, "70"))
	if got := cash(t, ms, "alice"); !got.Equal(d("98800")) {
		t.Errorf("after second buy: cash = %s, want 98800", got)
	}
	pos, _ = ms.GetPosition(ctx, "alice", "AAA")
	if pos.Quantity != 20 || !pos.AverageCost.Equal(d("60")) {
		t.Errorf("after second buy: position = %+v, want qty 20 avg 60", pos)
	}

	tx := mustExecute(t, e, order(model.Sell, "AAA", 5, "80"))
	if !tx.TotalValue.Equal(d("400")) {
		t.Errorf("sell total_value = %s, want 400", tx.TotalValue)
	}
	if got := cash(t, ms, "alice"); !got.Equal(d("99200")) {
		t.Errorf("after partial sell: cash = %s, want 99200", got)
	}
	pos, _ = ms.GetPosition(ctx, "alice", "AAA")
	if pos.Quantity != 15 || !pos.AverageCost.Equal(d("60")) {
		t.Errorf("after partial sell: position = %+v, want qty 15 avg 60", pos)
	}

	mustExecute(t, e, order(model.Sell, "AAA", 15, "60"))
	if got := cash(t, ms, "alice"); !got.Equal(d("100100")) {
		t.Errorf("after liquidation: cash = %s, want 100100", got)
	}
	if _, err := ms.GetPosition(ctx, "alice", "AAA"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected position to be deleted, got %v", err)
	}

	txs, _ := ms.ListTransactions(ctx, "alice")
	if len(txs) != 4 {
		t.Fatalf("expected 4 transactions, got %d", len(txs))
	}
	wantSides := []model.Side{model.Buy, model.Buy, model.Sell, model.Sell}
	for i, tx := range txs {
		if tx.Side != wantSides[i] {
			t.Errorf("tx %d side = %s, want %s", i, tx.Side, wantSides[i])
		}
	}
}

func TestExecuteOrder_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup []model.Order
		order model.Order
		kind  Kind
	}{
		{"sell never held", nil, order(model.Sell, "BBB", 1, "10"), UnknownPosition},
		{"buy over cash", nil, order(model.Buy, "AAA", 2001, "50"), InsufficientFunds},
		{"sell more than held", []model.Order{order(model.Buy, "AAA", 5, "50")}, order(model.Sell, "AAA", 6, "50"), InsufficientShares},
		{"zero quantity", nil, order(model.Buy, "AAA", 0, "50"), InvalidOrder},
		{"negative quantity", nil, order(model.Sell, "AAA", -3, "50"), InvalidOrder},
		{"zero price", nil, order(model.Buy, "AAA", 1, "0"), InvalidOrder},
		{"negative price", nil, order(model.Buy, "AAA", 1, "-1"), InvalidOrder},
		{"bad side", nil, model.Order{OwnerID: "alice", Symbol: "AAA", Side: 7, Quantity: 1, Price: d("1")}, InvalidOrder},
		{"missing owner", nil, model.Order{Symbol: "AAA", Side: model.Buy, Quantity: 1, Price: d("1")}, InvalidOrder},
		{"unlisted symbol", nil, order(model.Buy, "ZZZ", 1, "10"), UnknownSymbol},
		{"malformed symbol", nil, order(model.Buy, "not a symbol!", 1, "10"), UnknownSymbol},
		{"unknown account", nil, model.Order{OwnerID: "bob", Symbol: "AAA", Side: model.Buy, Quantity: 1, Price: d("1")}, UnknownAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ms := newTestEngine(t)
			for _, o := range tt.setup {
				mustExecute(t, e, o)
			}
			before := takeSnapshot(t, ms, "alice")

			tx, err := e.ExecuteOrder(context.Background(), tt.order)
			if err == nil {
				t.Fatalf("expected %s, order executed as %+v", tt.kind, tx)
			}
			if got := KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (err: %v)", got, tt.kind, err)
			}
			if !errors.Is(err, &OrderError{Kind: tt.kind}) {
				t.Errorf("errors.Is does not match kind %s", tt.kind)
			}

			after := takeSnapshot(t, ms, "alice")
			if !reflect.DeepEqual(before, after) {
				t.Errorf("rejected order changed state:\nbefore %+v\nafter  %+v", before, after)
			}
		})
	}
}

func TestExecuteOrder_NormalizesSymbol(t *testing.T) {
	e, ms := newTestEngine(t)

	tx := mustExecute(t, e, order(model.Buy, " aaa ", 1, "50"))
	if tx.Symbol != "AAA" {
		t.Errorf("symbol = %q, want AAA", tx.Symbol)
	}
	if _, err := ms.GetPosition(context.Background(), "alice", "AAA"); err != nil {
		t.Errorf("expected AAA position: %v", err)
	}
}

func TestExecuteOrder_RebuyAfterLiquidationStartsFresh(t *testing.T) {
	e, ms := newTestEngine(t)

	mustExecute(t, e, order(model.Buy, "AAA", 10, "50"))
	mustExecute(t, e, order(model.Sell, "AAA", 10, "55"))
	mustExecute(t, e, order(model.Buy, "AAA", 4, "90"))

	pos, err := ms.GetPosition(context.Background(), "alice", "AAA")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Quantity != 4 || !pos.AverageCost.Equal(d("90")) {
		t.Errorf("position = %+v, want qty 4 avg 90", pos)
	}
}

func TestExecuteOrder_RepeatingAverage(t *testing.T) {
	e, ms := newTestEngine(t)

	mustExecute(t, e, order(model.Buy, "AAA", 1, "10"))
	mustExecute(t, e, order(model.Buy, "AAA", 2, "10.01"))

	pos, _ := ms.GetPosition(context.Background(), "alice", "AAA")
	want := d("30.02").DivRound(d("3"), costPrecision)
	if !pos.AverageCost.Equal(want) {
		t.Errorf("average = %s, want %s", pos.AverageCost, want)
	}
}

// failingStore wraps a MemoryStore and fails CommitTrade with err.
type failingStore struct {
	*store.MemoryStore
	err error
}

func (f *failingStore) CommitTrade(context.Context, *store.TradeCommit) error {
	return f.err
}

func TestExecuteOrder_PersistenceError(t *testing.T) {
	for _, cause := range []error{
		errors.New("connection reset"),
		fmt.Errorf("account alice: %w", store.ErrConflict),
	} {
		t.Run(cause.Error(), func(t *testing.T) {
			_, ms := newTestEngine(t)
			e := NewEngine(&failingStore{MemoryStore: ms, err: cause})
			before := takeSnapshot(t, ms, "alice")

			_, err := e.ExecuteOrder(context.Background(), order(model.Buy, "AAA", 1, "50"))
			if !errors.Is(err, ErrPersistence) {
				t.Fatalf("expected PersistenceError, got %v", err)
			}
			if !errors.Is(err, cause) {
				t.Errorf("expected cause %v in chain", cause)
			}
			if after := takeSnapshot(t, ms, "alice"); !reflect.DeepEqual(before, after) {
				t.Errorf("failed commit changed state")
			}
		})
	}
}

func TestExecuteOrder_ConcurrentBuysSameOwner(t *testing.T) {
	e, ms := newTestEngine(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ExecuteOrder(ctx, order(model.Buy, "AAA", 1, "10")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent buy failed: %v", err)
	}

	if got := cash(t, ms, "alice"); !got.Equal(d("99500")) {
		t.Errorf("cash = %s, want 99500", got)
	}
	pos, _ := ms.GetPosition(ctx, "alice", "AAA")
	if pos == nil || pos.Quantity != n {
		t.Errorf("position = %+v, want qty %d", pos, n)
	}
	txs, _ := ms.ListTransactions(ctx, "alice")
	if len(txs) != n {
		t.Errorf("transactions = %d, want %d", len(txs), n)
	}
	if e.locks.size() != 0 {
		t.Errorf("expected owner locks to be released, %d remain", e.locks.size())
	}
}

func TestExecuteOrder_ConcurrentSellsNeverOversell(t *testing.T) {
	e, ms := newTestEngine(t)
	ctx := context.Background()
	mustExecute(t, e, order(model.Buy, "AAA", 10, "50"))

	const n = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	executed := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ExecuteOrder(ctx, order(model.Sell, "AAA", 1, "50"))
			if err == nil {
				mu.Lock()
				executed++
				mu.Unlock()
				return
			}
			if k := KindOf(err); k != UnknownPosition && k != InsufficientShares {
				t.Errorf("unexpected rejection: %v", err)
			}
		}()
	}
	wg.Wait()

	if executed != 10 {
		t.Errorf("executed %d sells, want 10", executed)
	}
	if got := cash(t, ms, "alice"); !got.Equal(d("100000")) {
		t.Errorf("cash = %s, want 100000", got)
	}
	if _, err := ms.GetPosition(ctx, "alice", "AAA"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected position to be closed, got %v", err)
	}
}

func TestExecuteOrder_OwnersIndependent(t *testing.T) {
	e, ms := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.OpenAccount(ctx, "bob"); err != nil {
		t.Fatalf("open account: %v", err)
	}

	mustExecute(t, e, order(model.Buy, "AAA", 100, "50"))
	if _, err := e.ExecuteOrder(ctx, model.Order{OwnerID: "bob", Symbol: "AAA", Side: model.Sell, Quantity: 1, Price: d("50")}); KindOf(err) != UnknownPosition {
		t.Errorf("bob sold alice's shares: %v", err)
	}
	if got := cash(t, ms, "bob"); !got.Equal(d("100000")) {
		t.Errorf("bob cash = %s, want 100000", got)
	}
}

func TestExecuteOrder_TimestampsNonDecreasing(t *testing.T) {
	base := time.Date(2025, 1, 2, 9, 15, 0, 0, time.UTC)
	steps := []time.Duration{0, time.Second, -time.Hour, 2 * time.Second, -time.Minute}
	i := 0
	clock := func() time.Time {
		ts := base.Add(steps[i%len(steps)])
		i++
		return ts
	}

	e, ms := newTestEngine(t, WithClock(clock))
	for j := 0; j < 8; j++ {
		mustExecute(t, e, order(model.Buy, "AAA", 1, "10"))
	}

	txs, _ := ms.ListTransactions(context.Background(), "alice")
	for j := 1; j < len(txs); j++ {
		if txs[j].Timestamp.Before(txs[j-1].Timestamp) {
			t.Errorf("tx %d at %s precedes tx %d at %s", j, txs[j].Timestamp, j-1, txs[j-1].Timestamp)
		}
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.TradeEvent
}

func (r *recordingNotifier) TradeExecuted(ev model.TradeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestExecuteOrder_NotifiesCommittedTrades(t *testing.T) {
	n := &recordingNotifier{}
	seq := 0
	e, _ := newTestEngine(t, WithNotifier(n), WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("tx-%d", seq)
	}))

	mustExecute(t, e, order(model.Buy, "AAA", 3, "50"))
	e.ExecuteOrder(context.Background(), order(model.Sell, "BBB", 1, "50")) // rejected
	mustExecute(t, e, order(model.Sell, "AAA", 3, "55"))

	if len(n.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(n.events))
	}
	buy := n.events[0]
	if buy.Transaction.ID != "tx-1" || buy.Position == nil || buy.Position.Quantity != 3 {
		t.Errorf("buy event = %+v", buy)
	}
	if !buy.CashBalance.Equal(d("99850")) {
		t.Errorf("buy event cash = %s, want 99850", buy.CashBalance)
	}
	sell := n.events[1]
	if sell.Position != nil {
		t.Errorf("closing sell should carry no position, got %+v", sell.Position)
	}
	if !sell.CashBalance.Equal(d("100015")) {
		t.Errorf("sell event cash = %s, want 100015", sell.CashBalance)
	}
}

func TestOpenAccount(t *testing.T) {
	ms := store.NewMemoryStore()
	e := NewEngine(ms, WithStartingBalance(d("2500.50")))
	ctx := context.Background()

	acct, err := e.OpenAccount(ctx, "carol")
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	if !acct.CashBalance.Equal(d("2500.50")) || !acct.OpeningBalance.Equal(d("2500.50")) {
		t.Errorf("account = %+v", acct)
	}

	if _, err := e.OpenAccount(ctx, "carol"); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := e.OpenAccount(ctx, ""); KindOf(err) != InvalidOrder {
		t.Errorf("expected InvalidOrder for empty owner, got %v", err)
	}
}

func TestReconcile(t *testing.T) {
	e, ms := newTestEngine(t)
	ctx := context.Background()

	mustExecute(t, e, order(model.Buy, "AAA", 10, "50"))
	mustExecute(t, e, order(model.Buy, "BBB", 3, "33.33"))
	mustExecute(t, e, order(model.Buy, "AAA", 7, "51.17"))
	mustExecute(t, e, order(model.Sell, "BBB", 3, "40"))

	diffs, err := e.Reconcile(ctx, "alice")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(diffs) != 0 {
		t.Fatalf("expected clean reconcile, got %v", diffs)
	}

	// Commit a trade whose stored effect disagrees with its log entry.
	acct, _ := ms.GetAccount(ctx, "alice")
	err = ms.CommitTrade(ctx, &store.TradeCommit{
		OwnerID:         "alice",
		ExpectedVersion: acct.Version,
		CashBalance:     acct.CashBalance.Sub(d("1000")),
		PositionOp:      store.PositionUpsert,
		Position:        model.Position{OwnerID: "alice", Symbol: "BBB", Quantity: 5, AverageCost: d("100")},
		Transaction: model.Transaction{
			ID: "forged", OwnerID: "alice", Symbol: "BBB", Side: model.Buy,
			Quantity: 5, Price: d("100"), TotalValue: d("500"), Timestamp: time.Now().UTC(),
		},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	diffs, err = e.Reconcile(ctx, "alice")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(diffs) != 1 || diffs[0].Field != "cash_balance" {
		t.Errorf("expected one cash discrepancy, got %v", diffs)
	}
}
