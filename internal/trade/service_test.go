package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/instrument"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/ledger"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/signal"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/store"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// newTestEnv creates a test Service with in-memory store and chi router.
// The store holds instruments AAA (at 50) and INFY.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	seedInstrument(t, ms, "AAA", "50", "48")
	seedInstrument(t, ms, "INFY", "1489.65", "1484.45")

	svc := trade.NewService(ledger.NewEngine(ms), ms, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return svc, ms, r
}

func seedInstrument(t *testing.T, ms *store.MemoryStore, symbol, price, prevClose string) {
	t.Helper()
	err := ms.UpsertInstrument(context.Background(), &model.Instrument{
		Symbol:        symbol,
		Name:          symbol + " Ltd",
		CurrentPrice:  d(price),
		PreviousClose: d(prevClose),
		UpdatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func openAccount(t *testing.T, router chi.Router, owner string) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/accounts", trade.OpenAccountRequest{OwnerID: owner})
	if w.Code != http.StatusCreated {
		t.Fatalf("open account: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func placeOrder(t *testing.T, router chi.Router, owner string, req trade.OrderRequest) (*httptest.ResponseRecorder, trade.OrderResponse) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/accounts/"+owner+"/orders", req)
	var resp trade.OrderResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

// --- Account tests ---

func TestOpenAccount(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/accounts", trade.OpenAccountRequest{OwnerID: "user1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.OwnerID != "user1" || !acct.CashBalance.Equal(d("100000")) {
		t.Errorf("unexpected account: %+v", acct)
	}
}

func TestOpenAccount_Duplicate(t *testing.T) {
	_, _, router := newTestEnv(t)
	openAccount(t, router, "user1")

	w := do(t, router, "POST", "/api/v1/accounts", trade.OpenAccountRequest{OwnerID: "user1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate account, got %d", w.Code)
	}
}

func TestOpenAccount_MissingOwner(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/accounts", trade.OpenAccountRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/accounts/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var resp trade.OrderResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "error" || resp.Kind != ledger.UnknownAccount {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

// --- Order tests ---

func TestPlaceOrder_Scenario(t *testing.T) {
	_, _, router := newTestEnv(t)
	openAccount(t, router, "user1")

	steps := []struct {
		req  trade.OrderRequest
		cash string
	}{
		{trade.OrderRequest{Symbol: "AAA", Side: "buy", Quantity: 10, Price: dp("50")}, "99500"},
		{trade.OrderRequest{Symbol: "AAA", Side: "buy", Quantity: 10, Price: dp("70")}, "98800"},
		{trade.OrderRequest{Symbol: "AAA", Side: "sell", Quantity: 5, Price: dp("80")}, "99200"},
		{trade.OrderRequest{Symbol: "AAA", Side: "sell", Quantity: 15, Price: dp("60")}, "100100"},
	}

	for i, step := range steps {
		w, resp := placeOrder(t, router, "user1", step.req)
		if w.Code != http.StatusOK {
			t.Fatalf("step %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
		if resp.Status != "executed" || resp.TransactionID == "" {
			t.Fatalf("step %d: unexpected response %+v", i, resp)
		}

		w = do(t, router, "GET", "/api/v1/accounts/user1", nil)
		var acct model.Account
		json.Unmarshal(w.Body.Bytes(), &acct)
		if !acct.CashBalance.Equal(d(step.cash)) {
			t.Errorf("step %d: cash = %s, want %s", i, acct.CashBalance, step.cash)
		}
	}

	w := do(t, router, "GET", "/api/v1/accounts/user1/positions", nil)
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 0 {
		t.Errorf("expected AAA position to be closed, got %+v", positions)
	}

	w = do(t, router, "GET", "/api/v1/accounts/user1/transactions", nil)
	var txs []model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txs)
	if len(txs) != 4 {
		t.Fatalf("expected 4 transactions, got %d", len(txs))
	}
	if txs[2].Side != model.Sell || !txs[2].TotalValue.Equal(d("400")) {
		t.Errorf("third transaction = %+v", txs[2])
	}
}

func TestPlaceOrder_DefaultsToMarketPrice(t *testing.T) {
	_, _, router := newTestEnv(t)
	openAccount(t, router, "user1")

	w, resp := placeOrder(t, router, "user1", trade.OrderRequest{Symbol: "infy", Side: "BUY", Quantity: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp.Transaction == nil || !resp.Transaction.Price.Equal(d("1489.65")) || resp.Transaction.Symbol != "INFY" {
		t.Errorf("expected fill at INFY market price, got %+v", resp.Transaction)
	}
}

func TestPlaceOrder_Errors(t *testing.T) {
	tests := []struct {
		name   string
		owner  string
		req    trade.OrderRequest
		status int
		kind   ledger.Kind
	}{
		{"sell never held", "user1", trade.OrderRequest{Symbol: "AAA", Side: "sell", Quantity: 1, Price: dp("50")}, http.StatusConflict, ledger.UnknownPosition},
		{"insufficient funds", "user1", trade.OrderRequest{Symbol: "AAA", Side: "buy", Quantity: 5000, Price: dp("50")}, http.StatusConflict, ledger.InsufficientFunds},
		{"invalid side", "user1", trade.OrderRequest{Symbol: "AAA", Side: "hold", Quantity: 1, Price: dp("50")}, http.StatusBadRequest, ledger.InvalidOrder},
		{"zero quantity", "user1", trade.OrderRequest{Symbol: "AAA", Side: "buy", Quantity: 0, Price: dp("50")}, http.StatusBadRequest, ledger.InvalidOrder},
		{"negative price", "user1", trade.OrderRequest{Symbol: "AAA", Side: "buy", Quantity: 1, Price: dp("-1")}, http.StatusBadRequest, ledger.InvalidOrder},
		{"unknown symbol", "user1", trade.OrderRequest{Symbol: "ZZZ", Side: "buy", Quantity: 1, Price: dp("5")}, http.StatusNotFound, ledger.UnknownSymbol},
		{"unknown symbol at market", "user1", trade.OrderRequest{Symbol: "ZZZ", Side: "buy", Quantity: 1}, http.StatusNotFound, ledger.UnknownSymbol},
		{"unknown account", "ghost", trade.OrderRequest{Symbol: "AAA", Side: "buy", Quantity: 1, Price: dp("5")}, http.StatusNotFound, ledger.UnknownAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ms, router := newTestEnv(t)
			openAccount(t, router, "user1")

			w, resp := placeOrder(t, router, tt.owner, tt.req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if resp.Status != "error" || resp.Kind != tt.kind {
				t.Errorf("expected error kind %s, got %+v", tt.kind, resp)
			}

			txs, _ := ms.ListTransactions(context.Background(), "user1")
			if len(txs) != 0 {
				t.Errorf("rejected order was logged: %+v", txs)
			}
		})
	}
}

func TestPlaceOrder_MalformedBody(t *testing.T) {
	_, _, router := newTestEnv(t)
	openAccount(t, router, "user1")

	req := httptest.NewRequest("POST", "/api/v1/accounts/user1/orders", strings.NewReader(`{"symbol":`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Query tests ---

func TestListTransactions_FilterBySymbol(t *testing.T) {
	_, _, router := newTestEnv(t)
	openAccount(t, router, "user1")
	placeOrder(t, router, "user1", trade.OrderRequest{Symbol: "AAA", Side: "buy", Quantity: 1, Price: dp("50")})
	placeOrder(t, router, "user1", trade.OrderRequest{Symbol: "INFY", Side: "buy", Quantity: 1, Price: dp("1500")})

	w := do(t, router, "GET", "/api/v1/accounts/user1/transactions?symbol=infy", nil)
	var txs []model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txs)
	if len(txs) != 1 || txs[0].Symbol != "INFY" {
		t.Errorf("expected only INFY, got %+v", txs)
	}
}

func TestGetPortfolio(t *testing.T) {
	_, _, router := newTestEnv(t)
	openAccount(t, router, "user1")
	placeOrder(t, router, "user1", trade.OrderRequest{Symbol: "AAA", Side: "buy", Quantity: 10, Price: dp("40")})

	w := do(t, router, "GET", "/api/v1/accounts/user1/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var p model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &p)
	if len(p.Holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(p.Holdings))
	}
	if !p.Holdings[0].UnrealizedPnL.Equal(d("100")) || !p.ProfitLossPct.Equal(d("25")) {
		t.Errorf("unexpected P&L: %+v", p)
	}
	if !p.TotalValue.Equal(d("100100")) {
		t.Errorf("total value = %s, want 100100", p.TotalValue)
	}
}

func TestGetPortfolio_UnknownAccount(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/accounts/nobody/portfolio", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListInstruments(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/instruments", nil)
	var quotes []instrument.Quote
	json.Unmarshal(w.Body.Bytes(), &quotes)
	if len(quotes) != 2 || quotes[0].Symbol != "AAA" {
		t.Fatalf("unexpected instruments: %s", w.Body.String())
	}
	if !quotes[0].Change.Equal(d("2")) || !quotes[0].ChangePercent.Equal(d("4.17")) {
		t.Errorf("AAA change = %s (%s%%), want 2 (4.17%%)", quotes[0].Change, quotes[0].ChangePercent)
	}
}

func TestGetInstrument(t *testing.T) {
	_, _, router := newTestEnv(t)

	if w := do(t, router, "GET", "/api/v1/instruments/infy", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/instruments/NOPE", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/instruments/bad%20symbol", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Quotes and signals ---

func TestUpdateQuote(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/instruments/AAA/quote", trade.QuoteRequest{Price: d("55")})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	inst, _ := ms.GetInstrument(context.Background(), "AAA")
	if !inst.CurrentPrice.Equal(d("55")) || !inst.PreviousClose.Equal(d("48")) {
		t.Errorf("instrument = %+v", inst)
	}

	if w := do(t, router, "POST", "/api/v1/instruments/AAA/quote", trade.QuoteRequest{Price: d("0")}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero price, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/instruments/ZZZ/quote", trade.QuoteRequest{Price: d("1")}); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown instrument, got %d", w.Code)
	}
}

func TestGetSignals(t *testing.T) {
	_, _, router := newTestEnv(t)

	for _, p := range []string{"10", "11", "12", "13", "14"} {
		do(t, router, "POST", "/api/v1/instruments/AAA/quote", trade.QuoteRequest{Price: d(p)})
	}
	// Current price is now 14.

	w := do(t, router, "GET", "/api/v1/instruments/AAA/signals?period=3&rsi_period=4", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var s signal.Signals
	json.Unmarshal(w.Body.Bytes(), &s)
	if !s.MA.Valid || !s.MA.Decimal.Equal(d("13")) {
		t.Errorf("moving average = %+v, want 13", s.MA)
	}
	if s.MASignal != signal.Buy || s.RSISignal != signal.Sell || s.Overall != signal.Buy {
		t.Errorf("signals = %+v", s)
	}

	// Not enough history for the default windows.
	w = do(t, router, "GET", "/api/v1/instruments/AAA/signals", nil)
	json.Unmarshal(w.Body.Bytes(), &s)
	if s.MA.Valid || s.RSI.Valid || s.Overall != signal.Hold {
		t.Errorf("expected undefined indicators, got %s", w.Body.String())
	}

	if w := do(t, router, "GET", "/api/v1/instruments/AAA/signals?period=-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad period, got %d", w.Code)
	}
}

// --- WebSocket ---

func TestWSHub_BroadcastsTrades(t *testing.T) {
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ev := model.TradeEvent{Transaction: model.Transaction{
		ID: "tx-1", OwnerID: "user1", Symbol: "AAA", Side: model.Buy,
		Quantity: 3, Price: d("50"), TotalValue: d("150"), Timestamp: time.Now().UTC(),
	}}

	// Registration races the first publish, so keep publishing until the
	// client sees a message.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Publish(ctx, ev)
			}
		}
	}()

	var msg trade.WSMessage
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}

	if msg.Type != "trade_executed" || msg.Symbol != "AAA" || msg.Side != "buy" || msg.Quantity != 3 {
		t.Errorf("unexpected message: %+v", msg)
	}
}
