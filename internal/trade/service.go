// Package trade provides the HTTP handlers for opening accounts, placing
// orders, and querying accounts, positions, transactions and instruments.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/instrument"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/ledger"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/signal"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/store"
)

// Service exposes the ledger over HTTP. Order execution and all writes to
// accounts, positions and transactions go through the engine; the store is
// used directly only for reads and quote updates.
type Service struct {
	engine   *ledger.Engine
	store    store.Store
	wsHub    *WSHub // optional WebSocket hub for quote broadcasts
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(engine *ledger.Engine, st store.Store, hub *WSHub) *Service {
	return &Service{
		engine:   engine,
		store:    st,
		wsHub:    hub,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Routes mounts the ledger API on r, which is expected to be the /api/v1
// sub-router.
func (s *Service) Routes(r chi.Router) {
	// Accounts and order entry.
	r.Post("/accounts", s.OpenAccount)
	r.Get("/accounts/{ownerID}", s.GetAccount)
	r.Post("/accounts/{ownerID}/orders", s.PlaceOrder)
	r.Get("/accounts/{ownerID}/positions", s.ListPositions)
	r.Get("/accounts/{ownerID}/transactions", s.ListTransactions)
	r.Get("/accounts/{ownerID}/portfolio", s.GetPortfolio)

	// Instruments and quotes.
	r.Get("/instruments", s.ListInstruments)
	r.Get("/instruments/{symbol}", s.GetInstrument)
	r.Post("/instruments/{symbol}/quote", s.UpdateQuote)
	r.Get("/instruments/{symbol}/signals", s.GetSignals)
}

// --- Request/Response types ---

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	OwnerID string `json:"owner_id" validate:"required,max=64"`
}

// OrderRequest is the JSON body for POST /accounts/{ownerID}/orders.
// A missing price executes at the instrument's current price.
type OrderRequest struct {
	Symbol   string           `json:"symbol" validate:"required"`
	Side     string           `json:"side" validate:"required"`
	Quantity int64            `json:"quantity"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

// OrderResponse is the result of an order: either executed with the
// transaction, or an error with its kind.
type OrderResponse struct {
	Status        string             `json:"status"`
	TransactionID string             `json:"transaction_id,omitempty"`
	Transaction   *model.Transaction `json:"transaction,omitempty"`
	Kind          ledger.Kind        `json:"kind,omitempty"`
	Message       string             `json:"message,omitempty"`
}

// QuoteRequest is the JSON body for POST /instruments/{symbol}/quote.
type QuoteRequest struct {
	Price         decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
}

const (
	statusExecuted = "executed"
	statusError    = "error"
)

// --- HTTP Handlers ---

// OpenAccount handles POST /api/v1/accounts
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ledger.InvalidOrder, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, ledger.InvalidOrder, err.Error(), http.StatusBadRequest)
		return
	}

	acct, err := s.engine.OpenAccount(r.Context(), req.OwnerID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, "", "account already exists for "+req.OwnerID, http.StatusConflict)
			return
		}
		slog.Error("open account failed", "owner", req.OwnerID, "err", err)
		writeError(w, ledger.PersistenceError, "failed to open account", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusCreated, acct)
}

// PlaceOrder handles POST /api/v1/accounts/{ownerID}/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ledger.InvalidOrder, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, ledger.InvalidOrder, err.Error(), http.StatusBadRequest)
		return
	}

	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, ledger.InvalidOrder, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	order := model.Order{OwnerID: ownerID, Symbol: req.Symbol, Side: side, Quantity: req.Quantity}

	if req.Price != nil {
		order.Price = *req.Price
	} else {
		price, err := s.marketPrice(r, req.Symbol)
		if err != nil {
			writeOrderError(w, err)
			return
		}
		order.Price = price
	}

	tx, err := s.engine.ExecuteOrder(ctx, order)
	if err != nil {
		writeOrderError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, OrderResponse{
		Status:        statusExecuted,
		TransactionID: tx.ID,
		Transaction:   tx,
	})
}

// marketPrice returns the current price of symbol, or an *ledger.OrderError
// the engine would have produced for it.
func (s *Service) marketPrice(r *http.Request, symbol string) (decimal.Decimal, error) {
	sym, err := instrument.NormalizeSymbol(symbol)
	if err != nil {
		return decimal.Zero, &ledger.OrderError{Kind: ledger.UnknownSymbol, Message: err.Error()}
	}
	inst, err := s.store.GetInstrument(r.Context(), sym)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, &ledger.OrderError{Kind: ledger.UnknownSymbol, Message: "no instrument " + sym}
		}
		return decimal.Zero, &ledger.OrderError{Kind: ledger.PersistenceError, Message: "load instrument", Err: err}
	}
	return inst.CurrentPrice, nil
}

// GetAccount handles GET /api/v1/accounts/{ownerID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	acct, err := s.store.GetAccount(r.Context(), ownerID)
	if err != nil {
		writeLookupError(w, err, ledger.UnknownAccount, "account not found")
		return
	}

	writeJSON(w, http.StatusOK, acct)
}

// ListPositions handles GET /api/v1/accounts/{ownerID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	ctx := r.Context()

	if _, err := s.store.GetAccount(ctx, ownerID); err != nil {
		writeLookupError(w, err, ledger.UnknownAccount, "account not found")
		return
	}

	positions, err := s.store.ListPositions(ctx, ownerID)
	if err != nil {
		writeError(w, ledger.PersistenceError, "failed to load positions", http.StatusServiceUnavailable)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	writeJSON(w, http.StatusOK, positions)
}

// ListTransactions handles GET /api/v1/accounts/{ownerID}/transactions
// Returns the owner's transactions in commit order, optionally filtered
// by ?symbol=.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	ctx := r.Context()

	if _, err := s.store.GetAccount(ctx, ownerID); err != nil {
		writeLookupError(w, err, ledger.UnknownAccount, "account not found")
		return
	}

	txs, err := s.store.ListTransactions(ctx, ownerID)
	if err != nil {
		writeError(w, ledger.PersistenceError, "failed to load transactions", http.StatusServiceUnavailable)
		return
	}

	if q := r.URL.Query().Get("symbol"); q != "" {
		sym, err := instrument.NormalizeSymbol(q)
		if err != nil {
			writeError(w, ledger.UnknownSymbol, err.Error(), http.StatusBadRequest)
			return
		}
		filtered := txs[:0:0]
		for _, tx := range txs {
			if tx.Symbol == sym {
				filtered = append(filtered, tx)
			}
		}
		txs = filtered
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	writeJSON(w, http.StatusOK, txs)
}

// GetPortfolio handles GET /api/v1/accounts/{ownerID}/portfolio
// Returns holdings marked to current prices with unrealized P&L.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	portfolio, err := s.engine.Portfolio(r.Context(), ownerID)
	if err != nil {
		writeLookupError(w, err, ledger.UnknownAccount, "account not found")
		return
	}

	writeJSON(w, http.StatusOK, portfolio)
}

// ListInstruments handles GET /api/v1/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	insts, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, ledger.PersistenceError, "failed to list instruments", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, instrument.Quotes(insts))
}

// GetInstrument handles GET /api/v1/instruments/{symbol}
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	sym, ok := symbolParam(w, r)
	if !ok {
		return
	}

	inst, err := s.store.GetInstrument(r.Context(), sym)
	if err != nil {
		writeLookupError(w, err, ledger.UnknownSymbol, "instrument not found")
		return
	}

	writeJSON(w, http.StatusOK, instrument.NewQuote(*inst))
}

// UpdateQuote handles POST /api/v1/instruments/{symbol}/quote
// Records a new market price supplied by an external price source.
func (s *Service) UpdateQuote(w http.ResponseWriter, r *http.Request) {
	sym, ok := symbolParam(w, r)
	if !ok {
		return
	}

	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ledger.InvalidOrder, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, ledger.InvalidOrder, "price must be positive", http.StatusBadRequest)
		return
	}
	if req.PreviousClose.IsNegative() {
		writeError(w, ledger.InvalidOrder, "previous_close must not be negative", http.StatusBadRequest)
		return
	}

	inst, err := s.store.UpdateQuote(r.Context(), sym, req.Price, req.PreviousClose, s.now().UTC())
	if err != nil {
		writeLookupError(w, err, ledger.UnknownSymbol, "instrument not found")
		return
	}

	quote := instrument.NewQuote(*inst)
	slog.Info("quote updated", "symbol", sym, "price", inst.CurrentPrice.String(), "change_pct", quote.ChangePercent.String())

	if s.wsHub != nil {
		s.wsHub.BroadcastQuote(quote)
	}

	writeJSON(w, http.StatusOK, quote)
}

// GetSignals handles GET /api/v1/instruments/{symbol}/signals
// Query: period (moving average window, default 9), rsi_period (default 14),
// limit (most recent prices considered, default all).
func (s *Service) GetSignals(w http.ResponseWriter, r *http.Request) {
	sym, ok := symbolParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	maPeriod, err1 := intParam(q.Get("period"), signal.DefaultMAPeriod)
	rsiPeriod, err2 := intParam(q.Get("rsi_period"), signal.DefaultRSIPeriod)
	limit, err3 := intParam(q.Get("limit"), 0)
	if err := errors.Join(err1, err2, err3); err != nil || maPeriod < 1 || rsiPeriod < 1 || limit < 0 {
		writeError(w, "", "period, rsi_period and limit must be positive integers", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	inst, err := s.store.GetInstrument(ctx, sym)
	if err != nil {
		writeLookupError(w, err, ledger.UnknownSymbol, "instrument not found")
		return
	}

	history, err := s.store.PriceHistory(ctx, sym, limit)
	if err != nil {
		writeError(w, ledger.PersistenceError, "failed to load price history", http.StatusServiceUnavailable)
		return
	}
	prices := make([]decimal.Decimal, len(history))
	for i, p := range history {
		prices[i] = p.Price
	}

	writeJSON(w, http.StatusOK, signal.Analyze(prices, inst.CurrentPrice, maPeriod, rsiPeriod))
}

// --- helpers ---

func symbolParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	sym, err := instrument.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, ledger.UnknownSymbol, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return sym, true
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// statusFor maps an order error kind to its HTTP status.
func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.InvalidOrder:
		return http.StatusBadRequest
	case ledger.UnknownSymbol, ledger.UnknownAccount:
		return http.StatusNotFound
	case ledger.InsufficientFunds, ledger.InsufficientShares, ledger.UnknownPosition:
		return http.StatusConflict
	case ledger.PersistenceError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeOrderError(w http.ResponseWriter, err error) {
	var oe *ledger.OrderError
	if !errors.As(err, &oe) {
		slog.Error("unexpected order failure", "err", err)
		writeError(w, "", "internal error", http.StatusInternalServerError)
		return
	}
	msg := oe.Message
	if oe.Kind == ledger.PersistenceError {
		// Storage details stay in the logs.
		msg = "order could not be committed, retry"
	}
	writeError(w, oe.Kind, msg, statusFor(oe.Kind))
}

// writeLookupError writes 404 with kind for ErrNotFound and 503 otherwise.
func writeLookupError(w http.ResponseWriter, err error, kind ledger.Kind, notFoundMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, kind, notFoundMsg, http.StatusNotFound)
		return
	}
	slog.Error("store lookup failed", "err", err)
	writeError(w, ledger.PersistenceError, "storage unavailable", http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, kind ledger.Kind, message string, status int) {
	writeJSON(w, status, OrderResponse{Status: statusError, Kind: kind, Message: message})
}
