// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a row whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict is returned by CommitTrade when the account was modified
	// after it was read. Nothing was written.
	ErrConflict = errors.New("store: concurrent modification")
)

// PositionOp selects what CommitTrade does to the traded position.
type PositionOp uint8

const (
	// PositionUpsert creates or replaces the position row.
	PositionUpsert PositionOp = iota + 1
	// PositionDelete removes the position row.
	PositionDelete
)

// TradeCommit is the complete effect of one executed order. It is applied
// all-or-nothing: the account balance, the position change and the
// transaction row persist together or not at all.
type TradeCommit struct {
	OwnerID string

	// ExpectedVersion is the account version the trade was computed from.
	ExpectedVersion int64
	CashBalance     decimal.Decimal

	PositionOp PositionOp
	Position   model.Position // for PositionDelete only OwnerID/Symbol are used

	Transaction model.Transaction
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. ErrAlreadyExists if the owner
	// already has one.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an owner's account.
	GetAccount(ctx context.Context, ownerID string) (*model.Account, error)

	// --- Position book ---

	// GetPosition returns the open position for (owner, symbol), or ErrNotFound.
	GetPosition(ctx context.Context, ownerID, symbol string) (*model.Position, error)

	// ListPositions returns all open positions of an owner ordered by symbol.
	ListPositions(ctx context.Context, ownerID string) ([]model.Position, error)

	// --- Immutable transaction log ---

	// CommitTrade atomically applies an executed order. Returns ErrConflict
	// if the account version no longer matches.
	CommitTrade(ctx context.Context, c *TradeCommit) error

	// ListTransactions returns an owner's transactions in commit order.
	ListTransactions(ctx context.Context, ownerID string) ([]model.Transaction, error)

	// ListTransactionsBySymbol returns all transactions of a symbol in commit order.
	ListTransactionsBySymbol(ctx context.Context, symbol string) ([]model.Transaction, error)

	// --- Instruments ---

	// UpsertInstrument creates or replaces an instrument.
	UpsertInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument retrieves an instrument by symbol.
	GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error)

	// ListInstruments returns all instruments ordered by symbol.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdateQuote sets the current price (and the previous close when
	// non-zero) and appends a point to the price history.
	UpdateQuote(ctx context.Context, symbol string, price, previousClose decimal.Decimal, at time.Time) (*model.Instrument, error)

	// PriceHistory returns up to limit most recent prices, oldest first.
	// limit <= 0 returns the full history.
	PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PricePoint, error)
}

// SeedInstruments creates each instrument that does not exist yet and leaves
// existing ones untouched. It returns the number created.
func SeedInstruments(ctx context.Context, st Store, insts []model.Instrument) (int, error) {
	created := 0
	for i := range insts {
		_, err := st.GetInstrument(ctx, insts[i].Symbol)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, err
		}
		if err := st.UpsertInstrument(ctx, &insts[i]); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
