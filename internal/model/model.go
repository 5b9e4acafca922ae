// Package model defines the core domain types shared across the ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order. It has exactly two valid values.
type Side uint8

const (
	// Buy exchanges cash for shares.
	Buy Side = iota + 1
	// Sell exchanges shares for cash.
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// ParseSide parses "buy" or "sell" (case-insensitive).
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown order side: %q", s)
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid side %d", s)
	}
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	side, err := ParseSide(str)
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// Account holds one owner's cash. Version increments on every committed
// trade and guards concurrent writers. OpeningBalance is the cash the account
// was created with; replaying the transaction log from it yields CashBalance.
type Account struct {
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	CashBalance    decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	OpeningBalance decimal.Decimal `json:"opening_balance" db:"opening_balance"`
	Version        int64           `json:"version" db:"version"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Position is an owner's open holding of one symbol. A position never has a
// zero quantity: it is deleted instead.
type Position struct {
	OwnerID     string          `json:"owner_id" db:"owner_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of an executed trade.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID         string          `json:"id" db:"id"`
	OwnerID    string          `json:"owner_id" db:"owner_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Side       Side            `json:"side" db:"side"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	TotalValue decimal.Decimal `json:"total_value" db:"total_value"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// Instrument is a tradeable symbol with its last known prices.
type Instrument struct {
	Symbol        string          `json:"symbol" db:"symbol"`
	Name          string          `json:"name" db:"name"`
	CurrentPrice  decimal.Decimal `json:"current_price" db:"current_price"`
	PreviousClose decimal.Decimal `json:"previous_close" db:"previous_close"`
	Volume        int64           `json:"volume" db:"volume"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// PricePoint is one observed price of a symbol.
type PricePoint struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

// Order is a request to trade, as received from an authenticated owner.
type Order struct {
	OwnerID  string          `json:"owner_id"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Holding is a position marked to the instrument's current price.
type Holding struct {
	Symbol           string          `json:"symbol"`
	Name             string          `json:"name"`
	Quantity         int64           `json:"quantity"`
	AverageCost      decimal.Decimal `json:"average_cost"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	InvestedValue    decimal.Decimal `json:"invested_value"`
	CurrentValue     decimal.Decimal `json:"current_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
}

// Portfolio aggregates an owner's holdings and cash.
type Portfolio struct {
	OwnerID        string          `json:"owner_id"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	Holdings       []Holding       `json:"holdings"`
	InvestedAmount decimal.Decimal `json:"invested_amount"`
	MarketValue    decimal.Decimal `json:"market_value"`
	TotalValue     decimal.Decimal `json:"total_value"` // cash + market value
	ProfitLoss     decimal.Decimal `json:"profit_loss"`
	ProfitLossPct  decimal.Decimal `json:"profit_loss_pct"`
}

// TradeEvent describes a committed trade and the owner's resulting state.
// Position is nil when the trade closed the position.
type TradeEvent struct {
	Transaction Transaction     `json:"transaction"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Position    *Position       `json:"position,omitempty"`
}
