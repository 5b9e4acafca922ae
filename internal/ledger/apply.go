package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/store"
)

// costPrecision is the number of decimal places kept when a buy recomputes
// the average cost. Exact averages (terminating decimals) are unaffected.
const costPrecision = 16

// Validate checks the shape of an order: owner, side, quantity and price.
// Whether the symbol resolves is the engine's job.
func Validate(o model.Order) error {
	switch {
	case o.OwnerID == "":
		return orderErr(InvalidOrder, "owner_id is required")
	case !o.Side.Valid():
		return orderErr(InvalidOrder, "side must be buy or sell")
	case o.Quantity <= 0:
		return orderErr(InvalidOrder, "quantity must be positive, got %d", o.Quantity)
	case !o.Price.IsPositive():
		return orderErr(InvalidOrder, "price must be positive, got %s", o.Price)
	}
	return nil
}

// Apply computes the complete effect of executing o against acct and pos,
// where pos is nil if the owner holds no position in o.Symbol. It has no
// side effects; a rejected order returns an *OrderError and no commit.
//
// Buys recompute the weighted average cost:
//
//	avg' = (avg·q + price·qty) / (q + qty)
//
// Sells leave the average untouched and delete the position when it is
// fully liquidated.
func Apply(acct model.Account, pos *model.Position, o model.Order, at time.Time, txID string) (*store.TradeCommit, error) {
	if err := Validate(o); err != nil {
		return nil, err
	}

	qty := decimal.NewFromInt(o.Quantity)
	total := o.Price.Mul(qty)

	c := &store.TradeCommit{
		OwnerID:         acct.OwnerID,
		ExpectedVersion: acct.Version,
		Transaction: model.Transaction{
			ID:         txID,
			OwnerID:    acct.OwnerID,
			Symbol:     o.Symbol,
			Side:       o.Side,
			Quantity:   o.Quantity,
			Price:      o.Price,
			TotalValue: total,
			Timestamp:  at,
		},
	}

	switch o.Side {
	case model.Buy:
		if acct.CashBalance.LessThan(total) {
			return nil, orderErr(InsufficientFunds,
				"order costs %s, cash balance is %s", total, acct.CashBalance)
		}
		c.CashBalance = acct.CashBalance.Sub(total)
		c.PositionOp = store.PositionUpsert

		if pos == nil {
			c.Position = model.Position{
				OwnerID:     acct.OwnerID,
				Symbol:      o.Symbol,
				Quantity:    o.Quantity,
				AverageCost: o.Price,
				UpdatedAt:   at,
			}
			break
		}

		newQty := pos.Quantity + o.Quantity
		if newQty < pos.Quantity {
			return nil, orderErr(InvalidOrder, "quantity %d overflows position of %d", o.Quantity, pos.Quantity)
		}
		held := pos.AverageCost.Mul(decimal.NewFromInt(pos.Quantity))
		c.Position = model.Position{
			OwnerID:     acct.OwnerID,
			Symbol:      o.Symbol,
			Quantity:    newQty,
			AverageCost: held.Add(total).DivRound(decimal.NewFromInt(newQty), costPrecision),
			UpdatedAt:   at,
		}

	case model.Sell:
		if pos == nil {
			return nil, orderErr(UnknownPosition, "no open position in %s", o.Symbol)
		}
		if pos.Quantity < o.Quantity {
			return nil, orderErr(InsufficientShares,
				"selling %d %s, holding %d", o.Quantity, o.Symbol, pos.Quantity)
		}
		c.CashBalance = acct.CashBalance.Add(total)

		if pos.Quantity == o.Quantity {
			c.PositionOp = store.PositionDelete
			c.Position = model.Position{OwnerID: acct.OwnerID, Symbol: o.Symbol}
			break
		}
		c.PositionOp = store.PositionUpsert
		c.Position = model.Position{
			OwnerID:     acct.OwnerID,
			Symbol:      o.Symbol,
			Quantity:    pos.Quantity - o.Quantity,
			AverageCost: pos.AverageCost,
			UpdatedAt:   at,
		}
	}

	return c, nil
}

// Replay rebuilds cash and the position book by applying txs, in order, to an
// account that started with openingBalance. It fails on the first
// transaction that could not have been executed.
func Replay(ownerID string, openingBalance decimal.Decimal, txs []model.Transaction) (decimal.Decimal, map[string]model.Position, error) {
	acct := model.Account{OwnerID: ownerID, CashBalance: openingBalance}
	book := make(map[string]model.Position)

	for i, t := range txs {
		var pos *model.Position
		if p, ok := book[t.Symbol]; ok {
			pos = &p
		}
		o := model.Order{OwnerID: ownerID, Symbol: t.Symbol, Side: t.Side, Quantity: t.Quantity, Price: t.Price}
		c, err := Apply(acct, pos, o, t.Timestamp, t.ID)
		if err != nil {
			return decimal.Zero, nil, fmt.Errorf("replay transaction %d (%s): %w", i, t.ID, err)
		}

		acct.CashBalance = c.CashBalance
		if c.PositionOp == store.PositionDelete {
			delete(book, t.Symbol)
		} else {
			book[t.Symbol] = c.Position
		}
	}
	return acct.CashBalance, book, nil
}
