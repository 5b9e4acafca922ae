package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Valuate marks positions to the current prices in instruments. A position
// whose instrument is missing is valued at its average cost. Percentages are
// rounded to two places and are zero when nothing is invested.
func Valuate(acct model.Account, positions []model.Position, instruments []model.Instrument) model.Portfolio {
	bySymbol := make(map[string]model.Instrument, len(instruments))
	for _, inst := range instruments {
		bySymbol[inst.Symbol] = inst
	}

	p := model.Portfolio{
		OwnerID:        acct.OwnerID,
		CashBalance:    acct.CashBalance,
		Holdings:       make([]model.Holding, 0, len(positions)),
		InvestedAmount: decimal.Zero,
		MarketValue:    decimal.Zero,
	}

	for _, pos := range positions {
		qty := decimal.NewFromInt(pos.Quantity)
		price := pos.AverageCost
		inst, ok := bySymbol[pos.Symbol]
		if ok && inst.CurrentPrice.IsPositive() {
			price = inst.CurrentPrice
		}

		invested := pos.AverageCost.Mul(qty)
		current := price.Mul(qty)
		pnl := current.Sub(invested)

		p.Holdings = append(p.Holdings, model.Holding{
			Symbol:           pos.Symbol,
			Name:             inst.Name,
			Quantity:         pos.Quantity,
			AverageCost:      pos.AverageCost,
			CurrentPrice:     price,
			InvestedValue:    invested,
			CurrentValue:     current,
			UnrealizedPnL:    pnl,
			UnrealizedPnLPct: percentOf(pnl, invested),
		})
		p.InvestedAmount = p.InvestedAmount.Add(invested)
		p.MarketValue = p.MarketValue.Add(current)
	}

	p.TotalValue = p.CashBalance.Add(p.MarketValue)
	p.ProfitLoss = p.MarketValue.Sub(p.InvestedAmount)
	p.ProfitLossPct = percentOf(p.ProfitLoss, p.InvestedAmount)
	return p
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Mul(hundred).DivRound(whole, 2)
}
