// Package signal computes advisory trading signals from a symbol's price
// history. Nothing here reads or writes ledger state; the output is for
// display only and never gates an order.
//
// Prices are ordered oldest to newest. An indicator that cannot be computed
// from the available history is reported as an invalid decimal.NullDecimal.
package signal

import (
	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places kept in indicator values.
const Scale int32 = 8

const (
	// DefaultMAPeriod is the moving average window.
	DefaultMAPeriod = 9
	// DefaultRSIPeriod is the number of price changes the RSI averages.
	DefaultRSIPeriod = 14
)

var (
	hundred    = decimal.NewFromInt(100)
	overbought = decimal.NewFromInt(70)
	oversold   = decimal.NewFromInt(30)
)

// Label is an advisory outcome.
type Label string

const (
	Buy     Label = "buy"
	Sell    Label = "sell"
	Neutral Label = "neutral"
	Hold    Label = "hold"
)

// MovingAverage returns the unweighted mean of the last period prices.
func MovingAverage(prices []decimal.Decimal, period int) decimal.NullDecimal {
	if period <= 0 || len(prices) < period {
		return decimal.NullDecimal{}
	}

	sum := decimal.Zero
	for _, p := range prices[len(prices)-period:] {
		sum = sum.Add(p)
	}
	return valid(sum.DivRound(decimal.NewFromInt(int64(period)), Scale))
}

// RSI returns the relative strength index over the first period changes of
// prices (not a trailing window). It is 100 when there were no losses.
func RSI(prices []decimal.Decimal, period int) decimal.NullDecimal {
	if period <= 0 || len(prices) < period+1 {
		return decimal.NullDecimal{}
	}

	gain, loss := decimal.Zero, decimal.Zero
	for i := 1; i <= period; i++ {
		delta := prices[i].Sub(prices[i-1])
		if delta.IsPositive() {
			gain = gain.Add(delta)
		} else {
			loss = loss.Sub(delta)
		}
	}

	if loss.IsZero() {
		return valid(hundred)
	}

	// 100 - 100/(1+g/l) == 100·g/(g+l); the period divisor cancels.
	return valid(hundred.Mul(gain).DivRound(gain.Add(loss), Scale))
}

// Signals is the advisory output for one symbol.
type Signals struct {
	CurrentPrice decimal.Decimal     `json:"current_price"`
	MA           decimal.NullDecimal `json:"moving_average"`
	RSI          decimal.NullDecimal `json:"rsi"`
	MASignal     Label               `json:"ma_signal"`
	RSISignal    Label               `json:"rsi_signal"`
	Overall      Label               `json:"overall_signal"`
}

// Generate labels the current price against the moving average and RSI.
// A missing or zero indicator yields a neutral label.
//
// The overall signal is buy when the price is above its average while the
// RSI reads overbought, sell when both indicators say sell, and hold in
// every other case.
func Generate(current decimal.Decimal, ma, rsi decimal.NullDecimal) Signals {
	s := Signals{
		CurrentPrice: current,
		MA:           ma,
		RSI:          rsi,
		MASignal:     Neutral,
		RSISignal:    Neutral,
		Overall:      Hold,
	}

	if present(ma) {
		switch current.Cmp(ma.Decimal) {
		case 1:
			s.MASignal = Buy
		case -1:
			s.MASignal = Sell
		}
	}

	if present(rsi) {
		switch {
		case rsi.Decimal.GreaterThan(overbought):
			s.RSISignal = Sell
		case rsi.Decimal.LessThan(oversold):
			s.RSISignal = Buy
		}
	}

	switch {
	case s.MASignal == Buy && s.RSISignal == Sell:
		s.Overall = Buy
	case s.MASignal == Sell && s.RSISignal == Sell:
		s.Overall = Sell
	}
	return s
}

// Analyze computes both indicators from prices and labels current.
func Analyze(prices []decimal.Decimal, current decimal.Decimal, maPeriod, rsiPeriod int) Signals {
	return Generate(current, MovingAverage(prices, maPeriod), RSI(prices, rsiPeriod))
}

func valid(v decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: v, Valid: true}
}

func present(v decimal.NullDecimal) bool {
	return v.Valid && !v.Decimal.IsZero()
}
