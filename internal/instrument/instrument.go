// Package instrument handles ticker symbol parsing and normalization, and
// derives quote statistics (day change) from an instrument's prices.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/model"
)

// symbolRegex matches exchange tickers such as RELIANCE, BRK.B or M&M.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9&.\-]{0,19}$`)

var ErrInvalidSymbol = errors.New("instrument: invalid symbol")

var hundred = decimal.NewFromInt(100)

// NormalizeSymbol trims and upper-cases a ticker and validates its format.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// Quote is an instrument together with its change against the previous close.
type Quote struct {
	model.Instrument
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

// NewQuote computes the day change of inst. ChangePercent is zero when the
// previous close is unknown (zero).
func NewQuote(inst model.Instrument) Quote {
	q := Quote{Instrument: inst}
	q.Change = inst.CurrentPrice.Sub(inst.PreviousClose)
	if inst.PreviousClose.IsPositive() {
		q.ChangePercent = q.Change.Div(inst.PreviousClose).Mul(hundred).Round(2)
	}
	return q
}

// Quotes maps NewQuote over a slice.
func Quotes(insts []model.Instrument) []Quote {
	out := make([]Quote, 0, len(insts))
	for _, inst := range insts {
		out = append(out, NewQuote(inst))
	}
	return out
}
