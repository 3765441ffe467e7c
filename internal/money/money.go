// Package money converts between nano-TON integers and display amounts.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NanoPerTON is the number of smallest units in one TON.
const NanoPerTON = 1_000_000_000

var nanoPerTON = decimal.NewFromInt(NanoPerTON)

// FormatTON renders nano as a TON amount without trailing zeros.
func FormatTON(nano int64) string {
	return decimal.NewFromInt(nano).Div(nanoPerTON).String()
}

// ParseTON parses a decimal TON amount into nano-TON. More than nine
// fractional digits is an error rather than a silent rounding.
func ParseTON(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	nano := d.Mul(nanoPerTON)
	if !nano.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than 9 decimal places", s)
	}
	if !nano.IsPositive() {
		return 0, fmt.Errorf("amount %q must be positive", s)
	}
	return nano.IntPart(), nil
}

// Fiat converts nano-TON to a fiat amount at rate (price of one TON), rounded to cents.
func Fiat(nano int64, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(nano).Mul(rate).Div(nanoPerTON).Round(2)
}

// Percent returns floor(amount * pct / 100).
func Percent(amount, pct int64) int64 {
	return amount * pct / 100
}
