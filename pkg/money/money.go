// Package money converts external decimal amounts to integer minor units.
// Everything past the HTTP and gateway boundary works in cents.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const minorUnitExp = 2

var hundred = decimal.New(1, minorUnitExp)

// ToCents parses a decimal string such as "12.34" into 1234.
// Amounts with more than two fractional digits are rejected instead of rounded.
func ToCents(amount string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return DecimalToCents(d)
}

func DecimalToCents(d decimal.Decimal) (int64, error) {
	cents := d.Mul(hundred)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d.String(), minorUnitExp)
	}
	if !cents.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return cents.IntPart(), nil
}

// FromCents renders cents as a fixed two-place decimal string.
func FromCents(cents int64) string {
	return decimal.New(cents, -minorUnitExp).StringFixed(minorUnitExp)
}

func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -minorUnitExp)
}
