// Package core provides money parsing and handling utilities.
//
// Amounts are fixed-point with two fractional digits and are carried as
// integer cents; decimal.Decimal is used at the edges for parsing, display
// and ratios so that no binary floating point ever touches a currency value.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// maxIntegerDigits bounds a single amount to MaxAmount. With that cap an
// account needs over nine million maximal transactions before a cent sum
// could leave int64.
const maxIntegerDigits = 10

// MaxAmount is the largest accepted transaction amount, 9999999999.99.
var MaxAmount = Money{Cents: 999_999_999_999}

// Money is a signed amount in cents. Balances may be negative; transaction
// amounts never are (see Validate).
type Money struct {
	Cents int64
}

// ParseAmount converts user input such as "500", "12.34" or "12,34" to Money.
//
// Both dot and comma are accepted as the fractional separator. Digits past the
// second fractional place are rounded half-up. Signs, exponents, grouping
// separators and zero are rejected with ErrInvalidAmount.
//
//	ParseAmount("12,34")  -> 1234 cents
//	ParseAmount("12.345") -> 1235 cents
//	ParseAmount("-1")     -> ErrInvalidAmount
func ParseAmount(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")

	intPart, fracPart, _ := strings.Cut(s, ".")
	if strings.Contains(fracPart, ".") {
		return Money{}, ErrInvalidAmount
	}
	if intPart == "" && fracPart == "" {
		return Money{}, ErrInvalidAmount
	}
	if len(strings.TrimLeft(intPart, "0")) > maxIntegerDigits {
		return Money{}, ErrInvalidAmount
	}
	for _, r := range intPart + fracPart {
		if r < '0' || r > '9' {
			return Money{}, ErrInvalidAmount
		}
	}
	if intPart == "" {
		intPart = "0"
	}
	if fracPart != "" {
		intPart += "." + fracPart
	}

	d, err := decimal.NewFromString(intPart)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	m := FromDecimal(d)
	if err := m.Validate(); err != nil {
		return Money{}, err
	}
	return m, nil
}

// FromDecimal rounds d half away from zero to whole cents.
func FromDecimal(d decimal.Decimal) Money {
	return Money{Cents: d.Round(2).Shift(2).IntPart()}
}

// Validate reports whether m is usable as a transaction amount.
func (m Money) Validate() error {
	if m.Cents <= 0 || m.Cents > MaxAmount.Cents {
		return ErrInvalidAmount
	}
	return nil
}

// Decimal returns the exact decimal value of m.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String formats m with exactly two fractional digits, e.g. "-12.50".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

func (m Money) Add(o Money) Money { return Money{Cents: m.Cents + o.Cents} }
func (m Money) Sub(o Money) Money { return Money{Cents: m.Cents - o.Cents} }
func (m Money) Neg() Money        { return Money{Cents: -m.Cents} }
func (m Money) IsZero() bool      { return m.Cents == 0 }
func (m Money) IsPositive() bool  { return m.Cents > 0 }
