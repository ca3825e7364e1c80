// Package money provides fixed-point monetary amounts in currency minor units.
//
// All amounts are stored as int64 in the smallest indivisible unit of the
// currency (cents for KES/USD). There is no floating-point arithmetic
// anywhere in this package or in any caller that uses it correctly.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidAmount    = errors.New("money: invalid amount")
	ErrNegativeAmount   = errors.New("money: negative amount")
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
)

// minorDigits maps a currency code to the number of minor-unit digits.
// Currencies not listed default to 2.
var minorDigits = map[string]int{
	"KES": 2,
	"USD": 2,
	"EUR": 2,
	"JPY": 0,
}

// Digits returns the number of minor-unit digits for a currency code.
func Digits(currency string) int {
	if d, ok := minorDigits[strings.ToUpper(currency)]; ok {
		return d
	}
	return 2
}

// Amount is a monetary value in minor units of a specific currency.
type Amount struct {
	Units    int64  `json:"units"`
	Currency string `json:"currency"`
}

// New creates an Amount from minor units.
func New(units int64, currency string) Amount {
	return Amount{Units: units, Currency: strings.ToUpper(currency)}
}

// Zero returns the zero amount for a currency.
func Zero(currency string) Amount {
	return New(0, currency)
}

// Parse converts a decimal string (e.g. "1070.50") to an Amount in minor
// units (107050 for a 2-digit currency). Negative amounts and malformed
// input are rejected.
func Parse(s, currency string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "-") {
		return Amount{}, ErrNegativeAmount
	}

	digits := Digits(currency)

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Amount{}, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > digits {
		return Amount{}, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, digits)
	}
	for len(frac) < digits {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return Amount{}, ErrInvalidAmount
	}
	return New(units, currency), nil
}

// MustParse is Parse that panics on error. For tests and constants only.
func MustParse(s, currency string) Amount {
	a, err := Parse(s, currency)
	if err != nil {
		panic("money: " + err.Error())
	}
	return a
}

// String formats the amount as a decimal string with the currency's full
// minor precision (e.g. "1070.50").
func (a Amount) String() string {
	digits := Digits(a.Currency)
	if digits == 0 {
		return strconv.FormatInt(a.Units, 10)
	}
	neg := a.Units < 0
	units := a.Units
	if neg {
		units = -units
	}
	s := strconv.FormatInt(units, 10)
	for len(s) < digits+1 {
		s = "0" + s
	}
	split := len(s) - digits
	out := s[:split] + "." + s[split:]
	if neg {
		out = "-" + out
	}
	return out
}

// Add returns a + b. Both amounts must share a currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, ErrCurrencyMismatch
	}
	return New(a.Units+b.Units, a.Currency), nil
}

// Sub returns a - b. Both amounts must share a currency.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, ErrCurrencyMismatch
	}
	return New(a.Units-b.Units, a.Currency), nil
}

// MulInt returns a * n (e.g. unit price times quantity).
func (a Amount) MulInt(n int64) Amount {
	return New(a.Units*n, a.Currency)
}

// PercentOf returns p percent of a, truncated toward zero.
// Used for fee calculation (e.g. a 2% escrow fee).
func (a Amount) PercentOf(p int64) Amount {
	return New(a.Units*p/100, a.Currency)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.Units == 0 }

// IsPositive reports whether the amount is strictly positive.
func (a Amount) IsPositive() bool { return a.Units > 0 }

// Cmp compares a and b, returning -1, 0, or +1. Panics never; a currency
// mismatch is reported as an error.
func (a Amount) Cmp(b Amount) (int, error) {
	if a.Currency != b.Currency {
		return 0, ErrCurrencyMismatch
	}
	switch {
	case a.Units < b.Units:
		return -1, nil
	case a.Units > b.Units:
		return 1, nil
	default:
		return 0, nil
	}
}
