// Package money provides a fixed-point monetary amount with two decimal places.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places every Money value is quantized to.
const Places = 2

// Money is an exact amount in base-currency units. Every constructor and
// arithmetic result is rounded half away from zero to two places.
type Money struct {
	d decimal.Decimal
}

// Zero is 0.00.
var Zero = Money{d: decimal.Zero}

// FromDecimal quantizes d.
func FromDecimal(d decimal.Decimal) Money {
	return Money{d: d.Round(Places)}
}

// FromCents creates a Money from an integer number of hundredths.
func FromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -Places)}
}

// Parse parses a decimal string such as "100.00" or "12.345".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount string '%s': %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the underlying quantized decimal.
func (m Money) Decimal() decimal.Decimal {
	return m.d
}

func (m Money) Add(o Money) Money {
	return FromDecimal(m.d.Add(o.d))
}

func (m Money) Sub(o Money) Money {
	return FromDecimal(m.d.Sub(o.d))
}

// Mul multiplies by an arbitrary decimal factor and re-quantizes.
func (m Money) Mul(factor decimal.Decimal) Money {
	return FromDecimal(m.d.Mul(factor))
}

// DivInt divides by n and re-quantizes. n must not be zero.
func (m Money) DivInt(n int64) Money {
	return FromDecimal(m.d.Div(decimal.NewFromInt(n)))
}

// Min returns the smaller of a and b.
func Min(a, b Money) Money {
	if a.d.LessThanOrEqual(b.d) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Money) Money {
	if a.d.GreaterThanOrEqual(b.d) {
		return a
	}
	return b
}

// Cmp returns -1, 0 or 1.
func (m Money) Cmp(o Money) int {
	return m.d.Cmp(o.d)
}

func (m Money) Equal(o Money) bool              { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool           { return m.d.LessThan(o.d) }
func (m Money) LessThanOrEqual(o Money) bool    { return m.d.LessThanOrEqual(o.d) }
func (m Money) GreaterThan(o Money) bool        { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) IsPositive() bool                { return m.d.IsPositive() }
func (m Money) IsNegative() bool                { return m.d.IsNegative() }
func (m Money) IsZero() bool                    { return m.d.IsZero() }

// String always renders two decimal places.
func (m Money) String() string {
	return m.d.StringFixed(Places)
}

// MarshalJSON encodes the amount as a quoted string to keep precision.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted strings and bare numbers.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	*m = FromDecimal(d)
	return nil
}

// Scan implements sql.Scanner. Amounts are stored as TEXT in SQLite and
// NUMERIC in Postgres.
func (m *Money) Scan(src interface{}) error {
	if src == nil {
		*m = Zero
		return nil
	}
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("failed to scan amount: %w", err)
	}
	*m = FromDecimal(d)
	return nil
}

// Value implements driver.Valuer.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}
