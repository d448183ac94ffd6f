// Package money provides the fixed-point decimal value object used for
// every monetary field in the gateway: up to 18 integer and 8 fractional
// digits, per the data model, with conversions to/from the raw integer
// units carried on-chain.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	maxIntegerDigits    = 18
	maxFractionalDigits = 8
)

// Amount is a clamped decimal money value. The zero value is zero.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// New builds an Amount from a decimal string, validating digit bounds.
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return fromDecimal(d)
}

// NewFromInt builds an Amount from a whole-unit integer (no fractional part).
func NewFromInt(i int64) Amount {
	return Amount{d: decimal.NewFromInt(i)}
}

func fromDecimal(d decimal.Decimal) (Amount, error) {
	intDigits := len(d.Truncate(0).Abs().String())
	if d.IsNegative() {
		intDigits--
	}
	if intDigits > maxIntegerDigits {
		return Amount{}, fmt.Errorf("money: %s exceeds %d integer digits", d.String(), maxIntegerDigits)
	}
	if d.Exponent() < -maxFractionalDigits {
		d = d.Round(maxFractionalDigits)
	}
	return Amount{d: d}, nil
}

// FromRawUnits converts an integer raw on-chain amount (e.g. wei-style,
// scaled by the token's decimals) into an Amount.
func FromRawUnits(raw string, tokenDecimals int32) (Amount, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid raw units %q: %w", raw, err)
	}
	scaled := d.Shift(-tokenDecimals)
	return fromDecimal(scaled)
}

// RawUnits renders the Amount as an integer string scaled by tokenDecimals,
// suitable for on-chain transfer calls.
func (a Amount) RawUnits(tokenDecimals int32) string {
	return a.d.Shift(tokenDecimals).Truncate(0).String()
}

// String renders the canonical decimal representation.
func (a Amount) String() string { return a.d.String() }

// Decimal exposes the underlying decimal.Decimal for arithmetic ports that
// need it (e.g. fee-schedule math).
func (a Amount) Decimal() decimal.Decimal { return a.d }

// FromDecimalUnsafe wraps an already-computed decimal.Decimal without
// re-validating digit bounds. Used internally by components performing
// arithmetic (fee calculation, sums) before handing the result back through
// New for re-validation at a boundary.
func FromDecimalUnsafe(d decimal.Decimal) Amount { return Amount{d: d} }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d)} }

func (a Amount) Cmp(b Amount) int     { return a.d.Cmp(b.d) }
func (a Amount) IsZero() bool         { return a.d.IsZero() }
func (a Amount) IsPositive() bool     { return a.d.IsPositive() }
func (a Amount) IsNegative() bool     { return a.d.IsNegative() }
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }
func (a Amount) LessThan(b Amount) bool    { return a.d.LessThan(b.d) }

// WithinTolerance reports whether a and b differ by no more than tolerance
// (inclusive), used for the exact-payment comparison in the confirmation
// state machine (§4.3: "within a tolerance of 1 smallest token unit").
func (a Amount) WithinTolerance(b Amount, tolerance Amount) bool {
	diff := a.d.Sub(b.d).Abs()
	return diff.Cmp(tolerance.d) <= 0
}

// MarshalJSON renders the amount as a JSON string to avoid float precision
// loss in API responses.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.d.String() + `"`), nil
}

// UnmarshalJSON parses a JSON string or number into an Amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw string
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		raw = string(data[1 : len(data)-1])
	} else {
		raw = string(data)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("money: invalid JSON amount %q: %w", raw, err)
	}
	amt, err := fromDecimal(d)
	if err != nil {
		return err
	}
	*a = amt
	return nil
}

// Value implements driver.Valuer for database/sql, persisting the amount as
// its canonical decimal string.
func (a Amount) Value() (driver.Value, error) { return a.d.String(), nil }

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		*a = Amount{d: d}
		return nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		*a = Amount{d: d}
		return nil
	case nil:
		*a = Zero
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}
