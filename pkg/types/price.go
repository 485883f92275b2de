// Package types defines the shared data model for ploy: prices, sides,
// market/event descriptors, order book and quote snapshots, positions and
// cycle records, and the error taxonomy used across packages.
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TickSize is the minimum price increment a venue quotes in.
type TickSize int

const (
	Tick01 TickSize = iota
	Tick001
	Tick0001
	Tick00001
)

// Decimals returns the number of fractional digits implied by the tick size.
func (t TickSize) Decimals() int32 {
	switch t {
	case Tick01:
		return 2
	case Tick001:
		return 3
	case Tick0001:
		return 4
	case Tick00001:
		return 5
	default:
		return 4
	}
}

// Price is a fixed-point probability/price in [0, 1], stored exactly via
// decimal.Decimal so repeated arithmetic never accumulates float rounding
// error (spec invariant: price arithmetic is exact to 6 fractional digits).
type Price struct {
	d decimal.Decimal
}

// NewPrice builds a Price from a decimal string, e.g. "0.543210".
func NewPrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("parse price %q: %w", s, err)
	}
	return Price{d: d}, nil
}

// PriceFromFloat constructs a Price from a float64, rounded to 6 places.
// Reserved for ingesting upstream JSON numeric fields; never used for
// internal arithmetic.
func PriceFromFloat(f float64) Price {
	return Price{d: decimal.NewFromFloat(f).Round(6)}
}

func PriceFromDecimal(d decimal.Decimal) Price { return Price{d: d} }

func (p Price) Decimal() decimal.Decimal { return p.d }

func (p Price) Add(o Price) Price      { return Price{d: p.d.Add(o.d)} }
func (p Price) Sub(o Price) Price      { return Price{d: p.d.Sub(o.d)} }
func (p Price) Mul(o Price) Price      { return Price{d: p.d.Mul(o.d)} }
func (p Price) GreaterThan(o Price) bool { return p.d.GreaterThan(o.d) }
func (p Price) LessThan(o Price) bool    { return p.d.LessThan(o.d) }
func (p Price) Equal(o Price) bool       { return p.d.Equal(o.d) }
func (p Price) IsZero() bool             { return p.d.IsZero() }

// Complement returns 1 - p, the implied price of the opposing outcome.
func (p Price) Complement() Price {
	return Price{d: decimal.NewFromInt(1).Sub(p.d)}
}

// RoundToTick rounds p down (for bids) or up (for asks) to the venue's tick
// size. dir should be +1 to round up, -1 to round down.
func (p Price) RoundToTick(tick TickSize, dir int) Price {
	step := decimal.New(1, -tick.Decimals())
	units := p.d.Div(step)
	var rounded decimal.Decimal
	if dir < 0 {
		rounded = units.Floor()
	} else {
		rounded = units.Ceil()
	}
	return Price{d: rounded.Mul(step)}
}

func (p Price) String() string { return p.d.StringFixed(6) }

func (p Price) Float64() float64 {
	f, _ := p.d.Float64()
	return f
}

func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.d.StringFixed(6) + `"`), nil
}

func (p *Price) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("unmarshal price %q: %w", s, err)
	}
	p.d = d
	return nil
}

// Size is a fixed-point contract/share quantity, distinct from Price only
// by name so call sites read clearly (sizes are not bounded to [0,1]).
type Size = Price

func NewSize(s string) (Size, error) { return NewPrice(s) }
