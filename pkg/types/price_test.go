package types

import "testing"

func TestPriceRoundToTick(t *testing.T) {
	p, err := NewPrice("0.54321")
	if err != nil {
		t.Fatalf("NewPrice: %v", err)
	}

	down := p.RoundToTick(Tick001, -1)
	if got := down.String(); got != "0.543000" {
		t.Errorf("round down to tick 0.001 = %s, want 0.543000", got)
	}

	up := p.RoundToTick(Tick001, 1)
	if got := up.String(); got != "0.544000" {
		t.Errorf("round up to tick 0.001 = %s, want 0.544000", got)
	}
}

func TestPriceComplement(t *testing.T) {
	p, _ := NewPrice("0.3")
	c := p.Complement()
	if c.String() != "0.700000" {
		t.Errorf("complement of 0.3 = %s, want 0.700000", c.String())
	}
}

func TestPriceJSONRoundTrip(t *testing.T) {
	p, _ := NewPrice("0.123456")
	b, err := p.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	var p2 Price
	if err := p2.UnmarshalJSON(b); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if !p.Equal(p2) {
		t.Errorf("round trip mismatch: %s != %s", p, p2)
	}
}

func TestPriceExactArithmetic(t *testing.T) {
	a, _ := NewPrice("0.1")
	b, _ := NewPrice("0.2")
	sum := a.Add(b)
	if sum.String() != "0.300000" {
		t.Errorf("0.1 + 0.2 = %s, want 0.300000 (no float drift)", sum.String())
	}
}
