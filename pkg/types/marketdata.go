package types

import "time"

// SpotTick is one observation of the underlying spot price used to drive
// the momentum/LOB-ML agents' signal computation.
type SpotTick struct {
	Symbol    string
	Price     Price
	Timestamp time.Time
}

// PriceLevel is a single resting quantity at a price in an order book.
type PriceLevel struct {
	Price Price
	Size  Size
}

// LobSnapshot is the resting order book for one token, plus order-book
// imbalance (OBI) computed at ingest time for a fixed set of depths.
type LobSnapshot struct {
	TokenID   string
	Bids      []PriceLevel // best-first, descending price
	Asks      []PriceLevel // best-first, ascending price
	UpdateID  uint64
	Timestamp time.Time
	OBI       map[int]float64 // depth -> imbalance in [-1, 1]
}

// BestBid returns the highest resting bid, or the zero value and false if
// the book is empty on the bid side.
func (l LobSnapshot) BestBid() (PriceLevel, bool) {
	if len(l.Bids) == 0 {
		return PriceLevel{}, false
	}
	return l.Bids[0], true
}

// BestAsk returns the lowest resting ask, or the zero value and false if
// the book is empty on the ask side.
func (l LobSnapshot) BestAsk() (PriceLevel, bool) {
	if len(l.Asks) == 0 {
		return PriceLevel{}, false
	}
	return l.Asks[0], true
}

// MidPrice is the arithmetic mean of the best bid and ask.
func (l LobSnapshot) MidPrice() (Price, bool) {
	bid, okB := l.BestBid()
	ask, okA := l.BestAsk()
	if !okB || !okA {
		return Price{}, false
	}
	half, _ := NewPrice("0.5")
	return bid.Price.Add(ask.Price).Mul(half), true
}

// SpreadBps returns the bid-ask spread in basis points of the mid price.
func (l LobSnapshot) SpreadBps() (float64, bool) {
	bid, okB := l.BestBid()
	ask, okA := l.BestAsk()
	mid, okM := l.MidPrice()
	if !okB || !okA || !okM || mid.IsZero() {
		return 0, false
	}
	spread := ask.Price.Sub(bid.Price)
	return spread.Float64() / mid.Float64() * 10000, true
}

// Quote is a best-bid/ask summary derived from a LobSnapshot, cached
// separately so consumers that only need top-of-book don't walk the full
// depth on every read.
type Quote struct {
	TokenID   string
	BidPrice  Price
	BidSize   Size
	AskPrice  Price
	AskSize   Size
	Timestamp time.Time
}

func (q Quote) Mid() Price {
	half, _ := NewPrice("0.5")
	return q.BidPrice.Add(q.AskPrice).Mul(half)
}

// IsStale reports whether the quote is older than maxAge relative to now.
func (q Quote) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(q.Timestamp) > maxAge
}
