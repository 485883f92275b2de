package types

import "time"

// EventInfo describes a single timed binary-outcome event discovered from
// a venue's catalog, e.g. "BTC up or down at 14:00 UTC".
type EventInfo struct {
	EventID      string
	SeriesID     string
	Slug         string
	Symbol       string // underlying spot symbol, e.g. "BTCUSDT"
	Horizon      string // normalized timeframe label, e.g. "1h", "4h", "1d"
	UpTokenID    string
	DownTokenID  string
	PriceToBeat  Price // strike the spot must clear for UP to resolve true
	StartTime    time.Time
	EndTime      time.Time
	Discovered   time.Time
	TickSize     TickSize
}

// RemainingWindow returns the time left until the event's resolution time.
func (e EventInfo) RemainingWindow(now time.Time) time.Duration {
	return e.EndTime.Sub(now)
}

// BinaryMarket is the tradable pair of UP/DOWN tokens for an EventInfo,
// carrying the venue's current acceptance/liquidity flags.
type BinaryMarket struct {
	EventInfo
	Active           bool
	Closed           bool
	AcceptingOrders  bool
	HasOrderbook     bool
	Liquidity        Price
	Volume24h        Price
}

// TokenIDFor returns the token id for the given side.
func (m BinaryMarket) TokenIDFor(s Side) string {
	if s == SideUp {
		return m.UpTokenID
	}
	return m.DownTokenID
}

// Tradable reports whether the venue currently accepts orders against this
// market's order book.
func (m BinaryMarket) Tradable() bool {
	return m.Active && !m.Closed && m.AcceptingOrders && m.HasOrderbook
}
