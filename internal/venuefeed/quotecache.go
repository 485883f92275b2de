package venuefeed

import (
	"sync"
	"time"

	"github.com/ploy-markets/ploy/pkg/types"
)

// QuoteCache holds the latest top-of-book Quote per token, maintained
// alongside LobCache so consumers that only need best bid/ask don't walk
// full book depth on every read — same split the teacher draws between
// Book.BestBidAsk (cheap) and the full OrderBookSnapshot.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]types.Quote
}

func NewQuoteCache() *QuoteCache {
	return &QuoteCache{quotes: make(map[string]types.Quote)}
}

// Update derives a Quote from a LobSnapshot and stores it if the book has
// both sides present.
func (q *QuoteCache) Update(snap types.LobSnapshot) {
	bid, okB := snap.BestBid()
	ask, okA := snap.BestAsk()
	if !okB || !okA {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.quotes[snap.TokenID] = types.Quote{
		TokenID:   snap.TokenID,
		BidPrice:  bid.Price,
		BidSize:   bid.Size,
		AskPrice:  ask.Price,
		AskSize:   ask.Size,
		Timestamp: snap.Timestamp,
	}
}

// Get returns the latest quote for tokenID.
func (q *QuoteCache) Get(tokenID string) (types.Quote, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	quote, ok := q.quotes[tokenID]
	return quote, ok
}

// Fresh returns the quote only if it is not stale relative to now/maxAge.
func (q *QuoteCache) Fresh(tokenID string, now time.Time, maxAge time.Duration) (types.Quote, bool) {
	quote, ok := q.Get(tokenID)
	if !ok || quote.IsStale(now, maxAge) {
		return types.Quote{}, false
	}
	return quote, true
}
