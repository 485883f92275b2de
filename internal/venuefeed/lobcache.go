package venuefeed

import (
	"sync"
	"time"

	"github.com/ploy-markets/ploy/pkg/types"
)

// obiDepths are the book depths at which order-book imbalance is computed
// on every snapshot ingest, per the OBI testable property.
var obiDepths = []int{1, 2, 3, 5, 10, 20}

// LobCache maintains the per-token order book snapshot, generalizing the
// teacher's market.Book (single mutex, snapshot-on-write, staleness check)
// from a fixed YES/NO pair to an arbitrary set of tracked token IDs.
type LobCache struct {
	mu    sync.RWMutex
	books map[string]*types.LobSnapshot
}

func NewLobCache() *LobCache {
	return &LobCache{books: make(map[string]*types.LobSnapshot)}
}

// ApplyBookEvent replaces a token's book with a full snapshot, discarding
// it if UpdateID goes backwards relative to the last applied snapshot.
func (c *LobCache) ApplyBookEvent(evt WSBookEvent) {
	bids := parseLevels(evt.Bids)
	asks := parseLevels(evt.Asks)
	c.apply(evt.AssetID, bids, asks, 0)
}

// ApplyPriceChange mutates a resting level in place; unknown price levels
// are inserted, zero-size levels are removed. Monotonic UpdateID ordering
// is enforced so an out-of-order delta is dropped rather than corrupting
// the book.
func (c *LobCache) ApplyPriceChange(evt WSPriceChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.books[evt.AssetID]
	if !ok {
		return
	}

	for _, pc := range evt.Changes {
		price, err := types.NewPrice(pc.Price)
		if err != nil {
			continue
		}
		size, err := types.NewPrice(pc.Size)
		if err != nil {
			continue
		}
		if pc.Side == "BUY" {
			snap.Bids = upsertLevel(snap.Bids, price, size, true)
		} else {
			snap.Asks = upsertLevel(snap.Asks, price, size, false)
		}
	}
	snap.Timestamp = time.Now()
	snap.OBI = computeOBI(snap.Bids, snap.Asks)
}

func (c *LobCache) apply(tokenID string, bids, asks []types.PriceLevel, updateID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.books[tokenID]
	if ok && updateID != 0 && updateID < existing.UpdateID {
		return
	}

	snap := &types.LobSnapshot{
		TokenID:   tokenID,
		Bids:      bids,
		Asks:      asks,
		UpdateID:  updateID,
		Timestamp: time.Now(),
	}
	snap.OBI = computeOBI(bids, asks)
	c.books[tokenID] = snap
}

// Snapshot returns a copy of the current book for tokenID.
func (c *LobCache) Snapshot(tokenID string) (types.LobSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.books[tokenID]
	if !ok {
		return types.LobSnapshot{}, false
	}
	return *snap, true
}

// IsStale reports whether tokenID's book is missing or older than maxAge.
func (c *LobCache) IsStale(tokenID string, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.books[tokenID]
	if !ok {
		return true
	}
	return time.Since(snap.Timestamp) > maxAge
}

func parseLevels(wire []WireLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(wire))
	for _, w := range wire {
		p, err := types.NewPrice(w.Price)
		if err != nil {
			continue
		}
		s, err := types.NewPrice(w.Size)
		if err != nil {
			continue
		}
		out = append(out, types.PriceLevel{Price: p, Size: s})
	}
	return out
}

func upsertLevel(levels []types.PriceLevel, price, size types.Price, bids bool) []types.PriceLevel {
	for i, l := range levels {
		if l.Price.Equal(price) {
			if size.IsZero() {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size.IsZero() {
		return levels
	}
	levels = append(levels, types.PriceLevel{Price: price, Size: size})
	return resortLevels(levels, bids)
}

func resortLevels(levels []types.PriceLevel, bids bool) []types.PriceLevel {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0; j-- {
			swap := false
			if bids {
				swap = levels[j].Price.GreaterThan(levels[j-1].Price)
			} else {
				swap = levels[j].Price.LessThan(levels[j-1].Price)
			}
			if !swap {
				break
			}
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
	return levels
}

// computeOBI computes order-book imbalance at each tracked depth:
// (bidVolume - askVolume) / (bidVolume + askVolume) summed over the top N
// levels on each side, in [-1, 1].
func computeOBI(bids, asks []types.PriceLevel) map[int]float64 {
	out := make(map[int]float64, len(obiDepths))
	for _, depth := range obiDepths {
		bidVol := sumSize(bids, depth)
		askVol := sumSize(asks, depth)
		total := bidVol + askVol
		if total == 0 {
			out[depth] = 0
			continue
		}
		out[depth] = (bidVol - askVol) / total
	}
	return out
}

func sumSize(levels []types.PriceLevel, depth int) float64 {
	total := 0.0
	for i, l := range levels {
		if i >= depth {
			break
		}
		total += l.Size.Float64()
	}
	return total
}
