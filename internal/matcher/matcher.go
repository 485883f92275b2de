// Package matcher discovers binary events from the catalog, tracks their
// remaining trading window, and exposes the timing-based lookups agents
// need to decide whether an event is still enterable.
//
// Grounded on original_source's crypto-strategy discovery helpers
// (series polling, horizon normalization, prune_stale_traded_events,
// event_window_secs_for_horizon) — the loop shape itself (periodic ticker,
// context-cancellable Run) is the teacher's ubiquitous pattern, seen in
// both internal/market/scanner.go and internal/risk/manager.go.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/pkg/types"
)

// Catalog is the subset of internal/catalog.Client the matcher depends on.
type Catalog interface {
	FetchActiveMarkets(ctx context.Context) ([]types.BinaryMarket, error)
}

// Matcher owns the set of currently known events and the dedup bookkeeping
// of which (agent, event) pairs have already been traded.
type Matcher struct {
	cfg     config.MatcherConfig
	catalog Catalog
	logger  *slog.Logger

	mu       sync.RWMutex
	events   map[string]types.BinaryMarket // eventID -> market
	tradedAt map[string]time.Time          // "agentID:eventID" -> first traded time
}

func New(cfg config.MatcherConfig, catalog Catalog, logger *slog.Logger) *Matcher {
	return &Matcher{
		cfg:      cfg,
		catalog:  catalog,
		logger:   logger.With("component", "matcher"),
		events:   make(map[string]types.BinaryMarket),
		tradedAt: make(map[string]time.Time),
	}
}

// Run periodically refreshes the event set and prunes stale dedup entries.
// Blocks until ctx is cancelled.
func (m *Matcher) Run(ctx context.Context) error {
	m.refresh(ctx)

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.refresh(ctx)
			m.pruneStaleTraded()
		}
	}
}

func (m *Matcher) refresh(ctx context.Context) {
	markets, err := m.catalog.FetchActiveMarkets(ctx)
	if err != nil {
		m.logger.Error("refresh failed", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make(map[string]types.BinaryMarket, len(markets))
	for _, mkt := range markets {
		fresh[mkt.EventID] = mkt
	}
	m.events = fresh

	m.logger.Debug("matcher refreshed", "event_count", len(fresh))
}

// pruneStaleTraded drops dedup entries older than the per-horizon
// retention window. Events are looked up by id to resolve horizon; an
// entry for an event no longer tracked falls back to DefaultRetention.
func (m *Matcher) pruneStaleTraded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, tradedAt := range m.tradedAt {
		eventID := eventIDFromKey(key)
		horizon := ""
		if mkt, ok := m.events[eventID]; ok {
			horizon = mkt.Horizon
		}
		retention := m.cfg.RetentionFor(horizon)
		if now.Sub(tradedAt) > retention {
			delete(m.tradedAt, key)
		}
	}
}

func eventIDFromKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[i+1:]
		}
	}
	return key
}

func dedupKey(agentID, eventID string) string { return agentID + ":" + eventID }

// MarkTraded records that agentID has acted on eventID, so subsequent
// evaluations skip it until the retention window expires.
func (m *Matcher) MarkTraded(agentID, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradedAt[dedupKey(agentID, eventID)] = time.Now()
}

// AlreadyTraded reports whether agentID has already traded eventID within
// its retention window.
func (m *Matcher) AlreadyTraded(agentID, eventID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tradedAt[dedupKey(agentID, eventID)]
	return ok
}

// EventsWithMinRemaining implements the matcher's
// get_events_with_min_remaining(symbol, min_secs) operation: every
// tracked event for symbol whose remaining trading window is at least
// minRemaining, as an ordered list. An empty symbol matches every symbol
// (the refresh-tick loop's whole-catalog scan); minRemaining <= 0 falls
// back to the matcher's configured default. The result is sorted by
// remaining window ascending, ties broken by event id, so repeated calls
// against an unchanged event set are deterministic — map iteration order
// is not.
func (m *Matcher) EventsWithMinRemaining(symbol string, minRemaining time.Duration, now time.Time) []types.BinaryMarket {
	if minRemaining <= 0 {
		minRemaining = m.cfg.MinRemaining
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.BinaryMarket, 0, len(m.events))
	for _, mkt := range m.events {
		if symbol != "" && mkt.Symbol != symbol {
			continue
		}
		if mkt.RemainingWindow(now) >= minRemaining {
			out = append(out, mkt)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].RemainingWindow(now), out[j].RemainingWindow(now)
		if ri != rj {
			return ri < rj
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// FindEventWithTiming implements find_event_with_timing(symbol, min_secs,
// max_secs, prefer_close_to_end): the single event for symbol whose
// remaining window falls in [minRemaining, maxRemaining]. Tie-break rule
// per spec §4.4: when preferCloseToEnd, order by ascending remaining
// time; otherwise descending; stable within equal remaining, so the
// eventID iteration order among exact ties is whatever order map ranging
// happened to produce on this call — acceptable since ties only occur
// between events with identical windows.
func (m *Matcher) FindEventWithTiming(symbol string, minRemaining, maxRemaining time.Duration, now time.Time, preferCloseToEnd bool) (types.BinaryMarket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []types.BinaryMarket
	for _, mkt := range m.events {
		if mkt.Symbol != symbol {
			continue
		}
		remaining := mkt.RemainingWindow(now)
		if remaining < minRemaining || remaining > maxRemaining {
			continue
		}
		candidates = append(candidates, mkt)
	}
	if len(candidates) == 0 {
		return types.BinaryMarket{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].RemainingWindow(now), candidates[j].RemainingWindow(now)
		if preferCloseToEnd {
			return ri < rj
		}
		return ri > rj
	})
	return candidates[0], true
}

// Get returns the currently tracked market for eventID.
func (m *Matcher) Get(eventID string) (types.BinaryMarket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mkt, ok := m.events[eventID]
	return mkt, ok
}

// TickSizeFor satisfies internal/coordinator.TickLookup: it resolves a
// token id to the tick size of the market it belongs to, so the
// coordinator can build on-chain order amounts without importing the
// catalog client itself. A token id the matcher no longer tracks (e.g.
// the event rolled off between intent emission and dispatch) falls back
// to the venue default of one cent.
func (m *Matcher) TickSizeFor(tokenID string) types.TickSize {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mkt := range m.events {
		if mkt.UpTokenID == tokenID || mkt.DownTokenID == tokenID {
			return mkt.TickSize
		}
	}
	return types.Tick01
}
