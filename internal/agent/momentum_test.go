package agent

import (
	"testing"
	"time"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/pkg/types"
)

type fakeSpot struct {
	move float64
	vol  float64
}

func (f fakeSpot) WindowMove(symbol string, window time.Duration, now time.Time) (float64, bool) {
	return f.move, true
}
func (f fakeSpot) Volatility(symbol string, window time.Duration, now time.Time) (float64, bool) {
	return f.vol, true
}

type fakeQuotes map[string]types.Quote

func (f fakeQuotes) Fresh(tokenID string, now time.Time, maxAge time.Duration) (types.Quote, bool) {
	q, ok := f[tokenID]
	return q, ok
}

type fakeEvents struct{}

func (fakeEvents) EventsWithMinRemaining(symbol string, minRemaining time.Duration, now time.Time) []types.BinaryMarket {
	return nil
}
func (fakeEvents) FindEventWithTiming(symbol string, minRemaining, maxRemaining time.Duration, now time.Time, preferCloseToEnd bool) (types.BinaryMarket, bool) {
	return types.BinaryMarket{}, false
}
func (fakeEvents) AlreadyTraded(agentID, eventID string) bool { return false }
func (fakeEvents) MarkTraded(agentID, eventID string)         {}

type fakeSink struct{ intents []types.OrderIntent }

func (f *fakeSink) Submit(intent types.OrderIntent) { f.intents = append(f.intents, intent) }

func quote(bid, ask string) types.Quote {
	b, _ := types.NewPrice(bid)
	a, _ := types.NewPrice(ask)
	return types.Quote{BidPrice: b, AskPrice: a}
}

// TestMomentumEntryScenarioS1 reproduces spec scenario S1: window_move
// +0.2%, sigma 1s = 0.002, remaining = 180s, up_ask=0.48, down_ask=0.47.
// Expected: UP side, edge >= 0.02, entry at 0.48.
func TestMomentumEntryScenarioS1(t *testing.T) {
	rt := &Runtime{
		Spot:      fakeSpot{move: 0.002, vol: 0.002},
		Quotes:    fakeQuotes{"up-token": quote("0.47", "0.48"), "down-token": quote("0.46", "0.47")},
		Events:    fakeEvents{},
		positions: make(map[string]localPosition),
	}

	m := NewMomentum(rt, config.MomentumConfig{
		SumThreshold:     0.96,
		MinEdge:          0.02,
		MinWindowMovePct: 0.0001,
	})

	now := time.Now()
	mkt := types.BinaryMarket{
		EventInfo: types.EventInfo{
			EventID:     "evt-1",
			Symbol:      "BTCUSDT",
			Horizon:     "5m",
			UpTokenID:   "up-token",
			DownTokenID: "down-token",
			StartTime:   now.Add(-10 * time.Minute),
			EndTime:     now.Add(180 * time.Second),
		},
	}

	side, price, enter, reason := m.Evaluate(rt, mkt, now)
	if !enter {
		t.Fatalf("expected entry, got reason=%s", reason)
	}
	if side != types.SideUp {
		t.Errorf("expected SideUp, got %v", side)
	}
	if !price.Equal(quote("0.47", "0.48").AskPrice) {
		t.Errorf("expected entry price 0.48, got %s", price)
	}
}

func TestMomentumRejectsSumThreshold(t *testing.T) {
	rt := &Runtime{
		Spot:      fakeSpot{move: 0.002, vol: 0.002},
		Quotes:    fakeQuotes{"up-token": quote("0.49", "0.50"), "down-token": quote("0.48", "0.49")},
		positions: make(map[string]localPosition),
	}
	m := NewMomentum(rt, config.MomentumConfig{SumThreshold: 0.96, MinEdge: 0.02, MinWindowMovePct: 0.0001})

	now := time.Now()
	mkt := types.BinaryMarket{EventInfo: types.EventInfo{
		Symbol: "BTCUSDT", UpTokenID: "up-token", DownTokenID: "down-token",
		StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Minute),
	}}

	_, _, enter, reason := m.Evaluate(rt, mkt, now)
	if enter {
		t.Fatalf("expected rejection, got entry")
	}
	if reason != "sum_threshold_exceeded" {
		t.Errorf("expected sum_threshold_exceeded, got %s", reason)
	}
}

func TestEstimatePUpWindowMatchesS1(t *testing.T) {
	pUp := estimatePUpWindow(0.002, 0, 0.002, 180)
	if pUp < 0.52 || pUp > 0.54 {
		t.Errorf("p_up = %f, want ~0.530 per scenario S1", pUp)
	}
}
