package agent

import (
	"math"
	"time"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/pkg/types"
)

// PolicyModel is a capability mapping a fixed feature vector to a
// probability in (0,1). Logistic, MLP, and ONNX-backed implementations
// all satisfy it; fallback order is requested kind -> logistic baseline,
// per spec §9's "Polymorphism over model backends" design note.
type PolicyModel interface {
	Predict(features []float64) float64
}

// LogisticModel is the baseline PolicyModel: a linear combination of
// features passed through a sigmoid, with outputs clamped away from the
// extremes so a single confident-but-wrong prediction can't produce an
// unbounded edge.
type LogisticModel struct {
	Weights []float64
	Bias    float64
}

func (m LogisticModel) Predict(features []float64) float64 {
	z := m.Bias
	for i, f := range features {
		if i < len(m.Weights) {
			z += m.Weights[i] * f
		}
	}
	p := sigmoid(z)
	return clamp(p, 0.001, 0.999)
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LobML is the order-book-feature agent. Feature vector shape
// [obi5, obi10, spread_bps, bidv5, askv5, m1, m5] is grounded on
// original_source's agents/crypto_lob_ml.rs.
type LobML struct {
	*Runtime
	cfg   config.LobMLConfig
	model PolicyModel
}

func NewLobML(rt *Runtime, cfg config.LobMLConfig, model PolicyModel) *LobML {
	if model == nil {
		model = LogisticModel{Weights: []float64{2, 1.5, -0.01, 0.3, -0.3, 5, 3}}
	}
	return &LobML{Runtime: rt, cfg: cfg, model: model}
}

// Evaluate implements EntryPredicate for the LOB-ML strategy.
func (a *LobML) Evaluate(r *Runtime, mkt types.BinaryMarket, now time.Time) (types.Side, types.Price, bool, string) {
	if now.Before(mkt.StartTime) || !now.Before(mkt.EndTime) {
		return 0, types.Price{}, false, "window_inactive"
	}

	upSnap, okUp := lobOrZero(r.Lob, mkt.UpTokenID)
	if !okUp {
		return 0, types.Price{}, false, "no_book"
	}

	m1, _ := r.Spot.WindowMove(mkt.Symbol, time.Minute, now)
	m5, _ := r.Spot.WindowMove(mkt.Symbol, 5*time.Minute, now)

	spreadBps, _ := upSnap.SpreadBps()
	bidVol5 := sumDepth(upSnap.Bids, 5)
	askVol5 := sumDepth(upSnap.Asks, 5)

	features := []float64{
		upSnap.OBI[5], upSnap.OBI[10], spreadBps, bidVol5, askVol5, m1, m5,
	}

	pUp := a.model.Predict(features)

	upQuote, okUpQ := r.Quotes.Fresh(mkt.UpTokenID, now, 5*time.Second)
	downQuote, okDownQ := r.Quotes.Fresh(mkt.DownTokenID, now, 5*time.Second)
	if !okUpQ || !okDownQ {
		return 0, types.Price{}, false, "quotes_stale"
	}

	upEdge := pUp - upQuote.AskPrice.Float64()
	downEdge := (1 - pUp) - downQuote.AskPrice.Float64()

	maxEntry := types.PriceFromFloat(0.95)

	if upEdge >= a.cfg.MinEdge && upEdge >= downEdge && upQuote.AskPrice.LessThan(maxEntry) {
		return types.SideUp, upQuote.AskPrice, true, "lob_ml_entry"
	}
	if downEdge >= a.cfg.MinEdge && downQuote.AskPrice.LessThan(maxEntry) {
		return types.SideDown, downQuote.AskPrice, true, "lob_ml_entry"
	}

	return 0, types.Price{}, false, "insufficient_edge"
}

func lobOrZero(lob LobFeed, tokenID string) (types.LobSnapshot, bool) {
	return lob.Snapshot(tokenID)
}

func sumDepth(levels []types.PriceLevel, depth int) float64 {
	total := 0.0
	for i, l := range levels {
		if i >= depth {
			break
		}
		total += l.Size.Float64()
	}
	return total
}
