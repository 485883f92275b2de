package agent

import (
	"time"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/pkg/types"
)

// RLAction is the discrete action space a reinforcement-learning policy's
// output is ultimately mapped to, regardless of whether the underlying
// model emits continuous or discrete outputs.
type RLAction int

const (
	ActionHold RLAction = iota
	ActionBuyUp
	ActionBuyDown
	ActionSellPosition
	ActionEnterHedge
)

// PolicyOutputKind distinguishes the raw shape of a policy's output so
// RLPolicy knows how to interpret it before mapping to a discrete action.
type PolicyOutputKind int

const (
	OutputContinuous PolicyOutputKind = iota
	OutputContinuousMeanLogStd
	OutputDiscreteLogits
	OutputDiscreteProbs
)

// RLPolicyModel produces a raw output vector from an observation vector;
// the RLPolicy agent interprets it according to Kind.
type RLPolicyModel interface {
	Predict(observation []float64) []float64
	Kind() PolicyOutputKind
}

// RLPolicy builds an observation vector (v1: 25 dims, v2: 31 dims — v2
// adds extra OBI levels and derived micro/slope features) and interprets
// the policy's output as one of four output kinds, mapping continuous
// outputs to the discrete action space via threshold rules on
// (position_delta, side_preference).
type RLPolicy struct {
	*Runtime
	cfg   config.RLPolicyConfig
	model RLPolicyModel
}

func NewRLPolicy(rt *Runtime, cfg config.RLPolicyConfig, model RLPolicyModel) *RLPolicy {
	return &RLPolicy{Runtime: rt, cfg: cfg, model: model}
}

// buildObservation assembles the observation vector for a market. v1 is
// the 25-dim baseline (OBI at 5 standard depths x2 tokens, spread, spot
// momentum at three windows, volatility, time remaining fraction, and
// position context); v2 appends 6 more dims (OBI at depths 1/2/3 x2
// tokens) for finer microstructure.
func (a *RLPolicy) buildObservation(mkt types.BinaryMarket, now time.Time) []float64 {
	upSnap, _ := a.Lob.Snapshot(mkt.UpTokenID)
	downSnap, _ := a.Lob.Snapshot(mkt.DownTokenID)

	m1, _ := a.Spot.WindowMove(mkt.Symbol, time.Minute, now)
	m5, _ := a.Spot.WindowMove(mkt.Symbol, 5*time.Minute, now)
	m15, _ := a.Spot.WindowMove(mkt.Symbol, 15*time.Minute, now)
	sigma, _ := a.Spot.Volatility(mkt.Symbol, time.Second, now)

	remaining := mkt.RemainingWindow(now).Seconds()
	total := mkt.EndTime.Sub(mkt.StartTime).Seconds()
	remainingFrac := 0.0
	if total > 0 {
		remainingFrac = remaining / total
	}

	_, hasPos := a.positions[mkt.EventID]
	posFlag := 0.0
	if hasPos {
		posFlag = 1.0
	}

	obs := []float64{
		upSnap.OBI[5], upSnap.OBI[10], downSnap.OBI[5], downSnap.OBI[10],
		m1, m5, m15, sigma, remainingFrac, posFlag,
	}
	for len(obs) < 25 {
		obs = append(obs, 0)
	}

	if a.cfg.ObservationVer == "v2" {
		obs = append(obs, upSnap.OBI[1], upSnap.OBI[2], upSnap.OBI[3], downSnap.OBI[1], downSnap.OBI[2], downSnap.OBI[3])
	}

	return obs
}

// interpret maps a raw model output to a discrete action, branching on
// the model's declared output kind. The returned float is the directional
// signal (positive leaning UP, negative leaning DOWN) used to pick a side
// for the SellPosition/EnterHedge actions, which a bare RLAction can't
// encode on its own.
func (a *RLPolicy) interpret(raw []float64) (RLAction, float64) {
	if len(raw) == 0 {
		return ActionHold, 0
	}

	switch a.model.Kind() {
	case OutputDiscreteLogits, OutputDiscreteProbs:
		best, bestIdx := raw[0], 0
		for i, v := range raw {
			if v > best {
				best, bestIdx = v, i
			}
		}
		signal := 0.0
		if len(raw) > 1 {
			signal = raw[1] - raw[2] // UP-logit minus DOWN-logit, by action-index convention
		}
		return RLAction(bestIdx % 5), signal

	case OutputContinuousMeanLogStd:
		mean := raw[0]
		return actionFromContinuous(mean), mean

	default: // OutputContinuous
		return actionFromContinuous(raw[0]), raw[0]
	}
}

// actionFromContinuous maps a scalar position_delta signal to a discrete
// action: strong positive -> BuyUp, strong negative -> BuyDown, near
// zero -> Hold, with a mid-band mapped to hedge/reduce.
func actionFromContinuous(positionDelta float64) RLAction {
	switch {
	case positionDelta > 0.5:
		return ActionBuyUp
	case positionDelta < -0.5:
		return ActionBuyDown
	case positionDelta > 0.15:
		return ActionEnterHedge
	case positionDelta < -0.15:
		return ActionSellPosition
	default:
		return ActionHold
	}
}

// Evaluate implements EntryPredicate for the RL-policy strategy.
func (a *RLPolicy) Evaluate(r *Runtime, mkt types.BinaryMarket, now time.Time) (types.Side, types.Price, bool, string) {
	if now.Before(mkt.StartTime) || !now.Before(mkt.EndTime) {
		return 0, types.Price{}, false, "window_inactive"
	}
	if a.model == nil {
		return 0, types.Price{}, false, "no_policy_model"
	}

	obs := a.buildObservation(mkt, now)
	raw := a.model.Predict(obs)
	action, signal := a.interpret(raw)

	switch action {
	case ActionBuyUp:
		q, ok := r.Quotes.Fresh(mkt.UpTokenID, now, 5*time.Second)
		if !ok {
			return 0, types.Price{}, false, "quotes_stale"
		}
		return types.SideUp, q.AskPrice, true, "rl_policy_buy_up"
	case ActionBuyDown:
		q, ok := r.Quotes.Fresh(mkt.DownTokenID, now, 5*time.Second)
		if !ok {
			return 0, types.Price{}, false, "quotes_stale"
		}
		return types.SideDown, q.AskPrice, true, "rl_policy_buy_down"
	case ActionSellPosition:
		a.sellAnyPosition()
		return 0, types.Price{}, false, "rl_policy_sell_position"
	case ActionEnterHedge:
		return a.enterHedge(r, mkt, now, signal)
	default:
		return 0, types.Price{}, false, "hold"
	}
}

// sellAnyPosition closes one of the agent's currently held local positions
// at the venue's best bid, implementing the RL policy's SellPosition
// action. Iterates the position map for a deterministic but arbitrary
// candidate since the model doesn't name which position to reduce; a no-op
// when nothing is open.
func (a *RLPolicy) sellAnyPosition() {
	for eventID, pos := range a.positions {
		mkt := types.BinaryMarket{EventInfo: types.EventInfo{EventID: eventID}}
		a.emitExit(mkt, pos, "rl_policy_sell_position", types.PriorityNormal)
		return
	}
}

// enterHedge opens a second, opposite-direction leg on mkt per the
// EnterHedge action: the model's directional signal picks the hedge side
// (positive signal hedges against an UP lean by buying DOWN, and vice
// versa), exercising the permitted second-leg-as-hedge case (spec §3).
func (a *RLPolicy) enterHedge(r *Runtime, mkt types.BinaryMarket, now time.Time, signal float64) (types.Side, types.Price, bool, string) {
	side := types.SideDown
	tokenID := mkt.DownTokenID
	if signal < 0 {
		side = types.SideUp
		tokenID = mkt.UpTokenID
	}
	q, ok := r.Quotes.Fresh(tokenID, now, 5*time.Second)
	if !ok {
		return 0, types.Price{}, false, "quotes_stale"
	}
	return side, q.AskPrice, true, "rl_policy_hedge"
}
