// Package agent implements the pull-based trading agents: momentum,
// LOB-ML, and RL-policy. Each owns a configuration, the shared feeds, the
// event matcher, and a context providing a command channel, an
// order-intent sender, and a global-state reader.
//
// The select-loop shape (ticker + two event channels + command channel +
// ctx.Done, with graceful drain on exit) is grounded on the teacher's
// internal/strategy/maker.go Run method; the entry/exit predicates
// themselves are new, ported from the original crypto-momentum and
// LOB-ML strategies.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/pkg/types"
)

// Command is sent by the coordinator to control an agent's lifecycle.
type Command int

const (
	CommandPause Command = iota
	CommandResume
	CommandShutdown
	CommandForceClose
	CommandHealthCheck
)

// CommandMsg wraps a Command with an optional reply channel for
// HealthCheck.
type CommandMsg struct {
	Cmd   Command
	Reply chan<- HealthStatus
}

// HealthStatus is what an agent reports back on a heartbeat or a
// HealthCheck command.
type HealthStatus struct {
	Name          string
	Status        string
	PositionCount int
	Exposure      types.Price
	RealizedPnL   types.Price
	UnrealizedPnL types.Price
	Err           error
}

// SpotFeed is the subset of internal/spotfeed.Cache agents query.
type SpotFeed interface {
	WindowMove(symbol string, window time.Duration, now time.Time) (float64, bool)
	Volatility(symbol string, window time.Duration, now time.Time) (float64, bool)
}

// QuoteFeed is the subset of internal/venuefeed.QuoteCache agents query.
type QuoteFeed interface {
	Fresh(tokenID string, now time.Time, maxAge time.Duration) (types.Quote, bool)
}

// LobFeed is the subset of internal/venuefeed.LobCache agents query.
type LobFeed interface {
	Snapshot(tokenID string) (types.LobSnapshot, bool)
}

// EventSource is the subset of internal/matcher.Matcher agents query.
type EventSource interface {
	EventsWithMinRemaining(symbol string, minRemaining time.Duration, now time.Time) []types.BinaryMarket
	FindEventWithTiming(symbol string, minRemaining, maxRemaining time.Duration, now time.Time, preferCloseToEnd bool) (types.BinaryMarket, bool)
	AlreadyTraded(agentID, eventID string) bool
	MarkTraded(agentID, eventID string)
}

// OrderSink receives order intents emitted by an agent.
type OrderSink interface {
	Submit(intent types.OrderIntent)
}

// SpotTickEvent is a single spot-price observation fanned out to every
// running agent, driving the "spot update" branch of the pull loop (spec
// §4.5 item 2) independent of the refresh ticker.
type SpotTickEvent struct {
	Symbol string
	Price  float64
	At     time.Time
}

// QuoteEvent is a venue quote update fanned out to every running agent,
// driving the mark-to-market price-exit branch (spec §4.5 item 3).
type QuoteEvent struct {
	TokenID string
	Quote   types.Quote
}

// localPosition tracks an agent's view of its own open position in one
// event, independent of the coordinator's authoritative Position record,
// so the agent can evaluate exit conditions without a round trip.
type localPosition struct {
	EventID   string
	TokenID   string
	Side      types.Side
	Size      types.Size
	EntryPx   types.Price
	EntryTime time.Time
}

// Runtime bundles everything a running agent needs. It is embedded by
// each concrete agent (Momentum, LobML, RLPolicy) so they share the
// select-loop skeleton and only vary the entry/exit predicate.
type Runtime struct {
	Name        string
	Domain      string
	Spot        SpotFeed
	Quotes      QuoteFeed
	Lob         LobFeed
	Events      EventSource
	Sink        OrderSink
	Commands    <-chan CommandMsg
	Logger      *slog.Logger

	RefreshInterval   time.Duration
	HeartbeatInterval time.Duration
	MinHoldSecs       time.Duration
	PriceExit         config.PriceExitConfig

	// SpotTicks, QuoteUpdates, and FeedInterrupt are optional: a nil
	// channel in a select case blocks forever, so a Runtime built without
	// WithSpotTicks/WithQuoteUpdates/WithFeedInterrupt simply never takes
	// those branches, falling back to refresh-tick-only evaluation.
	SpotTicks     <-chan SpotTickEvent
	QuoteUpdates  <-chan QuoteEvent
	FeedInterrupt <-chan struct{}

	positions     map[string]localPosition // eventID -> position
	paused        bool
	entriesPaused bool // set once FeedInterrupt fires; new entries blocked, exits unaffected
}

// NewRuntime constructs the shared scheduler state for an agent.
func NewRuntime(name, domain string, spot SpotFeed, quotes QuoteFeed, lob LobFeed, events EventSource, sink OrderSink, cmds <-chan CommandMsg, priceExit config.PriceExitConfig, logger *slog.Logger) *Runtime {
	return &Runtime{
		Name:              name,
		Domain:            domain,
		Spot:              spot,
		Quotes:            quotes,
		Lob:               lob,
		Events:            events,
		Sink:              sink,
		Commands:          cmds,
		Logger:            logger.With("agent", name),
		RefreshInterval:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		MinHoldSecs:       20 * time.Second,
		PriceExit:         priceExit,
		positions:         make(map[string]localPosition),
	}
}

// WithSpotTicks wires a fanned-out spot-tick channel into the runtime,
// enabling the spot-update branch of the select loop. Returns r for chaining.
func (r *Runtime) WithSpotTicks(ch <-chan SpotTickEvent) *Runtime {
	r.SpotTicks = ch
	return r
}

// WithQuoteUpdates wires a fanned-out venue-quote channel into the
// runtime, enabling the price-exit branch when PriceExit.Enabled.
func (r *Runtime) WithQuoteUpdates(ch <-chan QuoteEvent) *Runtime {
	r.QuoteUpdates = ch
	return r
}

// WithFeedInterrupt wires the spot feed's interrupted-signal channel into
// the runtime: once it fires, new entries are blocked until the process
// restarts the feed (spec §7 FeedInterrupted).
func (r *Runtime) WithFeedInterrupt(ch <-chan struct{}) *Runtime {
	r.FeedInterrupt = ch
	return r
}

// EntryPredicate evaluates whether to enter a new position for a market,
// returning the candidate side, the order price, and whether to enter.
type EntryPredicate func(r *Runtime, mkt types.BinaryMarket, now time.Time) (side types.Side, price types.Price, enter bool, reason string)

// Run drives the shared select-loop over the five event sources named by
// spec §4.5/§9: refresh tick, spot update, venue quote update, coordinator
// command, and heartbeat. evalEntry is invoked once per tracked event on
// every refresh tick and spot tick; exit conditions (signal flip, price
// exit, force-close) are evaluated against the agent's local position map.
// SpotTicks, QuoteUpdates, and FeedInterrupt are nil-safe: an unwired
// optional channel simply never fires its select case. Blocks until ctx is
// cancelled or a Shutdown command is received.
func (r *Runtime) Run(ctx context.Context, evalEntry EntryPredicate) error {
	refreshTicker := time.NewTicker(r.RefreshInterval)
	defer refreshTicker.Stop()
	heartbeat := time.NewTicker(r.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd := <-r.Commands:
			if r.handleCommand(cmd) {
				return nil
			}

		case <-refreshTicker.C:
			if r.paused {
				continue
			}
			r.evaluateMarkets(evalEntry, "", time.Now())

		case tick, ok := <-r.SpotTicks:
			if !ok {
				r.SpotTicks = nil
				continue
			}
			if r.paused {
				continue
			}
			r.evaluateMarkets(evalEntry, tick.Symbol, tick.At)

		case quote, ok := <-r.QuoteUpdates:
			if !ok {
				r.QuoteUpdates = nil
				continue
			}
			if r.paused {
				continue
			}
			r.handleQuoteUpdate(quote)

		case _, ok := <-r.FeedInterrupt:
			if !ok {
				r.FeedInterrupt = nil
			}
			if !r.entriesPaused {
				r.entriesPaused = true
				r.Logger.Warn("spot feed interrupted, pausing new entries")
			}

		case <-heartbeat.C:
			r.reportHealth(nil)
		}
	}
}

func (r *Runtime) handleCommand(cmd CommandMsg) (shutdown bool) {
	switch cmd.Cmd {
	case CommandPause:
		r.paused = true
	case CommandResume:
		r.paused = false
	case CommandShutdown:
		return true
	case CommandForceClose:
		r.forceCloseAll()
	case CommandHealthCheck:
		status := r.snapshot()
		if cmd.Reply != nil {
			select {
			case cmd.Reply <- status:
			default:
			}
		}
	}
	return false
}

// dedupKey builds the OrderIntent dedup key per spec §3: (market slug,
// side, entry-or-exit flag, agent id). Including side means a hedge
// entry on the opposite side of an already-held position is never
// mistaken for a duplicate of the original entry.
func dedupKey(eventID string, side types.Side, flag, agentID string) string {
	return eventID + ":" + side.String() + ":" + flag + ":" + agentID
}

func (r *Runtime) evaluateMarkets(evalEntry EntryPredicate, symbol string, now time.Time) {
	for _, mkt := range r.Events.EventsWithMinRemaining(symbol, 0, now) {
		if pos, open := r.positions[mkt.EventID]; open {
			r.evaluateExit(mkt, pos, now)
			continue
		}

		if r.entriesPaused {
			continue
		}

		if r.Events.AlreadyTraded(r.Name, mkt.EventID) {
			continue
		}

		side, price, enter, reason := evalEntry(r, mkt, now)
		if !enter {
			continue
		}

		intent := types.OrderIntent{
			AgentID:   r.Name,
			Domain:    r.Domain,
			EventID:   mkt.EventID,
			TokenID:   mkt.TokenIDFor(side),
			Side:      side,
			Action:    types.ActionBuy,
			Price:     price,
			Priority:  types.PriorityNormal,
			DedupKey:  dedupKey(mkt.EventID, side, "entry", r.Name),
			Rationale: reason,
			CreatedAt: now,
		}
		r.Sink.Submit(intent)
		r.Events.MarkTraded(r.Name, mkt.EventID)
		r.positions[mkt.EventID] = localPosition{
			EventID: mkt.EventID, TokenID: intent.TokenID, Side: side, EntryPx: price, EntryTime: now,
		}
	}
}

// evaluateExit checks the signal-flip exit condition: if a fresh spot
// tick implies a candidate side opposite the held position, and the
// position has been open at least MinHoldSecs, emit an exit intent at
// the current best bid.
func (r *Runtime) evaluateExit(mkt types.BinaryMarket, pos localPosition, now time.Time) {
	if now.Sub(pos.EntryTime) < r.MinHoldSecs {
		return
	}

	move, ok := r.Spot.WindowMove(mkt.Symbol, time.Minute, now)
	if !ok {
		return
	}
	candidate := types.SideUp
	if move < 0 {
		candidate = types.SideDown
	}
	if candidate == pos.Side {
		return
	}

	r.emitExit(mkt, pos, "signal_flip", types.PriorityNormal)
}

// handleQuoteUpdate implements the mark-to-market price-exit branch (spec
// §4.5 item 3): once a position has cleared MinHoldSecs, a realized
// fraction of entry price crossing EdgeFloor takes profit and crossing
// -PriceBand stops out. No-op when PriceExit.Enabled is false or the
// quote doesn't belong to a held position.
func (r *Runtime) handleQuoteUpdate(q QuoteEvent) {
	if !r.PriceExit.Enabled {
		return
	}

	var eventID string
	var pos localPosition
	found := false
	for id, p := range r.positions {
		if p.TokenID == q.TokenID {
			eventID, pos, found = id, p, true
			break
		}
	}
	if !found {
		return
	}

	now := q.Quote.Timestamp
	if now.Sub(pos.EntryTime) < r.MinHoldSecs {
		return
	}

	// A held position is always closed by selling at the bid, regardless of
	// which side it was entered on.
	mark := q.Quote.BidPrice
	entry := pos.EntryPx.Float64()
	if entry == 0 {
		return
	}
	frac := (mark.Float64() - entry) / entry

	mkt := types.BinaryMarket{EventInfo: types.EventInfo{EventID: eventID}}
	switch {
	case frac >= r.PriceExit.EdgeFloor:
		r.emitExit(mkt, pos, "take_profit", types.PriorityNormal)
	case frac <= -r.PriceExit.PriceBand:
		r.emitExit(mkt, pos, "stop_loss", types.PriorityHigh)
	}
}

func (r *Runtime) emitExit(mkt types.BinaryMarket, pos localPosition, reason string, priority types.Priority) {
	exitPrice, ok := r.Quotes.Fresh(pos.TokenID, time.Now(), 30*time.Second)
	price := types.PriceFromFloat(0.01)
	if ok {
		price = exitPrice.BidPrice
	}

	intent := types.OrderIntent{
		AgentID:   r.Name,
		Domain:    r.Domain,
		EventID:   mkt.EventID,
		TokenID:   pos.TokenID,
		Side:      pos.Side,
		Action:    types.ActionSell,
		Price:     price,
		Size:      pos.Size,
		Priority:  priority,
		DedupKey:  dedupKey(mkt.EventID, pos.Side, "exit:"+reason, r.Name),
		Rationale: reason,
		CreatedAt: time.Now(),
	}
	r.Sink.Submit(intent)
	delete(r.positions, mkt.EventID)
}

// forceCloseAll attempts an exit intent for every local position at the
// current best bid, falling back to a de-minimis price of 0.01 when no
// fresh quote exists. Required by the ForceClose coordinator command: all
// positions must be addressed before the loop exits.
func (r *Runtime) forceCloseAll() {
	for eventID, pos := range r.positions {
		mkt := types.BinaryMarket{EventInfo: types.EventInfo{EventID: eventID}}
		r.emitExit(mkt, pos, "force_close", types.PriorityCritical)
	}
}

func (r *Runtime) snapshot() HealthStatus {
	status := "running"
	if r.paused {
		status = "paused"
	}
	return HealthStatus{
		Name:          r.Name,
		Status:        status,
		PositionCount: len(r.positions),
	}
}

func (r *Runtime) reportHealth(err error) {
	status := r.snapshot()
	status.Err = err
	r.Logger.Debug("heartbeat", "status", status.Status, "positions", status.PositionCount)
}
