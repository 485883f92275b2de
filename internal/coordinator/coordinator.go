// Package coordinator is the central risk gate and dispatcher every agent's
// order intent passes through before it reaches the venue. It aggregates
// exposure across all agents and markets, rejects or clips intents that
// would breach configured limits, deduplicates repeat submissions for the
// same (agent, event, side) within a configurable window, signs approved
// intents, and submits them through the execution client.
//
// The select-loop shape (intent channel + periodic ticker + kill-switch
// cooldown expiry), the PositionReport/RiskSnapshot aggregation pattern,
// and emitKill's drain-then-send are all grounded on the teacher's
// internal/risk/manager.go, generalized from a read-only risk monitor into
// the actual dispatch path: the teacher's engine cancels orders on a kill
// signal from outside the risk manager, whereas here the coordinator IS the
// dispatcher, so a kill switch simply stops it from approving new intents.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/internal/execution"
	"github.com/ploy-markets/ploy/internal/signer"
	"github.com/ploy-markets/ploy/pkg/types"
)

// Store is the subset of internal/store.Store the coordinator needs to
// persist approved cycles, positions, and evaluation history.
type Store interface {
	SaveEvaluation(ctx context.Context, ev types.StrategyEvaluation) error
	UpsertPosition(ctx context.Context, pos types.Position) error
	CreateCycle(ctx context.Context, cycle types.Cycle) error
}

// TickLookup resolves the order-book tick size for a token so the
// coordinator can build on-chain amounts without importing the catalog.
type TickLookup interface {
	TickSizeFor(tokenID string) types.TickSize
}

// priceAnchor is a reference price captured at a point in time, used to
// detect rapid price movements within a rolling window.
type priceAnchor struct {
	price float64
	at    time.Time
}

// AgentCommand is the coordinator's view of a lifecycle command, kept
// independent of internal/agent.Command so this package doesn't import
// the agent package just to broadcast to it — main.go adapts an agent's
// CommandMsg channel to CommandSink.
type AgentCommand int

const (
	CmdPause AgentCommand = iota
	CmdResume
	CmdShutdown
	CmdForceClose
)

// CommandSink receives lifecycle commands the coordinator broadcasts to a
// single registered agent.
type CommandSink interface {
	Send(cmd AgentCommand)
}

// Coordinator is the single authoritative owner of cross-agent risk state.
// All order intents, from every running agent, funnel through Submit.
type Coordinator struct {
	cfg    config.CoordinatorConfig
	logger *slog.Logger

	exec  *execution.Client
	sgnr  *signer.Signer
	store Store
	ticks TickLookup

	exchangeAddr string

	mu               sync.RWMutex
	positions        map[string]types.Position // tokenID -> position
	totalExposure    float64
	dailyRealizedPnL float64
	killSwitchActive bool
	killSwitchUntil  time.Time
	priceAnchors     map[string]priceAnchor // tokenID -> anchor
	dedup            map[string]time.Time   // dedup key -> last dispatch time
	agents           map[string]CommandSink // agent name -> command channel adapter

	// Per-(agent, domain) risk state, keyed by domainKey(agentID, domain).
	// Kept separate from the token-keyed positions map above: positions
	// tracks what's actually held per token for fill/exposure bookkeeping,
	// these track the domain-scoped envelope invariant 4 requires.
	exposureByAgentDomain      map[string]float64
	positionCountByAgentDomain map[string]int
	dailyPnLByAgentDomain      map[string]float64
	deploymentsSeen            map[string]struct{}

	intentCh chan types.OrderIntent
}

func New(cfg config.CoordinatorConfig, exchangeAddr string, exec *execution.Client, sgnr *signer.Signer, store Store, ticks TickLookup, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:                        cfg,
		logger:                     logger.With("component", "coordinator"),
		exec:                       exec,
		sgnr:                       sgnr,
		store:                      store,
		ticks:                      ticks,
		exchangeAddr:               exchangeAddr,
		positions:                  make(map[string]types.Position),
		priceAnchors:               make(map[string]priceAnchor),
		dedup:                      make(map[string]time.Time),
		agents:                     make(map[string]CommandSink),
		exposureByAgentDomain:      make(map[string]float64),
		positionCountByAgentDomain: make(map[string]int),
		dailyPnLByAgentDomain:      make(map[string]float64),
		deploymentsSeen:            make(map[string]struct{}),
		intentCh:                   make(chan types.OrderIntent, 256),
	}
}

// domainKey composes the (agent, domain) risk-scoping key used by every
// map in this file that tracks a per-agent-domain envelope.
func domainKey(agentID, domain string) string { return agentID + "|" + domain }

// AllowedDomains returns the runtime-allowed domain set, satisfying the
// allowed_domains() view spec §4.6 says the coordinator exposes.
func (c *Coordinator) AllowedDomains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.cfg.AllowedDomains))
	copy(out, c.cfg.AllowedDomains)
	return out
}

// SharedDeployments returns every deployment id seen on an admitted
// intent so far, satisfying the shared_deployments() view spec §4.6 says
// the coordinator exposes.
func (c *Coordinator) SharedDeployments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.deploymentsSeen))
	for id := range c.deploymentsSeen {
		out = append(out, id)
	}
	return out
}

// domainAllowed reports whether domain may trade, per the runtime-allowed
// set. An empty AllowedDomains means every domain is permitted.
func (c *Coordinator) domainAllowed(domain string) bool {
	if len(c.cfg.AllowedDomains) == 0 {
		return true
	}
	for _, d := range c.cfg.AllowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// domainLimit resolves the risk envelope for domain, falling back to the
// configured default when no override exists.
func (c *Coordinator) domainLimit(domain string) config.DomainRiskConfig {
	if limit, ok := c.cfg.DomainLimits[domain]; ok {
		return limit
	}
	return c.cfg.DefaultDomainLimit
}

// RegisterAgent adds name's command sink to the broadcast set used by
// Broadcast and the kill-switch's automatic Pause fan-out.
func (c *Coordinator) RegisterAgent(name string, sink CommandSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[name] = sink
}

// Broadcast fans cmd out to every registered agent. A send to an agent
// whose command channel is full is the agent's problem, not the
// coordinator's: CommandSink implementations must not block.
func (c *Coordinator) Broadcast(cmd AgentCommand) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.broadcastLocked(cmd)
}

// broadcastLocked assumes c.mu is already held (read or write).
func (c *Coordinator) broadcastLocked(cmd AgentCommand) {
	for name, sink := range c.agents {
		c.logger.Info("broadcasting command", "agent", name, "command", cmd)
		sink.Send(cmd)
	}
}

// Submit queues an order intent for risk review (non-blocking, matching
// internal/agent.OrderSink). A full queue drops the intent with a warning
// rather than blocking the calling agent's select-loop.
func (c *Coordinator) Submit(intent types.OrderIntent) {
	select {
	case c.intentCh <- intent:
	default:
		c.logger.Warn("intent queue full, dropping", "agent", intent.AgentID, "event", intent.EventID)
	}
}

// Run drives the coordinator's dispatch loop until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	housekeeping := time.NewTicker(5 * time.Second)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case intent := <-c.intentCh:
			c.process(ctx, intent)
		case <-housekeeping.C:
			c.clearExpiredKillSwitch()
			c.pruneDedup()
		}
	}
}

func (c *Coordinator) process(ctx context.Context, intent types.OrderIntent) {
	if ok, reason := c.admit(intent); !ok {
		c.logger.Info("intent rejected", "agent", intent.AgentID, "event", intent.EventID, "reason", reason)
		c.recordEvaluation(ctx, intent, false, reason)
		return
	}

	signed, err := c.dispatch(ctx, intent)
	if err != nil {
		c.logger.Error("dispatch failed", "agent", intent.AgentID, "event", intent.EventID, "err", err)
		c.recordEvaluation(ctx, intent, false, "dispatch_error")
		return
	}

	c.recordEvaluation(ctx, intent, true, "")
	c.applyFill(ctx, intent, signed)
}

// admit is the risk gate: dedup, kill switch, per-market/global exposure,
// and max-active-markets checks. Returns false with a reason on rejection.
func (c *Coordinator) admit(intent types.OrderIntent) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.domainAllowed(intent.Domain) {
		return false, "domain_not_allowed"
	}

	if c.killSwitchActive {
		if time.Now().After(c.killSwitchUntil) {
			c.killSwitchActive = false
		} else {
			return false, "kill_switch_active"
		}
	}

	window := c.cfg.DedupWindow
	if window <= 0 {
		window = time.Minute
	}
	if last, ok := c.dedup[intent.DedupKey]; ok && time.Since(last) < window {
		return false, "duplicate_intent"
	}

	if intent.Action != types.ActionBuy {
		// Exits always go through; they reduce exposure, never add to it.
		c.dedup[intent.DedupKey] = time.Now()
		if intent.DeploymentID != "" {
			c.deploymentsSeen[intent.DeploymentID] = struct{}{}
		}
		return true, ""
	}

	notional := intent.Price.Float64() * intent.Size.Float64()
	if notional <= 0 {
		notional = intent.Price.Float64() * c.defaultOrderNotional()
	}

	var marketExposure float64
	for _, pos := range c.positions {
		if pos.EventID == intent.EventID {
			marketExposure += pos.Notional().Float64()
		}
	}
	if marketExposure+notional > c.cfg.MaxPositionPerMarket {
		return false, "per_market_limit"
	}
	if c.totalExposure+notional > c.cfg.MaxGlobalExposure {
		return false, "global_exposure_limit"
	}
	if c.countActiveMarkets() >= c.cfg.MaxMarketsActive {
		if _, open := c.marketAlreadyOpen(intent.EventID); !open {
			return false, "max_markets_active"
		}
	}

	// Per-(agent, domain) envelope, invariant 4/spec §4.6.1: two agents
	// each within their own allowance must not be able to jointly exceed
	// what is scoped per agent per domain, so this is checked in addition
	// to (not instead of) the global limits above.
	key := domainKey(intent.AgentID, intent.Domain)
	limit := c.domainLimit(intent.Domain)
	if limit.MaxSharesPerOrder > 0 && intent.Size.Float64() > limit.MaxSharesPerOrder {
		return false, "agent_domain_shares_limit"
	}
	if limit.MaxExposure > 0 && c.exposureByAgentDomain[key]+notional > limit.MaxExposure {
		return false, "agent_domain_exposure_limit"
	}
	if limit.MaxPositions > 0 && c.positionCountByAgentDomain[key] >= limit.MaxPositions {
		if _, open := c.marketAlreadyOpen(intent.EventID); !open {
			return false, "agent_domain_position_limit"
		}
	}
	if limit.MaxDailyLoss > 0 && c.dailyPnLByAgentDomain[key] < -limit.MaxDailyLoss {
		return false, "agent_domain_daily_loss_limit"
	}

	c.dedup[intent.DedupKey] = time.Now()
	if intent.DeploymentID != "" {
		c.deploymentsSeen[intent.DeploymentID] = struct{}{}
	}
	return true, ""
}

func (c *Coordinator) defaultOrderNotional() float64 { return 1 }

func (c *Coordinator) countActiveMarkets() int {
	seen := make(map[string]struct{})
	for _, pos := range c.positions {
		seen[pos.EventID] = struct{}{}
	}
	return len(seen)
}

func (c *Coordinator) marketAlreadyOpen(eventID string) (types.Position, bool) {
	for _, pos := range c.positions {
		if pos.EventID == eventID {
			return pos, true
		}
	}
	return types.Position{}, false
}

// dispatch signs an admitted intent and submits it to the venue.
func (c *Coordinator) dispatch(ctx context.Context, intent types.OrderIntent) (types.SignedOrder, error) {
	tick := types.Tick001
	if c.ticks != nil {
		tick = c.ticks.TickSizeFor(intent.TokenID)
	}

	makerAmt, takerAmt := signer.OrderAmounts(intent.Price, intent.Size, intent.Action, tick)
	expiration := intent.ExpiresAt
	if expiration.IsZero() {
		expiration = time.Now().Add(2 * time.Minute)
	}

	sig, _, err := c.sgnr.SignOrder(c.exchangeAddr, intent.TokenID, makerAmt, takerAmt, intent.Action, expiration.Unix(), time.Now().UnixNano())
	if err != nil {
		return types.SignedOrder{}, types.NewError(types.KindValidation, "dispatch", err)
	}

	order := types.SignedOrder{
		Intent:      intent,
		OrderID:     uuid.NewString(),
		Signature:   sig,
		SubmittedAt: time.Now(),
		Status:      types.OrderStatusPending,
	}

	resp, err := c.exec.SubmitOrder(ctx, order, tick)
	if err != nil {
		return types.SignedOrder{}, err
	}
	if resp.OrderID != "" {
		order.OrderID = resp.OrderID
	}
	order.Status = types.OrderStatusOpen

	return order, nil
}

// applyFill updates local exposure bookkeeping and persists a Position/
// Cycle record after a successful dispatch.
func (c *Coordinator) applyFill(ctx context.Context, intent types.OrderIntent, order types.SignedOrder) {
	c.mu.Lock()

	if intent.Action == types.ActionBuy {
		key := domainKey(intent.AgentID, intent.Domain)
		_, alreadyOpen := c.positions[intent.TokenID]

		pos := c.positions[intent.TokenID]
		pos.EventID = intent.EventID
		pos.TokenID = intent.TokenID
		pos.Side = intent.Side
		newSize := pos.Size.Float64() + intent.Size.Float64()
		if newSize > 0 {
			pos.AvgEntryPx = types.PriceFromFloat(
				(pos.AvgEntryPx.Float64()*pos.Size.Float64() + intent.Price.Float64()*intent.Size.Float64()) / newSize,
			)
		}
		pos.Size = types.PriceFromFloat(newSize)
		if pos.OpenedAt.IsZero() {
			pos.OpenedAt = time.Now()
		}
		pos.UpdatedAt = time.Now()
		c.positions[intent.TokenID] = pos
		c.recomputeExposure()

		notional := intent.Price.Float64() * intent.Size.Float64()
		c.exposureByAgentDomain[key] += notional
		if !alreadyOpen {
			c.positionCountByAgentDomain[key]++
		}

		cycle := types.Cycle{
			ID:         uuid.NewString(),
			AgentID:    intent.AgentID,
			EventID:    intent.EventID,
			TokenID:    intent.TokenID,
			Side:       intent.Side,
			Status:     types.CycleOpen,
			EntryPrice: intent.Price,
			EntrySize:  intent.Size,
			OpenedAt:   time.Now(),
		}
		c.mu.Unlock()
		if c.store != nil {
			if err := c.store.CreateCycle(ctx, cycle); err != nil {
				c.logger.Error("persist cycle failed", "err", err)
			}
			if err := c.store.UpsertPosition(ctx, pos); err != nil {
				c.logger.Error("persist position failed", "err", err)
			}
		}
		return
	}

	// Sell/exit: realize PnL and drop the local position.
	pos, ok := c.positions[intent.TokenID]
	if ok {
		key := domainKey(intent.AgentID, intent.Domain)
		pnl := (intent.Price.Float64() - pos.AvgEntryPx.Float64()) * intent.Size.Float64()
		c.dailyRealizedPnL += pnl
		c.dailyPnLByAgentDomain[key] += pnl
		c.exposureByAgentDomain[key] -= pos.Notional().Float64()
		if c.exposureByAgentDomain[key] < 0 {
			c.exposureByAgentDomain[key] = 0
		}
		if c.positionCountByAgentDomain[key] > 0 {
			c.positionCountByAgentDomain[key]--
		}
		delete(c.positions, intent.TokenID)
		c.recomputeExposure()
	}
	c.mu.Unlock()

	if c.store != nil && ok {
		pos.UpdatedAt = time.Now()
		pos.Size = types.PriceFromFloat(0)
		if err := c.store.UpsertPosition(ctx, pos); err != nil {
			c.logger.Error("persist position closure failed", "err", err)
		}
	}
}

func (c *Coordinator) recomputeExposure() {
	total := 0.0
	for _, pos := range c.positions {
		total += pos.Notional().Float64()
	}
	c.totalExposure = total

	if c.dailyRealizedPnL < -c.cfg.MaxDailyLoss {
		c.emitKill("max daily loss breached")
	}
}

func (c *Coordinator) recordEvaluation(ctx context.Context, intent types.OrderIntent, entered bool, skipReason string) {
	if c.store == nil {
		return
	}
	eval := types.StrategyEvaluation{
		AgentID:    intent.AgentID,
		EventID:    intent.EventID,
		Timestamp:  time.Now(),
		Entered:    entered,
		SkipReason: skipReason,
	}
	if entered {
		eval.Intent = &intent
	}
	if err := c.store.SaveEvaluation(ctx, eval); err != nil {
		c.logger.Error("persist evaluation failed", "err", err)
	}
}

// CheckPriceMovement detects a rapid mid-price swing for a token and fires
// the kill switch if it exceeds KillSwitchDropPct within KillSwitchWindowSec.
// Called by whatever feed-refresh loop observes the mid price (agents or
// the reconciler), since the coordinator itself does not subscribe to feeds.
func (c *Coordinator) CheckPriceMovement(tokenID string, mid float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	window := time.Duration(c.cfg.KillSwitchWindowSec) * time.Second
	anchor, ok := c.priceAnchors[tokenID]
	if !ok || now.Sub(anchor.at) > window {
		c.priceAnchors[tokenID] = priceAnchor{price: mid, at: now}
		return
	}
	if anchor.price == 0 {
		return
	}

	pctChange := (mid - anchor.price) / anchor.price
	if pctChange < 0 {
		pctChange = -pctChange
	}
	if pctChange > c.cfg.KillSwitchDropPct {
		c.emitKill(fmt.Sprintf("rapid price movement on %s: %.1f%% in %ds", tokenID, pctChange*100, c.cfg.KillSwitchWindowSec))
	}
}

// emitKill activates the kill switch and starts its cooldown. Caller must
// hold c.mu.
func (c *Coordinator) emitKill(reason string) {
	c.killSwitchActive = true
	c.killSwitchUntil = time.Now().Add(c.cfg.CooldownAfterKill)
	c.logger.Error("kill switch engaged", "reason", reason, "cooldown_until", c.killSwitchUntil)
	c.broadcastLocked(CmdPause)
}

func (c *Coordinator) clearExpiredKillSwitch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.killSwitchActive && time.Now().After(c.killSwitchUntil) {
		c.killSwitchActive = false
		c.logger.Info("kill switch cooldown expired")
	}
}

func (c *Coordinator) pruneDedup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := c.cfg.DedupWindow
	if window <= 0 {
		window = time.Minute
	}
	cutoff := time.Now().Add(-window)
	for k, t := range c.dedup {
		if t.Before(cutoff) {
			delete(c.dedup, k)
		}
	}
}

// Snapshot returns the current aggregate risk state, used by the
// supervisor's health check and cmd/ployd's status reporting.
type Snapshot struct {
	TotalExposure    float64
	MaxGlobalExposure float64
	ActiveMarkets    int
	DailyRealizedPnL float64
	KillSwitchActive bool
	KillSwitchUntil  time.Time
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		TotalExposure:     c.totalExposure,
		MaxGlobalExposure: c.cfg.MaxGlobalExposure,
		ActiveMarkets:     c.countActiveMarkets(),
		DailyRealizedPnL:  c.dailyRealizedPnL,
		KillSwitchActive:  c.killSwitchActive,
		KillSwitchUntil:   c.killSwitchUntil,
	}
}

// ForceCloseAll cancels the kill switch's effect on exits only: it returns
// the current open positions so the caller (cmd/ployd, on shutdown) can ask
// every agent to force-close them via the agent.CommandForceClose command.
func (c *Coordinator) ForceCloseAll() []types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Position, 0, len(c.positions))
	for _, pos := range c.positions {
		out = append(out, pos)
	}
	return out
}

// ResetDailyPnL is invoked by the supervisor's daily cron job.
func (c *Coordinator) ResetDailyPnL() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dailyRealizedPnL = 0
	for key := range c.dailyPnLByAgentDomain {
		c.dailyPnLByAgentDomain[key] = 0
	}
}
