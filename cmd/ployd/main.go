// ployd is the trading runtime entry point: it loads configuration, wires
// the feed layer, event matcher, agents, coordinator, persistent store,
// reconciler, and claimer together, and runs them under the supervisor
// until a shutdown signal arrives.
//
// The overall shape — load config, build a logger, construct every
// long-running component, hand them to a supervised run loop, wait on
// SIGINT/SIGTERM, stop in reverse order — is the teacher's cmd/bot/main.go
// generalized from a single engine.Engine to the larger component set
// spec §2 describes. The HTTP admin/control API and TUI the teacher wires
// here are explicitly out of scope (spec §1); main exposes only the
// supervisor's health snapshot a real control surface would attach to.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ploy-markets/ploy/internal/agent"
	"github.com/ploy-markets/ploy/internal/catalog"
	"github.com/ploy-markets/ploy/internal/claimer"
	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/internal/coordinator"
	"github.com/ploy-markets/ploy/internal/execution"
	"github.com/ploy-markets/ploy/internal/matcher"
	"github.com/ploy-markets/ploy/internal/reconciler"
	"github.com/ploy-markets/ploy/internal/signer"
	"github.com/ploy-markets/ploy/internal/spotfeed"
	"github.com/ploy-markets/ploy/internal/store"
	"github.com/ploy-markets/ploy/internal/supervisor"
	"github.com/ploy-markets/ploy/internal/venuefeed"
	"github.com/ploy-markets/ploy/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PLOY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.Error("runtime exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// run constructs every long-running component, starts them under the
// supervisor, and blocks until a shutdown signal arrives or an
// unrecoverable startup error occurs. On SIGINT/SIGTERM it broadcasts
// ForceClose to every agent and gives them a grace period to flush exit
// intents (spec §5 "Cancellation": ForceClose is best-effort before the
// agent loop breaks) before cancelling the run context.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed, no chain transactions will be sent")
	}

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	checkpoints, err := store.OpenCheckpointStore(checkpointDir(cfg.Store))
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	sgnr, err := signer.New(cfg.Wallet, cfg.Venue)
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}

	alerts := supervisor.NewAlertManager(supervisor.AlertManagerConfig{
		RateLimit:          cfg.Supervisor.AlertCooldown,
		NotifyInfo:         cfg.Supervisor.NotifyInfo,
		MaxAlertsPerMinute: cfg.Supervisor.MaxAlertsPerMinute,
	}, logger)

	// --- feed layer (C2/C3/C4/C5/C6) ---
	spotCache := spotfeed.NewCache(cfg.SpotFeed.TickRingSize)
	spotClient := spotfeed.New(cfg.SpotFeed.WSURL, cfg.SpotFeed.Symbols, cfg.SpotFeed.MaxOutagesPerHour, logger)

	lobCache := venuefeed.NewLobCache()
	quoteCache := venuefeed.NewQuoteCache()
	marketFeed := venuefeed.NewMarketClient(cfg.Venue.WSMarketURL, logger)

	// --- catalog + event matcher (C7/C8) ---
	catalogClient := catalog.New(cfg.Catalog, cfg.Venue.GammaBaseURL, logger)
	eventMatcher := matcher.New(cfg.Matcher, catalogClient, logger)

	// --- execution + coordinator (C9/C10/C12) ---
	execClient := execution.NewClient(cfg.Venue.CLOBBaseURL, sgnr, cfg.DryRun, logger)
	coord := coordinator.New(cfg.Coordinator, cfg.Venue.ExchangeAddr, execClient, sgnr, st, eventMatcher, logger)

	// --- agents (C11) ---
	agents := buildAgents(cfg, spotCache, quoteCache, lobCache, eventMatcher, coord, logger)
	for name, rt := range agents {
		coord.RegisterAgent(name, rt.sink())
	}

	logger.Info("allowed trading domains", "domains", coord.AllowedDomains())

	// --- reconciler (C14) ---
	recon := reconciler.New(cfg.Reconciler, st, execClient, alerts, logger)

	// --- claimer (C15) ---
	var claim *claimer.Claimer
	if cfg.Claimer.Enabled {
		claim, err = claimer.New(ctx, cfg.Claimer, cfg.Wallet, execClient, st, logger)
		if err != nil {
			return fmt.Errorf("init claimer: %w", err)
		}
	}

	// Bridge raw venue feed events into the LOB/quote caches and the
	// coordinator's price-shock monitor. This goroutine is the only
	// consumer of marketFeed's event channels; everything downstream
	// reads the caches, never the channels directly.
	go bridgeVenueFeed(ctx, marketFeed, lobCache, quoteCache, coord, agents, logger)
	go bridgeSpotFeed(ctx, spotClient, spotCache, agents)
	go runCheckpointLoop(ctx, cfg.Store.CheckpointEvery, st, checkpoints, logger)

	components := map[string]supervisor.Lifecycle{
		"spot_feed":   spotClient,
		"venue_feed":  marketFeed,
		"matcher":     eventMatcher,
		"coordinator": coord,
		"reconciler":  recon,
	}
	for name, rt := range agents {
		components[name] = rt
	}
	if claim != nil {
		components["claimer"] = claim
	}

	sup := supervisor.New(cfg.Supervisor, alerts, logger)
	stopHousekeeping, err := sup.StartHousekeeping(ctx, coord, st)
	if err != nil {
		return fmt.Errorf("start housekeeping: %w", err)
	}
	defer stopHousekeeping()

	logger.Info("ployd started",
		"agents", len(agents),
		"symbols", cfg.SpotFeed.Symbols,
		"max_exposure", cfg.Coordinator.MaxGlobalExposure,
		"dry_run", cfg.DryRun,
	)

	superviseDone := make(chan struct{})
	go func() {
		sup.Supervise(ctx, components)
		close(superviseDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		coord.Broadcast(coordinator.CmdForceClose)
		select {
		case <-time.After(5 * time.Second):
		case <-superviseDone:
		}
		cancel()
		<-superviseDone
	case <-superviseDone:
	}

	logger.Info("shutdown complete")
	return nil
}

func checkpointDir(cfg config.StoreConfig) string {
	if cfg.CheckpointDir != "" {
		return cfg.CheckpointDir
	}
	return "./checkpoints"
}

// agentRuntime is the Lifecycle shape every concrete agent exposes: a
// Run(ctx) that drives its shared select-loop with its own entry
// predicate, plus the command channel the coordinator broadcasts on and
// the send ends of its spot-tick/quote-update/feed-interrupt channels, so
// main's feed bridges can fan values into every agent without reaching
// into the agent package's Runtime directly.
type agentRuntime struct {
	name          string
	run           func(ctx context.Context) error
	cmds          chan<- agent.CommandMsg
	spotTicks     chan<- agent.SpotTickEvent
	quoteUpdates  chan<- agent.QuoteEvent
	feedInterrupt chan struct{}
}

func (a agentRuntime) Run(ctx context.Context) error { return a.run(ctx) }

// sink adapts this agent's command channel to coordinator.CommandSink so
// the coordinator can broadcast Pause/ForceClose without importing the
// agent package.
func (a agentRuntime) sink() coordinator.CommandSink { return cmdSinkAdapter{a.cmds} }

// cmdSinkAdapter forwards a coordinator.AgentCommand onto an agent's
// CommandMsg channel, dropping it (with a log line left to the agent's
// own heartbeat to surface backpressure) rather than blocking the
// coordinator's locked broadcast path.
type cmdSinkAdapter struct {
	cmds chan<- agent.CommandMsg
}

func (s cmdSinkAdapter) Send(cmd coordinator.AgentCommand) {
	var mapped agent.Command
	switch cmd {
	case coordinator.CmdPause:
		mapped = agent.CommandPause
	case coordinator.CmdResume:
		mapped = agent.CommandResume
	case coordinator.CmdShutdown:
		mapped = agent.CommandShutdown
	case coordinator.CmdForceClose:
		mapped = agent.CommandForceClose
	default:
		return
	}
	select {
	case s.cmds <- agent.CommandMsg{Cmd: mapped}:
	default:
	}
}

// buildAgents constructs one Runtime per enabled agent type in cfg and
// returns them keyed by name for the supervisor's component map.
func buildAgents(
	cfg *config.Config,
	spot *spotfeed.Cache,
	quotes *venuefeed.QuoteCache,
	lob *venuefeed.LobCache,
	events *matcher.Matcher,
	sink agent.OrderSink,
	logger *slog.Logger,
) map[string]agentRuntime {
	out := make(map[string]agentRuntime)

	if cfg.Agents.Momentum.Enabled {
		cmds := make(chan agent.CommandMsg, 8)
		spotTicks := make(chan agent.SpotTickEvent, 64)
		quoteUpdates := make(chan agent.QuoteEvent, 64)
		feedInterrupt := make(chan struct{})
		rt := agent.NewRuntime("momentum", cfg.Agents.Momentum.Domain, spot, quotes, lob, events, sink, cmds, cfg.Agents.Momentum.PriceExit, logger).
			WithSpotTicks(spotTicks).WithQuoteUpdates(quoteUpdates).WithFeedInterrupt(feedInterrupt)
		m := agent.NewMomentum(rt, cfg.Agents.Momentum)
		out["agent_momentum"] = agentRuntime{
			name:          "momentum",
			run:           func(ctx context.Context) error { return rt.Run(ctx, m.Evaluate) },
			cmds:          cmds,
			spotTicks:     spotTicks,
			quoteUpdates:  quoteUpdates,
			feedInterrupt: feedInterrupt,
		}
	}

	if cfg.Agents.LobML.Enabled {
		cmds := make(chan agent.CommandMsg, 8)
		spotTicks := make(chan agent.SpotTickEvent, 64)
		quoteUpdates := make(chan agent.QuoteEvent, 64)
		feedInterrupt := make(chan struct{})
		rt := agent.NewRuntime("lob_ml", cfg.Agents.LobML.Domain, spot, quotes, lob, events, sink, cmds, cfg.Agents.LobML.PriceExit, logger).
			WithSpotTicks(spotTicks).WithQuoteUpdates(quoteUpdates).WithFeedInterrupt(feedInterrupt)
		model := agent.LogisticModel{} // fallback baseline; a trained ONNX/MLP model replaces this per config.ModelPath
		a := agent.NewLobML(rt, cfg.Agents.LobML, model)
		out["agent_lob_ml"] = agentRuntime{
			name:          "lob_ml",
			run:           func(ctx context.Context) error { return rt.Run(ctx, a.Evaluate) },
			cmds:          cmds,
			spotTicks:     spotTicks,
			quoteUpdates:  quoteUpdates,
			feedInterrupt: feedInterrupt,
		}
	}

	if cfg.Agents.RLPolicy.Enabled {
		cmds := make(chan agent.CommandMsg, 8)
		spotTicks := make(chan agent.SpotTickEvent, 64)
		quoteUpdates := make(chan agent.QuoteEvent, 64)
		feedInterrupt := make(chan struct{})
		rt := agent.NewRuntime("rl_policy", cfg.Agents.RLPolicy.Domain, spot, quotes, lob, events, sink, cmds, cfg.Agents.RLPolicy.PriceExit, logger).
			WithSpotTicks(spotTicks).WithQuoteUpdates(quoteUpdates).WithFeedInterrupt(feedInterrupt)
		a := agent.NewRLPolicy(rt, cfg.Agents.RLPolicy, nil)
		out["agent_rl_policy"] = agentRuntime{
			name:          "rl_policy",
			run:           func(ctx context.Context) error { return rt.Run(ctx, a.Evaluate) },
			cmds:          cmds,
			spotTicks:     spotTicks,
			quoteUpdates:  quoteUpdates,
			feedInterrupt: feedInterrupt,
		}
	}

	return out
}

// bridgeVenueFeed is the sole consumer of the venue feed's decoded event
// channels: it applies book/price-change events to the LOB cache, derives
// a top-of-book Quote into the quote cache, feeds the mid price to the
// coordinator's price-shock monitor, and fans the resulting quote out to
// every agent's QuoteUpdates channel to drive the mark-to-market
// price-exit branch (spec §4.5 item 3).
func bridgeVenueFeed(ctx context.Context, client *venuefeed.Client, lob *venuefeed.LobCache, quotes *venuefeed.QuoteCache, coord *coordinator.Coordinator, agents map[string]agentRuntime, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-client.BookEvents():
			lob.ApplyBookEvent(evt)
			publishQuote(evt.AssetID, lob, quotes, coord, agents)
		case evt := <-client.PriceChangeEvents():
			lob.ApplyPriceChange(evt)
			publishQuote(evt.AssetID, lob, quotes, coord, agents)
		}
	}
}

func publishQuote(tokenID string, lob *venuefeed.LobCache, quotes *venuefeed.QuoteCache, coord *coordinator.Coordinator, agents map[string]agentRuntime) {
	snap, ok := lob.Snapshot(tokenID)
	if !ok {
		return
	}
	quotes.Update(snap)
	bid, hasBid := snap.BestBid()
	ask, hasAsk := snap.BestAsk()
	if hasBid && hasAsk {
		mid := (bid.Price.Float64() + ask.Price.Float64()) / 2
		coord.CheckPriceMovement(tokenID, mid, snap.Timestamp)
	}

	quote := types.Quote{TokenID: tokenID, Timestamp: snap.Timestamp}
	if hasBid {
		quote.BidPrice, quote.BidSize = bid.Price, bid.Size
	}
	if hasAsk {
		quote.AskPrice, quote.AskSize = ask.Price, ask.Size
	}
	evt := agent.QuoteEvent{TokenID: tokenID, Quote: quote}
	for _, rt := range agents {
		select {
		case rt.quoteUpdates <- evt:
		default:
		}
	}
}

// bridgeSpotFeed is the sole consumer of the spot feed's tick channel; it
// feeds every tick into the bounded per-symbol cache the agents query,
// fans it out as a SpotTickEvent to every agent's SpotTicks channel (spec
// §4.5 item 2), and propagates the feed's interrupted signal to every
// agent's FeedInterrupt channel (spec §7 FeedInterrupted).
func bridgeSpotFeed(ctx context.Context, feed *spotfeed.Feed, cache *spotfeed.Cache, agents map[string]agentRuntime) {
	interruptDone := make(chan struct{})
	go func() {
		select {
		case <-feed.Interrupted():
			for _, rt := range agents {
				close(rt.feedInterrupt)
			}
		case <-interruptDone:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			close(interruptDone)
			return
		case tick, ok := <-feed.Ticks():
			if !ok {
				return
			}
			cache.Add(tick)
			evt := agent.SpotTickEvent{Symbol: tick.Symbol, Price: tick.Price, At: tick.Timestamp}
			for _, rt := range agents {
				select {
				case rt.spotTicks <- evt:
				default:
				}
			}
		}
	}
}

// runCheckpointLoop periodically snapshots the store's open positions to
// disk, so a restart has a warm-start view before the reconciler's first
// pass against the venue completes.
func runCheckpointLoop(ctx context.Context, interval time.Duration, st *store.Store, checkpoints *store.CheckpointStore, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			positions, err := st.ListPositions(ctx)
			if err != nil {
				logger.Warn("checkpoint read failed", "error", err)
				continue
			}
			byToken := make(map[string]types.Position, len(positions))
			for _, pos := range positions {
				byToken[pos.TokenID] = pos
			}
			cp := store.Checkpoint{TakenAt: time.Now(), Positions: byToken}
			if err := checkpoints.Save(cp); err != nil {
				logger.Warn("checkpoint save failed", "error", err)
			}
		}
	}
}
