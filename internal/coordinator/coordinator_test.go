package coordinator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/internal/execution"
	"github.com/ploy-markets/ploy/internal/signer"
	"github.com/ploy-markets/ploy/pkg/types"
)

const testPrivateKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690"

func testSigner(t *testing.T) *signer.Signer {
	t.Helper()
	s, err := signer.New(config.WalletConfig{
		PrivateKey: testPrivateKey,
		ChainID:    137,
	}, config.VenueConfig{})
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	return s
}

func testCoordinator(t *testing.T, cfg config.CoordinatorConfig) *Coordinator {
	t.Helper()
	logger := slog.Default()
	exec := execution.NewClient("https://example.invalid", testSigner(t), true, logger)
	return New(cfg, "0x0000000000000000000000000000000000000000", exec, testSigner(t), nil, nil, logger)
}

func intent(agentID, eventID, tokenID, dedupKey string, price string) types.OrderIntent {
	p, _ := types.NewPrice(price)
	s, _ := types.NewPrice("10")
	return types.OrderIntent{
		AgentID:   agentID,
		EventID:   eventID,
		TokenID:   tokenID,
		Action:    types.ActionBuy,
		Price:     p,
		Size:      s,
		DedupKey:  dedupKey,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
}

// TestDedupRejectsRepeatWithinWindow covers the dedup invariant: the same
// dedup key submitted twice within the window dispatches at most once.
func TestDedupRejectsRepeatWithinWindow(t *testing.T) {
	c := testCoordinator(t, config.CoordinatorConfig{
		MaxPositionPerMarket: 1000,
		MaxGlobalExposure:    1000,
		MaxMarketsActive:     10,
		DedupWindow:          time.Minute,
	})

	first := intent("momentum", "evt-1", "tok-up", "momentum:evt-1", "0.5")
	ok, reason := c.admit(first)
	if !ok {
		t.Fatalf("expected first admit to succeed, got reason=%s", reason)
	}

	second := intent("momentum", "evt-1", "tok-up", "momentum:evt-1", "0.5")
	ok, reason = c.admit(second)
	if ok {
		t.Fatalf("expected duplicate to be rejected")
	}
	if reason != "duplicate_intent" {
		t.Errorf("expected duplicate_intent, got %s", reason)
	}
}

// TestPerMarketLimitRejectsOverExposure covers the risk envelope invariant:
// an intent that would push a single market's exposure over
// MaxPositionPerMarket is rejected.
func TestPerMarketLimitRejectsOverExposure(t *testing.T) {
	c := testCoordinator(t, config.CoordinatorConfig{
		MaxPositionPerMarket: 4, // 10 * 0.5 = 5 > 4
		MaxGlobalExposure:    1000,
		MaxMarketsActive:     10,
		DedupWindow:          time.Minute,
	})

	in := intent("momentum", "evt-1", "tok-up", "momentum:evt-1", "0.5")
	ok, reason := c.admit(in)
	if ok {
		t.Fatalf("expected rejection on per-market limit")
	}
	if reason != "per_market_limit" {
		t.Errorf("expected per_market_limit, got %s", reason)
	}
}

// TestGlobalExposureLimitRejects covers the global exposure bound.
func TestGlobalExposureLimitRejects(t *testing.T) {
	c := testCoordinator(t, config.CoordinatorConfig{
		MaxPositionPerMarket: 1000,
		MaxGlobalExposure:    4,
		MaxMarketsActive:     10,
		DedupWindow:          time.Minute,
	})

	in := intent("momentum", "evt-1", "tok-up", "momentum:evt-1", "0.5")
	ok, reason := c.admit(in)
	if ok {
		t.Fatalf("expected rejection on global exposure limit")
	}
	if reason != "global_exposure_limit" {
		t.Errorf("expected global_exposure_limit, got %s", reason)
	}
}

// TestKillSwitchBlocksNewEntries covers the kill-switch envelope: once
// engaged, new buy intents are rejected until cooldown expires.
func TestKillSwitchBlocksNewEntries(t *testing.T) {
	c := testCoordinator(t, config.CoordinatorConfig{
		MaxPositionPerMarket: 1000,
		MaxGlobalExposure:    1000,
		MaxMarketsActive:     10,
		DedupWindow:          time.Minute,
		CooldownAfterKill:    time.Minute,
	})

	c.mu.Lock()
	c.emitKill("test")
	c.mu.Unlock()

	in := intent("momentum", "evt-1", "tok-up", "momentum:evt-1", "0.5")
	ok, reason := c.admit(in)
	if ok {
		t.Fatalf("expected rejection while kill switch active")
	}
	if reason != "kill_switch_active" {
		t.Errorf("expected kill_switch_active, got %s", reason)
	}
}

// TestDispatchDryRun exercises the full admit+sign+submit path in dry-run
// mode, confirming a clean buy intent produces an open SignedOrder and
// updates local exposure.
func TestDispatchDryRun(t *testing.T) {
	c := testCoordinator(t, config.CoordinatorConfig{
		MaxPositionPerMarket: 1000,
		MaxGlobalExposure:    1000,
		MaxMarketsActive:     10,
		DedupWindow:          time.Minute,
	})

	ctx := context.Background()
	in := intent("momentum", "evt-1", "123456789012345678901234567890", "momentum:evt-1", "0.5")
	c.process(ctx, in)

	snap := c.Snapshot()
	if snap.ActiveMarkets != 1 {
		t.Errorf("expected 1 active market after dispatch, got %d", snap.ActiveMarkets)
	}
	if snap.TotalExposure <= 0 {
		t.Errorf("expected positive exposure after dispatch, got %f", snap.TotalExposure)
	}
}
