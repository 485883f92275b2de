package claimer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/internal/execution"
	"github.com/ploy-markets/ploy/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVenue struct {
	positions []execution.Position
}

func (f *fakeVenue) GetPositions(ctx context.Context) ([]execution.Position, error) {
	return f.positions, nil
}

type fakeStore struct {
	upserts int
}

func (f *fakeStore) UpsertRedemption(ctx context.Context, conditionID string, tokenIDs, amounts []string, txHash, status string) error {
	f.upserts++
	return nil
}

func newDryRunClaimer(t *testing.T, venue VenuePositions, store RedemptionStore, cfg config.ClaimerConfig) *Claimer {
	t.Helper()
	cfg.AutoClaim = false
	c, err := New(context.Background(), cfg, config.WalletConfig{}, venue, store, discardLogger())
	require.NoError(t, err)
	return c
}

func TestCollapsePositionsByConditionMergesDuplicateRows(t *testing.T) {
	t.Parallel()
	positions := []RedeemablePosition{
		{ConditionID: "cond-1", TokenID: "tok-a", Outcome: "Yes", Size: types.PriceFromFloat(10), Payout: types.PriceFromFloat(10)},
		{ConditionID: "cond-1", TokenID: "tok-b", Outcome: "No", Size: types.PriceFromFloat(5), Payout: types.PriceFromFloat(5), NegRisk: true},
		{ConditionID: "cond-2", TokenID: "tok-c", Outcome: "Yes", Size: types.PriceFromFloat(7), Payout: types.PriceFromFloat(7)},
	}

	merged := collapsePositionsByCondition(positions)
	require.Len(t, merged, 2)

	var cond1 *RedeemablePosition
	for i := range merged {
		if merged[i].ConditionID == "cond-1" {
			cond1 = &merged[i]
		}
	}
	require.NotNil(t, cond1)
	require.InDelta(t, 15, cond1.Size.Float64(), 1e-9)
	require.InDelta(t, 15, cond1.Payout.Float64(), 1e-9)
	require.True(t, cond1.NegRisk)
}

func TestCheckAndClaimSkipsDustBelowMinClaimSize(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{positions: []execution.Position{
		{ConditionID: "cond-dust", TokenID: "tok-dust", Outcome: "Yes", Size: "0.50", CurPrice: "1.0", Redeemable: true},
	}}
	store := &fakeStore{}
	cfg := config.ClaimerConfig{MinClaimSizeUSD: 1.0}
	c := newDryRunClaimer(t, venue, store, cfg)

	results, err := c.CheckAndClaim(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, 0, store.upserts)
}

func TestCheckAndClaimDryRunReportsWithoutSubmitting(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{positions: []execution.Position{
		{ConditionID: "cond-a", TokenID: "tok-a", Outcome: "Yes", Size: "100", CurPrice: "1.0", Redeemable: true},
	}}
	store := &fakeStore{}
	cfg := config.ClaimerConfig{MinClaimSizeUSD: 1.0}
	c := newDryRunClaimer(t, venue, store, cfg)

	results, err := c.CheckAndClaim(context.Background())
	require.NoError(t, err)
	require.Empty(t, results, "dry-run should report via logs, not ClaimResults")
	require.Equal(t, 0, store.upserts)
}

func TestCheckAndClaimIgnoresNonRedeemablePositions(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{positions: []execution.Position{
		{ConditionID: "cond-b", TokenID: "tok-b", Outcome: "No", Size: "50", CurPrice: "0.10", Redeemable: false},
	}}
	store := &fakeStore{}
	cfg := config.ClaimerConfig{MinClaimSizeUSD: 1.0}
	c := newDryRunClaimer(t, venue, store, cfg)

	results, err := c.CheckAndClaim(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestCheckAndClaimPriceFallbackWhenEnabled(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{positions: []execution.Position{
		{ConditionID: "cond-c", TokenID: "tok-c", Outcome: "Yes", Size: "20", CurPrice: "0.995", Redeemable: false},
	}}
	cfg := config.ClaimerConfig{MinClaimSizeUSD: 1.0, AllowPriceFallback: true}
	c := newDryRunClaimer(t, venue, &fakeStore{}, cfg)

	redeemable, err := c.getRedeemablePositions(context.Background())
	require.NoError(t, err)
	require.Len(t, redeemable, 1)
}

func TestCheckAndClaimSkipsMissingConditionID(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{positions: []execution.Position{
		{ConditionID: "", TokenID: "tok-d", Outcome: "Yes", Size: "20", CurPrice: "1.0", Redeemable: true},
	}}
	cfg := config.ClaimerConfig{MinClaimSizeUSD: 1.0}
	c := newDryRunClaimer(t, venue, &fakeStore{}, cfg)

	redeemable, err := c.getRedeemablePositions(context.Background())
	require.NoError(t, err)
	require.Empty(t, redeemable)
}
