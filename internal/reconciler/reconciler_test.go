package reconciler

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	positions []types.Position
	upserts   []types.Position
	reports   int
}

func (f *fakeStore) ListPositions(ctx context.Context) ([]types.Position, error) {
	return f.positions, nil
}

func (f *fakeStore) UpsertPosition(ctx context.Context, pos types.Position) error {
	f.upserts = append(f.upserts, pos)
	return nil
}

func (f *fakeStore) RecordReconciliation(ctx context.Context, tokenID string, localSize, venueSize types.Size, deltaPct float64, severity string, autoCorrected bool) error {
	f.reports++
	return nil
}

type fakeVenue struct {
	balances map[string]float64
}

func (f *fakeVenue) GetBalances(ctx context.Context) (map[string]float64, error) {
	return f.balances, nil
}

type fakeAlerter struct {
	criticals int
	warnings  int
}

func (f *fakeAlerter) Critical(key, message string) { f.criticals++ }
func (f *fakeAlerter) Warning(key, message string)  { f.warnings++ }

func newTestReconciler(store LocalPositions, venue VenueBalances, alerter Alerter, autoCorrect bool) *Reconciler {
	cfg := config.ReconcilerConfig{
		WarningThreshold:  0.05,
		CriticalThreshold: 0.20,
		AutoCorrect:       autoCorrect,
	}
	return New(cfg, store, venue, alerter, discardLogger())
}

func TestSeverityThresholds(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(&fakeStore{}, &fakeVenue{}, nil, false)

	sev, pct := r.severityFor(102, 100)
	require.Equal(t, SeverityInfo, sev)
	require.InDelta(t, 0.02, pct, 1e-9)

	sev, pct = r.severityFor(110, 100)
	require.Equal(t, SeverityWarning, sev)
	require.InDelta(t, 0.10, pct, 1e-9)

	sev, pct = r.severityFor(130, 100)
	require.Equal(t, SeverityCritical, sev)
	require.InDelta(t, 0.30, pct, 1e-9)
}

func TestSeverityVenueZeroWithLocalPositionIsCritical(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(&fakeStore{}, &fakeVenue{}, nil, false)

	sev, _ := r.severityFor(50, 0)
	require.Equal(t, SeverityCritical, sev)
}

func TestSeverityBothZeroIsInfo(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(&fakeStore{}, &fakeVenue{}, nil, false)

	sev, pct := r.severityFor(0, 0)
	require.Equal(t, SeverityInfo, sev)
	require.Zero(t, pct)
}

func TestReconcileAutoCorrectsInfoSeverity(t *testing.T) {
	t.Parallel()
	store := &fakeStore{
		positions: []types.Position{
			{TokenID: "tok-a", EventID: "evt-a", Size: types.PriceFromFloat(101)},
		},
	}
	venue := &fakeVenue{balances: map[string]float64{"tok-a": 100}}
	alerter := &fakeAlerter{}
	r := newTestReconciler(store, venue, alerter, true)

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Discrepancies, 1)
	require.Equal(t, SeverityInfo, result.Discrepancies[0].Severity)
	require.Equal(t, 1, result.AutoCorrections)
	require.Len(t, store.upserts, 1)
	require.Equal(t, 0, alerter.criticals)
	require.Equal(t, 1, store.reports)
}

func TestReconcileDoesNotAutoCorrectWhenDisabled(t *testing.T) {
	t.Parallel()
	store := &fakeStore{
		positions: []types.Position{
			{TokenID: "tok-a", EventID: "evt-a", Size: types.PriceFromFloat(101)},
		},
	}
	venue := &fakeVenue{balances: map[string]float64{"tok-a": 100}}
	r := newTestReconciler(store, venue, nil, false)

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.AutoCorrections)
	require.Empty(t, store.upserts)
}

func TestReconcileCriticalAlertsAndSkipsAutoCorrect(t *testing.T) {
	t.Parallel()
	store := &fakeStore{
		positions: []types.Position{
			{TokenID: "tok-b", EventID: "evt-b", Size: types.PriceFromFloat(100)},
		},
	}
	venue := &fakeVenue{balances: map[string]float64{"tok-b": 0}}
	alerter := &fakeAlerter{}
	r := newTestReconciler(store, venue, alerter, true)

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.CriticalIssues)
	require.Equal(t, 0, result.AutoCorrections)
	require.Equal(t, 1, alerter.criticals)
	require.Empty(t, store.upserts)
}

func TestReconcileSkipsMatchingPositions(t *testing.T) {
	t.Parallel()
	store := &fakeStore{
		positions: []types.Position{
			{TokenID: "tok-c", EventID: "evt-c", Size: types.PriceFromFloat(50)},
		},
	}
	venue := &fakeVenue{balances: map[string]float64{"tok-c": 50}}
	r := newTestReconciler(store, venue, nil, true)

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Discrepancies)
	require.Equal(t, 0, store.reports)
}
