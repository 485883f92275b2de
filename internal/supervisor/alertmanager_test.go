package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAlertLevelOrdering(t *testing.T) {
	t.Parallel()
	require.Less(t, int(LevelInfo), int(LevelWarning))
	require.Less(t, int(LevelWarning), int(LevelError))
	require.Less(t, int(LevelError), int(LevelCritical))
}

func TestRateLimitingSuppressesDuplicateWithinWindow(t *testing.T) {
	t.Parallel()
	m := NewAlertManager(AlertManagerConfig{RateLimit: time.Minute}, discardLogger())

	alert := Alert{Level: LevelWarning, Component: "test", Title: "Test", Message: "msg"}

	require.False(t, m.shouldRateLimit(alert), "first alert should not be rate limited")
	require.True(t, m.shouldRateLimit(alert), "second identical alert should be rate limited")

	counts := m.SuppressedCounts()
	require.Equal(t, uint32(1), counts[alert.rateLimitKey()])
}

func TestRateLimitResetsAfterWindowElapses(t *testing.T) {
	t.Parallel()
	m := NewAlertManager(AlertManagerConfig{RateLimit: time.Millisecond}, discardLogger())
	alert := Alert{Level: LevelWarning, Component: "test", Title: "Test", Message: "msg"}

	require.False(t, m.shouldRateLimit(alert))
	time.Sleep(5 * time.Millisecond)
	require.False(t, m.shouldRateLimit(alert), "alert should be allowed again once the window elapses")
}

func TestGlobalThrottleCapsAlertsPerMinute(t *testing.T) {
	t.Parallel()
	m := NewAlertManager(AlertManagerConfig{MaxAlertsPerMinute: 2}, discardLogger())

	require.False(t, m.isThrottled())
	require.False(t, m.isThrottled())
	require.True(t, m.isThrottled(), "third alert within the same minute should be throttled")
}

func TestResetRateLimitsClearsSuppressedCounts(t *testing.T) {
	t.Parallel()
	m := NewAlertManager(AlertManagerConfig{RateLimit: time.Minute}, discardLogger())
	alert := Alert{Level: LevelWarning, Component: "test", Title: "Test", Message: "msg"}

	m.shouldRateLimit(alert)
	m.shouldRateLimit(alert)
	require.NotEmpty(t, m.SuppressedCounts())

	m.ResetRateLimits()
	require.Empty(t, m.SuppressedCounts())
}

func TestAlertDoesNotNotifyInfoByDefault(t *testing.T) {
	t.Parallel()
	m := NewAlertManager(AlertManagerConfig{}, discardLogger())
	m.Alert(context.Background(), Alert{Level: LevelInfo, Component: "c", Title: "t", Message: "m"})
	require.Empty(t, m.SuppressedCounts(), "info alerts skip rate-limit bookkeeping entirely")
}
