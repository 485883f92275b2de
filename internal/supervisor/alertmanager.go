// Package supervisor owns cross-cutting operational concerns: alert
// routing/rate-limiting, periodic housekeeping (stale-event pruning,
// daily PnL reset), and supervised restart of the long-running
// components that make up ployd.
//
// Ported from original_source's supervisor/alert_manager.rs: the
// AlertLevel ordering (Info < Warning < Error < Critical), the
// per-alert-key rate limit with suppressed-count bookkeeping, and the
// global per-minute throttle are all carried over unchanged. Feishu is
// dropped (see SPEC_FULL dependency table) — alerts are logged via
// log/slog and, optionally, posted to a generic webhook over
// go-resty/resty, matching the teacher's use of resty for outbound HTTP
// elsewhere in the module.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// AlertLevel orders alert severity the same way the original does:
// Info < Warning < Error < Critical.
type AlertLevel int

const (
	LevelInfo AlertLevel = iota
	LevelWarning
	LevelError
	LevelCritical
)

func (l AlertLevel) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Alert is one notification routed through the manager.
type Alert struct {
	Level     AlertLevel
	Component string
	Title     string
	Message   string
	Timestamp time.Time
}

func (a Alert) rateLimitKey() string {
	return fmt.Sprintf("%s:%s:%s", a.Component, a.Level, a.Title)
}

func (a Alert) format() string {
	return fmt.Sprintf("[%s] %s: %s", a.Component, a.Title, a.Message)
}

type rateLimitState struct {
	lastSent         time.Time
	suppressedCount  uint32
}

// AlertManagerConfig tunes rate limiting and whether Info-level alerts
// are worth forwarding to the webhook at all.
type AlertManagerConfig struct {
	RateLimit          time.Duration
	NotifyInfo         bool
	MaxAlertsPerMinute int
	WebhookURL         string
}

// AlertManager routes alerts to structured logs and, subject to rate
// limiting, an optional outbound webhook.
type AlertManager struct {
	cfg    AlertManagerConfig
	http   *resty.Client
	logger *slog.Logger

	mu               sync.Mutex
	rateLimits       map[string]*rateLimitState
	alertsThisMinute []time.Time
}

func NewAlertManager(cfg AlertManagerConfig, logger *slog.Logger) *AlertManager {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60 * time.Second
	}
	if cfg.MaxAlertsPerMinute <= 0 {
		cfg.MaxAlertsPerMinute = 10
	}

	var http *resty.Client
	if cfg.WebhookURL != "" {
		http = resty.New().SetTimeout(5 * time.Second)
	}

	return &AlertManager{
		cfg:        cfg,
		http:       http,
		logger:     logger.With("component", "alert_manager"),
		rateLimits: make(map[string]*rateLimitState),
	}
}

// Alert is the entry point every severity helper funnels through.
func (m *AlertManager) Alert(ctx context.Context, alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	switch alert.Level {
	case LevelInfo:
		m.logger.Info(alert.format())
	case LevelWarning:
		m.logger.Warn(alert.format())
	case LevelError:
		m.logger.Error(alert.format())
	case LevelCritical:
		m.logger.Error("CRITICAL " + alert.format())
	}

	shouldNotify := alert.Level != LevelInfo || m.cfg.NotifyInfo
	if !shouldNotify {
		return
	}
	if m.shouldRateLimit(alert) {
		return
	}
	if m.isThrottled() {
		return
	}
	m.sendWebhook(ctx, alert)
}

// Info logs an informational alert. Matches the teacher's convention of
// short verb-named wrapper methods over one underlying call.
func (m *AlertManager) Info(component, message string) {
	m.Alert(context.Background(), Alert{Level: LevelInfo, Component: component, Title: "Info", Message: message})
}

func (m *AlertManager) Warning(component, message string) {
	m.Alert(context.Background(), Alert{Level: LevelWarning, Component: component, Title: "Warning", Message: message})
}

func (m *AlertManager) Error(component, message string) {
	m.Alert(context.Background(), Alert{Level: LevelError, Component: component, Title: "Error", Message: message})
}

func (m *AlertManager) Critical(component, message string) {
	m.Alert(context.Background(), Alert{Level: LevelCritical, Component: component, Title: "Critical", Message: message})
}

// ComponentFailed alerts that a supervised component's Run returned.
func (m *AlertManager) ComponentFailed(component string, err error) {
	m.Error(component, fmt.Sprintf("component failed: %v", err))
}

// RestartExhausted alerts that a component could not be restarted after
// the configured number of attempts and needs manual intervention.
func (m *AlertManager) RestartExhausted(component string, attempts int) {
	m.Critical(component, fmt.Sprintf("failed to restart after %d attempts, manual intervention required", attempts))
}

func (m *AlertManager) shouldRateLimit(alert Alert) bool {
	key := alert.rateLimitKey()
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.rateLimits[key]
	if !ok {
		m.rateLimits[key] = &rateLimitState{lastSent: now}
		return false
	}

	if now.Sub(state.lastSent) < m.cfg.RateLimit {
		state.suppressedCount++
		return true
	}

	state.lastSent = now
	state.suppressedCount = 0
	return false
}

func (m *AlertManager) isThrottled() bool {
	now := time.Now()
	minuteAgo := now.Add(-time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.alertsThisMinute[:0]
	for _, t := range m.alertsThisMinute {
		if t.After(minuteAgo) {
			kept = append(kept, t)
		}
	}
	m.alertsThisMinute = kept

	if len(m.alertsThisMinute) >= m.cfg.MaxAlertsPerMinute {
		return true
	}
	m.alertsThisMinute = append(m.alertsThisMinute, now)
	return false
}

func (m *AlertManager) sendWebhook(ctx context.Context, alert Alert) {
	if m.http == nil {
		return
	}
	_, err := m.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"level":     alert.Level.String(),
			"component": alert.Component,
			"title":     alert.Title,
			"message":   alert.Message,
			"timestamp": alert.Timestamp,
		}).
		Post(m.cfg.WebhookURL)
	if err != nil {
		m.logger.Warn("alert webhook delivery failed", "err", err)
	}
}

// SuppressedCounts reports, per rate-limit key, how many duplicate
// alerts were dropped since the last reset.
func (m *AlertManager) SuppressedCounts() map[string]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint32)
	for key, state := range m.rateLimits {
		if state.suppressedCount > 0 {
			out[key] = state.suppressedCount
		}
	}
	return out
}

// ResetRateLimits clears all rate-limit state, intended to be called by
// the daily housekeeping cron job alongside ResetDailyPnL.
func (m *AlertManager) ResetRateLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits = make(map[string]*rateLimitState)
}
