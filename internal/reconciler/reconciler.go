// Package reconciler periodically compares the coordinator's local
// position ledger against the venue's authoritative balances, flags
// discrepancies by severity, auto-corrects minor ones, and alerts on
// critical ones.
//
// Ported from original_source's strategy/reconciliation.rs: the
// Info/Warning/Critical severity bands (<5%, 5-20%, >20%), the
// exchange-reports-zero-but-local-has-something-is-always-Critical edge
// case, and the auto-correct-only-Info-severity policy are all carried
// over unchanged. The select-loop/ticker shape and structured logging are
// grounded on the teacher's internal/risk/manager.go Run method.
package reconciler

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/pkg/types"
)

// Severity classifies how far a local position has drifted from the
// venue's reported balance.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Discrepancy is a single token's local-vs-venue size mismatch.
type Discrepancy struct {
	TokenID       string
	LocalSize     float64
	VenueSize     float64
	DeltaPct      float64
	Severity      Severity
	AutoCorrected bool
}

// Result summarizes one reconciliation pass.
type Result struct {
	Timestamp       time.Time
	Discrepancies   []Discrepancy
	AutoCorrections int
	CriticalIssues  int
	Duration        time.Duration
}

// LocalPositions is the subset of internal/store.Store the reconciler
// reads from and corrects against.
type LocalPositions interface {
	ListPositions(ctx context.Context) ([]types.Position, error)
	UpsertPosition(ctx context.Context, pos types.Position) error
	RecordReconciliation(ctx context.Context, tokenID string, localSize, venueSize types.Size, deltaPct float64, severity string, autoCorrected bool) error
}

// VenueBalances is the subset of internal/execution.Client (or a direct
// positions-API client) the reconciler queries for authoritative balances.
type VenueBalances interface {
	GetBalances(ctx context.Context) (map[string]float64, error)
}

// Alerter is the subset of internal/supervisor.AlertManager the
// reconciler notifies on critical discrepancies.
type Alerter interface {
	Critical(key, message string)
	Warning(key, message string)
}

// Reconciler runs the periodic local-vs-venue comparison loop.
type Reconciler struct {
	cfg     config.ReconcilerConfig
	store   LocalPositions
	venue   VenueBalances
	alerter Alerter
	logger  *slog.Logger
}

func New(cfg config.ReconcilerConfig, store LocalPositions, venue VenueBalances, alerter Alerter, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		store:   store,
		venue:   venue,
		alerter: alerter,
		logger:  logger.With("component", "reconciler"),
	}
}

// Run drives the reconciliation loop until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := r.Reconcile(ctx)
			if err != nil {
				r.logger.Error("reconciliation failed", "err", err)
				continue
			}
			r.logger.Info("reconciliation completed",
				"discrepancies", len(result.Discrepancies),
				"auto_corrections", result.AutoCorrections,
				"critical", result.CriticalIssues,
				"duration_ms", result.Duration.Milliseconds(),
			)
		}
	}
}

// Reconcile performs a single comparison pass: local positions vs venue
// balances, for the union of tokens either side knows about.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	start := time.Now()

	localPositions, err := r.store.ListPositions(ctx)
	if err != nil {
		return Result{}, err
	}
	localMap := make(map[string]float64, len(localPositions))
	eventByToken := make(map[string]types.Position, len(localPositions))
	for _, pos := range localPositions {
		localMap[pos.TokenID] += pos.Size.Float64()
		eventByToken[pos.TokenID] = pos
	}

	venueBalances, err := r.venue.GetBalances(ctx)
	if err != nil {
		return Result{}, err
	}

	allTokens := make(map[string]struct{}, len(localMap)+len(venueBalances))
	for k := range localMap {
		allTokens[k] = struct{}{}
	}
	for k := range venueBalances {
		allTokens[k] = struct{}{}
	}

	result := Result{Timestamp: time.Now()}

	for tokenID := range allTokens {
		localSize := localMap[tokenID]
		venueSize := venueBalances[tokenID]
		if localSize == venueSize {
			continue
		}

		severity, deltaPct := r.severityFor(localSize, venueSize)
		disc := Discrepancy{
			TokenID:   tokenID,
			LocalSize: localSize,
			VenueSize: venueSize,
			DeltaPct:  deltaPct,
			Severity:  severity,
		}

		switch severity {
		case SeverityInfo:
			if r.cfg.AutoCorrect {
				if err := r.autoCorrect(ctx, tokenID, eventByToken[tokenID], venueSize); err != nil {
					r.logger.Warn("auto-correct failed", "token", tokenID, "err", err)
				} else {
					disc.AutoCorrected = true
					result.AutoCorrections++
				}
			}
		case SeverityWarning:
			if r.alerter != nil {
				r.alerter.Warning("reconcile:"+tokenID, warnMessage(tokenID, localSize, venueSize))
			}
		case SeverityCritical:
			result.CriticalIssues++
			if r.alerter != nil {
				r.alerter.Critical("reconcile:"+tokenID, criticalMessage(tokenID, localSize, venueSize))
			}
		}

		if err := r.store.RecordReconciliation(ctx, tokenID, types.PriceFromFloat(localSize), types.PriceFromFloat(venueSize), deltaPct, severity.String(), disc.AutoCorrected); err != nil {
			r.logger.Warn("record reconciliation failed", "token", tokenID, "err", err)
		}

		result.Discrepancies = append(result.Discrepancies, disc)
	}

	result.Duration = time.Since(start)
	return result, nil
}

// severityFor mirrors the original's calculate_severity: a zero venue
// balance against a nonzero local one is always Critical (the venue has
// no record of a position we think we hold); otherwise severity scales
// with the fractional difference against the venue's reported size.
func (r *Reconciler) severityFor(localSize, venueSize float64) (Severity, float64) {
	if venueSize == 0 {
		if localSize > 0 {
			return SeverityCritical, 1.0
		}
		return SeverityInfo, 0
	}

	diff := localSize - venueSize
	if diff < 0 {
		diff = -diff
	}
	deltaPct := diff / abs64(venueSize)

	critical := r.cfg.CriticalThreshold
	if critical <= 0 {
		critical = 0.20
	}
	warning := r.cfg.WarningThreshold
	if warning <= 0 {
		warning = 0.05
	}

	switch {
	case deltaPct >= critical:
		return SeverityCritical, deltaPct
	case deltaPct >= warning:
		return SeverityWarning, deltaPct
	default:
		return SeverityInfo, deltaPct
	}
}

func (r *Reconciler) autoCorrect(ctx context.Context, tokenID string, pos types.Position, venueSize float64) error {
	pos.TokenID = tokenID
	pos.Size = types.PriceFromFloat(venueSize)
	pos.UpdatedAt = time.Now()
	return r.store.UpsertPosition(ctx, pos)
}

func abs64(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func warnMessage(tokenID string, local, venue float64) string {
	return shortToken(tokenID) + ": local=" + formatFloat(local) + " venue=" + formatFloat(venue)
}

func criticalMessage(tokenID string, local, venue float64) string {
	return "CRITICAL position mismatch " + warnMessage(tokenID, local, venue)
}

func shortToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16]
	}
	return tokenID
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
