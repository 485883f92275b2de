package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ploy-markets/ploy/internal/config"
)

// Lifecycle is the contract every long-running ployd component
// implements: run until ctx is cancelled, returning the reason it
// stopped. Matches the Run(ctx) error shape used throughout the module
// (venuefeed.Client, coordinator.Coordinator, reconciler.Reconciler,
// claimer.Claimer).
type Lifecycle interface {
	Run(ctx context.Context) error
}

// DailyResetter is implemented by internal/coordinator.Coordinator; kept
// as a narrow interface so this package doesn't import coordinator.
type DailyResetter interface {
	ResetDailyPnL()
}

// StalePruner is implemented by internal/store.Store.
type StalePruner interface {
	PruneStaleEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Supervisor runs a named set of Lifecycle components, restarting any
// that return an error, and drives the cron-scheduled housekeeping jobs
// (stale-event pruning, daily PnL/rate-limit reset) alongside them.
type Supervisor struct {
	cfg     config.SupervisorConfig
	alerts  *AlertManager
	cron    *cron.Cron
	logger  *slog.Logger

	maxRestarts int
}

func New(cfg config.SupervisorConfig, alerts *AlertManager, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		alerts:      alerts,
		cron:        cron.New(),
		logger:      logger.With("component", "supervisor"),
		maxRestarts: 5,
	}
}

// namedComponent pairs a Lifecycle with a name for logging/alerting.
type namedComponent struct {
	name string
	comp Lifecycle
}

// Supervise runs every component concurrently, restarting one that
// returns a non-nil, non-context-cancellation error up to maxRestarts
// times before alerting that it needs manual intervention. Supervise
// blocks until ctx is cancelled.
func (s *Supervisor) Supervise(ctx context.Context, components map[string]Lifecycle) {
	named := make([]namedComponent, 0, len(components))
	for name, comp := range components {
		named = append(named, namedComponent{name: name, comp: comp})
	}

	done := make(chan struct{}, len(named))
	for _, nc := range named {
		go s.runSupervised(ctx, nc, done)
	}

	<-ctx.Done()
	for range named {
		<-done
	}
}

func (s *Supervisor) runSupervised(ctx context.Context, nc namedComponent, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	attempts := 0
	for {
		err := nc.comp.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		attempts++
		s.logger.Error("component stopped unexpectedly", "component", nc.name, "attempt", attempts, "err", err)
		if s.alerts != nil {
			s.alerts.ComponentFailed(nc.name, err)
		}

		if attempts >= s.maxRestarts {
			if s.alerts != nil {
				s.alerts.RestartExhausted(nc.name, attempts)
			}
			return
		}

		backoff := time.Duration(attempts) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// StartHousekeeping registers the daily PnL/rate-limit reset and stale
// event pruning cron jobs and starts the cron scheduler. Call Stop (via
// the returned stop func) on shutdown.
func (s *Supervisor) StartHousekeeping(ctx context.Context, coordinator DailyResetter, store StalePruner) (stop func(), err error) {
	dailyCron := s.cfg.DailyResetCron
	if dailyCron == "" {
		dailyCron = "0 0 * * *" // midnight UTC
	}
	pruneCron := s.cfg.StalePruneCron
	if pruneCron == "" {
		pruneCron = "0 */6 * * *" // every 6 hours
	}
	staleAge := s.cfg.StaleEventAge
	if staleAge <= 0 {
		staleAge = 7 * 24 * time.Hour
	}

	if _, err := s.cron.AddFunc(dailyCron, func() {
		s.logger.Info("running daily reset job")
		if coordinator != nil {
			coordinator.ResetDailyPnL()
		}
		if s.alerts != nil {
			s.alerts.ResetRateLimits()
		}
	}); err != nil {
		return nil, err
	}

	if _, err := s.cron.AddFunc(pruneCron, func() {
		cutoff := time.Now().Add(-staleAge)
		n, err := store.PruneStaleEvents(ctx, cutoff)
		if err != nil {
			s.logger.Warn("stale event prune failed", "err", err)
			return
		}
		s.logger.Info("pruned stale events", "count", n, "cutoff", cutoff)
	}); err != nil {
		return nil, err
	}

	s.cron.Start()
	return func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}, nil
}
