package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ploy-markets/ploy/internal/config"
)

type flakyComponent struct {
	runs int32
}

func (f *flakyComponent) Run(ctx context.Context) error {
	n := atomic.AddInt32(&f.runs, 1)
	if n < 3 {
		return errors.New("transient failure")
	}
	<-ctx.Done()
	return nil
}

type neverFailingComponent struct{}

func (neverFailingComponent) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestSuperviseRestartsFailingComponent(t *testing.T) {
	t.Parallel()
	s := New(config.SupervisorConfig{}, nil, discardLogger())
	s.maxRestarts = 10

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	comp := &flakyComponent{}
	s.Supervise(ctx, map[string]Lifecycle{"flaky": comp})

	require.GreaterOrEqual(t, atomic.LoadInt32(&comp.runs), int32(3))
}

func TestSuperviseStopsAfterMaxRestarts(t *testing.T) {
	t.Parallel()
	alerts := NewAlertManager(AlertManagerConfig{}, discardLogger())
	s := New(config.SupervisorConfig{}, alerts, discardLogger())
	s.maxRestarts = 2

	alwaysFails := lifecycleFunc(func(ctx context.Context) error {
		return errors.New("permanent failure")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Supervise(ctx, map[string]Lifecycle{"broken": alwaysFails})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("expected Supervise to return once restarts were exhausted and ctx is cancelled")
	}
}

func TestSuperviseReturnsCleanlyForHealthyComponents(t *testing.T) {
	t.Parallel()
	s := New(config.SupervisorConfig{}, nil, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s.Supervise(ctx, map[string]Lifecycle{"ok": neverFailingComponent{}})
}

type fakeResetter struct {
	resets int
}

func (f *fakeResetter) ResetDailyPnL() { f.resets++ }

type fakePruner struct {
	pruned int
}

func (f *fakePruner) PruneStaleEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	f.pruned++
	return 0, nil
}

func TestStartHousekeepingRegistersJobsAndStops(t *testing.T) {
	t.Parallel()
	s := New(config.SupervisorConfig{DailyResetCron: "@every 1h", StalePruneCron: "@every 1h"}, nil, discardLogger())

	stop, err := s.StartHousekeeping(context.Background(), &fakeResetter{}, &fakePruner{})
	require.NoError(t, err)
	require.NotNil(t, stop)
	stop()
}

type lifecycleFunc func(ctx context.Context) error

func (f lifecycleFunc) Run(ctx context.Context) error { return f(ctx) }
