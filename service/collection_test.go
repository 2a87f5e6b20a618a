package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/carlosotero01/edge-portal/internal/config"
	"github.com/carlosotero01/edge-portal/runtime/activity"
)

type fakeTicker struct {
	period  time.Duration
	ch      chan time.Time
	stopped atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

type fakeTickers struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (f *fakeTickers) factory(period time.Duration) ticker {
	t := &fakeTicker{period: period, ch: make(chan time.Time)}
	f.mu.Lock()
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	return t
}

func (f *fakeTickers) last(t *testing.T) *fakeTicker {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.tickers)
	return f.tickers[len(f.tickers)-1]
}

func (f *fakeTickers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

func newTestScheduler(t *testing.T, overlap string, read func(context.Context)) (*collectionScheduler, *fakeTickers, *activity.Log) {
	t.Helper()
	log := activity.NewLog(zerolog.Nop(), 0)
	sched := newCollectionScheduler(context.Background(), config.DefaultIntervalSeconds, overlap, read, log, zerolog.Nop())
	tickers := &fakeTickers{}
	sched.newTicker = tickers.factory
	t.Cleanup(sched.shutdown)
	return sched, tickers, log
}

func logMessages(log *activity.Log) []string {
	entries := log.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 2},
		{"   ", 2},
		{"abc", 2},
		{"5", 5},
		{" 7 ", 7},
		{"3.9", 3},
		{"10s", 10},
		{"0", 1},
		{"-4", 1},
		{"+6", 6},
		{"-", 2},
		{"99999999999999999999999", 2},
		{"-99999999999999999999999", 1},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ParseInterval(tc.in), "input %q", tc.in)
	}
}

func TestSchedulerStartReplacesTask(t *testing.T) {
	sched, tickers, log := newTestScheduler(t, config.OverlapAllow, func(context.Context) {})

	require.Equal(t, 5, sched.Start(5))
	require.Equal(t, 3, sched.Start(3))

	require.Equal(t, int32(1), sched.active.Load())
	require.Equal(t, 2, tickers.count())
	require.True(t, tickers.tickers[0].stopped.Load())
	require.Equal(t, 3*time.Second, tickers.last(t).period)
	require.True(t, sched.Running())
	require.Equal(t, []string{
		"Start Collection (interval: 5s)",
		"Start Collection (interval: 3s)",
	}, logMessages(log))
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	sched, _, log := newTestScheduler(t, config.OverlapAllow, func(context.Context) {})

	sched.Start(2)
	sched.Stop()
	sched.Stop()

	require.False(t, sched.Running())
	require.Equal(t, int32(0), sched.active.Load())
	require.Equal(t, []string{
		"Start Collection (interval: 2s)",
		"Stop Collection",
		"Stop Collection",
	}, logMessages(log))
}

func TestSchedulerTicksDispatchReads(t *testing.T) {
	var reads atomic.Int32
	sched, tickers, _ := newTestScheduler(t, config.OverlapAllow, func(context.Context) {
		reads.Add(1)
	})

	sched.Start(1)
	tk := tickers.last(t)
	tk.ch <- time.Now()
	tk.ch <- time.Now()

	require.Eventually(t, func() bool { return reads.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(2), sched.Status().Ticks)
}

func TestSchedulerNoTicksAfterStop(t *testing.T) {
	var reads atomic.Int32
	sched, tickers, _ := newTestScheduler(t, config.OverlapAllow, func(context.Context) {
		reads.Add(1)
	})

	sched.Start(1)
	tk := tickers.last(t)
	sched.Stop()

	select {
	case tk.ch <- time.Now():
		t.Fatal("stopped loop still receiving ticks")
	case <-time.After(20 * time.Millisecond):
	}
	require.Equal(t, int32(0), reads.Load())
}

func TestSchedulerSkipPolicy(t *testing.T) {
	release := make(chan struct{})
	var reads atomic.Int32
	sched, tickers, log := newTestScheduler(t, config.OverlapSkip, func(context.Context) {
		reads.Add(1)
		<-release
	})

	sched.Start(1)
	tk := tickers.last(t)
	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return sched.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return sched.Status().Skipped == 1 }, time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return sched.inFlight.Load() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), reads.Load())
	require.Contains(t, logMessages(log), "Collection tick skipped (previous read still running)")
}

func TestSchedulerAllowPolicyOverlaps(t *testing.T) {
	release := make(chan struct{})
	sched, tickers, _ := newTestScheduler(t, config.OverlapAllow, func(context.Context) {
		<-release
	})

	sched.Start(1)
	tk := tickers.last(t)
	tk.ch <- time.Now()
	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return sched.inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return sched.inFlight.Load() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerIntervalChange(t *testing.T) {
	sched, tickers, log := newTestScheduler(t, config.OverlapAllow, func(context.Context) {})

	require.Equal(t, 4, sched.OnIntervalChanged(4))
	require.False(t, sched.Running())
	require.Equal(t, 0, tickers.count())
	require.Equal(t, 4, sched.Interval())

	sched.Start(4)
	sched.OnIntervalChanged(9)
	require.True(t, sched.Running())
	require.Equal(t, 9*time.Second, tickers.last(t).period)
	require.Equal(t, int32(1), sched.active.Load())
	require.Equal(t, []string{
		"Auto-refresh set to 4s",
		"Start Collection (interval: 4s)",
		"Start Collection (interval: 9s)",
		"Auto-refresh set to 9s",
	}, logMessages(log))
}

func TestSchedulerStatusReflectsInput(t *testing.T) {
	sched, _, _ := newTestScheduler(t, "", func(context.Context) {})

	status := sched.Status()
	require.Equal(t, "stopped", status.Mode)
	require.Equal(t, "2", status.IntervalInput)
	require.Equal(t, config.OverlapAllow, status.Overlap)

	sched.Start(ParseInterval(""))
	status = sched.Status()
	require.Equal(t, "running", status.Mode)
	require.Equal(t, "2", status.IntervalInput)
	require.Equal(t, 2, status.IntervalSeconds)
}

func TestSchedulerSkipPolicyFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte("device:\n  base_url: http://device.local\ncollection:\n  overlap: Skip\n"))
	require.NoError(t, err)

	release := make(chan struct{})
	sched, tickers, _ := newTestScheduler(t, cfg.Collection.Overlap, func(context.Context) {
		<-release
	})
	defer close(release)
	require.Equal(t, config.OverlapSkip, sched.Status().Overlap)

	sched.Start(1)
	tk := tickers.last(t)
	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return sched.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)
	tk.ch <- time.Now()

	require.Eventually(t, func() bool { return sched.Status().Skipped == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), sched.inFlight.Load())
}

func TestSchedulerNormalizesOverlap(t *testing.T) {
	sched, _, _ := newTestScheduler(t, " SKIP", func(context.Context) {})
	require.Equal(t, config.OverlapSkip, sched.Status().Overlap)
}
