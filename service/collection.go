package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/carlosotero01/edge-portal/internal/config"
	"github.com/carlosotero01/edge-portal/runtime/activity"
	"github.com/carlosotero01/edge-portal/telemetry"
)

type collectionMode string

const (
	collectionStopped collectionMode = "stopped"
	collectionRunning collectionMode = "running"
)

// CollectionStatus is a snapshot of the scheduler.
type CollectionStatus struct {
	Mode            string `json:"mode"`
	Running         bool   `json:"running"`
	IntervalSeconds int    `json:"interval_seconds"`
	IntervalInput   string `json:"interval_input"`
	Overlap         string `json:"overlap"`
	InFlight        int64  `json:"in_flight"`
	Ticks           uint64 `json:"ticks"`
	Skipped         uint64 `json:"skipped"`
}

// ParseInterval converts operator input into whole seconds. Blank or
// non-numeric input yields the default; leading digits are honoured and the
// result is never below one.
func ParseInterval(raw string) int {
	s := strings.TrimSpace(raw)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return config.DefaultIntervalSeconds
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		if s[0] == '-' {
			return 1
		}
		return config.DefaultIntervalSeconds
	}
	return clampInterval(n)
}

func clampInterval(seconds int) int {
	if seconds < 1 {
		return 1
	}
	return seconds
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type tickerFactory func(period time.Duration) ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(period time.Duration) ticker {
	return timeTicker{t: time.NewTicker(period)}
}

// collectionScheduler owns the single periodic read task.
type collectionScheduler struct {
	mu       sync.Mutex
	mode     collectionMode
	interval int
	input    string
	overlap  string
	cancel   context.CancelFunc
	done     chan struct{}

	generation atomic.Uint64
	active     atomic.Int32
	inFlight   atomic.Int64
	ticks      atomic.Uint64
	skipped    atomic.Uint64

	readCtx   context.Context
	read      func(ctx context.Context)
	newTicker tickerFactory
	log       activity.Sink
	logger    zerolog.Logger
	metrics   telemetry.Collector
}

func newCollectionScheduler(readCtx context.Context, interval int, overlap string, read func(context.Context), log activity.Sink, logger zerolog.Logger) *collectionScheduler {
	interval = clampInterval(interval)
	overlap = strings.ToLower(strings.TrimSpace(overlap))
	if overlap == "" {
		overlap = config.OverlapAllow
	}
	return &collectionScheduler{
		mode:      collectionStopped,
		interval:  interval,
		input:     strconv.Itoa(interval),
		overlap:   overlap,
		readCtx:   readCtx,
		read:      read,
		newTicker: newTimeTicker,
		log:       log,
		logger:    logger.With().Str("component", "collection").Logger(),
		metrics:   telemetry.Noop(),
	}
}

// Start installs a fresh periodic task, replacing any running one, and
// returns the effective interval.
func (c *collectionScheduler) Start(seconds int) int {
	c.mu.Lock()
	seconds = c.startLocked(seconds)
	c.mu.Unlock()
	c.log.Add(fmt.Sprintf("Start Collection (interval: %ds)", seconds))
	c.metrics.SetCollectionRunning(true)
	return seconds
}

func (c *collectionScheduler) startLocked(seconds int) int {
	seconds = clampInterval(seconds)
	c.stopTaskLocked()

	gen := c.generation.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mode = collectionRunning
	c.interval = seconds
	c.input = strconv.Itoa(seconds)

	c.active.Add(1)
	go c.loop(ctx, gen, c.newTicker(time.Duration(seconds)*time.Second), done)
	c.logger.Debug().Int("interval", seconds).Uint64("generation", gen).Msg("collection task armed")
	return seconds
}

// stopTaskLocked cancels the current task and waits until its goroutine has
// exited. The loop never takes c.mu, so waiting here cannot deadlock.
func (c *collectionScheduler) stopTaskLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

// Stop cancels future ticks. Reads already in flight still complete.
func (c *collectionScheduler) Stop() {
	c.mu.Lock()
	c.stopTaskLocked()
	c.mode = collectionStopped
	c.mu.Unlock()
	c.log.Add("Stop Collection")
	c.metrics.SetCollectionRunning(false)
}

// shutdown stops the task without reporting to the activity log.
func (c *collectionScheduler) shutdown() {
	c.mu.Lock()
	c.stopTaskLocked()
	c.mode = collectionStopped
	c.mu.Unlock()
	c.metrics.SetCollectionRunning(false)
}

// OnIntervalChanged re-arms a running task or records the interval for the
// next start.
func (c *collectionScheduler) OnIntervalChanged(seconds int) int {
	seconds = clampInterval(seconds)
	c.mu.Lock()
	running := c.mode == collectionRunning
	if running {
		c.startLocked(seconds)
	} else {
		c.interval = seconds
		c.input = strconv.Itoa(seconds)
	}
	c.mu.Unlock()
	if running {
		c.log.Add(fmt.Sprintf("Start Collection (interval: %ds)", seconds))
	}
	c.log.Add(fmt.Sprintf("Auto-refresh set to %ds", seconds))
	return seconds
}

// Running reports whether a periodic task is installed.
func (c *collectionScheduler) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode == collectionRunning
}

// Interval returns the effective interval in seconds.
func (c *collectionScheduler) Interval() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Status returns a snapshot of the scheduler.
func (c *collectionScheduler) Status() CollectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CollectionStatus{
		Mode:            string(c.mode),
		Running:         c.mode == collectionRunning,
		IntervalSeconds: c.interval,
		IntervalInput:   c.input,
		Overlap:         c.overlap,
		InFlight:        c.inFlight.Load(),
		Ticks:           c.ticks.Load(),
		Skipped:         c.skipped.Load(),
	}
}

func (c *collectionScheduler) loop(ctx context.Context, gen uint64, t ticker, done chan struct{}) {
	defer close(done)
	defer c.active.Add(-1)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if ctx.Err() != nil || c.generation.Load() != gen {
				return
			}
			c.dispatch()
		}
	}
}

func (c *collectionScheduler) dispatch() {
	c.ticks.Add(1)
	if c.overlap == config.OverlapSkip && c.inFlight.Load() > 0 {
		c.skipped.Add(1)
		c.log.Add("Collection tick skipped (previous read still running)")
		return
	}
	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Add(-1)
		c.read(c.readCtx)
	}()
}
