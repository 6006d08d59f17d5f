package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the minimum time between two backing-store flushes.
const DefaultInterval = 10 * time.Second

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// FlushFunc writes the full working set to the backing store.
type FlushFunc func(ctx context.Context) error

// Coordinator debounces working-set flushes: a save requested within the
// minimum inter-write interval is deferred to a single pending timer
// instead of writing immediately. Because handlers mutate shared records
// in place, a deferred flush always carries every mutation made since the
// last successful write, including those made during a failed attempt.
type Coordinator struct {
	flush    FlushFunc
	interval time.Duration
	clock    Clock
	logger   *slog.Logger

	mu        sync.Mutex
	lastFlush time.Time
	pending   bool
	timer     *time.Timer
}

// New creates a Coordinator flushing via fn at most once per interval.
// If interval <= 0, DefaultInterval is used.
func New(fn FlushFunc, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coordinator{
		flush:    fn,
		interval: interval,
		clock:    realClock{},
		logger:   slog.Default(),
	}
}

// RequestSave records that the working set has unsaved mutations. If the
// minimum interval since the last flush has elapsed, the flush happens
// synchronously; otherwise a single deferred timer is armed for the
// remaining interval. Safe for concurrent use.
func (c *Coordinator) RequestSave() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	elapsed := now.Sub(c.lastFlush)
	if elapsed >= c.interval {
		c.flushLocked(now)
		return
	}

	if c.pending {
		// A deferred flush is already armed; it will pick this up.
		return
	}
	c.pending = true
	c.timer = time.AfterFunc(c.interval-elapsed, c.timerFired)
}

// timerFired runs on the timer goroutine, outside any request's flow.
func (c *Coordinator) timerFired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timer = nil
	if !c.pending {
		return
	}
	c.flushLocked(c.clock.Now())
}

// flushLocked attempts a flush; mu must be held. On failure the pending
// flag stays set and a retry timer is armed, so the unsaved mutations are
// carried into the next attempt.
func (c *Coordinator) flushLocked(now time.Time) {
	if err := c.flush(context.Background()); err != nil {
		c.logger.Error("working-set flush failed", "error", err)
		c.pending = true
		if c.timer == nil {
			c.timer = time.AfterFunc(c.interval, c.timerFired)
		}
		return
	}
	c.pending = false
	c.lastFlush = now
}

// Flush forces a synchronous flush, bypassing the debounce. Used at
// shutdown so no mutations are lost.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if err := c.flush(ctx); err != nil {
		c.pending = true
		return err
	}
	c.pending = false
	c.lastFlush = c.clock.Now()
	return nil
}
