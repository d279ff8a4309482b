// Package timer implements a cooperative periodic scheduler.
//
// A [Group] holds timers and is advanced by calling [Group.Tick] with the
// current time in milliseconds, once per main loop iteration. A timer is due
// when at least one period elapsed since it last fired. When it fires, its
// last fired time is set to the tick time (not advanced by one period), so
// a late tick delays every following firing : periods drift under load and
// missed periods are never caught up.
package timer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	canmsg "github.com/samsamfire/gocanmsg"
	log "github.com/sirupsen/logrus"
)

// Callback run by a timer, an error only affects the current firing
type Callback func() error

type Timer struct {
	name      string
	period    uint32
	callback  Callback
	lastFired atomic.Uint32
	fired     atomic.Uint64
	failed    atomic.Uint64
}

func (t *Timer) Name() string      { return t.name }
func (t *Timer) Period() uint32    { return t.period }
func (t *Timer) LastFired() uint32 { return t.lastFired.Load() }

// Number of times the callback ran
func (t *Timer) Fired() uint64 { return t.fired.Load() }

// Number of firings that returned an error or panicked
func (t *Timer) Failed() uint64 { return t.failed.Load() }

// Due reports whether the timer should fire at now.
// Times are uint32 milliseconds, the subtraction stays correct across
// wrap around (every ~49.7 days).
func (t *Timer) Due(now uint32) bool {
	return now-t.lastFired.Load() >= t.period
}

func (t *Timer) fire(now uint32) (err error) {
	t.lastFired.Store(now)
	t.fired.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("timer %v panicked : %v", t.name, r)
		}
		if err != nil {
			t.failed.Add(1)
		}
	}()
	return t.callback()
}

// Group of timers advanced together. Timers fire in registration order.
type Group struct {
	mu     sync.Mutex
	timers []*Timer
}

func NewGroup() *Group {
	return &Group{timers: make([]*Timer, 0)}
}

// AddTimer creates a timer that runs callback every periodMs milliseconds.
// Timers are never removed from their group.
func (g *Group) AddTimer(periodMs uint32, callback Callback) (*Timer, error) {
	return g.AddNamedTimer(fmt.Sprintf("timer-%d", g.Len()), periodMs, callback)
}

// AddNamedTimer is like AddTimer, the name is used in logs
func (g *Group) AddNamedTimer(name string, periodMs uint32, callback Callback) (*Timer, error) {
	if callback == nil {
		return nil, canmsg.ErrIllegalArgument
	}
	if periodMs == 0 {
		return nil, fmt.Errorf("%w : timer %v period must be > 0", canmsg.ErrConfiguration, name)
	}
	t := &Timer{name: name, period: periodMs, callback: callback}
	g.mu.Lock()
	g.timers = append(g.timers, t)
	g.mu.Unlock()
	log.Debugf("[TIMER][%v] added with period %v ms", name, periodMs)
	return t, nil
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

func (g *Group) Timers() []*Timer {
	g.mu.Lock()
	defer g.mu.Unlock()
	timers := make([]*Timer, len(g.timers))
	copy(timers, g.timers)
	return timers
}

// Tick fires every due timer once and returns the number of timers fired.
// A failing callback is logged and does not prevent the other timers from
// firing. Tick must be called from a single goroutine.
func (g *Group) Tick(now uint32) int {
	g.mu.Lock()
	timers := g.timers
	g.mu.Unlock()

	fired := 0
	for _, t := range timers {
		if !t.Due(now) {
			continue
		}
		fired++
		if err := t.fire(now); err != nil {
			log.Warnf("[TIMER][%v] callback failed : %v", t.name, err)
		}
	}
	return fired
}

// Run ticks the group every interval until ctx is done, reading the time
// from clock. before, if not nil, is called ahead of every tick, e.g. to
// service the bus ; an error from it is logged and the tick still happens.
func (g *Group) Run(ctx context.Context, clock Clock, interval time.Duration, before func() error) error {
	if clock == nil || interval <= 0 {
		return canmsg.ErrIllegalArgument
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if before != nil {
			if err := before(); err != nil {
				log.Warnf("[TIMER] main loop : %v", err)
			}
		}
		g.Tick(clock.NowMs())
	}
}

// Monotonic millisecond time source
type Clock interface {
	NowMs() uint32
}

type MonotonicClock struct {
	start time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) NowMs() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// ManualClock is advanced explicitly, used for simulations and tests
type ManualClock struct {
	mu  sync.Mutex
	now uint32
}

func (c *ManualClock) NowMs() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(now uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *ManualClock) Advance(ms uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
	return c.now
}
