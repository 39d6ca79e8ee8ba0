// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*alarm
	changed *sync.Cond
}

// alarm is one registered wakeup: an After channel, an AfterFunc
// callback, or a ticker (period > 0).
type alarm struct {
	at       time.Time
	channel  chan time.Time
	callback func()
	period   time.Duration
	disarmed bool
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	fake := &FakeClock{now: start}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot channel wakeup.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&alarm{at: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc registers a callback. A non-positive d runs f before
// AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	entry := &alarm{at: c.now.Add(d), callback: f}
	c.addLocked(entry)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.removeLocked(entry)
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := c.removeLocked(entry)
			entry.disarmed = false
			entry.at = c.now.Add(d)
			c.addLocked(entry)
			return wasPending
		},
	}
}

// NewTicker registers a periodic wakeup.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker requires a positive interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &alarm{at: c.now.Add(d), channel: channel, period: d}
	c.addLocked(entry)
	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(entry)
		},
	}
}

// Sleep blocks until the clock has been advanced by at least d.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves time forward by d, firing every wakeup whose deadline
// falls inside the window in deadline order. Callbacks run on the
// calling goroutine; channel sends never block.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, entry := range due {
			if entry.callback != nil {
				entry.callback()
				continue
			}
			select {
			case entry.channel <- target:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n wakeups are registered.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount reports how many wakeups are registered.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// takeDue removes and returns the wakeups due at or before target,
// re-queueing tickers at their next period.
func (c *FakeClock) takeDue(target time.Time) []*alarm {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*alarm
	for _, entry := range c.pending {
		if entry.at.After(target) {
			remaining = append(remaining, entry)
			continue
		}
		due = append(due, entry)
		if entry.period > 0 {
			entry.at = entry.at.Add(entry.period)
			remaining = append(remaining, entry)
		} else {
			entry.disarmed = true
		}
	}
	c.pending = remaining
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	return due
}

func (c *FakeClock) addLocked(entry *alarm) {
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

// removeLocked drops entry from the pending list and reports whether it
// was still armed.
func (c *FakeClock) removeLocked(entry *alarm) bool {
	if entry.disarmed {
		return false
	}
	entry.disarmed = true
	for index, candidate := range c.pending {
		if candidate == entry {
			c.pending = append(c.pending[:index], c.pending[index+1:]...)
			return true
		}
	}
	return false
}
