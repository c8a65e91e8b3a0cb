package handler

import (
	"sort"
	"sync"
	"time"
)

// Clock schedules delayed callbacks. Callbacks run on a clock-owned goroutine.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn once after d. The returned stop func reports whether it
	// prevented the call.
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// ManualClock fires callbacks only when advanced.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	at  time.Time
	seq uint64
	fn  func()
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, fn func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{at: c.now.Add(d), seq: c.seq, fn: fn}
	c.pending = append(c.pending, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, p := range c.pending {
			if p == t {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				return true
			}
		}
		return false
	}
}

// Pending reports how many callbacks are scheduled and not yet fired.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Advance moves time forward by d and runs every due callback in deadline
// order on the calling goroutine.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	kept := c.pending[:0]
	for _, p := range c.pending {
		if !p.at.After(c.now) {
			due = append(due, p)
		} else {
			kept = append(kept, p)
		}
	}
	c.pending = kept
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, p := range due {
		p.fn()
	}
}

// AdvanceNext moves time to the earliest pending deadline and fires what is
// due. It reports false when nothing is scheduled.
func (c *ManualClock) AdvanceNext() bool {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return false
	}
	next := c.pending[0].at
	for _, p := range c.pending[1:] {
		if p.at.Before(next) {
			next = p.at
		}
	}
	d := next.Sub(c.now)
	c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.Advance(d)
	return true
}
