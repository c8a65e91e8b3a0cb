package handler

import (
	"errors"
	"time"
)

var ErrTimerArmed = errors.New("handler: timer already armed")

// Timer is a single-shot, cancelable delay whose callback runs on the owning
// Handler. Arm, Cancel and Armed must be called from handler tasks.
type Timer struct {
	h     *Handler
	clock Clock
	gen   uint64
	armed bool
	stop  func() bool
}

func NewTimer(h *Handler, clock Clock) *Timer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Timer{h: h, clock: clock}
}

// Arm schedules fn after d. Only one arming may be outstanding.
func (t *Timer) Arm(d time.Duration, fn func()) error {
	if t.armed {
		return ErrTimerArmed
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.stop = t.clock.AfterFunc(d, func() {
		t.h.Post(func() {
			// a Cancel or re-Arm after the clock fired invalidates this expiry
			if !t.armed || t.gen != gen {
				return
			}
			t.armed = false
			t.stop = nil
			fn()
		})
	})
	return nil
}

// Cancel disarms the timer. An expiry already queued on the handler becomes a no-op.
func (t *Timer) Cancel() {
	if !t.armed {
		return
	}
	t.armed = false
	t.gen++
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

func (t *Timer) Armed() bool {
	return t.armed
}
