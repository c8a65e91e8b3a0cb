package handler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/rangectl/internal/testutil/testlog"
)

func startHandler(t *testing.T) *Handler {
	t.Helper()
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func TestHandlerRunsTasksInPostOrder(t *testing.T) {
	testlog.Start(t)

	h := startHandler(t)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		h.Post(func() { order = append(order, i) })
	}
	// nested posts land behind everything already queued
	h.Post(func() {
		h.Post(func() { order = append(order, 99) })
	})
	h.Post(func() { order = append(order, 5) })
	if err := h.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	want := []int{0, 1, 2, 3, 4, 5, 99}
	if len(order) != len(want) {
		t.Fatalf("unexpected order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order: %v", order)
		}
	}
}

func TestHandlerSurvivesPanickingTask(t *testing.T) {
	testlog.Start(t)

	h := startHandler(t)
	ran := false
	h.Post(func() { panic("boom") })
	h.Post(func() { ran = true })
	if err := h.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !ran {
		t.Fatalf("task after panic must still run")
	}
}

func TestHandlerStopsAcceptingWorkAfterRun(t *testing.T) {
	testlog.Start(t)

	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.Post(func() {}) {
		t.Fatalf("post after stop must be rejected")
	}
	if err := h.Sync(); !errors.Is(err, ErrHandlerStopped) {
		t.Fatalf("expected ErrHandlerStopped, got %v", err)
	}
	if err := h.Run(context.Background()); !errors.Is(err, ErrHandlerStopped) {
		t.Fatalf("expected ErrHandlerStopped on rerun, got %v", err)
	}
}

func TestCallWaitsForResult(t *testing.T) {
	testlog.Start(t)

	h := startHandler(t)
	value := 0
	if err := h.Call(context.Background(), func() { value = 7 }); err != nil {
		t.Fatalf("call: %v", err)
	}
	if value != 7 {
		t.Fatalf("unexpected value: %d", value)
	}
}

func TestTimerFiresOnHandlerAfterAdvance(t *testing.T) {
	testlog.Start(t)

	h := startHandler(t)
	clock := NewManualClock(time.Unix(0, 0))
	timer := NewTimer(h, clock)
	var fired atomic.Int32

	var armErr, rearmErr error
	if err := h.Call(context.Background(), func() {
		armErr = timer.Arm(210*time.Millisecond, func() { fired.Add(1) })
		rearmErr = timer.Arm(time.Millisecond, func() { fired.Add(100) })
	}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if armErr != nil {
		t.Fatalf("arm: %v", armErr)
	}
	if !errors.Is(rearmErr, ErrTimerArmed) {
		t.Fatalf("expected ErrTimerArmed, got %v", rearmErr)
	}

	clock.Advance(209 * time.Millisecond)
	_ = h.Sync()
	if fired.Load() != 0 {
		t.Fatalf("timer fired early")
	}
	clock.Advance(time.Millisecond)
	_ = h.Sync()
	if fired.Load() != 1 {
		t.Fatalf("expected exactly one fire, got %d", fired.Load())
	}

	armed := true
	_ = h.Call(context.Background(), func() { armed = timer.Armed() })
	if armed {
		t.Fatalf("timer must disarm after firing")
	}
}

func TestTimerCancelSuppressesQueuedExpiry(t *testing.T) {
	testlog.Start(t)

	h := startHandler(t)
	clock := NewManualClock(time.Unix(0, 0))
	timer := NewTimer(h, clock)
	var fired atomic.Int32

	_ = h.Call(context.Background(), func() {
		_ = timer.Arm(10*time.Millisecond, func() { fired.Add(1) })
	})

	// hold the handler so the expiry is queued behind the cancel
	release := make(chan struct{})
	h.Post(func() { <-release })
	h.Post(func() { timer.Cancel() })
	clock.Advance(10 * time.Millisecond)
	close(release)
	_ = h.Sync()

	if fired.Load() != 0 {
		t.Fatalf("canceled timer must not run its callback")
	}
	if clock.Pending() != 0 {
		t.Fatalf("unexpected pending clock callbacks: %d", clock.Pending())
	}
}

func TestManualClockAdvanceNextJumpsToEarliestDeadline(t *testing.T) {
	testlog.Start(t)

	clock := NewManualClock(time.Unix(0, 0))
	var order []int
	clock.AfterFunc(30*time.Millisecond, func() { order = append(order, 30) })
	clock.AfterFunc(10*time.Millisecond, func() { order = append(order, 10) })

	if !clock.AdvanceNext() {
		t.Fatalf("expected a pending deadline")
	}
	if len(order) != 1 || order[0] != 10 {
		t.Fatalf("unexpected fire order: %v", order)
	}
	if got := clock.Now().Sub(time.Unix(0, 0)); got != 10*time.Millisecond {
		t.Fatalf("unexpected clock position: %s", got)
	}
	clock.AdvanceNext()
	if clock.AdvanceNext() {
		t.Fatalf("expected nothing pending")
	}
	if len(order) != 2 || order[1] != 30 {
		t.Fatalf("unexpected fire order: %v", order)
	}
}
