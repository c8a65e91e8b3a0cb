// Package handler owns the single execution context that serializes every
// ranging session mutation.
//
// Ownership boundary:
// - ordered task queue drained by exactly one goroutine
// - retry timers whose expiry is posted back onto the queue
// - clocks, real and manually advanced
//
// Producers never block on Post. Work posted after Run returns is dropped.
package handler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrHandlerStopped = errors.New("handler: stopped")
	ErrAlreadyRunning = errors.New("handler: already running")
)

// Handler is an unbounded FIFO task queue with one consumer.
type Handler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	busy    bool
	running bool
	stopped bool
	wake    chan struct{}
}

// Handler constructor; call Run to start draining.
func New() *Handler {
	h := &Handler{wake: make(chan struct{}, 1)}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Post enqueues fn. It returns false once the handler has stopped.
func (h *Handler) Post(fn func()) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.queue = append(h.queue, fn)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return true
}

// Run drains the queue until ctx ends. Pending tasks are dropped on exit.
func (h *Handler) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	if h.stopped {
		h.mu.Unlock()
		return ErrHandlerStopped
	}
	h.running = true
	h.cond.Broadcast()
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.stopped = true
		h.running = false
		h.busy = false
		dropped := len(h.queue)
		h.queue = nil
		h.cond.Broadcast()
		h.mu.Unlock()
		if dropped > 0 {
			log.Debug().Int("dropped", dropped).Msg("handler.Handler.run stopped with pending tasks")
		}
	}()

	for {
		fn, ok := h.next()
		if ok {
			h.runTask(fn)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.wake:
		}
	}
}

func (h *Handler) next() (func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		h.busy = false
		h.cond.Broadcast()
		return nil, false
	}
	fn := h.queue[0]
	h.queue[0] = nil
	h.queue = h.queue[1:]
	h.busy = true
	return fn, true
}

func (h *Handler) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("handler.Handler.run task panicked")
		}
	}()
	fn()
}

// Sync blocks until Run has started, the queue is empty and no task is
// running, including tasks posted by tasks. It returns ErrHandlerStopped once
// Run has returned.
func (h *Handler) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if h.stopped {
			return ErrHandlerStopped
		}
		if h.running && !h.busy && len(h.queue) == 0 {
			return nil
		}
		h.cond.Wait()
	}
}

// Call runs fn on the handler and waits for it, or for ctx to end. It must
// not be called from a task.
func (h *Handler) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !h.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrHandlerStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
