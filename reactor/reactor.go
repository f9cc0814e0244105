// Package reactor defines the asynchronous event-loop abstraction
// the protocol calls out as an external collaborator ("not implemented
// here") and provides Loop, a minimal reference implementation so the
// core is runnable end-to-end.
//
// Grounded on a goroutine-retry shape (a goroutine looping until ctx is
// done, reconnecting on error) and a single-goroutine-mailbox
// vocabulary (Post, a completion channel closed on Run's return) — see
// DESIGN.md.
package reactor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CallbackHandle lets a caller probe whether a registered callback might
// still be dispatched or is mid-execution — the synchronization probe
// the protocol calls IsInUse().
type CallbackHandle interface {
	// InUse reports whether the callback is still registered or is
	// currently executing.
	InUse() bool
}

// Reactor is the interface every SafeIPC package is written against.
// Connection/Acceptor/Server/Client never construct one; it is supplied
// by the embedding application.
type Reactor interface {
	// Register arranges for onReadable to be invoked (on the reactor's
	// own goroutine, never re-entrantly) whenever fd becomes readable.
	Register(fd uintptr, onReadable func()) (CallbackHandle, error)
	// Post schedules fn to run on the reactor goroutine, preserving
	// submission order with other Post calls and Register callbacks.
	// Used to dispatch completions without a caller blocking on them.
	Post(fn func())
	// Unregister removes a previously registered callback. A callback
	// already dispatched may still be executing after Unregister
	// returns; InUse reflects that.
	Unregister(h CallbackHandle) error
}

// handle is Loop's CallbackHandle: a strongly-referenced callback
// closure plus an in-use flag, matching the protocol's "Callbacks as held
// closures" design note (the reactor holds the reference; Close asks it
// to drop the reference; IsInUse checks what's left).
type handle struct {
	mu      sync.Mutex
	fn      func()
	active  bool
	running bool
}

func (h *handle) InUse() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active || h.running
}

// Loop is a single-goroutine reactor: one mailbox channel serializes
// every Post and every readiness callback so user code never observes
// re-entrancy or concurrent callback execution on the same Connection,
//
type Loop struct {
	mailbox chan func()
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	callbacks map[*handle]struct{}
}

// NewLoop creates a Loop and starts its goroutine.
func NewLoop() *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	l := &Loop{
		mailbox:   make(chan func(), 256),
		group:     g,
		ctx:       gctx,
		cancel:    cancel,
		callbacks: make(map[*handle]struct{}),
	}
	g.Go(l.run)
	return l
}

func (l *Loop) run() error {
	for {
		select {
		case fn := <-l.mailbox:
			fn()
		case <-l.ctx.Done():
			return l.ctx.Err()
		}
	}
}

// Post schedules fn on the loop goroutine.
func (l *Loop) Post(fn func()) {
	select {
	case l.mailbox <- fn:
	case <-l.ctx.Done():
	}
}

// Register is a software-only readiness registration for use by tests
// and by notify.Channel's own dispatch goroutines, which call back into
// the loop via Post rather than expecting Loop to poll a real fd itself
// (real epoll/iouring integration is left to a production reactor).
func (l *Loop) Register(fd uintptr, onReadable func()) (CallbackHandle, error) {
	h := &handle{fn: onReadable, active: true}
	l.mu.Lock()
	l.callbacks[h] = struct{}{}
	l.mu.Unlock()
	return h, nil
}

// Unregister drops the reactor's reference to h's callback. A callback
// already mid-dispatch keeps running; InUse reflects that until it
// returns.
func (l *Loop) Unregister(ch CallbackHandle) error {
	h, ok := ch.(*handle)
	if !ok {
		return nil
	}
	h.mu.Lock()
	h.active = false
	h.mu.Unlock()
	l.mu.Lock()
	delete(l.callbacks, h)
	l.mu.Unlock()
	return nil
}

// Dispatch invokes h's callback on the loop goroutine if it is still
// active — the mechanism notify.Channel / ring wiring uses to turn a
// readiness event into a Post.
func (l *Loop) Dispatch(ch CallbackHandle) {
	h, ok := ch.(*handle)
	if !ok {
		return
	}
	l.Post(func() {
		h.mu.Lock()
		if !h.active {
			h.mu.Unlock()
			return
		}
		h.running = true
		fn := h.fn
		h.mu.Unlock()

		fn()

		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	})
}

// Close stops the loop goroutine and waits for it to exit.
func (l *Loop) Close() error {
	l.cancel()
	_ = l.group.Wait()
	return nil
}
