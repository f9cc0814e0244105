//go:build linux

package notify

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/autocore-ipc/safeipc/safeipcerr"
)

// eventfdCapacity bounds the number of in-flight notification bytes
// before Send reports KindResource. A real eventfd counter can hold far more, but the
// transport treats its own queue as the authoritative limit so behavior
// is the same on every platform notify ships for.
const eventfdCapacity = 4096

// EventFD is a notify.Channel backed by a Linux eventfd, grounded on the
// pack's own eventfd precedent (other_examples, momentics-hioload-ws).
// Each Send writes one byte into an internal FIFO and pings the eventfd
// so a reactor-registered reader wakes; the eventfd's own counter value
// is not the FIFO — it only ever signals "data pending", so byte
// framing and ordering live in the internal queue.
type EventFD struct {
	fd int

	mu     sync.Mutex
	queue  []Value
	cb     func(Value)
	closed bool
}

// NewEventFD creates an EventFD channel and starts its dispatch
// goroutine (the stand-in for "a reactor-attached receive callback"
// until a real Reactor.Register(fd, ...) wires it directly to an event
// loop; see reactor.Loop).
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, safeipcerr.New(safeipcerr.KindResource, "notify.NewEventFD", err)
	}
	e := &EventFD{fd: fd}
	go e.dispatchLoop()
	return e, nil
}

func (e *EventFD) Send(v Value) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return safeipcerr.New(safeipcerr.KindUninitialized, "EventFD.Send", nil)
	}
	if len(e.queue) >= eventfdCapacity {
		e.mu.Unlock()
		return safeipcerr.New(safeipcerr.KindResource, "EventFD.Send", nil)
	}
	e.queue = append(e.queue, v)
	e.mu.Unlock()

	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(e.fd, one[:])
	return nil
}

func (e *EventFD) SetReceiveCallback(cb func(Value)) {
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
}

func (e *EventFD) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// dispatchLoop drains the eventfd counter and the internal FIFO,
// invoking the registered callback once per queued value, in order.
func (e *EventFD) dispatchLoop() {
	var buf [8]byte
	for {
		n, err := unix.Read(e.fd, buf[:])
		if n <= 0 && err != nil {
			return // fd closed
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			v := e.queue[0]
			e.queue = e.queue[1:]
			cb := e.cb
			e.mu.Unlock()
			if cb != nil {
				cb(v)
			}
		}
	}
}
