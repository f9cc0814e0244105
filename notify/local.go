package notify

import "sync"

// localEnd is an in-process notify.Channel whose Send delivers directly
// to its paired peer's callback, with no OS primitive involved. Used by
// tests and by two Connections living in the same process (mirroring
// shm.MemoryAllocator's in-process stand-in for a real shared region).
type localEnd struct {
	mu     sync.Mutex
	peer   *localEnd
	cb     func(Value)
	closed bool
}

// NewLocalPair returns two connected Channels; sending on one invokes
// the other's registered callback synchronously on the sender's
// goroutine. Queueing/backpressure do not apply since there is no
// bounded OS buffer to exhaust.
func NewLocalPair() (Channel, Channel) {
	a := &localEnd{}
	b := &localEnd{}
	a.peer, b.peer = b, a
	return a, b
}

func (e *localEnd) Send(v Value) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errResource("localEnd.Send", nil)
	}

	e.peer.mu.Lock()
	cb := e.peer.cb
	peerClosed := e.peer.closed
	e.peer.mu.Unlock()
	if peerClosed {
		return errResource("localEnd.Send", nil)
	}
	if cb != nil {
		cb(v)
	}
	return nil
}

func (e *localEnd) SetReceiveCallback(cb func(Value)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
}

func (e *localEnd) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
