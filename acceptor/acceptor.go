// Package acceptor implements the passive-open side of the protocol:
// a bounded backlog of incoming handshakes dispatched through a caller-
// supplied reactor, each resolving to a conn.Connection.
//
// Grounded on a single-connection retry/accept loop, generalized from
// "one outbound connection, reconnect on failure" to "N inbound
// connections, bounded backlog, one completion per accept" — see
// DESIGN.md.
package acceptor

import (
	"sync"

	"github.com/autocore-ipc/safeipc/conn"
	"github.com/autocore-ipc/safeipc/notify"
	"github.com/autocore-ipc/safeipc/reactor"
	"github.com/autocore-ipc/safeipc/ring"
	"github.com/autocore-ipc/safeipc/safeipcerr"
)

// maxPendingCallbacks is the fixed number of outstanding
// AcceptAsync completions the acceptor will hold at once.
const maxPendingCallbacks = 4

// Completion reports the outcome of one accepted connection attempt.
type Completion func(*conn.Connection, error)

// PendingHandshake is a not-yet-accepted inbound connection request: the
// peer's address and the shared-memory rings the listener has already
// allocated for it (handle exchange happens before AcceptAsync is ever
// called — the acceptor only finishes the handshake
// and hands back a Connection). PeerVersion/C2SHint/S2CHint are the
// values the bootstrap socket read off the peer's HandshakeMessage,
// validated and negotiated when the Connection actually connects.
type PendingHandshake struct {
	Local, Peer        conn.Address
	Identity           conn.PeerIdentity
	PeerVersion        uint32
	C2SHint, S2CHint   uint64
	SendRing, RecvRing *ring.Buffer
	OOB                notify.Channel
}

// Acceptor manages a bounded backlog of PendingHandshakes, completed
// asynchronously through a reactor.
type Acceptor struct {
	r       reactor.Reactor
	backlog int
	s2cCap  uint64

	mu      sync.Mutex
	pending []PendingHandshake
	waiting []Completion
	closed  bool
}

// Init creates an Acceptor whose backlog of pending handshakes is capped
// at backlogCap, which must not exceed maxPendingCallbacks; queued
// AcceptAsync callbacks are capped at maxPendingCallbacks. s2cCap is this listener's declared cap on
// the server->client buffer size; every accepted Connection clamps its
// peer's s2c hint to it. 0 means uncapped.
func Init(r reactor.Reactor, backlogCap int, s2cCap uint64) (*Acceptor, error) {
	if backlogCap < 1 || backlogCap > maxPendingCallbacks {
		return nil, safeipcerr.New(safeipcerr.KindSize, "acceptor.Init", nil)
	}
	return &Acceptor{r: r, backlog: backlogCap, s2cCap: s2cCap}, nil
}

// Offer is called by the listening side's handshake bootstrap once a
// peer's identity and rings are established, to hand the connection to
// whichever AcceptAsync caller is waiting (or to the backlog if none
// is). Returns KindResource if no AcceptAsync caller is waiting and the
// pending backlog is full.
func (a *Acceptor) Offer(p PendingHandshake) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return safeipcerr.New(safeipcerr.KindUninitialized, "Acceptor.Offer", nil)
	}

	if len(a.waiting) > 0 {
		cb := a.waiting[0]
		a.waiting = a.waiting[1:]
		a.mu.Unlock()
		a.completeWith(cb, p)
		return nil
	}

	if len(a.pending) >= a.backlog {
		a.mu.Unlock()
		return safeipcerr.New(safeipcerr.KindResource, "Acceptor.Offer", nil)
	}
	a.pending = append(a.pending, p)
	a.mu.Unlock()
	return nil
}

// AcceptAsync registers done to be invoked (on the reactor) with the
// next completed inbound Connection. If a PendingHandshake is already
// backlogged, done fires on the next reactor tick; otherwise it is
// queued, up to maxPendingCallbacks deep.
func (a *Acceptor) AcceptAsync(done Completion) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.r.Post(func() { done(nil, safeipcerr.New(safeipcerr.KindUninitialized, "Acceptor.AcceptAsync", nil)) })
		return nil
	}

	if len(a.pending) > 0 {
		p := a.pending[0]
		a.pending = a.pending[1:]
		a.mu.Unlock()
		a.completeWith(done, p)
		return nil
	}

	if len(a.waiting) >= maxPendingCallbacks {
		a.mu.Unlock()
		return safeipcerr.New(safeipcerr.KindResource, "Acceptor.AcceptAsync", nil)
	}
	a.waiting = append(a.waiting, done)
	a.mu.Unlock()
	return nil
}

func (a *Acceptor) completeWith(done Completion, p PendingHandshake) {
	a.r.Post(func() {
		c := conn.New(p.Local, p.Peer, a.r, p.OOB, p.SendRing, p.RecvRing, true, a.s2cCap)
		c.ConnectAsync(p.Identity, p.PeerVersion, p.C2SHint, p.S2CHint, func(err error) {
			if err != nil {
				done(nil, err)
				return
			}
			done(c, nil)
		})
	})
}

// Close fails every queued AcceptAsync callback with KindUninitialized
// and prevents further Offer/AcceptAsync calls from succeeding.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	waiting := a.waiting
	a.waiting = nil
	a.mu.Unlock()

	for _, cb := range waiting {
		cb := cb
		a.r.Post(func() { cb(nil, safeipcerr.New(safeipcerr.KindUninitialized, "Acceptor.Close", nil)) })
	}
	return nil
}

// PendingCount reports how many handshakes are backlogged, awaiting an
// AcceptAsync call.
func (a *Acceptor) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
