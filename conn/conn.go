// Package conn implements the Core A point-to-point connection of
// the protocol: a bidirectional byte-ring-buffer transport, framed with
// the wire package, synchronized out-of-band via notify, and driven by
// an externally supplied reactor.Reactor.
//
// Grounded on smux's Session (session.go): one struct owning both
// directions of a duplex stream, a state machine guarding every public
// method, a receive dispatch goroutine, and a sentinel-error-per-state
// shape — generalized from smux's per-stream multiplexing to SafeIPC's
// single-channel handshake/framing/backpressure protocol (see DESIGN.md).
package conn

import (
	"sync"

	"github.com/autocore-ipc/safeipc/notify"
	"github.com/autocore-ipc/safeipc/reactor"
	"github.com/autocore-ipc/safeipc/ring"
	"github.com/autocore-ipc/safeipc/safeipcerr"
	"github.com/autocore-ipc/safeipc/wire"
)

// ProtocolVersion is exchanged during the handshake; a mismatch is a
// protocol error.
const ProtocolVersion uint32 = 1

// PlatformMinBufferSize is the floor every negotiated buffer size is
// raised to, regardless of what either side requests.
const PlatformMinBufferSize uint64 = 4096

// negotiateBufferSize clamps hint into [PlatformMinBufferSize, cap].
// cap == 0 means the direction carries no server-declared cap.
func negotiateBufferSize(hint, cap uint64) uint64 {
	if hint < PlatformMinBufferSize {
		hint = PlatformMinBufferSize
	}
	if cap != 0 && hint > cap {
		hint = cap
	}
	return hint
}

// Address identifies a connection endpoint: a domain
// (an opaque routing namespace) and a port within it.
type Address struct {
	Domain uint32
	Port   uint32
}

// State is a Connection's place in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateProtocolError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateProtocolError:
		return "protocol-error"
	default:
		return "closed"
	}
}

// PeerIdentity is the credential snapshot taken at handshake time.
type PeerIdentity struct {
	ProcessID      uint32
	UID            uint32
	IntegrityLevel int
}

// PendingMsgInfo describes the next message waiting in the receive ring
// without consuming it.
type PendingMsgInfo struct {
	Size   uint32
	Format wire.Format
}

// CompletionFunc is how async operations report their outcome; it is
// always invoked on the reactor goroutine, never inline.
type CompletionFunc func(n int, err error)

// notificationCallback pairs a registered user value with its handler.
type notificationCallback struct {
	fn func(notify.Value)
}

// Connection is one end of a SafeIPC stream channel. Exactly one
// goroutine may call Send* at a time and exactly one may call Receive*
// at a time; the two may run concurrently with each other.
type Connection struct {
	local, peer Address

	reactor reactor.Reactor
	oob     notify.Channel

	sendRing *ring.Buffer
	recvRing *ring.Buffer

	isServer bool   // true for the Accept side; decides which hint the s2cCap constrains
	s2cCap   uint64 // server-declared cap on the server->client direction, 0 = uncapped

	mu          sync.Mutex
	state       State
	sendSeq     uint16
	recvSeq     uint16
	peerVersion uint32
	sendBufSize uint64 // negotiated at ConnectAsync time; reported by GetSendBufferSize
	recvBufSize uint64 // negotiated at ConnectAsync time; reported by GetReceiveBufferSize
	identity    PeerIdentity
	inUse       bool

	notifyHandlers map[notify.Value]notificationCallback

	writableWaiters []func()
	readableWaiters []func()
}

// New creates a Connection over sendRing/recvRing (already allocated in
// shared memory by the caller — see shm) and oob, driven by r. The
// Connection does not take ownership of sendRing/recvRing's backing
// memory; Close does not unmap it.
//
// isServer marks this end as the Accept side of the handshake:
// GetSendBufferSize/GetReceiveBufferSize (i.e. which of the two
// negotiated hints s2cCap constrains) depend on which side of the
// c2s/s2c direction pair this Connection's sendRing represents.
// s2cCap is the server-declared cap on the server->client direction
// (0 means uncapped); it has no effect on the client->server direction.
func New(local, peer Address, r reactor.Reactor, oob notify.Channel, sendRing, recvRing *ring.Buffer, isServer bool, s2cCap uint64) *Connection {
	c := &Connection{
		local: local, peer: peer,
		reactor:        r,
		oob:            oob,
		sendRing:       sendRing,
		recvRing:       recvRing,
		isServer:       isServer,
		s2cCap:         s2cCap,
		state:          StateCreated,
		sendSeq:        1,
		recvSeq:        1,
		notifyHandlers: make(map[notify.Value]notificationCallback),
	}
	oob.SetReceiveCallback(c.handleNotification)
	return c
}

// handleNotification runs on the reactor goroutine whenever the peer
// sends an out-of-band byte. Reserved codepoints drive ring
// backpressure/handshake bookkeeping; user values dispatch to whatever
// callback SendNotification's peer registered.
func (c *Connection) handleNotification(v notify.Value) {
	switch v {
	case notify.WritableAgain:
		c.mu.Lock()
		waiters := c.writableWaiters
		c.writableWaiters = nil
		c.mu.Unlock()
		for _, w := range waiters {
			w()
		}
	case notify.DataWritten:
		c.mu.Lock()
		waiters := c.readableWaiters
		c.readableWaiters = nil
		c.mu.Unlock()
		for _, w := range waiters {
			w()
		}
	case notify.OrderlyCloseBegin:
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
	case notify.ProtocolErrorObserved:
		c.mu.Lock()
		c.state = StateProtocolError
		c.mu.Unlock()
	default:
		if v.IsUser() {
			c.mu.Lock()
			cb, ok := c.notifyHandlers[v]
			c.mu.Unlock()
			if ok {
				c.reactor.Post(func() { cb.fn(v) })
			}
		}
	}
}

// ConnectAsync drives the handshake: validates peerVersion against
// ProtocolVersion, negotiates c2sHint/s2cHint into this Connection's
// send/receive buffer sizes, records identity (the peer credentials the
// bootstrap handshake captured), signals HandleExchangeAck over oob, then
// transitions Created -> Connecting -> Connected. done is invoked on
// the reactor goroutine with the outcome.
//
// A version mismatch is KindProtocol and leaves the Connection in
// StateProtocolError rather than retrying. c2sHint and s2cHint are the
// client->server and server->client buffer-size requests exchanged
// during the bootstrap handshake (see bootstrap.HandshakeMessage);
// each is raised to at least PlatformMinBufferSize and, for the
// server->client direction, capped at the server-declared s2cCap.
func (c *Connection) ConnectAsync(identity PeerIdentity, peerVersion uint32, c2sHint, s2cHint uint64, done func(error)) {
	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		c.reactor.Post(func() { done(safeipcerr.New(safeipcerr.KindUninitialized, "Connection.ConnectAsync", nil)) })
		return
	}
	if peerVersion != ProtocolVersion {
		c.state = StateProtocolError
		c.mu.Unlock()
		c.reactor.Post(func() { done(safeipcerr.New(safeipcerr.KindProtocol, "Connection.ConnectAsync", nil)) })
		return
	}
	c.state = StateConnecting
	c.identity = identity
	c.peerVersion = peerVersion
	if c.isServer {
		c.sendBufSize = negotiateBufferSize(s2cHint, c.s2cCap)
		c.recvBufSize = negotiateBufferSize(c2sHint, 0)
	} else {
		c.sendBufSize = negotiateBufferSize(c2sHint, 0)
		c.recvBufSize = negotiateBufferSize(s2cHint, c.s2cCap)
	}
	c.mu.Unlock()

	if err := c.oob.Send(notify.HandleExchangeAck); err != nil {
		c.mu.Lock()
		c.state = StateProtocolError
		c.mu.Unlock()
		c.reactor.Post(func() { done(err) })
		return
	}

	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()
	c.reactor.Post(func() { done(nil) })
}

// checkSendable validates state for any send-path method.
func (c *Connection) checkSendable() error {
	switch c.state {
	case StateConnected:
		return nil
	case StateClosed, StateClosing:
		return safeipcerr.Disconnected("Connection.Send", safeipcerr.SupportOrderly, nil)
	case StateProtocolError:
		return safeipcerr.New(safeipcerr.KindProtocol, "Connection.Send", nil)
	default:
		return safeipcerr.New(safeipcerr.KindUninitialized, "Connection.Send", nil)
	}
}

// frameSize returns the encoded size for a payload of n bytes in format.
func frameSize(format wire.Format, n int) int {
	if format == wire.FormatB {
		return wire.CommonHeaderSize + wire.ExtendedHeaderSize + n
	}
	return wire.CommonHeaderSize + n
}

// sendFrame encodes and pushes one frame, returning KindSize if payload
// exceeds wire.MaxMessageSize and KindBusy if the ring lacks room.
func (c *Connection) sendFrame(payload []byte, ext *wire.ExtendedHeader) error {
	if uint64(len(payload)) > wire.MaxMessageSize {
		return safeipcerr.New(safeipcerr.KindSize, "Connection.Send", nil)
	}
	format := wire.FormatA
	if ext != nil {
		format = wire.FormatB
	}

	c.mu.Lock()
	seq := c.sendSeq
	c.mu.Unlock()

	buf := make([]byte, frameSize(format, len(payload)))
	n, err := wire.Encode(buf, format, uint32(len(payload)), seq, ext)
	if err != nil {
		return err
	}
	copy(buf[n:], payload)

	if !c.sendRing.Push(buf) {
		return safeipcerr.New(safeipcerr.KindBusy, "Connection.Send", nil)
	}

	c.mu.Lock()
	c.sendSeq = wire.NextSeq(seq)
	c.mu.Unlock()

	if err := c.oob.Send(notify.DataWritten); err != nil {
		return err
	}
	return nil
}

// SendSync performs exactly one non-blocking attempt to push payload.
// It never waits on the peer: a full ring is reported as KindBusy
// immediately, leaving the retry decision to the caller. Send behaves
// the same way; SendAsync is the variant that retries once the peer
// reports the ring writable again.
func (c *Connection) SendSync(payload []byte) error {
	c.mu.Lock()
	err := c.checkSendable()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.sendFrame(payload, nil)
}

// Send is the non-blocking variant: it returns KindBusy immediately
// instead of waiting for room.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	err := c.checkSendable()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.sendFrame(payload, nil)
}

// SendAsync queues payload and invokes done on the reactor once the
// push either succeeds or fails terminally; a KindBusy outcome retries
// automatically when a writable notification arrives.
func (c *Connection) SendAsync(payload []byte, done CompletionFunc) {
	c.mu.Lock()
	err := c.checkSendable()
	c.mu.Unlock()
	if err != nil {
		c.reactor.Post(func() { done(0, err) })
		return
	}

	var attempt func()
	attempt = func() {
		err := c.sendFrame(payload, nil)
		if err == nil {
			c.reactor.Post(func() { done(len(payload), nil) })
			return
		}
		if e, ok := err.(*safeipcerr.Error); ok && e.Kind == safeipcerr.KindBusy {
			c.mu.Lock()
			c.writableWaiters = append(c.writableWaiters, attempt)
			c.mu.Unlock()
			return
		}
		c.reactor.Post(func() { done(0, err) })
	}
	attempt()
}

// GetPendingMsgInfo peeks the receive ring's next header without
// consuming it, reporting the payload size and format.
// ok is false if no complete header is available yet.
func (c *Connection) GetPendingMsgInfo() (PendingMsgInfo, bool) {
	hdr := make([]byte, wire.CommonHeaderSize)
	n, ok := c.recvRing.Peek(hdr)
	if !ok || n < wire.CommonHeaderSize {
		return PendingMsgInfo{}, false
	}
	c.mu.Lock()
	expected := c.recvSeq
	c.mu.Unlock()
	parsed, _, _, err := wire.Decode(hdr, expected)
	if err != nil {
		return PendingMsgInfo{}, false
	}
	return PendingMsgInfo{Size: parsed.MessageSize, Format: parsed.Format}, true
}

// receiveFrame pops exactly one frame's worth of bytes into out,
// validating the header and advancing recvSeq. KindBusy means no full
// frame is available yet.
func (c *Connection) receiveFrame(out []byte) (int, error) {
	// Peek the largest possible header up front (format is not known
	// until byte 0 is read) so Decode never sees a short buffer and
	// mistakes "not enough bytes yet" for a protocol violation.
	maxHdr := make([]byte, wire.MessageProtocolOverhead)
	n, ok := c.recvRing.Peek(maxHdr)
	if !ok || n < wire.CommonHeaderSize {
		return 0, safeipcerr.New(safeipcerr.KindBusy, "Connection.Receive", nil)
	}
	hdr := maxHdr[:n]

	c.mu.Lock()
	expected := c.recvSeq
	c.mu.Unlock()

	if wire.Format(hdr[0]) == wire.FormatB && len(hdr) < wire.CommonHeaderSize+wire.ExtendedHeaderSize {
		return 0, safeipcerr.New(safeipcerr.KindBusy, "Connection.Receive", nil)
	}

	parsed, ext, headerLen, err := wire.Decode(hdr, expected)
	if err != nil {
		if se, ok := err.(*safeipcerr.Error); ok && se.Kind == safeipcerr.KindBusy {
			return 0, err
		}
		c.mu.Lock()
		c.state = StateProtocolError
		c.mu.Unlock()
		return 0, err
	}

	total := headerLen + int(parsed.MessageSize)
	if total > len(hdr) {
		full := make([]byte, total)
		if n, ok := c.recvRing.Peek(full); !ok || n < total {
			return 0, safeipcerr.New(safeipcerr.KindBusy, "Connection.Receive", nil)
		}
		hdr = full
	}

	// A message larger than out is still fully drained from the ring: the
	// beginning is copied, the remainder is discarded, and truncation is
	// reported rather than leaving the frame stuck for the next receive.
	payloadStart := headerLen
	_ = ext
	truncated := len(out) < int(parsed.MessageSize)
	copied := int(parsed.MessageSize)
	if truncated {
		copied = len(out)
	}
	copy(out[:copied], hdr[payloadStart:payloadStart+copied])

	notifyWritable := c.recvRing.Advance(total)

	c.mu.Lock()
	c.recvSeq = wire.NextSeq(expected)
	c.mu.Unlock()

	if notifyWritable {
		if err := c.oob.Send(notify.WritableAgain); err != nil {
			return copied, err
		}
	}
	if truncated {
		return copied, safeipcerr.New(safeipcerr.KindSize, "Connection.Receive", nil)
	}
	return copied, nil
}

// ReceiveSync performs exactly one non-blocking attempt to pop a full
// frame into out. It never waits on the peer: if no complete frame is
// available yet, it reports KindBusy immediately (ReceiveAsync exists
// for callers that want to be woken once one arrives).
func (c *Connection) ReceiveSync(out []byte) (int, error) {
	return c.receiveFrame(out)
}

// ReceiveAsync invokes done on the reactor once a frame is available
// (or an error occurs), without the caller blocking.
func (c *Connection) ReceiveAsync(out []byte, done CompletionFunc) {
	var attempt func()
	attempt = func() {
		n, err := c.receiveFrame(out)
		if err == nil {
			c.reactor.Post(func() { done(n, nil) })
			return
		}
		if e, ok := err.(*safeipcerr.Error); ok && e.Kind == safeipcerr.KindBusy {
			c.mu.Lock()
			c.readableWaiters = append(c.readableWaiters, attempt)
			c.mu.Unlock()
			return
		}
		c.reactor.Post(func() { done(0, err) })
	}
	attempt()
}

// SendNotification transmits a single user-addressable out-of-band
// value (0..=249); sending a reserved value aborts.
func (c *Connection) SendNotification(v notify.Value) error {
	notify.ValidateUserValue(v)
	return c.oob.Send(v)
}

// RegisterNotificationCallback installs fn to run (on the reactor) each
// time the peer sends v. Replaces any previous registration for v.
func (c *Connection) RegisterNotificationCallback(v notify.Value, fn func(notify.Value)) {
	notify.ValidateUserValue(v)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyHandlers[v] = notificationCallback{fn: fn}
}

// UnregisterNotificationCallback removes v's registration, if any.
func (c *Connection) UnregisterNotificationCallback(v notify.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notifyHandlers, v)
}

// Close transitions the Connection toward Closed, notifying the peer of
// an orderly shutdown. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	err := c.oob.Send(notify.OrderlyCloseBegin)

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	closeErr := c.oob.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// IsInUse reports whether a SendAsync or ReceiveAsync is still waiting
// for a notification to retry. It does not track synchronous calls or
// callbacks that are already running on the reactor.
func (c *Connection) IsInUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse || len(c.writableWaiters) > 0 || len(c.readableWaiters) > 0
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetPeerProcessId returns the handshake-captured peer process id.
func (c *Connection) GetPeerProcessId() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.ProcessID
}

// GetPeerIdentity returns the full handshake-captured credential set.
func (c *Connection) GetPeerIdentity() PeerIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// CheckPeerIntegrityLevel reports whether the peer's integrity level
// observed at handshake meets at least min.
func (c *Connection) CheckPeerIntegrityLevel(min int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.IntegrityLevel >= min
}

// GetSendBufferSize reports the actual negotiated send-direction size:
// never below PlatformMinBufferSize, never above the server-declared
// cap for that direction. It is 0 until ConnectAsync completes.
func (c *Connection) GetSendBufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.sendBufSize)
}

// GetReceiveBufferSize is GetSendBufferSize's receive-direction twin.
func (c *Connection) GetReceiveBufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.recvBufSize)
}
