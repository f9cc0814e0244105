package router

import (
	"sync"

	"github.com/autocore-ipc/safeipc/safeipcerr"
	"github.com/autocore-ipc/safeipc/slot"
	"github.com/autocore-ipc/safeipc/squeue"
)

// Client is the Core B receiver side: the receive/access/release
// protocol for a registered receiver.
type Client struct {
	mu      sync.Mutex
	slots   *slot.Manager
	freeQ   *squeue.Queue // client pushes released indices
	availQ  *squeue.Queue // server publishes indices here
	errored bool
}

// NewClient creates a Client over a read-only slot.Manager and the pair
// of queues this receiver was registered with on the server.
func NewClient(slots *slot.Manager, freeQ, availQ *squeue.Queue) *Client {
	if slots.IsManagingWritableSlotDescriptors() {
		panic("router: Client requires a read-only slot.Manager")
	}
	return &Client{slots: slots, freeQ: freeQ, availQ: availQ}
}

// ReceiveSlot peeks the available queue; if empty, returns ok=false.
// Otherwise it waits (via bounded retry, no blocking) until the
// global-visibility flag is observed set, then pops, and validates that
// Pop returned the same index Peek did.
func (c *Client) ReceiveSlot() (slot.Token, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errored {
		return slot.Token{}, false, safeipcerr.New(safeipcerr.KindProtocol, "Client.ReceiveSlot", nil)
	}

	idx, ok := c.availQ.Peek()
	if !ok {
		return slot.Token{}, false, nil
	}

	handle, ok := c.slots.GetSlotHandleForIndex(idx)
	if !ok {
		c.errored = true
		return slot.Token{}, false, safeipcerr.New(safeipcerr.KindProtocol, "Client.ReceiveSlot", nil)
	}
	d, _ := c.slots.GetSlotDescriptor(handle)

	// Visibility may lag the index publish by one store; retry without
	// blocking.
	const maxSpins = 1 << 16
	for i := 0; i < maxSpins && !d.Visible(); i++ {
	}
	if !d.Visible() {
		return slot.Token{}, false, nil
	}

	popped, ok := c.availQ.Pop()
	if !ok || popped != idx {
		c.errored = true
		return slot.Token{}, false, safeipcerr.New(safeipcerr.KindProtocol, "Client.ReceiveSlot", nil)
	}

	tok, ok := c.slots.GetSlotAccessToken(handle)
	if !ok {
		c.errored = true
		return slot.Token{}, false, safeipcerr.New(safeipcerr.KindProtocol, "Client.ReceiveSlot", nil)
	}
	return tok, true, nil
}

// AccessSlotContent returns a read-only view over t's payload, valid
// for the token's lifetime.
func (c *Client) AccessSlotContent(t slot.Token) []byte {
	return c.slots.GetSlotDescriptorForToken(t).Payload
}

// ReleaseSlot pushes t's index into the client's free queue and returns
// the token. Push failure is catastrophic — the queue is sized equal to
// the slot pool — and aborts.
func (c *Client) ReleaseSlot(t slot.Token) {
	idx := t.Index()
	c.slots.ReturnSlotAccessToken(t)
	if !c.freeQ.Push(idx) {
		panic("router: Client free queue rejected a release; pool is mis-sized")
	}
}

// SetCommunicationError latches the client's view of the sender to
// corrupted; future ReceiveSlot calls return protocol-error.
func (c *Client) SetCommunicationError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errored = true
}
