// Package router implements the one-writer/many-reader zero-copy slot
// distribution layer: Server (sender) and Client (receiver).
//
// Grounded on smux's Session receiver/stream bookkeeping shape (a fixed
// map/table plus per-entry state guarded by a mutex) narrowed to a
// fixed-size receiver table; the receiver-class rate limiting has no
// direct precedent elsewhere in this repository and is built directly
// from the admission-control requirements it serves (see DESIGN.md).
package router

import (
	"github.com/autocore-ipc/safeipc/safeipcerr"
	"github.com/autocore-ipc/safeipc/squeue"
)

// ClassHandle identifies a receiver admission-control bucket.
type ClassHandle string

// ReceiverHandle identifies a registered receiver. Internal only — it
// need not be globally unique.
type ReceiverHandle uint32

// ConnState is a receiver's observed connection health.
type ConnState int

const (
	ConnStateOK ConnState = iota
	ConnStatePeerCrashed
	ConnStatePeerDisconnected
	ConnStateProtocolError
)

func (s ConnState) String() string {
	switch s {
	case ConnStateOK:
		return "ok"
	case ConnStatePeerCrashed:
		return "peer-crashed"
	case ConnStatePeerDisconnected:
		return "peer-disconnected"
	default:
		return "protocol-error"
	}
}

// DroppedInformation reports which receiver classes a SendSlot call
// did not reach because their budget was exhausted.
type DroppedInformation struct {
	Classes []ClassHandle
}

type classBucket struct {
	budget   int
	inFlight int
}

type receiverEntry struct {
	handle    ReceiverHandle
	class     ClassHandle
	freeQ     *squeue.Queue // client pushes, server pops
	availQ    *squeue.Queue // server pushes, client pops
	state     ConnState
	present   bool // false once RemoveReceiver has run
}

func errProtocol(op string) error {
	return safeipcerr.New(safeipcerr.KindProtocol, op, nil)
}
