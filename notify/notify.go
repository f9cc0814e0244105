// Package notify implements the out-of-band one-byte notification
// channel of the protocol: FIFO per direction, user values 0..=249,
// internal values 250..=255 reserved and multiplexed on the same wire.
package notify

import "github.com/autocore-ipc/safeipc/safeipcerr"

// Value is a notification byte. 0..=249 are user-addressable.
type Value uint8

// MaxUserValue is the highest user-addressable notification.
const MaxUserValue Value = 249

// Reserved internal signal codepoints.
const (
	DataWritten           Value = 250
	WritableAgain         Value = 251
	OrderlyCloseBegin     Value = 252
	HandleExchangeAck     Value = 253
	ProtocolErrorObserved Value = 254
	// 255 is reserved, unused.
)

// IsUser reports whether v is in the user-addressable range.
func (v Value) IsUser() bool { return v <= MaxUserValue }

// Channel is the notification transport abstraction: send a byte, and
// register a receive callback. Implementations must
// preserve FIFO ordering per direction and must not silently drop on
// overflow: Send returns KindResource instead.
type Channel interface {
	// Send enqueues v for the peer. Non-blocking; returns
	// safeipcerr.KindResource if the OS-level channel capacity is
	// exhausted.
	Send(v Value) error
	// SetReceiveCallback installs cb to be invoked once per received
	// value, in FIFO order, on the implementation's own goroutine (the
	// dispatch goroutine for EventFD/PipeChannel, the sender's goroutine
	// for NewLocalPair). Replaces any previous callback.
	SetReceiveCallback(cb func(Value))
	// Close releases the underlying OS primitive.
	Close() error
}

// ValidateUserValue enforces the protocol's boundary case: 250 is
// api-error (panic "API misuse"), 249 succeeds.
func ValidateUserValue(v Value) {
	if v > MaxUserValue {
		panic("notify: SendNotification called with a reserved value " +
			"(values 250..255 are SafeIPC-internal, see notify package docs)")
	}
}

// errResource is a convenience constructor matching safeipcerr's shape.
func errResource(op string, cause error) error {
	return safeipcerr.New(safeipcerr.KindResource, op, cause)
}
