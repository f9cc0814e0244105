// Package ring implements the single-producer/single-consumer byte ring
// buffer described in the protocol: a contiguous shared-memory byte
// area with writer-owned head and reader-owned tail indices, a
// significant-free-space threshold, and a writable-notification-request
// bit that avoids lost wakeups.
package ring

import (
	"sync/atomic"
	"unsafe"
)

// SignificantFreeFraction is the denominator of the "significant free
// space" threshold: capacity / SignificantFreeFraction
const SignificantFreeFraction = 4

// header is the management block the protocol reserves at the front of
// the shared region, ahead of the payload area. It carries every piece
// of state a writer-side Buffer and a reader-side Buffer must agree
// on. The two are independent Go objects — one constructed by each end
// of the connection — so head/tail/wantWritable cannot be ordinary
// struct fields: a store by one object would never be visible to the
// other. Addressing them with unsafe.Pointer into the shared bytes is
// the same technique the seqlock slot header uses.
type header struct {
	head uint64 // writer-owned, monotonic modulo 2*C
	tail uint64 // reader-owned, monotonic modulo 2*C

	// wantWritable is the "please wake me" bit: set by a writer that
	// found the buffer full, cleared by the reader once it has freed a
	// significant amount of space.
	wantWritable uint32
	_            uint32 // padding, keeps header 8-byte aligned throughout
}

// headerSize is the number of bytes New reserves for header at the
// front of the caller-supplied buffer, ahead of the payload area.
const headerSize = int(unsafe.Sizeof(header{}))

// Buffer is a ring over a caller-supplied byte slice (typically a view
// into a shm.Region). It is safe for exactly one writer goroutine and
// one reader goroutine to use concurrently with each other, never with
// themselves.
type Buffer struct {
	data []byte
	cap  uint64 // capacity C
	hdr  *header
}

// New wraps buf as an empty ring. The front headerSize bytes of buf are
// reserved for the shared head/tail/wantWritable block; the remaining
// bytes are the payload area, so Cap() == len(buf) - headerSize. buf
// must outlive the Buffer; it is typically shared-memory backed, and
// two Buffers constructed over the same buf (one per direction's
// writer and reader) observe each other's progress through it.
func New(buf []byte) *Buffer {
	if len(buf) <= headerSize {
		panic("ring: buffer too small to hold the management header and any payload")
	}
	return &Buffer{
		data: buf[headerSize:],
		cap:  uint64(len(buf) - headerSize),
		hdr:  (*header)(unsafe.Pointer(&buf[0])),
	}
}

// Cap returns the ring capacity in bytes.
func (b *Buffer) Cap() int { return int(b.cap) }

// used returns H - T, the number of occupied bytes. Call only from
// either side after loading both indices with acquire semantics.
func (b *Buffer) used(head, tail uint64) uint64 {
	return (head + 2*b.cap - tail) % (2 * b.cap)
}

// Space reports the writer's view of free bytes (not safe to mix with
// Push without reloading, used for diagnostics/tests).
func (b *Buffer) Space() int {
	head := atomic.LoadUint64(&b.hdr.head)
	tail := atomic.LoadUint64(&b.hdr.tail)
	return int(b.cap - b.used(head, tail))
}

// Used reports occupied bytes.
func (b *Buffer) Used() int {
	head := atomic.LoadUint64(&b.hdr.head)
	tail := atomic.LoadUint64(&b.hdr.tail)
	return int(b.used(head, tail))
}

// Push writes payload atomically: either all of it lands in the ring or
// none does. It returns ok=false without mutating any state if there is
// not enough room. The writer is the sole caller; it must serialize its
// own calls.
func (b *Buffer) Push(payload []byte) (ok bool) {
	head := atomic.LoadUint64(&b.hdr.head)
	tail := atomic.LoadUint64(&b.hdr.tail) // acquire: see reader's latest release

	need := uint64(len(payload))
	if b.cap-b.used(head, tail) < need {
		// Not enough room. Arm the writable-notification-request bit,
		// then re-check: the reader may have freed space between our
		// first read of tail and the bit store (the lost-wakeup guard
		// the protocol requires).
		atomic.StoreUint32(&b.hdr.wantWritable, 1)
		tail = atomic.LoadUint64(&b.hdr.tail)
		if b.cap-b.used(head, tail) < need {
			return false
		}
	}

	b.writeAt(head, payload)

	// release: index store must follow the data writes it describes.
	atomic.StoreUint64(&b.hdr.head, (head+need)%(2*b.cap))
	return true
}

func (b *Buffer) writeAt(head uint64, payload []byte) {
	pos := head % b.cap
	n := copy(b.data[pos:], payload)
	if n < len(payload) {
		copy(b.data[0:], payload[n:])
	}
}

// Pop copies the next bytes into out and consumes them — the caller
// decides "message length" (ring itself is byte-oriented). It copies
// min(len(out), Used()) bytes and reports empty (ok=false) only when
// nothing is available. Advance is the helper primitive that higher
// layers (the frame codec / Connection) call once they know how many
// header+payload bytes constitute the next message.
func (b *Buffer) Pop(out []byte) (n int, notifyWritable, ok bool) {
	head := atomic.LoadUint64(&b.hdr.head) // acquire: see writer's latest release
	tail := atomic.LoadUint64(&b.hdr.tail)

	avail := b.used(head, tail)
	if avail == 0 {
		return 0, false, false
	}

	want := uint64(len(out))
	if want > avail {
		want = avail
	}
	b.readAt(tail, out[:want])

	notify := b.Advance(int(want)) // release: space handed back
	return int(want), notify, true
}

func (b *Buffer) readAt(tail uint64, out []byte) {
	pos := tail % b.cap
	n := copy(out, b.data[pos:])
	if n < len(out) {
		copy(out[n:], b.data[0:])
	}
}

// Peek copies up to len(out) bytes starting at the current tail without
// advancing it — used by GetPendingMsgInfo to inspect a header before
// committing to a Pop.
func (b *Buffer) Peek(out []byte) (n int, ok bool) {
	head := atomic.LoadUint64(&b.hdr.head)
	tail := atomic.LoadUint64(&b.hdr.tail)

	avail := b.used(head, tail)
	if avail == 0 {
		return 0, false
	}
	want := uint64(len(out))
	if want > avail {
		want = avail
	}
	b.readAt(tail, out[:want])
	return int(want), true
}

// Advance consumes n bytes previously inspected via Peek, running the
// same writable-notification bookkeeping Pop does. n must not exceed
// Used().
func (b *Buffer) Advance(n int) (notifyWritable bool) {
	head := atomic.LoadUint64(&b.hdr.head)
	tail := atomic.LoadUint64(&b.hdr.tail)
	beforeFree := b.cap - b.used(head, tail)
	newTail := (tail + uint64(n)) % (2 * b.cap)
	atomic.StoreUint64(&b.hdr.tail, newTail)
	return b.maybeNotifyWritable(beforeFree)
}

// maybeNotifyWritable implements the reader-side half of the writable
// handshake: after a pop that crosses the significant-free-space
// threshold, clear the bit and report whether a writable notification
// must be sent (it was set).
func (b *Buffer) maybeNotifyWritable(freeBefore uint64) bool {
	threshold := b.cap / SignificantFreeFraction
	head := atomic.LoadUint64(&b.hdr.head)
	tail := atomic.LoadUint64(&b.hdr.tail)
	freeNow := b.cap - b.used(head, tail)
	if freeBefore >= threshold || freeNow < threshold {
		return false
	}
	return atomic.CompareAndSwapUint32(&b.hdr.wantWritable, 1, 0)
}

// Empty reports whether H == T, i.e. nothing pending for the reader.
func (b *Buffer) Empty() bool {
	return atomic.LoadUint64(&b.hdr.head) == atomic.LoadUint64(&b.hdr.tail)
}
