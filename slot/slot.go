// Package slot implements the Core B slot manager of the protocol:
// a fixed array of shared-memory-backed slot descriptors, each guarded
// by a move-only Token, with a one-bit "globally visible" flag and a
// per-slot receiver holder-set bitmap.
//
// Grounded on a seqlock slot protocol (an odd/even seqlock phase
// wrapped around a fixed-size slot, atomic version counters)
// generalized from "always overwrite the latest value" into "exclusive
// move-only token, checked out and returned exactly once" — see
// DESIGN.md.
package slot

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
)

// visibilityHeaderSize is the width of the global-visibility flag carved
// out of the front of every slot's shared-memory window. It lives in
// the region itself, not in the Descriptor struct, because a server
// Manager and a client Manager are two independent Go objects wrapping
// the same bytes; a plain struct field set by one is invisible to the
// other. Grounded on the seqlock-in-mmap'd-struct layout: the flag word
// is addressed with unsafe.Pointer and touched only through
// sync/atomic.
const visibilityHeaderSize = 4

// State is a slot's place in the ownership discipline.
type State int

const (
	// StateFree means no one holds the slot; available to AcquireSlot.
	StateFree State = iota
	// StateOwnedByServer means a writer holds the unique Token.
	StateOwnedByServer
	// StatePublishedTracked means the server has sent the slot; the
	// holder-set bitmap records which receivers still hold it.
	StatePublishedTracked
	// StateReclaimable means no receiver holds it any longer; the
	// server may re-use it (but hasn't yet transitioned it to Free).
	StateReclaimable
)

// Descriptor is one fixed-size shared-memory slot plus its bookkeeping.
// Payload and the global-visibility flag are both views into the
// shared region; everything else is local-memory bookkeeping private
// to this Manager instance.
type Descriptor struct {
	Payload []byte // view into the shared region for this slot

	visible *uint32 // GVF: carved out of the shared region, not a struct field

	mu              sync.Mutex
	state           State
	holders         *bitset.BitSet
	generation      uint64 // bumped on every checkout; backs Token's abort-on-reuse check
	checkedOut      bool
	debugMetadata   []byte // optional, diagnostics only; queried via gjson (see diagnostics.go)
}

// Visible reports the slot's global-visibility flag with acquire
// semantics, matching the protocol's ReceiveSlot wait-for-visibility step.
func (d *Descriptor) Visible() bool { return atomic.LoadUint32(d.visible) != 0 }

func (d *Descriptor) setVisible(v bool) {
	if v {
		atomic.StoreUint32(d.visible, 1) // release: must precede the index publish
	} else {
		atomic.StoreUint32(d.visible, 0)
	}
}

// State returns the slot's current ownership state.
func (d *Descriptor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Token is a move-only permit proving unique access to one slot. Go has
// no linear types, so uniqueness is enforced the way the protocol
// suggests for non-linear target languages: a generation counter that
// the manager checks on every use. Reusing a Token after it has been
// returned — or fabricating one — aborts the program
// ("API misuse ... fatal program abort").
type Token struct {
	index      uint32
	generation uint64
	writable   bool
}

// Index identifies which slot this token guards.
func (t Token) Index() uint32 { return t.index }

// Manager owns the fixed array of slot descriptors. A server-side
// Manager IsManagingWritableSlotDescriptors (it issues write-capable
// tokens); a client-side Manager is read-only.
type Manager struct {
	mu       sync.Mutex
	writable bool
	slots    []*Descriptor
	maxSlots int
	slotSize int
	region   []byte
}

// New creates a Manager over region, partitioned into maxSlots slots of
// slotSize bytes each. writable distinguishes the server-side
// (read-write) instance from a client-side (read-only) one.
func New(region []byte, maxSlots, slotSize int, writable bool) *Manager {
	if maxSlots < 1 || maxSlots > 1<<32-1 {
		panic("slot: number-of-slots must be in [1, 2^32-1]")
	}
	if slotSize <= visibilityHeaderSize {
		panic("slot: slotSize must be larger than the visibility header")
	}
	if slotSize%visibilityHeaderSize != 0 {
		panic("slot: slotSize must be a multiple of the visibility header width")
	}
	if len(region) < maxSlots*slotSize {
		panic("slot: region too small for maxSlots*slotSize")
	}
	return &Manager{writable: writable, maxSlots: maxSlots, slotSize: slotSize, region: region}
}

// IsManagingWritableSlotDescriptors distinguishes server (read-write)
// from client (read-only) instances.
func (m *Manager) IsManagingWritableSlotDescriptors() bool { return m.writable }

// AddSlot appends one descriptor backed by the next slotSize-byte
// window of region, until maxSlots is reached.
func (m *Manager) AddSlot() (handle uint32, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.slots) >= m.maxSlots {
		return 0, false
	}
	idx := len(m.slots)
	start := idx * m.slotSize
	d := &Descriptor{
		Payload: m.region[start+visibilityHeaderSize : start+m.slotSize],
		visible: (*uint32)(unsafe.Pointer(&m.region[start])),
		holders: bitset.New(0),
	}
	m.slots = append(m.slots, d)
	return uint32(idx), true
}

// GetSlotHandleForIndex validates idx and returns it as a handle.
func (m *Manager) GetSlotHandleForIndex(idx uint32) (handle uint32, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(idx) >= len(m.slots) {
		return 0, false
	}
	return idx, true
}

// GetSlotDescriptor resolves a handle to its Descriptor.
func (m *Manager) GetSlotDescriptor(handle uint32) (*Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(handle) >= len(m.slots) {
		return nil, false
	}
	return m.slots[handle], true
}

// GetSlotDescriptorForToken resolves a Token to its Descriptor, or
// aborts if the token does not match the slot's current generation
// (stale/double-used token — the protocol API misuse).
func (m *Manager) GetSlotDescriptorForToken(t Token) *Descriptor {
	d, ok := m.GetSlotDescriptor(t.index)
	if !ok {
		panic("slot: token refers to an unknown slot index")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.checkedOut || d.generation != t.generation {
		panic("slot: token is stale or already returned (double-use)")
	}
	return d
}

// GetSlotAccessToken checks out handle exclusively, returning ok=false
// (not a panic: this is a normal contention outcome, not misuse) if a
// token for it is already checked out.
func (m *Manager) GetSlotAccessToken(handle uint32) (Token, bool) {
	d, ok := m.GetSlotDescriptor(handle)
	if !ok {
		panic("slot: GetSlotAccessToken on an unknown handle")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.checkedOut {
		return Token{}, false
	}
	d.checkedOut = true
	d.generation++
	return Token{index: handle, generation: d.generation, writable: m.writable}, true
}

// ReturnSlotAccessToken returns t, making the slot checkoutable again.
// Returning an already-returned or foreign token aborts.
func (m *Manager) ReturnSlotAccessToken(t Token) {
	d, ok := m.GetSlotDescriptor(t.index)
	if !ok {
		panic("slot: ReturnSlotAccessToken on an unknown slot index")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.checkedOut || d.generation != t.generation {
		panic("slot: ReturnSlotAccessToken called with a stale or duplicate token")
	}
	d.checkedOut = false
}

// NumSlots returns how many slots have been added so far.
func (m *Manager) NumSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
