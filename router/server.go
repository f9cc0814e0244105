package router

import (
	"sync"

	"github.com/tidwall/match"

	"github.com/autocore-ipc/safeipc/slot"
	"github.com/autocore-ipc/safeipc/squeue"
)

// Server is the Core B sender side: receiver registry, per-class rate
// limiting, and the send-slot/reclaim-slots/remove-receiver operations.
type Server struct {
	mu        sync.Mutex
	slots     *slot.Manager
	receivers []receiverEntry // fixed-size table, index == ReceiverHandle
	classes   map[ClassHandle]*classBucket
}

// NewServer creates a Server over slots (a writable slot.Manager),
// sized for maxReceivers, with the given per-class budgets.
func NewServer(slots *slot.Manager, maxReceivers int, classBudgets map[ClassHandle]int) *Server {
	if !slots.IsManagingWritableSlotDescriptors() {
		panic("router: Server requires a writable slot.Manager")
	}
	classes := make(map[ClassHandle]*classBucket, len(classBudgets))
	for c, b := range classBudgets {
		classes[c] = &classBucket{budget: b}
	}
	return &Server{
		slots:     slots,
		receivers: make([]receiverEntry, maxReceivers),
		classes:   classes,
	}
}

// CanRegisterReceiver reports whether the fixed receiver table has a
// free slot.
func (s *Server) CanRegisterReceiver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.receivers {
		if !s.receivers[i].present {
			return true
		}
	}
	return false
}

// RegisterReceiver assigns handle with a unique index in
// [0, maxReceivers) to a new receiver of the given class, wired to
// freeQ/availQ.
func (s *Server) RegisterReceiver(class ClassHandle, freeQ, availQ *squeue.Queue) (ReceiverHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.receivers {
		if !s.receivers[i].present {
			s.receivers[i] = receiverEntry{
				handle: ReceiverHandle(i), class: class,
				freeQ: freeQ, availQ: availQ,
				state: ConnStateOK, present: true,
			}
			return ReceiverHandle(i), true
		}
	}
	return 0, false
}

// GetReceiverConnectionState reports a receiver's observed health.
func (s *Server) GetReceiverConnectionState(h ReceiverHandle) (ConnState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(h) >= len(s.receivers) || !s.receivers[h].present {
		return 0, false
	}
	return s.receivers[h].state, true
}

// SetCommunicationError latches a receiver as unusable; the server must
// never again push/pop its queues.
func (s *Server) SetCommunicationError(h ReceiverHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(h) < len(s.receivers) && s.receivers[h].present {
		s.receivers[h].state = ConnStateProtocolError
	}
}

// RemoveReceiver marks h absent and sweeps any slot whose last holder
// was h, clearing the holders' global-visibility flag where the slot is
// now unreferenced. Local bookkeeping is cleared first, then shared
// memory is swept in a single pass.
func (s *Server) RemoveReceiver(h ReceiverHandle, allSlots []*slot.Descriptor) {
	s.mu.Lock()
	if int(h) >= len(s.receivers) || !s.receivers[h].present {
		s.mu.Unlock()
		return
	}
	s.receivers[h] = receiverEntry{} // local bookkeeping cleared first
	s.mu.Unlock()

	for _, d := range allSlots {
		if d.HasHolder(uint(h)) {
			d.ClearHolder(uint(h))
		}
	}
}

// AcquireSlot finds an unused slot, flips it to owned-by-server, and
// hands back its token. No shared-memory traffic beyond the payload
// window itself.
func (s *Server) AcquireSlot() (slot.Token, bool) {
	n := s.slots.NumSlots()
	for i := 0; i < n; i++ {
		handle, _ := s.slots.GetSlotHandleForIndex(uint32(i))
		tok, ok := s.slots.GetSlotAccessToken(handle)
		if ok {
			d, _ := s.slots.GetSlotDescriptor(handle)
			if d.HolderCount() > 0 {
				// still published to at least one receiver
				s.slots.ReturnSlotAccessToken(tok)
				continue
			}
			d.SetOwnedByServer()
			return tok, true
		}
	}
	return slot.Token{}, false
}

// UnacquireSlot reverses AcquireSlot without publishing.
func (s *Server) UnacquireSlot(t slot.Token) {
	d := s.slots.GetSlotDescriptorForToken(t)
	d.SetFree()
	s.slots.ReturnSlotAccessToken(t)
}

// AccessSlotContent returns a writable view over the slot payload,
// valid until t is consumed by SendSlot or returned via UnacquireSlot.
func (s *Server) AccessSlotContent(t slot.Token) []byte {
	return s.slots.GetSlotDescriptorForToken(t).Payload
}

// SendSlot publishes the slot t guards to every registered, non-errored
// receiver whose class still has budget: the global-visibility flag is
// set before pushing the index, the holder-set gains that receiver, and
// the class budget is decremented. For a
// class that is out of budget, the slot is dropped for every receiver
// in that class and the class is reported in DroppedInformation. The
// token is consumed either way.
func (s *Server) SendSlot(t slot.Token) (DroppedInformation, error) {
	d := s.slots.GetSlotDescriptorForToken(t)

	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped DroppedInformation
	droppedClasses := make(map[ClassHandle]bool)
	var firstErr error

	for i := range s.receivers {
		r := &s.receivers[i]
		if !r.present || r.state != ConnStateOK {
			continue
		}
		bucket := s.classes[r.class]
		if bucket != nil && bucket.inFlight >= bucket.budget {
			if !droppedClasses[r.class] {
				droppedClasses[r.class] = true
				dropped.Classes = append(dropped.Classes, r.class)
			}
			continue
		}

		d.MarkHolder(uint(r.handle)) // GVF set before the index is pushed
		if !r.availQ.Push(t.Index()) {
			r.state = ConnStateProtocolError
			d.ClearHolder(uint(r.handle))
			if firstErr == nil {
				firstErr = errProtocol("Server.SendSlot")
			}
			continue
		}
		if bucket != nil {
			bucket.inFlight++
		}
	}

	s.slots.ReturnSlotAccessToken(t)
	return dropped, firstErr
}

// ReclaimSlots pops every registered, non-errored receiver's free
// queue, clearing that receiver's holder bit for each popped index and
// replenishing the owning class's budget. A pop failure latches that
// receiver to protocol-error but processing continues for the rest.
func (s *Server) ReclaimSlots(allSlots []*slot.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for i := range s.receivers {
		r := &s.receivers[i]
		if !r.present || r.state != ConnStateOK {
			continue
		}
		for {
			idx, ok := r.freeQ.Pop()
			if !ok {
				break
			}
			if int(idx) >= len(allSlots) {
				r.state = ConnStateProtocolError
				if firstErr == nil {
					firstErr = errProtocol("Server.ReclaimSlots")
				}
				break
			}
			allSlots[idx].ClearHolder(uint(r.handle))
			if bucket := s.classes[r.class]; bucket != nil && bucket.inFlight > 0 {
				bucket.inFlight--
			}
		}
	}
	return firstErr
}

// ListReceivers returns the handles of present receivers whose class
// name matches the glob pattern (operational/diagnostic tooling; not on
// any data-path).
func (s *Server) ListReceivers(pattern string) []ReceiverHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReceiverHandle
	for i := range s.receivers {
		if s.receivers[i].present && match.Match(string(s.receivers[i].class), pattern) {
			out = append(out, s.receivers[i].handle)
		}
	}
	return out
}
