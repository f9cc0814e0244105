package router

import (
	"testing"

	"github.com/autocore-ipc/safeipc/slot"
	"github.com/autocore-ipc/safeipc/squeue"
)

const slotSize = 64

func newPair(t *testing.T, numSlots int) (*Server, *slot.Manager) {
	t.Helper()
	region := make([]byte, numSlots*slotSize)
	serverSlots := slot.New(region, numSlots, slotSize, true)
	for i := 0; i < numSlots; i++ {
		serverSlots.AddSlot()
	}
	srv := NewServer(serverSlots, 4, map[ClassHandle]int{"default": 2})

	clientSlots := slot.New(region, numSlots, slotSize, false)
	for i := 0; i < numSlots; i++ {
		clientSlots.AddSlot()
	}
	return srv, clientSlots
}

func TestAcquireSendReceiveRoundTrip(t *testing.T) {
	srv, clientSlots := newPair(t, 4)
	freeQ, availQ := squeue.New(4), squeue.New(4)
	rh, ok := srv.RegisterReceiver("default", freeQ, availQ)
	if !ok {
		t.Fatal("RegisterReceiver failed")
	}
	_ = rh

	cli := NewClient(clientSlots, freeQ, availQ)

	tok, ok := srv.AcquireSlot()
	if !ok {
		t.Fatal("AcquireSlot failed")
	}
	copy(srv.AccessSlotContent(tok), []byte("zero-copy-payload"))

	if _, err := srv.SendSlot(tok); err != nil {
		t.Fatalf("SendSlot: %v", err)
	}

	rtok, ok, err := cli.ReceiveSlot()
	if err != nil || !ok {
		t.Fatalf("ReceiveSlot: ok=%v err=%v", ok, err)
	}
	got := cli.AccessSlotContent(rtok)
	if string(got[:len("zero-copy-payload")]) != "zero-copy-payload" {
		t.Fatalf("payload mismatch: %q", got)
	}
	cli.ReleaseSlot(rtok)
}

func TestAcquireUnacquireLeavesSlotAsIfNeverAcquired(t *testing.T) {
	srv, _ := newPair(t, 2)
	tok, ok := srv.AcquireSlot()
	if !ok {
		t.Fatal("AcquireSlot failed")
	}
	srv.UnacquireSlot(tok)

	tok2, ok := srv.AcquireSlot()
	if !ok {
		t.Fatal("expected to reacquire the same pool after Unacquire")
	}
	srv.UnacquireSlot(tok2)
}

func TestReceiverClassBudgetDropsExcessSlots(t *testing.T) {
	srv, clientSlots := newPair(t, 8)
	freeQ, availQ := squeue.New(8), squeue.New(8)
	srv.RegisterReceiver("default", freeQ, availQ)
	cli := NewClient(clientSlots, freeQ, availQ)
	_ = cli

	var droppedOnThird DroppedInformation
	for i := 0; i < 3; i++ {
		tok, ok := srv.AcquireSlot()
		if !ok {
			t.Fatalf("AcquireSlot %d failed", i)
		}
		dropped, err := srv.SendSlot(tok)
		if err != nil {
			t.Fatalf("SendSlot %d: %v", i, err)
		}
		if i == 2 {
			droppedOnThird = dropped
		}
	}

	if len(droppedOnThird.Classes) != 1 || droppedOnThird.Classes[0] != "default" {
		t.Fatalf("expected the third publication to drop class 'default', got %+v", droppedOnThird)
	}
	if availQ.Len() != 2 {
		t.Fatalf("expected exactly 2 indices observed in the available queue, got %d", availQ.Len())
	}
}

func TestRemoveReceiverSweepsHolderBits(t *testing.T) {
	srv, _ := newPair(t, 2)
	freeQ, availQ := squeue.New(2), squeue.New(2)
	rh, _ := srv.RegisterReceiver("default", freeQ, availQ)

	tok, _ := srv.AcquireSlot()
	idx := tok.Index()
	d, _ := srv.slots.GetSlotDescriptor(idx)
	srv.SendSlot(tok)

	if !d.HasHolder(uint(rh)) {
		t.Fatal("expected receiver to be a holder after SendSlot")
	}

	srv.RemoveReceiver(rh, []*slot.Descriptor{d})

	if d.HasHolder(uint(rh)) {
		t.Fatal("expected RemoveReceiver to clear the holder bit")
	}
}
