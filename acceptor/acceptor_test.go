package acceptor

import (
	"testing"
	"time"

	"github.com/autocore-ipc/safeipc/conn"
	"github.com/autocore-ipc/safeipc/notify"
	"github.com/autocore-ipc/safeipc/reactor"
	"github.com/autocore-ipc/safeipc/ring"
)

func handshake(local, peer conn.Address) PendingHandshake {
	oobA, _ := notify.NewLocalPair()
	return PendingHandshake{
		Local: local, Peer: peer,
		Identity:    conn.PeerIdentity{ProcessID: 42},
		PeerVersion: conn.ProtocolVersion,
		C2SHint:     4096,
		S2CHint:     4096,
		SendRing:    ring.New(make([]byte, 4096)),
		RecvRing:    ring.New(make([]byte, 4096)),
		OOB:         oobA,
	}
}

func TestAcceptAsyncAfterOfferCompletesImmediately(t *testing.T) {
	loop := reactor.NewLoop()
	defer loop.Close()
	a, err := Init(loop, 4, 4096)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := a.Offer(handshake(conn.Address{Port: 1}, conn.Address{Port: 2})); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	result := make(chan *conn.Connection, 1)
	if err := a.AcceptAsync(func(c *conn.Connection, err error) {
		if err != nil {
			t.Errorf("AcceptAsync completion error: %v", err)
			return
		}
		result <- c
	}); err != nil {
		t.Fatalf("AcceptAsync: %v", err)
	}

	select {
	case c := <-result:
		if c.State() != conn.StateConnected {
			t.Fatalf("expected accepted connection to be connected, got %v", c.State())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept completion")
	}
}

func TestOfferBeforeAcceptAsyncBacklogs(t *testing.T) {
	loop := reactor.NewLoop()
	defer loop.Close()
	a, _ := Init(loop, 2, 4096)

	if err := a.Offer(handshake(conn.Address{Port: 1}, conn.Address{Port: 2})); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if got := a.PendingCount(); got != 1 {
		t.Fatalf("expected 1 pending handshake, got %d", got)
	}
}

func TestBacklogRejectsBeyondCapacity(t *testing.T) {
	loop := reactor.NewLoop()
	defer loop.Close()
	a, _ := Init(loop, 1, 4096)

	if err := a.Offer(handshake(conn.Address{Port: 1}, conn.Address{Port: 2})); err != nil {
		t.Fatalf("first Offer: %v", err)
	}
	if err := a.Offer(handshake(conn.Address{Port: 1}, conn.Address{Port: 3})); err == nil {
		t.Fatal("expected second Offer to be rejected once backlog is full")
	}
}

func TestCloseFailsQueuedAcceptAsync(t *testing.T) {
	loop := reactor.NewLoop()
	defer loop.Close()
	a, _ := Init(loop, 2, 4096)

	errs := make(chan error, 1)
	if err := a.AcceptAsync(func(c *conn.Connection, err error) { errs <- err }); err != nil {
		t.Fatalf("AcceptAsync: %v", err)
	}
	a.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected Close to fail the pending AcceptAsync callback")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Close to fail the callback")
	}
}
