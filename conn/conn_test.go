package conn

import (
	"testing"
	"time"

	"github.com/autocore-ipc/safeipc/notify"
	"github.com/autocore-ipc/safeipc/reactor"
	"github.com/autocore-ipc/safeipc/ring"
	"github.com/autocore-ipc/safeipc/safeipcerr"
)

// pipePair wires two Connections back to back over two shared byte
// slices, swapping send/recv so each side's send ring is the other's
// receive ring, and an in-process notify.NewLocalPair OOB link.
func pipePair(t *testing.T, ringSize int) (a, b *Connection, loopA, loopB *reactor.Loop) {
	t.Helper()
	ab := make([]byte, ringSize) // A -> B
	ba := make([]byte, ringSize) // B -> A

	loopA = reactor.NewLoop()
	loopB = reactor.NewLoop()

	oobA, oobB := notify.NewLocalPair()

	addrA := Address{Domain: 1, Port: 1}
	addrB := Address{Domain: 1, Port: 2}

	a = New(addrA, addrB, loopA, oobA, ring.New(ab), ring.New(ba), false, 0)
	b = New(addrB, addrA, loopB, oobB, ring.New(ba), ring.New(ab), true, 0)
	return a, b, loopA, loopB
}

func connectBoth(t *testing.T, a, b *Connection) {
	t.Helper()
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	a.ConnectAsync(PeerIdentity{ProcessID: 100}, ProtocolVersion, 4096, 4096, func(err error) { doneA <- err })
	b.ConnectAsync(PeerIdentity{ProcessID: 200}, ProtocolVersion, 4096, 4096, func(err error) { doneB <- err })
	select {
	case err := <-doneA:
		if err != nil {
			t.Fatalf("a.ConnectAsync: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a to connect")
	}
	select {
	case err := <-doneB:
		if err != nil {
			t.Fatalf("b.ConnectAsync: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for b to connect")
	}
}

func TestConnectAsyncReachesConnected(t *testing.T) {
	a, b, loopA, loopB := pipePair(t, 4096)
	defer loopA.Close()
	defer loopB.Close()
	connectBoth(t, a, b)

	if a.State() != StateConnected || b.State() != StateConnected {
		t.Fatalf("expected both connected, got a=%v b=%v", a.State(), b.State())
	}
}

func TestSendSyncReceiveSyncEchoOneByte(t *testing.T) {
	a, b, loopA, loopB := pipePair(t, 4096)
	defer loopA.Close()
	defer loopB.Close()
	connectBoth(t, a, b)

	if err := a.SendSync([]byte{0x42}); err != nil {
		t.Fatalf("SendSync: %v", err)
	}

	out := make([]byte, 16)
	n, err := receiveSyncRetry(t, b, out)
	if err != nil {
		t.Fatalf("ReceiveSync: %v", err)
	}
	if n != 1 || out[0] != 0x42 {
		t.Fatalf("got n=%d out[0]=%x", n, out[0])
	}
}

// receiveSyncRetry polls ReceiveSync, tolerating KindBusy the way a
// caller that never blocks must: ReceiveSync itself performs exactly
// one non-blocking attempt per call.
func receiveSyncRetry(t *testing.T, c *Connection, out []byte) (int, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := c.ReceiveSync(out)
		if err == nil {
			return n, nil
		}
		if e, ok := err.(*safeipcerr.Error); !ok || e.Kind != safeipcerr.KindBusy {
			return n, err
		}
		if time.Now().After(deadline) {
			return n, err
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSequenceWrapOverManyMessages(t *testing.T) {
	a, b, loopA, loopB := pipePair(t, 1<<16)
	defer loopA.Close()
	defer loopB.Close()
	connectBoth(t, a, b)

	const n = 70000
	recv := make(chan byte, n)
	go func() {
		out := make([]byte, 8)
		for i := 0; i < n; i++ {
			m, err := receiveSyncRetry(t, b, out)
			if err != nil || m != 1 {
				t.Errorf("ReceiveSync[%d]: n=%d err=%v", i, m, err)
				return
			}
			recv <- out[0]
		}
	}()

	for i := 0; i < n; i++ {
		if err := a.SendSync([]byte{byte(i)}); err != nil {
			t.Fatalf("SendSync[%d]: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-recv:
			if got != byte(i) {
				t.Fatalf("message %d: got %x want %x", i, got, byte(i))
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestSendSyncReturnsBusyWhenRingFullWithoutBlocking(t *testing.T) {
	a, b, loopA, loopB := pipePair(t, 128)
	defer loopA.Close()
	defer loopB.Close()
	connectBoth(t, a, b)

	payload := make([]byte, 20)
	var sawBusy bool
	for i := 0; i < 20; i++ {
		start := time.Now()
		err := a.SendSync(payload)
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			t.Fatalf("SendSync took %v; it must never wait on the peer", elapsed)
		}
		if err != nil {
			if e, ok := err.(*safeipcerr.Error); !ok || e.Kind != safeipcerr.KindBusy {
				t.Fatalf("expected KindBusy, got %v", err)
			}
			sawBusy = true
			break
		}
	}
	if !sawBusy {
		t.Fatal("expected SendSync to eventually report busy against a small ring")
	}

	out := make([]byte, 32)
	for i := 0; i < 20; i++ {
		if _, err := b.ReceiveSync(out); err != nil {
			break
		}
	}
}

func TestBackpressureReturnsBusyWhenRingFull(t *testing.T) {
	a, b, loopA, loopB := pipePair(t, 128)
	defer loopA.Close()
	defer loopB.Close()
	connectBoth(t, a, b)

	payload := make([]byte, 20)
	var sawBusy bool
	for i := 0; i < 20; i++ {
		if err := a.Send(payload); err != nil {
			sawBusy = true
			break
		}
	}
	if !sawBusy {
		t.Fatal("expected Send to eventually report busy against a small ring")
	}

	out := make([]byte, 32)
	for i := 0; i < 20; i++ {
		if _, err := b.ReceiveSync(out); err != nil {
			break
		}
	}
}

func TestReceiveSyncReturnsBusyWhenNothingPending(t *testing.T) {
	a, b, loopA, loopB := pipePair(t, 4096)
	defer loopA.Close()
	defer loopB.Close()
	connectBoth(t, a, b)

	out := make([]byte, 16)
	_, err := b.ReceiveSync(out)
	if e, ok := err.(*safeipcerr.Error); !ok || e.Kind != safeipcerr.KindBusy {
		t.Fatalf("expected KindBusy on an empty ring, got %v", err)
	}
}

func TestReceiveSyncTruncatesOversizedMessage(t *testing.T) {
	a, b, loopA, loopB := pipePair(t, 4096)
	defer loopA.Close()
	defer loopB.Close()
	connectBoth(t, a, b)

	msg := []byte("safeipc-truncation-test")
	if err := a.SendSync(msg); err != nil {
		t.Fatalf("SendSync: %v", err)
	}

	out := make([]byte, 4)
	n, err := receiveSyncRetry(t, b, out)
	if e, ok := err.(*safeipcerr.Error); !ok || e.Kind != safeipcerr.KindSize {
		t.Fatalf("expected KindSize truncation error, got %v", err)
	}
	if n != len(out) || string(out) != string(msg[:len(out)]) {
		t.Fatalf("expected truncated prefix %q, got %q (n=%d)", msg[:len(out)], out, n)
	}

	// the oversized frame must still have been fully drained, leaving
	// the ring ready for the next message.
	if err := a.SendSync([]byte{0x7}); err != nil {
		t.Fatalf("SendSync after truncation: %v", err)
	}
	out2 := make([]byte, 1)
	n2, err := receiveSyncRetry(t, b, out2)
	if err != nil || n2 != 1 || out2[0] != 0x7 {
		t.Fatalf("expected clean receive after truncated frame: n=%d err=%v out=%v", n2, err, out2)
	}
}

func TestConnectAsyncVersionMismatchIsProtocolError(t *testing.T) {
	a, _, loopA, loopB := pipePair(t, 4096)
	defer loopA.Close()
	defer loopB.Close()

	done := make(chan error, 1)
	a.ConnectAsync(PeerIdentity{ProcessID: 1}, ProtocolVersion+1, 4096, 4096, func(err error) { done <- err })

	select {
	case err := <-done:
		if e, ok := err.(*safeipcerr.Error); !ok || e.Kind != safeipcerr.KindProtocol {
			t.Fatalf("expected KindProtocol on version mismatch, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConnectAsync completion")
	}
	if a.State() != StateProtocolError {
		t.Fatalf("expected StateProtocolError, got %v", a.State())
	}
}

func TestConnectAsyncNegotiatesBufferSizeBounds(t *testing.T) {
	const serverCap = 1 << 16 // below the requested s2c hint

	ab := make([]byte, 1<<20)
	ba := make([]byte, 1<<20)
	loopA := reactor.NewLoop()
	loopB := reactor.NewLoop()
	defer loopA.Close()
	defer loopB.Close()
	oobA, oobB := notify.NewLocalPair()
	addrA := Address{Domain: 1, Port: 1}
	addrB := Address{Domain: 1, Port: 2}

	// a is the client and b the server; both are constructed with the
	// server's declared cap on the s2c direction, which the client applies
	// to its receive side and the server to its send side.
	a := New(addrA, addrB, loopA, oobA, ring.New(ab), ring.New(ba), false, serverCap)
	b := New(addrB, addrA, loopB, oobB, ring.New(ba), ring.New(ab), true, serverCap)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	// requests a tiny c2s hint (raised to the platform minimum) and an
	// s2c hint above the server's declared cap (clamped down to it).
	a.ConnectAsync(PeerIdentity{ProcessID: 1}, ProtocolVersion, 1, 1<<19, func(err error) { doneA <- err })
	b.ConnectAsync(PeerIdentity{ProcessID: 2}, ProtocolVersion, 1, 1<<19, func(err error) { doneB <- err })
	if err := <-doneA; err != nil {
		t.Fatalf("a.ConnectAsync: %v", err)
	}
	if err := <-doneB; err != nil {
		t.Fatalf("b.ConnectAsync: %v", err)
	}

	if got := a.GetSendBufferSize(); got != int(PlatformMinBufferSize) {
		t.Fatalf("expected client send size raised to platform minimum, got %d", got)
	}
	if got := a.GetReceiveBufferSize(); got != serverCap {
		t.Fatalf("expected client receive size clamped to server cap %d, got %d", serverCap, got)
	}
	if got := b.GetSendBufferSize(); got != serverCap {
		t.Fatalf("expected server send size clamped to its own declared cap %d, got %d", serverCap, got)
	}
}

func TestOrderlyCloseObservedByPeer(t *testing.T) {
	a, b, loopA, loopB := pipePair(t, 4096)
	defer loopA.Close()
	defer loopB.Close()
	connectBoth(t, a, b)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.State() == StateClosed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected peer to observe orderly close, state=%v", b.State())
}
