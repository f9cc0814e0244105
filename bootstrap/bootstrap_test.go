package bootstrap

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/autocore-ipc/safeipc/conn"
	"github.com/autocore-ipc/safeipc/shm"
)

func TestHandshakeRoundTripOverUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safeipc.sock")
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan HandshakeMessage, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer c.Close()
		msg, err := ReadHandshake(c)
		if err != nil {
			t.Errorf("ReadHandshake: %v", err)
			return
		}
		accepted <- msg
	}()

	c, err := Dial(path, 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	want := HandshakeMessage{
		Version:    1,
		Local:      conn.Address{Domain: 1, Port: 1},
		Peer:       conn.Address{Domain: 1, Port: 2},
		C2SHint:    65536,
		S2CHint:    65536,
		SendHandle: shm.Handle{Name: "a", Size: 4096},
		RecvHandle: shm.Handle{Name: "b", Size: 4096},
		Identity:   conn.PeerIdentity{ProcessID: 7},
	}
	if err := WriteHandshake(c, want); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}

	select {
	case got := <-accepted:
		if got != want {
			t.Fatalf("got %+v want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestDialFailsAfterExhaustingAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-listener.sock")
	if _, err := Dial(path, 2, time.Millisecond); err == nil {
		t.Fatal("expected Dial to fail when nothing is listening")
	}
}
