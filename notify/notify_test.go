package notify

import (
	"sync"
	"testing"
	"time"
)

func TestPipeChannelFIFOOrdering(t *testing.T) {
	ch, err := NewPipeChannel()
	if err != nil {
		t.Fatalf("NewPipeChannel: %v", err)
	}
	defer ch.Close()

	var mu sync.Mutex
	var got []Value
	done := make(chan struct{})
	ch.SetReceiveCallback(func(v Value) {
		mu.Lock()
		got = append(got, v)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	for _, v := range []Value{5, 10, 249} {
		if err := ch.Send(v); err != nil {
			t.Fatalf("send %d: %v", v, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notifications")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != 5 || got[1] != 10 || got[2] != 249 {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestValidateUserValueBoundary(t *testing.T) {
	ValidateUserValue(249) // must not panic

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for reserved value 250")
		}
	}()
	ValidateUserValue(250)
}

func TestSendResourceExhaustedWhenQueueSaturated(t *testing.T) {
	ch, err := NewPipeChannel()
	if err != nil {
		t.Fatalf("NewPipeChannel: %v", err)
	}
	defer ch.Close()

	// Simulate a saturated FIFO directly (white-box): the dispatch
	// goroutine normally drains faster than any test could fill it, so
	// this exercises the capacity guard the protocol requires without
	// depending on scheduler timing.
	ch.mu.Lock()
	for i := 0; i < pipeCapacity; i++ {
		ch.queue = append(ch.queue, Value(i%250))
	}
	ch.mu.Unlock()

	if err := ch.Send(1); err == nil {
		t.Fatal("expected resource-exhausted error once capacity is exceeded")
	}
}
