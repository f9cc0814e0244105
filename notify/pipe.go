package notify

import (
	"os"
	"sync"

	"github.com/autocore-ipc/safeipc/safeipcerr"
)

// pipeCapacity mirrors eventfdCapacity for the portable fallback.
const pipeCapacity = 4096

// PipeChannel is a notify.Channel backed by a stdlib os.Pipe, used on
// platforms without eventfd and in tests. Semantics match EventFD
// exactly: an internal FIFO plus a wakeup byte per Send.
type PipeChannel struct {
	r, w *os.File

	mu     sync.Mutex
	queue  []Value
	cb     func(Value)
	closed bool
}

// NewPipeChannel creates a PipeChannel and starts its dispatch goroutine.
func NewPipeChannel() (*PipeChannel, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, safeipcerr.New(safeipcerr.KindResource, "notify.NewPipeChannel", err)
	}
	p := &PipeChannel{r: r, w: w}
	go p.dispatchLoop()
	return p, nil
}

func (p *PipeChannel) Send(v Value) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return safeipcerr.New(safeipcerr.KindUninitialized, "PipeChannel.Send", nil)
	}
	if len(p.queue) >= pipeCapacity {
		p.mu.Unlock()
		return safeipcerr.New(safeipcerr.KindResource, "PipeChannel.Send", nil)
	}
	p.queue = append(p.queue, v)
	p.mu.Unlock()

	_, _ = p.w.Write([]byte{1})
	return nil
}

func (p *PipeChannel) SetReceiveCallback(cb func(Value)) {
	p.mu.Lock()
	p.cb = cb
	p.mu.Unlock()
}

func (p *PipeChannel) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.w.Close()
	return p.r.Close()
}

func (p *PipeChannel) dispatchLoop() {
	var buf [1]byte
	for {
		n, err := p.r.Read(buf[:])
		if n <= 0 && err != nil {
			return
		}
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			continue
		}
		v := p.queue[0]
		p.queue = p.queue[1:]
		cb := p.cb
		p.mu.Unlock()
		if cb != nil {
			cb(v)
		}
	}
}
