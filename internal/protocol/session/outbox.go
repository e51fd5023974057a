package session

import (
	"sync"

	"github.com/danmuck/netwire/internal/protocol"
)

// outbox is one channel's queue of encoded frame batches toward the
// connection writer. A batch is written contiguously, so a method and its
// content frames are never split by frames of the same channel.
type outbox struct {
	mu     sync.Mutex
	ch     chan [][]byte
	closed bool
}

func newOutbox() *outbox {
	return &outbox{ch: make(chan [][]byte)}
}

// send blocks until the writer mux has taken frames or done closes.
func (o *outbox) send(frames [][]byte, done <-chan struct{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return protocol.ErrClosed
	}
	select {
	case o.ch <- frames:
		return nil
	case <-done:
		return protocol.ErrClosed
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}
