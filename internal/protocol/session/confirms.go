package session

import (
	"context"
	"sync"

	"github.com/danmuck/netwire/internal/observability"
	"github.com/danmuck/netwire/internal/protocol"
)

// Confirmation is a publisher confirm as seen by NotifyPublish listeners.
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool
}

// DeferredConfirmation resolves when the server confirms one publish.
type DeferredConfirmation struct {
	tag  uint64
	done chan struct{}
	ack  bool
	err  error
}

func (d *DeferredConfirmation) DeliveryTag() uint64 {
	return d.tag
}

// Done is closed once the confirm is resolved or the channel closes.
func (d *DeferredConfirmation) Done() <-chan struct{} {
	return d.done
}

// Acked reports the outcome. It is only meaningful after Done is closed.
func (d *DeferredConfirmation) Acked() bool {
	<-d.done
	return d.ack
}

// Wait blocks until the confirm resolves, ctx ends, or the channel closes.
func (d *DeferredConfirmation) Wait(ctx context.Context) (bool, error) {
	select {
	case <-d.done:
		return d.ack, d.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// confirms tracks outstanding publisher confirms.
//
// lwm is the lowest unresolved delivery tag. Acks may arrive for any tag, but
// resolution is published strictly in tag order: a confirm above lwm is parked
// until every lower tag is resolved, then lwm advances past the contiguous run
// and each parked confirm fires exactly once.
type confirms struct {
	mu        sync.Mutex
	next      uint64
	lwm       uint64
	pending   map[uint64]*DeferredConfirmation
	resolved  map[uint64]bool
	listeners []chan Confirmation
	closed    bool
}

func newConfirms() *confirms {
	return &confirms{
		next:     1,
		lwm:      1,
		pending:  make(map[uint64]*DeferredConfirmation),
		resolved: make(map[uint64]bool),
	}
}

// publish allocates the next delivery tag.
func (c *confirms) publish() *DeferredConfirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := &DeferredConfirmation{tag: c.next, done: make(chan struct{})}
	if c.closed {
		d.err = protocol.ErrClosed
		close(d.done)
		return d
	}
	c.pending[c.next] = d
	c.next++
	return d
}

// unpublish releases a tag whose frames were never written. Only the most
// recently allocated tag can be released.
func (c *confirms) unpublish(d *DeferredConfirmation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.tag == c.next-1 && c.pending[d.tag] == d {
		delete(c.pending, d.tag)
		c.next--
	}
}

// confirm records an ack or nack from the server. Tags at or below lwm, or
// never published, are ignored.
func (c *confirms) confirm(tag uint64, multiple, ack bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if multiple {
		for t := c.lwm; t <= tag && t < c.next; t++ {
			if _, done := c.resolved[t]; !done {
				c.resolved[t] = ack
			}
		}
	} else if tag >= c.lwm && tag < c.next {
		if _, done := c.resolved[tag]; !done {
			c.resolved[tag] = ack
		}
	}
	c.advance()
}

func (c *confirms) advance() {
	for c.lwm < c.next {
		ack, ok := c.resolved[c.lwm]
		if !ok {
			return
		}
		delete(c.resolved, c.lwm)
		if d := c.pending[c.lwm]; d != nil {
			delete(c.pending, c.lwm)
			d.ack = ack
			close(d.done)
		}
		observability.RecordConfirm(ack)
		for _, l := range c.listeners {
			l <- Confirmation{DeliveryTag: c.lwm, Ack: ack}
		}
		c.lwm++
	}
}

// lowWaterMark returns the lowest delivery tag not yet confirmed.
func (c *confirms) lowWaterMark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lwm
}

func (c *confirms) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.next - c.lwm)
}

// unresolved snapshots every pending confirm in tag order.
func (c *confirms) unresolved() []*DeferredConfirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*DeferredConfirmation, 0, len(c.pending))
	for t := c.lwm; t < c.next; t++ {
		if d := c.pending[t]; d != nil {
			out = append(out, d)
		}
	}
	return out
}

func (c *confirms) listen(l chan Confirmation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(l)
		return
	}
	c.listeners = append(c.listeners, l)
}

// close fails every pending confirm with err and closes listeners.
func (c *confirms) close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for t, d := range c.pending {
		d.err = err
		close(d.done)
		delete(c.pending, t)
	}
	for _, l := range c.listeners {
		close(l)
	}
	c.listeners = nil
}
