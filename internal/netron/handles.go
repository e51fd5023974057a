package netron

import (
	"fmt"
	"sync"
)

// handleReply is what a Get dispatch returns when the member produced a
// context. It crosses the wire as the child definition.
type handleReply struct {
	def Definition
}

type handleRef struct {
	stub *Stub
	refs int
}

// handles holds contexts handed out as member results, keyed by their
// child definition id. Each handed-out reference is matched by a release;
// the child stub is detached when the last one goes.
type handles struct {
	node string
	next func() uint64

	mu   sync.Mutex
	byID map[uint64]*handleRef
}

func newHandles(node string, next func() uint64) *handles {
	return &handles{node: node, next: next, byID: make(map[uint64]*handleRef)}
}

// open registers instance as a child of parent, reached through member.
// Handing out the same instance under the same parent reuses its definition.
func (h *handles) open(parent Definition, member string, instance Context) (Definition, error) {
	s := instance.Surface()
	if s == nil {
		return Definition{}, fmt.Errorf("%w: %s.%s returned %T without a surface", ErrInvalidArgument, parent.Name, member, instance)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.byID {
		if r.stub.def.ParentID == parent.ID && sameInstance(r.stub.instance, instance) {
			r.refs++
			return r.stub.def, nil
		}
	}
	def := newDefinition(h.next(), parent.ID, parent.Name+"."+member, s)
	h.byID[def.ID] = &handleRef{stub: newStub(h.node, def, instance, s, nil), refs: 1}
	return def, nil
}

func (h *handles) stub(id uint64) (*Stub, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.byID[id]
	if !ok {
		return nil, false
	}
	return r.stub, true
}

// release drops one reference to id and reports whether id was a handle.
func (h *handles) release(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.byID[id]
	if !ok {
		return false
	}
	r.refs--
	if r.refs == 0 {
		delete(h.byID, id)
		r.stub.detach()
	}
	return true
}

func (h *handles) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.byID {
		n += r.refs
	}
	return n
}

func (h *handles) drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.byID {
		r.stub.detach()
		delete(h.byID, id)
	}
}

// wrap turns a context returned by parent's member into a handle.
// Interfaces cannot be passed back as results.
func (h *handles) wrap(parent Definition, member string, result any) (any, error) {
	switch v := result.(type) {
	case *Interface:
		return nil, fmt.Errorf("%w: %s.%s returned an interface", ErrInvalidArgument, parent.Name, member)
	case Context:
		def, err := h.open(parent, member, v)
		if err != nil {
			return nil, err
		}
		return handleReply{def: def}, nil
	}
	return result, nil
}
