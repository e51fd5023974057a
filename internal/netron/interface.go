package netron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// invoker reaches the stub behind an Interface.
type invoker interface {
	invoke(ctx context.Context, defID uint64, member string, args []any) (any, error)
	assign(ctx context.Context, defID uint64, member string, value any) error
}

// Interface is a caller-side handle on a context owned by a peer. Handles are
// reference counted per peer; each QueryInterface must be matched by a
// ReleaseInterface.
type Interface struct {
	def      Definition
	via      invoker
	released atomic.Bool
}

func (i *Interface) Definition() Definition {
	return i.def
}

func (i *Interface) Name() string {
	return i.def.Name
}

// Call invokes a method.
func (i *Interface) Call(ctx context.Context, method string, args ...any) (any, error) {
	if err := i.usable(); err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	return i.via.invoke(ctx, i.def.ID, method, args)
}

// Get reads a property.
func (i *Interface) Get(ctx context.Context, property string) (any, error) {
	if err := i.usable(); err != nil {
		return nil, err
	}
	return i.via.invoke(ctx, i.def.ID, property, nil)
}

// Set writes a property.
func (i *Interface) Set(ctx context.Context, property string, value any) error {
	if err := i.usable(); err != nil {
		return err
	}
	return i.via.assign(ctx, i.def.ID, property, value)
}

func (i *Interface) usable() error {
	if i.released.Load() {
		return fmt.Errorf("%w: interface %q released", ErrInvalidArgument, i.def.Name)
	}
	return nil
}

type ifaceRef struct {
	iface *Interface
	refs  int
}

// interfaces is a peer's table of handed-out interfaces keyed by
// definition id.
type interfaces struct {
	mu   sync.Mutex
	refs map[uint64]*ifaceRef
}

func newInterfaces() *interfaces {
	return &interfaces{refs: make(map[uint64]*ifaceRef)}
}

func (t *interfaces) acquire(def Definition, via invoker) *Interface {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.refs[def.ID]; ok {
		r.refs++
		return r.iface
	}
	iface := &Interface{def: def, via: via}
	t.refs[def.ID] = &ifaceRef{iface: iface, refs: 1}
	return iface
}

// release drops one reference to v. It fails with ErrInvalidArgument when v
// is not an Interface this table handed out.
func (t *interfaces) release(v any) (*Interface, error) {
	iface, ok := v.(*Interface)
	if !ok || iface == nil {
		return nil, fmt.Errorf("%w: %T is not an interface", ErrInvalidArgument, v)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[iface.def.ID]
	if !ok || r.iface != iface {
		return nil, fmt.Errorf("%w: interface %q not held by this peer", ErrInvalidArgument, iface.def.Name)
	}
	r.refs--
	if r.refs == 0 {
		delete(t.refs, iface.def.ID)
		iface.released.Store(true)
	}
	return iface, nil
}

func (t *interfaces) count(defID uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.refs[defID]; ok {
		return r.refs
	}
	return 0
}

// drop forgets every handle and marks them released.
func (t *interfaces) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, r := range t.refs {
		r.iface.released.Store(true)
		delete(t.refs, id)
	}
}
