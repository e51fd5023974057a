package netron

import "context"

// Peer is the contract shared by the local node (OwnPeer) and a connected
// node (RemotePeer).
type Peer interface {
	ID() string
	AttachContext(ctx context.Context, instance Context, name string) (uint64, error)
	DetachContext(ctx context.Context, name string) error
	HasContext(name string) bool
	ContextNames() []string
	QueryInterface(ctx context.Context, name string) (*Interface, error)
	// ReleaseInterface drops one reference. Values that are not an
	// Interface acquired from this peer fail with ErrInvalidArgument.
	ReleaseInterface(ctx context.Context, iface any) error
	RunTask(ctx context.Context, calls ...TaskCall) (map[string]TaskResult, error)
	Subscribe(event string, h Handler) (unsubscribe func())
}

var (
	_ Peer = (*OwnPeer)(nil)
	_ Peer = (*RemotePeer)(nil)
)

// OwnPeer is the node seen as a peer of itself. Calls never leave the
// process.
type OwnPeer struct {
	node    *Node
	ifaces  *interfaces
	handles *handles
}

func (p *OwnPeer) ID() string {
	return p.node.ID()
}

func (p *OwnPeer) AttachContext(_ context.Context, instance Context, name string) (uint64, error) {
	return p.node.AttachContext(instance, name)
}

func (p *OwnPeer) DetachContext(_ context.Context, name string) error {
	return p.node.DetachContext(name)
}

func (p *OwnPeer) HasContext(name string) bool {
	return p.node.HasContext(name)
}

func (p *OwnPeer) ContextNames() []string {
	return p.node.ContextNames()
}

func (p *OwnPeer) QueryInterface(_ context.Context, name string) (*Interface, error) {
	stub, err := p.node.stubByName(name)
	if err != nil {
		return nil, err
	}
	return p.ifaces.acquire(stub.Definition(), p), nil
}

func (p *OwnPeer) ReleaseInterface(_ context.Context, iface any) error {
	released, err := p.ifaces.release(iface)
	if err != nil {
		return err
	}
	p.handles.release(released.def.ID)
	return nil
}

func (p *OwnPeer) RunTask(ctx context.Context, calls ...TaskCall) (map[string]TaskResult, error) {
	return p.node.runTasks(ctx, p, calls)
}

func (p *OwnPeer) Subscribe(event string, h Handler) func() {
	return p.node.events.subscribe(event, h)
}

func (p *OwnPeer) invoke(ctx context.Context, defID uint64, member string, args []any) (any, error) {
	stub, err := p.stub(defID)
	if err != nil {
		return nil, err
	}
	result, err := stub.Get(ctx, member, args)
	if err != nil {
		return nil, err
	}
	result, err = p.handles.wrap(stub.def, member, result)
	if h, ok := result.(handleReply); ok {
		return p.ifaces.acquire(h.def, p), nil
	}
	return result, err
}

func (p *OwnPeer) assign(ctx context.Context, defID uint64, member string, value any) error {
	stub, err := p.stub(defID)
	if err != nil {
		return err
	}
	return stub.Set(ctx, member, value)
}

func (p *OwnPeer) stub(id uint64) (*Stub, error) {
	if s, ok := p.handles.stub(id); ok {
		return s, nil
	}
	return p.node.stubByID(id)
}
