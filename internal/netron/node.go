package netron

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sort"
	"sync"

	"github.com/danmuck/netwire/internal/logging"
	"github.com/danmuck/netwire/internal/netron/uid"
	"github.com/rs/zerolog"
)

// Node owns a set of attached contexts and the peers connected to it.
type Node struct {
	cfg    Config
	log    zerolog.Logger
	ids    uid.Generator
	tasks  *Tasks
	events *bus
	own    *OwnPeer

	// mu guards the context tables; attach and detach hold it for writing.
	mu     sync.RWMutex
	byName map[string]*Stub
	byID   map[uint64]*Stub

	peersMu sync.Mutex
	peers   map[string]*RemotePeer
	closed  bool
}

func New(cfg Config) (*Node, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ids, err := uid.New(cfg.Generator)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:    cfg,
		log:    logging.Component("netron").With().Str("node", cfg.Name).Logger(),
		ids:    ids,
		tasks:  newTasks(),
		events: newBus(),
		byName: make(map[string]*Stub),
		byID:   make(map[uint64]*Stub),
		peers:  make(map[string]*RemotePeer),
	}
	n.own = &OwnPeer{node: n, ifaces: newInterfaces(), handles: newHandles(cfg.Name, ids.Get)}
	for name, task := range builtinTasks(n) {
		if err := n.tasks.Add(name, task); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) ID() string {
	return n.cfg.ID
}

func (n *Node) Name() string {
	return n.cfg.Name
}

func (n *Node) Config() Config {
	return n.cfg
}

func (n *Node) Info() NodeInfo {
	return NodeInfo{
		ID:        n.cfg.ID,
		Name:      n.cfg.Name,
		Version:   n.cfg.Version,
		Generator: n.cfg.Generator,
		Tasks:     n.tasks.Names(),
	}
}

func (n *Node) Tasks() *Tasks {
	return n.tasks
}

// Own returns the node as a Peer.
func (n *Node) Own() *OwnPeer {
	return n.own
}

// AttachContext exposes instance under name, or under its surface type
// name when name is empty, and returns the new definition id. Attaching the
// same instance under a second name is allowed; reusing a name for another
// instance fails with ErrAlreadyExists.
func (n *Node) AttachContext(instance Context, name string) (uint64, error) {
	return n.attach(instance, name, nil)
}

func (n *Node) attach(instance Context, name string, owner *RemotePeer) (uint64, error) {
	if instance == nil {
		return 0, fmt.Errorf("%w: nil context", ErrInvalidArgument)
	}
	s := instance.Surface()
	if s == nil {
		return 0, fmt.Errorf("%w: context %T has no surface", ErrInvalidArgument, instance)
	}
	if name == "" {
		name = s.Type()
	}

	n.mu.Lock()
	if cur, ok := n.byName[name]; ok {
		n.mu.Unlock()
		if cur.owner == owner && sameInstance(cur.instance, instance) {
			return cur.def.ID, nil
		}
		return 0, fmt.Errorf("%w: context %q", ErrAlreadyExists, name)
	}
	def := newDefinition(n.ids.Get(), 0, name, s)
	stub := newStub(n.cfg.Name, def, instance, s, owner)
	n.byName[name] = stub
	n.byID[def.ID] = stub
	n.mu.Unlock()

	ev := n.log.Info().Str("context", name).Uint64("definition", def.ID)
	if owner != nil {
		ev = ev.Str("owner", owner.ID())
	}
	ev.Msg("context attached")
	n.publish(Event{Name: EventContextAttach, Context: name, DefinitionID: def.ID, Definition: &def})
	return def.ID, nil
}

// DetachContext removes name. Dispatches to it, running or future, fail
// with ErrNotExists.
func (n *Node) DetachContext(name string) error {
	return n.detach(name, nil)
}

// detach removes name. A non-nil owner may only remove its own contexts.
func (n *Node) detach(name string, owner *RemotePeer) error {
	n.mu.Lock()
	stub, ok := n.byName[name]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: context %q", ErrNotExists, name)
	}
	if owner != nil && stub.owner != owner {
		n.mu.Unlock()
		return fmt.Errorf("%w: context %q belongs to another peer", ErrNotAllowed, name)
	}
	stub.detach()
	delete(n.byName, name)
	delete(n.byID, stub.def.ID)
	n.mu.Unlock()

	n.log.Info().Str("context", name).Uint64("definition", stub.def.ID).Msg("context detached")
	n.publish(Event{Name: EventContextDetach, Context: name, DefinitionID: stub.def.ID})
	return nil
}

// DetachAllContexts removes every attached context.
func (n *Node) DetachAllContexts() {
	for _, name := range n.ContextNames() {
		if err := n.DetachContext(name); err != nil && !errors.Is(err, ErrNotExists) {
			n.log.Warn().Err(err).Str("context", name).Msg("detach failed")
		}
	}
}

// detachOwnedBy removes every context a peer attached remotely.
func (n *Node) detachOwnedBy(owner *RemotePeer) {
	n.mu.RLock()
	var names []string
	for name, stub := range n.byName {
		if stub.owner == owner {
			names = append(names, name)
		}
	}
	n.mu.RUnlock()
	sort.Strings(names)
	for _, name := range names {
		_ = n.detach(name, owner)
	}
}

func (n *Node) HasContext(name string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.byName[name]
	return ok
}

func (n *Node) ContextNames() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.byName))
	for name := range n.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions returns the definition of every attached context by name.
func (n *Node) Definitions() map[string]Definition {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]Definition, len(n.byName))
	for name, stub := range n.byName {
		out[name] = stub.def
	}
	return out
}

func (n *Node) definitionList() []Definition {
	defs := n.Definitions()
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (n *Node) stubByName(name string) (*Stub, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	stub, ok := n.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: context %q", ErrNotExists, name)
	}
	return stub, nil
}

func (n *Node) stubByID(id uint64) (*Stub, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	stub, ok := n.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: definition %d", ErrNotExists, id)
	}
	return stub, nil
}

// Subscribe registers h for events about this node.
func (n *Node) Subscribe(event string, h Handler) func() {
	return n.events.subscribe(event, h)
}

// publish delivers e to local subscribers and forwards context events to
// every connected peer.
func (n *Node) publish(e Event) {
	n.events.emit(e)
	if e.Name != EventContextAttach && e.Name != EventContextDetach {
		return
	}
	for _, p := range n.Peers() {
		p.notify(e)
	}
}

func (n *Node) runTasks(ctx context.Context, peer Peer, calls []TaskCall) (map[string]TaskResult, error) {
	return n.tasks.run(ctx, peer, n.cfg.TaskConcurrency, calls)
}

// Peers returns connected peers ordered by id.
func (n *Node) Peers() []*RemotePeer {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	out := make([]*RemotePeer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (n *Node) Peer(id string) (*RemotePeer, bool) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	p, ok := n.peers[id]
	return p, ok
}

func (n *Node) addPeer(p *RemotePeer) error {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	if n.closed {
		return fmt.Errorf("%w: node closed", ErrPeerClosed)
	}
	if p.ID() == n.ID() {
		return fmt.Errorf("%w: peer %s is this node", ErrNotAllowed, p.ID())
	}
	if _, dup := n.peers[p.ID()]; dup {
		return fmt.Errorf("%w: peer %s", ErrAlreadyExists, p.ID())
	}
	n.peers[p.ID()] = p
	return nil
}

func (n *Node) removePeer(p *RemotePeer) bool {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	if n.peers[p.ID()] != p {
		return false
	}
	delete(n.peers, p.ID())
	return true
}

// Serve accepts peers on l until ctx ends or l fails.
func (n *Node) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			hctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
			defer cancel()
			if _, err := n.Connect(hctx, conn); err != nil {
				n.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("peer rejected")
			}
		}()
	}
}

// Dial connects to a node listening on addr.
func (n *Node) Dial(ctx context.Context, addr string) (*RemotePeer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectFailed, addr, err)
	}
	return n.Connect(ctx, conn)
}

// Close disconnects every peer and detaches every context.
func (n *Node) Close() error {
	n.peersMu.Lock()
	n.closed = true
	n.peersMu.Unlock()
	for _, p := range n.Peers() {
		_ = p.Close()
		<-p.Done()
	}
	n.DetachAllContexts()
	n.own.handles.drop()
	n.own.ifaces.drop()
	return nil
}

// sameInstance reports whether a and b are the same object.
func sameInstance(a, b Context) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	}
	return va.Comparable() && va.Equal(vb)
}
