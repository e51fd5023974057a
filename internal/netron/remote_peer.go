package netron

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/netwire/internal/netron/wire"
	"github.com/danmuck/netwire/internal/observability"
	"github.com/rs/zerolog"
)

// RemotePeer is a connected node. Requests in both directions are
// multiplexed over one stream and paired by packet id.
type RemotePeer struct {
	node   *Node
	rw     io.ReadWriteCloser
	log    zerolog.Logger
	limits wire.Limits
	hello  helloMsg
	addr   string

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan wire.Packet
	defs     map[string]Definition
	exported map[string]*Stub
	remoteID map[string]uint64
	held     map[uint64]int

	handles *handles
	ifaces  *interfaces
	events *bus

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Connect runs the handshake over rw and starts serving the peer. rw is
// closed if the handshake fails or ctx ends first.
func (n *Node) Connect(ctx context.Context, rw io.ReadWriteCloser) (*RemotePeer, error) {
	limits := wire.Limits{MaxBody: n.cfg.MaxPacket}
	hello, err := n.handshake(ctx, rw, limits)
	if err != nil {
		_ = rw.Close()
		return nil, err
	}
	p := &RemotePeer{
		node:     n,
		rw:       rw,
		limits:   limits,
		hello:    hello,
		pending:  make(map[uint64]chan wire.Packet),
		defs:     make(map[string]Definition, len(hello.Contexts)),
		exported: make(map[string]*Stub),
		remoteID: make(map[string]uint64),
		held:     make(map[uint64]int),
		handles:  newHandles(n.cfg.Name, n.ids.Get),
		ifaces:   newInterfaces(),
		events:   newBus(),
		done:     make(chan struct{}),
	}
	if c, ok := rw.(net.Conn); ok && c.RemoteAddr() != nil {
		p.addr = c.RemoteAddr().String()
	}
	p.log = n.log.With().Str("peer", hello.ID).Str("peer_name", hello.Name).Logger()
	for _, d := range hello.Contexts {
		p.defs[d.Name] = d
	}
	if err := n.addPeer(p); err != nil {
		_ = rw.Close()
		return nil, err
	}
	go p.reader()

	p.log.Info().Str("addr", p.addr).Int("contexts", len(hello.Contexts)).Msg("peer connected")
	n.events.emit(Event{Name: EventPeerConnect, PeerID: p.ID()})
	return p, nil
}

// handshake exchanges hello packets. Both sides write first, so the write
// runs alongside the read.
func (n *Node) handshake(ctx context.Context, rw io.ReadWriteCloser, limits wire.Limits) (helloMsg, error) {
	body, err := wire.Marshal(helloMsg{
		ID:       n.cfg.ID,
		Name:     n.cfg.Name,
		Version:  n.cfg.Version,
		Contexts: n.definitionList(),
	})
	if err != nil {
		return helloMsg{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = rw.Close() })
	defer stop()

	wrote := make(chan error, 1)
	go func() {
		wrote <- wire.WritePacket(rw, wire.Packet{Action: wire.ActionHandshake, Body: body}, limits)
	}()
	pkt, err := wire.ReadPacket(rw, limits)
	if err == nil {
		err = <-wrote
	}
	if err != nil {
		if ctx.Err() != nil {
			return helloMsg{}, fmt.Errorf("%w: handshake: %v", ErrTimeout, ctx.Err())
		}
		return helloMsg{}, fmt.Errorf("%w: handshake: %v", ErrPeerClosed, err)
	}
	if pkt.Action != wire.ActionHandshake || pkt.IsReply() {
		return helloMsg{}, fmt.Errorf("%w: expected handshake, got %s", ErrNotAllowed, pkt.Action)
	}
	var hello helloMsg
	if err := wire.Unmarshal(pkt.Body, &hello); err != nil {
		return helloMsg{}, fmt.Errorf("%w: handshake body: %v", ErrInvalidArgument, err)
	}
	if hello.ID == "" {
		return helloMsg{}, fmt.Errorf("%w: handshake without node id", ErrInvalidArgument)
	}
	return hello, nil
}

func (p *RemotePeer) ID() string {
	return p.hello.ID
}

func (p *RemotePeer) Name() string {
	return p.hello.Name
}

// Done is closed once the connection is gone.
func (p *RemotePeer) Done() <-chan struct{} {
	return p.done
}

// Err reports why the connection ended.
func (p *RemotePeer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *RemotePeer) Close() error {
	p.shutdown(fmt.Errorf("%w: closed locally", ErrPeerClosed))
	return nil
}

// PeerInfo summarizes a connection for operators.
type PeerInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Addr     string   `json:"addr,omitempty"`
	Contexts []string `json:"contexts"`
	Exported []string `json:"exported"`
	Held     int      `json:"held"`
}

func (p *RemotePeer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := PeerInfo{
		ID:       p.hello.ID,
		Name:     p.hello.Name,
		Version:  p.hello.Version,
		Addr:     p.addr,
		Contexts: sortedKeys(p.defs),
		Exported: sortedKeys(p.exported),
	}
	for _, n := range p.held {
		info.Held += n
	}
	info.Held += p.handles.count()
	return info
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AttachContext exposes a local instance on the remote node. The instance
// stays here; the remote node forwards member access back over this
// connection. The returned id is the one assigned by the remote node.
func (p *RemotePeer) AttachContext(ctx context.Context, instance Context, name string) (uint64, error) {
	if instance == nil || instance.Surface() == nil {
		return 0, fmt.Errorf("%w: context without a surface", ErrInvalidArgument)
	}
	s := instance.Surface()
	if name == "" {
		name = s.Type()
	}
	def := newDefinition(p.node.ids.Get(), 0, name, s)
	stub := newStub(p.node.cfg.Name, def, instance, s, nil)

	p.mu.Lock()
	if cur, ok := p.exported[name]; ok {
		id := p.remoteID[name]
		p.mu.Unlock()
		if sameInstance(cur.instance, instance) {
			return id, nil
		}
		return 0, fmt.Errorf("%w: context %q", ErrAlreadyExists, name)
	}
	p.exported[name] = stub
	p.mu.Unlock()

	var id uint64
	if err := p.call(ctx, wire.ActionAttach, attachMsg{Definition: def}, &id); err != nil {
		p.mu.Lock()
		delete(p.exported, name)
		p.mu.Unlock()
		return 0, err
	}
	p.mu.Lock()
	p.remoteID[name] = id
	p.mu.Unlock()
	return id, nil
}

// DetachContext removes a context this side attached on the remote node.
func (p *RemotePeer) DetachContext(ctx context.Context, name string) error {
	err := p.call(ctx, wire.ActionDetach, nameMsg{Name: name}, nil)
	p.mu.Lock()
	stub, ok := p.exported[name]
	if ok && (err == nil || errors.Is(err, ErrNotExists)) {
		delete(p.exported, name)
		delete(p.remoteID, name)
		stub.detach()
	}
	p.mu.Unlock()
	return err
}

// HasContext reports whether the remote node has name attached, as last
// announced by it.
func (p *RemotePeer) HasContext(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.defs[name]
	return ok
}

func (p *RemotePeer) ContextNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.defs)
}

// Definition returns the cached definition of a remote context.
func (p *RemotePeer) Definition(name string) (Definition, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.defs[name]
	return d, ok
}

func (p *RemotePeer) QueryInterface(ctx context.Context, name string) (*Interface, error) {
	var def Definition
	if err := p.call(ctx, wire.ActionQuery, nameMsg{Name: name}, &def); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.defs[def.Name] = def
	p.mu.Unlock()
	return p.ifaces.acquire(def, p), nil
}

func (p *RemotePeer) ReleaseInterface(ctx context.Context, v any) error {
	iface, err := p.ifaces.release(v)
	if err != nil {
		return err
	}
	return p.call(ctx, wire.ActionRelease, releaseMsg{DefID: iface.def.ID}, nil)
}

// RunTask runs a batch of tasks on the remote node with this node as the
// target peer.
func (p *RemotePeer) RunTask(ctx context.Context, calls ...TaskCall) (map[string]TaskResult, error) {
	var out map[string]taskOutcome
	if err := p.call(ctx, wire.ActionTask, taskMsg{Calls: calls}, &out); err != nil {
		return nil, err
	}
	return fromOutcomes(out), nil
}

// Subscribe registers h for events announced by the remote node and for
// this peer's disconnect. Handlers run on the connection reader and must not
// wait on calls to the same peer.
func (p *RemotePeer) Subscribe(event string, h Handler) func() {
	return p.events.subscribe(event, h)
}

// invoke calls member on the remote stub. A member that hands out a context
// comes back as an Interface acquired from this peer.
func (p *RemotePeer) invoke(ctx context.Context, defID uint64, member string, args []any) (any, error) {
	pkt, err := p.roundTrip(ctx, wire.ActionGet, callMsg{DefID: defID, Member: member, Args: args})
	if err != nil {
		return nil, err
	}
	if pkt.IsHandle() {
		var def Definition
		if err := wire.Unmarshal(pkt.Body, &def); err != nil {
			return nil, fmt.Errorf("%w: handle reply: %v", ErrInvalidArgument, err)
		}
		return p.ifaces.acquire(def, p), nil
	}
	var out any
	if err := wire.Unmarshal(pkt.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: %s reply: %v", ErrInvalidArgument, wire.ActionGet, err)
	}
	return out, nil
}

func (p *RemotePeer) assign(ctx context.Context, defID uint64, member string, value any) error {
	return p.call(ctx, wire.ActionSet, callMsg{DefID: defID, Member: member, Value: value}, nil)
}

// call sends a request and decodes the reply into out.
func (p *RemotePeer) call(ctx context.Context, action wire.Action, body, out any) error {
	pkt, err := p.roundTrip(ctx, action, body)
	if err != nil || out == nil {
		return err
	}
	if err := wire.Unmarshal(pkt.Body, out); err != nil {
		return fmt.Errorf("%w: %s reply: %v", ErrInvalidArgument, action, err)
	}
	return nil
}

// roundTrip sends a request and waits for its reply. Error replies come back
// as a RemoteError. A reply that arrives after the caller gave up is dropped.
func (p *RemotePeer) roundTrip(ctx context.Context, action wire.Action, body any) (wire.Packet, error) {
	raw, err := wire.Marshal(body)
	if err != nil {
		return wire.Packet{}, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, action, err)
	}
	id := p.seq.Add(1)
	reply := make(chan wire.Packet, 1)
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return wire.Packet{}, p.err
	default:
	}
	p.pending[id] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.write(wire.Packet{ID: id, Action: action, Body: raw}); err != nil {
		return wire.Packet{}, err
	}

	timer := time.NewTimer(p.node.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case pkt := <-reply:
		if pkt.IsError() {
			var m errorMsg
			if err := wire.Unmarshal(pkt.Body, &m); err != nil {
				return wire.Packet{}, fmt.Errorf("%w: undecodable error reply: %v", ErrRemote, err)
			}
			return wire.Packet{}, m.err()
		}
		return pkt, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wire.Packet{}, fmt.Errorf("%w: %s: %v", ErrTimeout, action, ctx.Err())
		}
		return wire.Packet{}, ctx.Err()
	case <-timer.C:
		return wire.Packet{}, fmt.Errorf("%w: %s after %s", ErrTimeout, action, p.node.cfg.RequestTimeout)
	case <-p.done:
		return wire.Packet{}, p.err
	}
}

func (p *RemotePeer) write(pkt wire.Packet) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.done:
		return p.err
	default:
	}
	if err := wire.WritePacket(p.rw, pkt, p.limits); err != nil {
		if errors.Is(err, wire.ErrBodyTooLarge) {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		p.shutdown(fmt.Errorf("%w: write: %v", ErrPeerClosed, err))
		return p.err
	}
	return nil
}

// notify forwards a context event to the remote node.
func (p *RemotePeer) notify(e Event) {
	raw, err := wire.Marshal(e)
	if err != nil {
		p.log.Warn().Err(err).Str("event", e.Name).Msg("event not encodable")
		return
	}
	if err := p.write(wire.Packet{Action: wire.ActionEvent, Body: raw}); err != nil {
		p.log.Debug().Err(err).Str("event", e.Name).Msg("event not sent")
	}
}

func (p *RemotePeer) reader() {
	for {
		pkt, err := wire.ReadPacket(p.rw, p.limits)
		if err != nil {
			p.shutdown(fmt.Errorf("%w: %v", ErrPeerClosed, err))
			return
		}
		switch {
		case pkt.IsReply():
			p.mu.Lock()
			reply := p.pending[pkt.ID]
			p.mu.Unlock()
			if reply == nil {
				p.log.Debug().Uint64("id", pkt.ID).Str("action", pkt.Action.String()).Msg("dropped late reply")
				continue
			}
			reply <- pkt
		case pkt.Action == wire.ActionEvent:
			p.event(pkt)
		default:
			go p.serve(pkt)
		}
	}
}

// event applies an announcement from the remote node to the cached
// definitions, then publishes it to this peer's subscribers.
func (p *RemotePeer) event(pkt wire.Packet) {
	var e Event
	if err := wire.Unmarshal(pkt.Body, &e); err != nil {
		p.log.Warn().Err(err).Msg("bad event")
		return
	}
	e.PeerID = p.ID()
	p.mu.Lock()
	switch e.Name {
	case EventContextAttach:
		if e.Definition != nil {
			p.defs[e.Context] = *e.Definition
		}
	case EventContextDetach:
		delete(p.defs, e.Context)
	}
	p.mu.Unlock()
	p.events.emit(e)
}

func (p *RemotePeer) serve(pkt wire.Packet) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.node.cfg.RequestTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := p.handleSafe(ctx, pkt)
	observability.RecordNetronDispatch(p.node.cfg.Name, pkt.Action.String(), time.Since(start), err == nil)

	reply := wire.Packet{Flags: wire.FlagReply, ID: pkt.ID, Action: pkt.Action}
	if h, ok := result.(handleReply); ok && err == nil {
		reply.Flags |= wire.FlagHandle
		result = h.def
	}
	if err == nil {
		reply.Body, err = wire.Marshal(result)
		if err != nil {
			err = fmt.Errorf("%w: result not encodable: %v", ErrInvalidArgument, err)
		}
	}
	if err != nil {
		reply.Flags |= wire.FlagError
		reply.Body, _ = wire.Marshal(toErrorMsg(err))
	}
	if werr := p.write(reply); werr != nil {
		p.log.Debug().Err(werr).Str("action", pkt.Action.String()).Msg("reply not sent")
	}
}

// handleSafe runs handle, reporting a panic anywhere below it as ErrInternal.
func (p *RemotePeer) handleSafe(ctx context.Context, pkt wire.Packet) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("action", pkt.Action.String()).Interface("panic", r).Msg("request handler panicked")
			result, err = nil, fmt.Errorf("%w: %s handler panicked: %v", ErrInternal, pkt.Action, r)
		}
	}()
	return p.handle(ctx, pkt)
}

func (p *RemotePeer) handle(ctx context.Context, pkt wire.Packet) (any, error) {
	decode := func(v any) error {
		if err := wire.Unmarshal(pkt.Body, v); err != nil {
			return fmt.Errorf("%w: %s body: %v", ErrInvalidArgument, pkt.Action, err)
		}
		return nil
	}
	switch pkt.Action {
	case wire.ActionGet, wire.ActionSet:
		var m callMsg
		if err := decode(&m); err != nil {
			return nil, err
		}
		stub, err := p.stub(m.DefID)
		if err != nil {
			return nil, err
		}
		if pkt.Action == wire.ActionSet {
			return nil, stub.Set(ctx, m.Member, m.Value)
		}
		result, err := stub.Get(ctx, m.Member, m.Args)
		if err != nil {
			return nil, err
		}
		return p.handles.wrap(stub.def, m.Member, result)
	case wire.ActionTask:
		var m taskMsg
		if err := decode(&m); err != nil {
			return nil, err
		}
		results, err := p.node.runTasks(ctx, p, m.Calls)
		if err != nil {
			return nil, err
		}
		return outcomes(results), nil
	case wire.ActionAttach:
		var m attachMsg
		if err := decode(&m); err != nil {
			return nil, err
		}
		px, err := newProxy(p, m.Definition)
		if err != nil {
			return nil, err
		}
		return p.node.attach(px, m.Definition.Name, p)
	case wire.ActionDetach:
		var m nameMsg
		if err := decode(&m); err != nil {
			return nil, err
		}
		return nil, p.node.detach(m.Name, p)
	case wire.ActionQuery:
		var m nameMsg
		if err := decode(&m); err != nil {
			return nil, err
		}
		stub, err := p.node.stubByName(m.Name)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.held[stub.def.ID]++
		p.mu.Unlock()
		return stub.def, nil
	case wire.ActionRelease:
		var m releaseMsg
		if err := decode(&m); err != nil {
			return nil, err
		}
		if p.handles.release(m.DefID) {
			return nil, nil
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.held[m.DefID] == 0 {
			return nil, fmt.Errorf("%w: definition %d not held", ErrInvalidArgument, m.DefID)
		}
		p.held[m.DefID]--
		if p.held[m.DefID] == 0 {
			delete(p.held, m.DefID)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s after handshake", ErrNotAllowed, pkt.Action)
	}
}

// stub resolves a definition id to a handle given to the peer, a context
// this side exported to the peer or, failing those, one attached to the node.
func (p *RemotePeer) stub(id uint64) (*Stub, error) {
	if s, ok := p.handles.stub(id); ok {
		return s, nil
	}
	p.mu.Lock()
	for _, s := range p.exported {
		if s.def.ID == id {
			p.mu.Unlock()
			return s, nil
		}
	}
	p.mu.Unlock()
	return p.node.stubByID(id)
}

func (p *RemotePeer) shutdown(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		close(p.done)
		exported := p.exported
		p.exported = make(map[string]*Stub)
		p.mu.Unlock()
		_ = p.rw.Close()

		for _, s := range exported {
			s.detach()
		}
		p.handles.drop()
		p.ifaces.drop()
		removed := p.node.removePeer(p)
		p.node.detachOwnedBy(p)

		p.log.Info().Err(err).Msg("peer disconnected")
		e := Event{Name: EventPeerDisconnect, PeerID: p.ID()}
		p.events.emit(e)
		if removed {
			p.node.events.emit(e)
		}
	})
}
