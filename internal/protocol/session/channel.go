package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/netwire/internal/observability"
	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/protocol/frame"
	"github.com/danmuck/netwire/internal/protocol/schema"
	"github.com/rs/zerolog"
)

const deliveryQueueSize = 64

var (
	ErrChannelNotOpen    = errors.New("session: channel not open")
	ErrNotConfirmMode    = fmt.Errorf("%w: channel is not in confirm mode", protocol.ErrInvalidArgument)
	ErrInvalidConsumer   = fmt.Errorf("%w: consumer", protocol.ErrInvalidArgument)
	errChannelClosed     = fmt.Errorf("%w: channel closed", protocol.ErrClosed)
	maxBodyPreallocation = uint64(1 << 20)
)

type rpcResult struct {
	method schema.Method
	props  schema.Args
	body   []byte
	err    error
}

// pendingCall is one synchronous request awaiting its reply. A cancelled call
// keeps its slot so the late reply is consumed by it and not by the next call.
type pendingCall struct {
	expect    []uint32
	reply     chan rpcResult
	cancelled bool
}

func (p *pendingCall) accepts(id uint32) bool {
	for _, want := range p.expect {
		if want == id {
			return true
		}
	}
	return false
}

// assembly is content being reassembled: the triggering method, then its
// header, then body frames until the declared size is reached.
type assembly struct {
	method schema.Method
	header *frame.ContentHeader
	body   []byte
}

type delivery struct {
	fn ConsumerFunc
	d  Delivery
}

// Channel is one numbered sub-stream of a Connection.
type Channel struct {
	conn *Connection
	id   uint16
	log  zerolog.Logger
	out  *outbox

	state      atomic.Int32
	confirming atomic.Bool
	confirm    *confirms

	callMu sync.Mutex
	pubMu  sync.Mutex

	mu        sync.Mutex
	calls     []*pendingCall
	consumers map[string]ConsumerFunc
	tagSeq    uint64
	returns   []chan Return
	flows     []chan bool
	closes    []chan error
	closeErr  error

	content    *assembly
	deliveries chan delivery
	done       chan struct{}
	finishOnce sync.Once
}

func newChannel(c *Connection, id uint16) *Channel {
	ch := &Channel{
		conn:       c,
		id:         id,
		log:        c.log.With().Uint16("channel", id).Logger(),
		out:        newOutbox(),
		confirm:    newConfirms(),
		consumers:  make(map[string]ConsumerFunc),
		deliveries: make(chan delivery, deliveryQueueSize),
		done:       make(chan struct{}),
	}
	ch.state.Store(int32(StateHandshaking))
	go ch.dispatcher()
	return ch
}

func (ch *Channel) ID() uint16 {
	return ch.id
}

func (ch *Channel) State() State {
	return State(ch.state.Load())
}

// Done is closed when the channel reaches StateClosed.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Err returns why the channel closed, or nil while it is usable.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeErr
}

func (ch *Channel) stateError() error {
	if err := ch.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: channel %d is %s", ErrChannelNotOpen, ch.id, ch.State())
}

func (ch *Channel) open(ctx context.Context) error {
	_, err := ch.rpc(ctx, StateHandshaking, methodOf(schema.ChannelOpen, nil), schema.ChannelOpenOk)
	if err != nil {
		return err
	}
	ch.state.CompareAndSwap(int32(StateHandshaking), int32(StateOpen))
	ch.log.Debug().Msg("channel open")
	return nil
}

func methodOf(id uint32, args schema.Args) schema.Method {
	classID, methodID := schema.SplitID(id)
	return schema.Method{ClassID: classID, MethodID: methodID, Args: args}
}

// rpc sends m and waits for one of expect. The request is validated and
// encoded before it is queued, so a bad request never reaches the wire.
func (ch *Channel) rpc(ctx context.Context, want State, m schema.Method, expect ...uint32) (rpcResult, error) {
	if ch.State() != want {
		return rpcResult{}, ch.stateError()
	}
	b, err := frame.EncodeMethod(ch.conn.reg, ch.id, m, ch.conn.limits())
	if err != nil {
		return rpcResult{}, err
	}
	call := &pendingCall{expect: expect, reply: make(chan rpcResult, 1)}

	ch.callMu.Lock()
	ch.mu.Lock()
	if ch.closeErr != nil {
		ch.mu.Unlock()
		ch.callMu.Unlock()
		return rpcResult{}, ch.stateError()
	}
	ch.calls = append(ch.calls, call)
	ch.mu.Unlock()
	err = ch.out.send([][]byte{b}, ch.conn.done)
	ch.callMu.Unlock()
	if err != nil {
		return rpcResult{}, ch.closedError()
	}

	name := ch.conn.reg.Name(m.ID())
	timer := time.NewTimer(ch.conn.cfg.RPCTimeout)
	defer timer.Stop()
	select {
	case r := <-call.reply:
		return r, r.err
	case <-ctx.Done():
		ch.cancel(call)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return rpcResult{}, fmt.Errorf("%w: %s: %v", protocol.ErrTimeout, name, ctx.Err())
		}
		return rpcResult{}, ctx.Err()
	case <-timer.C:
		ch.cancel(call)
		return rpcResult{}, fmt.Errorf("%w: %s after %s", protocol.ErrTimeout, name, ch.conn.cfg.RPCTimeout)
	}
}

func (ch *Channel) cancel(call *pendingCall) {
	ch.mu.Lock()
	call.cancelled = true
	ch.mu.Unlock()
}

func (ch *Channel) closedError() error {
	if err := ch.Err(); err != nil {
		return err
	}
	if err := ch.conn.Err(); err != nil {
		return err
	}
	return errChannelClosed
}

// send queues an asynchronous method on an open channel.
func (ch *Channel) send(id uint32, args schema.Args) error {
	if ch.State() != StateOpen {
		return ch.stateError()
	}
	return ch.sendRaw(id, args)
}

// sendRaw queues a method regardless of channel state.
func (ch *Channel) sendRaw(id uint32, args schema.Args) error {
	b, err := frame.EncodeMethod(ch.conn.reg, ch.id, methodOf(id, args), ch.conn.limits())
	if err != nil {
		return err
	}
	if err := ch.out.send([][]byte{b}, ch.conn.done); err != nil {
		return ch.closedError()
	}
	return nil
}

// handle consumes one inbound frame. It runs on the connection reader.
func (ch *Channel) handle(f frame.Frame) {
	if ch.State() == StateClosed {
		if f.Type != frame.TypeMethod {
			return
		}
		switch f.Method.ID() {
		case schema.ChannelCloseOk:
			ch.conn.release(ch)
		case schema.ChannelClose:
			_ = ch.sendRaw(schema.ChannelCloseOk, nil)
			ch.conn.release(ch)
		}
		return
	}
	if ch.content != nil {
		ch.continueContent(f)
		return
	}
	if f.Type != frame.TypeMethod {
		ch.fatal(protocol.NewError(protocol.ErrProtocolViolation, protocol.UnexpectedFrame,
			"frame type %d with no content pending", f.Type))
		return
	}
	if spec, ok := ch.conn.reg.Method(f.Method.ClassID, f.Method.MethodID); ok && spec.Content {
		ch.content = &assembly{method: f.Method}
		return
	}
	ch.method(f.Method, nil, nil)
}

func (ch *Channel) continueContent(f frame.Frame) {
	a := ch.content
	name := ch.conn.reg.Name(a.method.ID())
	if a.header == nil {
		if f.Type != frame.TypeHeader || f.Header.ClassID != a.method.ClassID {
			ch.content = nil
			ch.fatal(protocol.NewError(protocol.ErrProtocolViolation, protocol.UnexpectedFrame,
				"expected content header after %s, got frame type %d", name, f.Type))
			return
		}
		h := f.Header
		a.header = &h
		a.body = make([]byte, 0, min(h.BodySize, maxBodyPreallocation))
	} else {
		if f.Type != frame.TypeBody {
			ch.content = nil
			ch.fatal(protocol.NewError(protocol.ErrProtocolViolation, protocol.UnexpectedFrame,
				"expected body frame for %s, got frame type %d", name, f.Type))
			return
		}
		a.body = append(a.body, f.Body...)
		if uint64(len(a.body)) > a.header.BodySize {
			ch.content = nil
			ch.fatal(protocol.NewError(protocol.ErrProtocolViolation, protocol.FrameError,
				"body of %s exceeds declared size %d", name, a.header.BodySize))
			return
		}
	}
	if uint64(len(a.body)) == a.header.BodySize {
		ch.content = nil
		ch.method(a.method, a.header.Properties, a.body)
	}
}

func (ch *Channel) method(m schema.Method, props schema.Args, body []byte) {
	switch m.ID() {
	case schema.ChannelClose:
		e := closeError(m.Args, true)
		_ = ch.sendRaw(schema.ChannelCloseOk, nil)
		if ch.State() == StateClosing {
			ch.finish(errChannelClosed)
		} else {
			observability.RecordChannelError(e.Code)
			ch.log.Warn().Uint16("code", e.Code).Str("reason", e.Reason).Msg("channel closed by server")
			ch.finish(e)
		}
		ch.conn.release(ch)
	case schema.ChannelFlow:
		active, _ := m.Args["active"].(bool)
		ch.mu.Lock()
		for _, l := range ch.flows {
			l <- active
		}
		ch.mu.Unlock()
		_ = ch.sendRaw(schema.ChannelFlowOk, schema.Args{"active": active})
	case schema.BasicDeliver:
		ch.deliver(m, props, body)
	case schema.BasicReturn:
		ch.returned(m, props, body)
	case schema.BasicAck, schema.BasicNack:
		tag, _ := m.Args["delivery-tag"].(uint64)
		multiple, _ := m.Args["multiple"].(bool)
		if ch.confirming.Load() {
			ch.confirm.confirm(tag, multiple, m.ID() == schema.BasicAck)
		}
	case schema.BasicCancel:
		tag, _ := m.Args["consumer-tag"].(string)
		noWait, _ := m.Args["nowait"].(bool)
		ch.mu.Lock()
		delete(ch.consumers, tag)
		ch.mu.Unlock()
		ch.log.Debug().Str("consumer", tag).Msg("consumer cancelled by server")
		if !noWait {
			_ = ch.sendRaw(schema.BasicCancelOk, schema.Args{"consumer-tag": tag})
		}
	default:
		ch.resolve(m, props, body)
	}
}

// resolve completes the oldest pending call with m.
func (ch *Channel) resolve(m schema.Method, props schema.Args, body []byte) {
	ch.mu.Lock()
	if len(ch.calls) == 0 {
		ch.mu.Unlock()
		ch.fatal(protocol.NewError(protocol.ErrProtocolViolation, protocol.CommandInvalid,
			"unsolicited %s", ch.conn.reg.Name(m.ID())))
		return
	}
	call := ch.calls[0]
	ch.calls[0] = nil
	ch.calls = ch.calls[1:]
	ch.mu.Unlock()

	if !call.accepts(m.ID()) {
		e := protocol.NewError(protocol.ErrProtocolViolation, protocol.UnexpectedFrame,
			"got %s awaiting %s", ch.conn.reg.Name(m.ID()), ch.conn.reg.Name(call.expect[0]))
		call.reply <- rpcResult{err: e}
		ch.fatal(e)
		return
	}
	if call.cancelled {
		ch.log.Debug().Str("method", ch.conn.reg.Name(m.ID())).Msg("dropped reply for cancelled call")
		return
	}
	call.reply <- rpcResult{method: m, props: props, body: body}
}

func (ch *Channel) deliver(m schema.Method, props schema.Args, body []byte) {
	tag, _ := m.Args["consumer-tag"].(string)
	ch.mu.Lock()
	fn := ch.consumers[tag]
	ch.mu.Unlock()
	if fn == nil {
		ch.log.Debug().Str("consumer", tag).Msg("delivery for unknown consumer dropped")
		return
	}
	d := deliveryFrom(m, props, body)
	d.ConsumerTag = tag
	d.channel = ch
	select {
	case ch.deliveries <- delivery{fn: fn, d: d}:
	case <-ch.done:
	}
}

func deliveryFrom(m schema.Method, props schema.Args, body []byte) Delivery {
	d := Delivery{Properties: schema.BasicPropertiesFrom(props), Body: body}
	d.DeliveryTag, _ = m.Args["delivery-tag"].(uint64)
	d.Redelivered, _ = m.Args["redelivered"].(bool)
	d.Exchange, _ = m.Args["exchange"].(string)
	d.RoutingKey, _ = m.Args["routing-key"].(string)
	d.MessageCount, _ = m.Args["message-count"].(uint32)
	return d
}

func (ch *Channel) returned(m schema.Method, props schema.Args, body []byte) {
	r := Return{Properties: schema.BasicPropertiesFrom(props), Body: body}
	r.ReplyCode, _ = m.Args["reply-code"].(uint16)
	r.ReplyText, _ = m.Args["reply-text"].(string)
	r.Exchange, _ = m.Args["exchange"].(string)
	r.RoutingKey, _ = m.Args["routing-key"].(string)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, l := range ch.returns {
		l <- r
	}
}

// dispatcher runs consumer callbacks off the reader goroutine so a slow
// consumer only stalls its own channel.
func (ch *Channel) dispatcher() {
	for {
		select {
		case d := <-ch.deliveries:
			if err := invokeConsumer(d.fn, d.d); err != nil {
				ch.fatal(protocol.NewError(protocol.ErrConsumer, protocol.InternalError,
					"consumer %s: %v", d.d.ConsumerTag, err))
				return
			}
		case <-ch.done:
			return
		}
	}
}

func invokeConsumer(fn ConsumerFunc, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(d)
}

// fatal closes the channel locally with e and asks the server to close it.
// The id stays reserved until the server's close-ok arrives.
func (ch *Channel) fatal(e *protocol.Error) {
	if !ch.finish(e) {
		return
	}
	observability.RecordChannelError(e.Code)
	ch.log.Error().Uint16("code", e.Code).Str("reason", e.Reason).Msg("channel error")
	_ = ch.sendRaw(schema.ChannelClose, closeArgs(e))
}

// finish moves the channel to StateClosed exactly once and fails every
// pending call and confirm with err. It reports whether this call did it.
func (ch *Channel) finish(err error) bool {
	first := false
	ch.finishOnce.Do(func() {
		first = true
		ch.state.Store(int32(StateClosed))
		ch.mu.Lock()
		ch.closeErr = err
		calls := ch.calls
		ch.calls = nil
		closes, returns, flows := ch.closes, ch.returns, ch.flows
		ch.closes, ch.returns, ch.flows = nil, nil, nil
		ch.mu.Unlock()
		close(ch.done)

		for _, call := range calls {
			call.reply <- rpcResult{err: err}
		}
		ch.confirm.close(err)
		graceful := errors.Is(err, errChannelClosed)
		for _, l := range closes {
			if !graceful {
				select {
				case l <- err:
				default:
				}
			}
			close(l)
		}
		for _, l := range returns {
			close(l)
		}
		for _, l := range flows {
			close(l)
		}
	})
	return first
}

// Close sends channel.close and waits for close-ok. If the server closes the
// channel at the same time, its close is acknowledged and Close succeeds.
// Closing a closing or closed channel fails with protocol.ErrAlreadyClosing.
func (ch *Channel) Close() error {
	if !ch.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return fmt.Errorf("%w: channel %d is %s", protocol.ErrAlreadyClosing, ch.id, ch.State())
	}
	ctx, cancel := context.WithTimeout(context.Background(), ch.conn.cfg.CloseTimeout)
	defer cancel()
	_, err := ch.rpc(ctx, StateClosing, methodOf(schema.ChannelClose, closeArgs(&protocol.Error{
		Code:   protocol.ReplySuccess,
		Reason: "closed by client",
	})), schema.ChannelCloseOk)
	ch.finish(errChannelClosed)
	ch.conn.release(ch)
	if err != nil && !errors.Is(err, errChannelClosed) {
		return err
	}
	return nil
}

// NotifyClose registers l for an abnormal close reason. l is closed when the
// channel closes and should be buffered.
func (ch *Channel) NotifyClose(l chan error) chan error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closeErr != nil {
		close(l)
		return l
	}
	ch.closes = append(ch.closes, l)
	return l
}

// NotifyReturn registers l for basic.return messages. It is written from the
// connection reader, so l must be buffered or drained promptly.
func (ch *Channel) NotifyReturn(l chan Return) chan Return {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closeErr != nil {
		close(l)
		return l
	}
	ch.returns = append(ch.returns, l)
	return l
}

// NotifyFlow registers l for server channel.flow requests.
func (ch *Channel) NotifyFlow(l chan bool) chan bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closeErr != nil {
		close(l)
		return l
	}
	ch.flows = append(ch.flows, l)
	return l
}

// NotifyPublish registers l for confirms in delivery-tag order. It is written
// while confirm state is locked, so l must be buffered or drained promptly.
func (ch *Channel) NotifyPublish(l chan Confirmation) chan Confirmation {
	ch.confirm.listen(l)
	return l
}
