package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/netwire/internal/logging"
	"github.com/danmuck/netwire/internal/mux"
	"github.com/danmuck/netwire/internal/observability"
	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/protocol/field"
	"github.com/danmuck/netwire/internal/protocol/frame"
	"github.com/danmuck/netwire/internal/protocol/schema"
	"github.com/rs/zerolog"
)

const readBufferSize = 64 * 1024

// State is the lifecycle of a connection or channel.
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Tuning is the negotiated result of connection.tune.
type Tuning struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  time.Duration
}

// Blocking is a connection.blocked or connection.unblocked notification.
type Blocking struct {
	Active bool
	Reason string
}

var errConnectionClosed = fmt.Errorf("%w: connection closed", protocol.ErrClosed)

// Connection multiplexes channels over one transport. A single reader
// goroutine owns the frame parser; every outgoing batch goes through a
// per-channel outbox into a fair mux drained by a single writer goroutine.
type Connection struct {
	cfg    Config
	reg    *schema.Registry
	rw     io.ReadWriteCloser
	log    zerolog.Logger
	parser *frame.Parser

	state       atomic.Int32
	tune        Tuning
	serverProps field.Table

	out      *mux.Mux[[][]byte]
	ctrl     *outbox
	lastSent atomic.Int64
	lastRecv atomic.Int64

	mu       sync.Mutex
	channels map[uint16]*Channel
	closes   []chan error
	blocks   []chan Blocking
	closeErr error

	closeOk      chan struct{}
	closeOkOnce  sync.Once
	done         chan struct{}
	shutdownOnce sync.Once
	writerDone   chan struct{}
	readerDone   chan struct{}
}

// Open runs the client handshake over rw and starts the connection. rw is
// closed when Open fails.
func Open(ctx context.Context, rw io.ReadWriteCloser, cfg Config) (*Connection, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		_ = rw.Close()
		return nil, err
	}
	c := &Connection{
		cfg:        cfg,
		reg:        schema.Default,
		rw:         rw,
		log:        logging.Component("amqp.connection"),
		parser:     frame.NewParser(schema.Default, frame.Limits{FrameMax: frame.MinFrameMax}),
		channels:   make(map[uint16]*Channel),
		closeOk:    make(chan struct{}),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.state.Store(int32(StateHandshaking))
	if err := c.handshake(ctx); err != nil {
		_ = rw.Close()
		c.log.Warn().Err(err).Msg("handshake failed")
		return nil, err
	}
	c.start()
	return c, nil
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) Tuning() Tuning {
	return c.tune
}

func (c *Connection) ServerProperties() field.Table {
	return c.serverProps
}

// Done is closed when the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// NotifyClose registers l for the close reason of an abnormal shutdown. l is
// closed on any shutdown and should be buffered.
func (c *Connection) NotifyClose(l chan error) chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateClosed {
		close(l)
		return l
	}
	c.closes = append(c.closes, l)
	return l
}

// NotifyBlocked registers l for connection.blocked and connection.unblocked.
func (c *Connection) NotifyBlocked(l chan Blocking) chan Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateClosed {
		close(l)
		return l
	}
	c.blocks = append(c.blocks, l)
	return l
}

func (c *Connection) limits() frame.Limits {
	return frame.Limits{FrameMax: c.tune.FrameMax}
}

func (c *Connection) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- c.negotiate() }()
	select {
	case err := <-result:
		return err
	case <-hctx.Done():
		_ = c.rw.Close()
		<-result
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: handshake", protocol.ErrTimeout)
		}
		return hctx.Err()
	}
}

func (c *Connection) negotiate() error {
	if _, err := c.rw.Write(protocol.Header); err != nil {
		return fmt.Errorf("%w: write protocol header: %v", protocol.ErrConnectFailed, err)
	}
	buf := make([]byte, 4096)

	start, err := c.expect(buf, schema.ConnectionStart)
	if err != nil {
		return err
	}
	major, _ := start.Args["version-major"].(uint8)
	minor, _ := start.Args["version-minor"].(uint8)
	if major != 0 || minor != 9 {
		return fmt.Errorf("%w: server speaks %d-%d", protocol.ErrConnectFailed, major, minor)
	}
	c.serverProps, _ = start.Args["server-properties"].(field.Table)
	mechanisms, _ := start.Args["mechanisms"].(string)
	auth, ok := pickMechanism(c.cfg.Auth, mechanisms)
	if !ok {
		return fmt.Errorf("%w: no common auth mechanism in %q", protocol.ErrConnectFailed, mechanisms)
	}
	if err := c.writeDirect(schema.ConnectionStartOk, schema.Args{
		"client-properties": c.clientProperties(),
		"mechanism":         auth.Mechanism(),
		"response":          auth.Response(),
		"locale":            c.cfg.Locale,
	}); err != nil {
		return err
	}

	tune, err := c.expect(buf, schema.ConnectionTune)
	if err != nil {
		return err
	}
	serverChannelMax, _ := tune.Args["channel-max"].(uint16)
	serverFrameMax, _ := tune.Args["frame-max"].(uint32)
	serverHeartbeat, _ := tune.Args["heartbeat"].(uint16)
	c.tune = Tuning{
		ChannelMax: uint16(negotiate(uint64(c.cfg.ChannelMax), uint64(serverChannelMax))),
		FrameMax:   uint32(negotiate(uint64(c.cfg.FrameMax), uint64(serverFrameMax))),
		Heartbeat:  time.Duration(negotiate(uint64(c.cfg.Heartbeat/time.Second), uint64(serverHeartbeat))) * time.Second,
	}
	if c.tune.ChannelMax == 0 {
		c.tune.ChannelMax = ^uint16(0)
	}
	if c.tune.FrameMax != 0 && c.tune.FrameMax < frame.MinFrameMax {
		return fmt.Errorf("%w: server frame_max=%d below %d", protocol.ErrConnectFailed, c.tune.FrameMax, frame.MinFrameMax)
	}
	if err := c.writeDirect(schema.ConnectionTuneOk, schema.Args{
		"channel-max": c.tune.ChannelMax,
		"frame-max":   c.tune.FrameMax,
		"heartbeat":   uint16(c.tune.Heartbeat / time.Second),
	}); err != nil {
		return err
	}
	c.parser.SetFrameMax(c.tune.FrameMax)

	if err := c.writeDirect(schema.ConnectionOpen, schema.Args{"virtual-host": c.cfg.Vhost}); err != nil {
		return err
	}
	if _, err := c.expect(buf, schema.ConnectionOpenOk); err != nil {
		return err
	}
	c.log.Debug().
		Uint16("channel_max", c.tune.ChannelMax).
		Uint32("frame_max", c.tune.FrameMax).
		Dur("heartbeat", c.tune.Heartbeat).
		Msg("connection tuned")
	return nil
}

// negotiate picks the smaller non-zero proposal; zero means "no limit".
func negotiate(client, server uint64) uint64 {
	if client == 0 || (server != 0 && server < client) {
		return server
	}
	return client
}

func (c *Connection) clientProperties() field.Table {
	props := field.Table{
		"product":  "netwire",
		"platform": "Go",
		"capabilities": field.Table{
			"publisher_confirms":           true,
			"basic.nack":                   true,
			"consumer_cancel_notify":       true,
			"connection.blocked":           true,
			"exchange_exchange_bindings":   true,
			"authentication_failure_close": true,
		},
	}
	for k, v := range c.cfg.Properties {
		props[k] = v
	}
	return props
}

func (c *Connection) writeDirect(id uint32, args schema.Args) error {
	classID, methodID := schema.SplitID(id)
	b, err := frame.EncodeMethod(c.reg, 0, schema.Method{ClassID: classID, MethodID: methodID, Args: args}, c.limits())
	if err != nil {
		return err
	}
	if _, err := c.rw.Write(b); err != nil {
		return fmt.Errorf("%w: write %s: %v", protocol.ErrConnectFailed, c.reg.Name(id), err)
	}
	return nil
}

// expect reads channel-0 methods during the handshake until want arrives.
// A connection.close from the server fails the handshake with its reason.
func (c *Connection) expect(buf []byte, want uint32) (schema.Method, error) {
	for {
		f, err := c.parser.ReadFrame(c.rw, buf)
		if err != nil {
			return schema.Method{}, fmt.Errorf("%w: awaiting %s: %w", protocol.ErrConnectFailed, c.reg.Name(want), err)
		}
		if f.IsHeartbeat() {
			continue
		}
		if f.Type != frame.TypeMethod || f.Channel != 0 {
			return schema.Method{}, fmt.Errorf("%w: unexpected frame type=%d channel=%d during handshake",
				protocol.ErrConnectFailed, f.Type, f.Channel)
		}
		switch f.Method.ID() {
		case want:
			return f.Method, nil
		case schema.ConnectionClose:
			e := closeError(f.Method.Args, true)
			e.Kind = protocol.ErrConnectFailed
			_ = c.writeDirect(schema.ConnectionCloseOk, nil)
			return schema.Method{}, e
		}
		return schema.Method{}, fmt.Errorf("%w: got %s awaiting %s",
			protocol.ErrConnectFailed, c.reg.Name(f.Method.ID()), c.reg.Name(want))
	}
}

func closeError(args schema.Args, server bool) *protocol.Error {
	code, _ := args["reply-code"].(uint16)
	text, _ := args["reply-text"].(string)
	classID, _ := args["class-id"].(uint16)
	methodID, _ := args["method-id"].(uint16)
	return &protocol.Error{Code: code, Reason: text, ClassID: classID, MethodID: methodID, Server: server}
}

func closeArgs(e *protocol.Error) schema.Args {
	return schema.Args{
		"reply-code": e.Code,
		"reply-text": truncate(e.Reason, 255),
		"class-id":   e.ClassID,
		"method-id":  e.MethodID,
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (c *Connection) start() {
	now := time.Now().UnixNano()
	c.lastRecv.Store(now)
	c.lastSent.Store(now)
	c.out = mux.New[[][]byte](16)
	c.ctrl = newOutbox()
	c.out.Pipe(c.ctrl.ch)
	c.state.Store(int32(StateOpen))
	go c.writer()
	go c.reader()
	if c.tune.Heartbeat > 0 {
		go c.heartbeater(c.tune.Heartbeat)
	}
}

func (c *Connection) writer() {
	defer close(c.writerDone)
	for frames := range c.out.Out() {
		if err := frame.WriteFrame(c.rw, frames...); err != nil {
			c.shutdown(fmt.Errorf("%w: write: %v", protocol.ErrClosed, err))
			for range c.out.Out() {
			}
			return
		}
		for _, b := range frames {
			observability.RecordFrame("out", b[0])
		}
		c.lastSent.Store(time.Now().UnixNano())
	}
}

func (c *Connection) reader() {
	defer close(c.readerDone)
	buf := make([]byte, readBufferSize)
	for {
		for {
			f, ok, err := c.parser.Next()
			if err != nil {
				c.fatal(protocol.NewError(protocol.ErrProtocolViolation, protocol.FrameError, "%v", err))
				return
			}
			if !ok {
				break
			}
			observability.RecordFrame("in", f.Type)
			if !c.dispatch(f) {
				return
			}
		}
		n, err := c.rw.Read(buf)
		if n > 0 {
			c.lastRecv.Store(time.Now().UnixNano())
			c.parser.Feed(buf[:n])
			continue
		}
		if err != nil {
			if c.State() != StateClosed {
				c.shutdown(fmt.Errorf("%w: read: %v", protocol.ErrClosed, err))
			}
			return
		}
	}
}

// dispatch routes one frame. It returns false once the connection is gone.
func (c *Connection) dispatch(f frame.Frame) bool {
	if f.IsHeartbeat() {
		return true
	}
	if f.Channel == 0 {
		return c.control(f)
	}
	c.mu.Lock()
	ch := c.channels[f.Channel]
	c.mu.Unlock()
	if ch == nil {
		if f.Type == frame.TypeMethod && f.Method.ID() == schema.ChannelCloseOk {
			return true
		}
		c.fatal(protocol.NewError(protocol.ErrProtocolViolation, protocol.ChannelError,
			"frame for unknown channel %d", f.Channel))
		return false
	}
	ch.handle(f)
	return true
}

func (c *Connection) control(f frame.Frame) bool {
	if f.Type != frame.TypeMethod {
		c.fatal(protocol.NewError(protocol.ErrProtocolViolation, protocol.UnexpectedFrame,
			"frame type %d on channel 0", f.Type))
		return false
	}
	switch f.Method.ID() {
	case schema.ConnectionClose:
		closing := c.State() == StateClosing
		e := closeError(f.Method.Args, true)
		_ = c.sendControl(schema.ConnectionCloseOk, nil)
		if closing {
			c.log.Debug().Msg("close crossed with peer close")
			c.shutdown(nil)
		} else {
			c.log.Warn().Uint16("code", e.Code).Str("reason", e.Reason).Msg("connection closed by server")
			c.shutdown(e)
		}
		return false
	case schema.ConnectionCloseOk:
		if c.State() == StateClosing {
			c.closeOkOnce.Do(func() { close(c.closeOk) })
			return true
		}
	case schema.ConnectionBlocked, schema.ConnectionUnblocked:
		reason, _ := f.Method.Args["reason"].(string)
		b := Blocking{Active: f.Method.ID() == schema.ConnectionBlocked, Reason: reason}
		c.mu.Lock()
		for _, l := range c.blocks {
			l <- b
		}
		c.mu.Unlock()
		return true
	}
	c.fatal(protocol.NewError(protocol.ErrProtocolViolation, protocol.CommandInvalid,
		"unexpected %s on channel 0", c.reg.Name(f.Method.ID())))
	return false
}

func (c *Connection) sendControl(id uint32, args schema.Args) error {
	classID, methodID := schema.SplitID(id)
	b, err := frame.EncodeMethod(c.reg, 0, schema.Method{ClassID: classID, MethodID: methodID, Args: args}, c.limits())
	if err != nil {
		return err
	}
	return c.ctrl.send([][]byte{b}, c.done)
}

// fatal reports a connection error to the server and shuts down without
// waiting for close-ok.
func (c *Connection) fatal(e *protocol.Error) {
	c.log.Error().Uint16("code", e.Code).Str("reason", e.Reason).Msg("connection error")
	_ = c.sendControl(schema.ConnectionClose, closeArgs(e))
	c.shutdown(e)
}

func (c *Connection) heartbeater(interval time.Duration) {
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	beat := [][]byte{frame.EncodeHeartbeat()}
	for {
		select {
		case <-c.done:
			return
		case now := <-tick.C:
			silent := now.Sub(time.Unix(0, c.lastRecv.Load()))
			if silent > 2*interval {
				observability.RecordHeartbeatTimeout()
				c.log.Warn().Dur("silent", silent).Msg("peer missed heartbeats")
				c.shutdown(fmt.Errorf("%w: no traffic from peer for %s", protocol.ErrTimeout, silent.Round(time.Millisecond)))
				return
			}
			if now.Sub(time.Unix(0, c.lastSent.Load())) >= interval/2 {
				_ = c.ctrl.send(beat, c.done)
			}
		}
	}
}

// Close closes the connection with reply-success.
func (c *Connection) Close() error {
	return c.CloseWith(protocol.ReplySuccess, "closed by client")
}

// CloseWith sends connection.close and waits for close-ok. A second close, or
// a close after the connection ended, fails with protocol.ErrAlreadyClosing.
func (c *Connection) CloseWith(code uint16, reason string) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return fmt.Errorf("%w: connection is %s", protocol.ErrAlreadyClosing, c.State())
	}
	if err := c.sendControl(schema.ConnectionClose, closeArgs(&protocol.Error{Code: code, Reason: reason})); err != nil {
		return c.Err()
	}
	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-c.closeOk:
		c.shutdown(nil)
		return nil
	case <-c.done:
		if err := c.Err(); err != errConnectionClosed {
			return err
		}
		return nil
	case <-timer.C:
		err := fmt.Errorf("%w: awaiting connection.close-ok", protocol.ErrTimeout)
		c.shutdown(err)
		return err
	}
}

// shutdown moves the connection to StateClosed exactly once, failing every
// channel and pending call with err. A nil err is a graceful close.
func (c *Connection) shutdown(err error) {
	c.shutdownOnce.Do(func() {
		graceful := err == nil
		if graceful {
			err = errConnectionClosed
		}
		c.state.Store(int32(StateClosed))
		c.mu.Lock()
		c.closeErr = err
		channels := c.channels
		c.channels = make(map[uint16]*Channel)
		closes := c.closes
		c.closes = nil
		blocks := c.blocks
		c.blocks = nil
		c.mu.Unlock()
		close(c.done)

		for _, ch := range channels {
			ch.finish(err)
			ch.out.close()
		}
		if c.ctrl != nil {
			c.ctrl.close()
		}
		for _, l := range closes {
			if !graceful {
				select {
				case l <- err:
				default:
				}
			}
			close(l)
		}
		for _, l := range blocks {
			close(l)
		}
		if graceful {
			c.log.Debug().Msg("connection closed")
		} else {
			c.log.Warn().Err(err).Msg("connection shut down")
		}

		go func() {
			if c.out != nil {
				select {
				case <-c.writerDone:
				case <-time.After(c.cfg.CloseTimeout):
				}
			}
			_ = c.rw.Close()
		}()
	})
}

// Channel allocates the lowest free channel id and opens it.
func (c *Connection) Channel(ctx context.Context) (*Channel, error) {
	ch, err := c.allocate()
	if err != nil {
		return nil, err
	}
	if err := ch.open(ctx); err != nil {
		ch.finish(err)
		c.release(ch)
		return nil, err
	}
	return ch, nil
}

func (c *Connection) allocate() (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateOpen {
		return nil, fmt.Errorf("%w: connection is %s", protocol.ErrClosed, c.State())
	}
	for id := uint16(1); id != 0 && id <= c.tune.ChannelMax; id++ {
		if _, used := c.channels[id]; used {
			continue
		}
		ch := newChannel(c, id)
		c.channels[id] = ch
		c.out.Pipe(ch.out.ch)
		return ch, nil
	}
	return nil, fmt.Errorf("%w: channel_max=%d", protocol.ErrChannelsExhausted, c.tune.ChannelMax)
}

// release frees ch's id once the server has confirmed the close.
func (c *Connection) release(ch *Channel) {
	c.mu.Lock()
	if c.channels[ch.id] == ch {
		delete(c.channels, ch.id)
	}
	c.mu.Unlock()
	ch.out.close()
}
