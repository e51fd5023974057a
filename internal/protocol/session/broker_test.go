package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/protocol/field"
	"github.com/danmuck/netwire/internal/protocol/frame"
	"github.com/danmuck/netwire/internal/protocol/schema"
)

const waitFor = 2 * time.Second

// broker is a scripted server end of a net.Pipe. A background goroutine
// decodes everything the client writes into frames so the client writer is
// never blocked by the script.
type broker struct {
	conn     net.Conn
	frames   chan frame.Frame
	readErr  chan error
	frameMax uint32
}

func newBroker(conn net.Conn) *broker {
	b := &broker{
		conn:    conn,
		frames:  make(chan frame.Frame, 1024),
		readErr: make(chan error, 1),
	}
	go b.read()
	return b
}

func (b *broker) read() {
	defer close(b.frames)
	head := make([]byte, len(protocol.Header))
	if _, err := io.ReadFull(b.conn, head); err != nil {
		b.readErr <- err
		return
	}
	if !bytes.Equal(head, protocol.Header) {
		b.readErr <- fmt.Errorf("bad protocol header %q", head)
		return
	}
	p := frame.NewParser(schema.Default, frame.Limits{})
	buf := make([]byte, 4096)
	for {
		f, err := p.ReadFrame(b.conn, buf)
		if err != nil {
			b.readErr <- err
			return
		}
		b.frames <- f
	}
}

func (b *broker) send(channel uint16, id uint32, args schema.Args) error {
	raw, err := frame.EncodeMethod(schema.Default, channel, methodOf(id, args), frame.Limits{})
	if err != nil {
		return err
	}
	_, err = b.conn.Write(raw)
	return err
}

func (b *broker) sendContent(channel uint16, id uint32, args schema.Args, props schema.BasicProperties, body []byte) error {
	if err := b.send(channel, id, args); err != nil {
		return err
	}
	frames, err := frame.EncodeContent(schema.Default, channel, schema.ClassBasic, props.Args(), body, b.frameMax)
	if err != nil {
		return err
	}
	return frame.WriteFrame(b.conn, frames...)
}

// next returns the next non-heartbeat frame.
func (b *broker) next() (frame.Frame, error) {
	timer := time.NewTimer(waitFor)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-b.frames:
			if !ok {
				return frame.Frame{}, fmt.Errorf("client stream ended")
			}
			if f.IsHeartbeat() {
				continue
			}
			return f, nil
		case <-timer.C:
			return frame.Frame{}, fmt.Errorf("timed out waiting for a frame")
		}
	}
}

func (b *broker) expect(id uint32) (frame.Frame, error) {
	f, err := b.next()
	if err != nil {
		return f, fmt.Errorf("awaiting %s: %w", schema.Default.Name(id), err)
	}
	if f.Type != frame.TypeMethod || f.Method.ID() != id {
		return f, fmt.Errorf("awaiting %s, got type=%d %s", schema.Default.Name(id), f.Type, schema.Default.Name(f.Method.ID()))
	}
	return f, nil
}

// quiet reports an error if the client writes any non-heartbeat frame within d.
func (b *broker) quiet(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-b.frames:
			if !ok {
				return nil
			}
			if !f.IsHeartbeat() {
				return fmt.Errorf("unexpected frame type=%d %s", f.Type, schema.Default.Name(f.Method.ID()))
			}
		case <-timer.C:
			return nil
		}
	}
}

func (b *broker) handshake(tune schema.Args) error {
	if err := b.send(0, schema.ConnectionStart, schema.Args{
		"server-properties": field.Table{"product": "fake-broker"},
		"mechanisms":        "AMQPLAIN PLAIN",
	}); err != nil {
		return err
	}
	if _, err := b.expect(schema.ConnectionStartOk); err != nil {
		return err
	}
	if err := b.send(0, schema.ConnectionTune, tune); err != nil {
		return err
	}
	ok, err := b.expect(schema.ConnectionTuneOk)
	if err != nil {
		return err
	}
	b.frameMax, _ = ok.Method.Args["frame-max"].(uint32)
	if _, err := b.expect(schema.ConnectionOpen); err != nil {
		return err
	}
	return b.send(0, schema.ConnectionOpenOk, nil)
}

func defaultTune() schema.Args {
	return schema.Args{"channel-max": uint16(16), "frame-max": frame.MinFrameMax, "heartbeat": uint16(0)}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Heartbeat = 0
	cfg.RPCTimeout = waitFor
	cfg.CloseTimeout = waitFor
	return cfg
}

func openPair(t *testing.T, cfg Config, tune schema.Args) (*Connection, *broker) {
	t.Helper()
	client, server := net.Pipe()
	b := newBroker(server)
	hs := make(chan error, 1)
	go func() { hs <- b.handshake(tune) }()
	c, err := Open(context.Background(), client, cfg)
	if herr := <-hs; herr != nil {
		t.Fatalf("broker handshake: %v", herr)
	}
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return c, b
}

func openChannel(t *testing.T, c *Connection, b *broker) *Channel {
	t.Helper()
	type result struct {
		ch  *Channel
		err error
	}
	res := make(chan result, 1)
	go func() {
		ch, err := c.Channel(context.Background())
		res <- result{ch, err}
	}()
	f, err := b.expect(schema.ChannelOpen)
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	if err := b.send(f.Channel, schema.ChannelOpenOk, nil); err != nil {
		t.Fatalf("broker send open-ok: %v", err)
	}
	r := <-res
	if r.err != nil {
		t.Fatalf("channel open: %v", r.err)
	}
	if r.ch.ID() != f.Channel {
		t.Fatalf("channel id=%d broker saw=%d", r.ch.ID(), f.Channel)
	}
	return r.ch
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%v", err)
	}
}

func recvErr(t *testing.T, c <-chan error) error {
	t.Helper()
	select {
	case err := <-c:
		return err
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for result")
		return nil
	}
}
