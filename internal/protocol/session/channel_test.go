package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/protocol/field"
	"github.com/danmuck/netwire/internal/protocol/frame"
	"github.com/danmuck/netwire/internal/protocol/schema"
	"github.com/danmuck/netwire/internal/testutil/testlog"
)

func declareOk(name string) schema.Args {
	return schema.Args{"queue": name, "message-count": uint32(0), "consumer-count": uint32(0)}
}

// waitReleased blocks until the connection has freed id.
func waitReleased(t *testing.T, c *Connection, id uint16) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		_, used := c.channels[id]
		c.mu.Unlock()
		if !used {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %d still reserved", id)
}

func TestRPCRepliesResolveInIssueOrder(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)

	type outcome struct {
		call int
		name string
		err  error
	}
	var (
		mu    sync.Mutex
		order []outcome
		wg    sync.WaitGroup
	)
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := ch.QueueDeclare(context.Background(), "", QueueOptions{Exclusive: true})
			mu.Lock()
			order = append(order, outcome{call: i, name: q.Name, err: err})
			mu.Unlock()
		}(i)
		if _, err := b.expect(schema.QueueDeclare); err != nil {
			t.Fatalf("broker: %v", err)
		}
	}
	for i := 1; i <= 3; i++ {
		time.Sleep(20 * time.Millisecond)
		must(t, b.send(ch.ID(), schema.QueueDeclareOk, declareOk(fmt.Sprintf("amq.gen-%d", i))))
	}
	wg.Wait()

	for i, o := range order {
		if o.err != nil {
			t.Fatalf("call %d: %v", o.call, o.err)
		}
		if o.call != i+1 || o.name != fmt.Sprintf("amq.gen-%d", o.call) {
			t.Fatalf("completion %d: call=%d got %q", i, o.call, o.name)
		}
	}
}

func TestRPCTimeoutKeepsPlaceholder(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.RPCTimeout = 50 * time.Millisecond
	c, b := openPair(t, cfg, defaultTune())
	ch := openChannel(t, c, b)

	if _, err := ch.QueueDeclare(context.Background(), "slow", QueueOptions{}); !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	_, err := b.expect(schema.QueueDeclare)
	must(t, err)

	res := make(chan Queue, 1)
	errs := make(chan error, 1)
	go func() {
		q, err := ch.QueueDeclare(context.Background(), "fast", QueueOptions{})
		res <- q
		errs <- err
	}()
	_, err = b.expect(schema.QueueDeclare)
	must(t, err)
	must(t, b.send(ch.ID(), schema.QueueDeclareOk, declareOk("slow")))
	must(t, b.send(ch.ID(), schema.QueueDeclareOk, declareOk("fast")))

	if err := recvErr(t, errs); err != nil {
		t.Fatalf("second declare: %v", err)
	}
	if q := <-res; q.Name != "fast" {
		t.Fatalf("late reply was misattributed: got %q", q.Name)
	}
}

func TestRPCContextCancel(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := ch.Qos(ctx, 10, 0, false); !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestChannelCloseTwiceAndCallsAfterClose(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)

	closed := make(chan error, 1)
	go func() { closed <- ch.Close() }()
	f, err := b.expect(schema.ChannelClose)
	must(t, err)
	if err := ch.Close(); !errors.Is(err, protocol.ErrAlreadyClosing) {
		t.Fatalf("expected already closing, got %v", err)
	}
	must(t, b.send(f.Channel, schema.ChannelCloseOk, nil))
	if err := recvErr(t, closed); err != nil {
		t.Fatalf("close: %v", err)
	}

	start := time.Now()
	if _, err := ch.QueueDeclare(context.Background(), "q", QueueOptions{}); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("call on closed channel did not fail fast")
	}
	if err := ch.Ack(1, false); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("expected closed ack, got %v", err)
	}
	if err := ch.Close(); !errors.Is(err, protocol.ErrAlreadyClosing) {
		t.Fatalf("expected already closing, got %v", err)
	}
}

func TestChannelCloseCrossingServerClose(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)

	closed := make(chan error, 1)
	go func() { closed <- ch.Close() }()
	_, err := b.expect(schema.ChannelClose)
	must(t, err)
	must(t, b.send(ch.ID(), schema.ChannelClose, schema.Args{"reply-code": protocol.ReplySuccess}))
	_, err = b.expect(schema.ChannelCloseOk)
	must(t, err)
	must(t, b.send(ch.ID(), schema.ChannelCloseOk, nil))
	if err := recvErr(t, closed); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("connection must survive a channel close race, state=%s", c.State())
	}
}

func TestServerChannelCloseFailsPendingCall(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)
	notify := ch.NotifyClose(make(chan error, 1))

	errs := make(chan error, 1)
	go func() {
		_, err := ch.QueueDeclare(context.Background(), "missing", QueueOptions{Passive: true})
		errs <- err
	}()
	_, err := b.expect(schema.QueueDeclare)
	must(t, err)
	must(t, b.send(ch.ID(), schema.ChannelClose, schema.Args{
		"reply-code": protocol.NotFound,
		"reply-text": "NOT_FOUND - no queue 'missing'",
		"class-id":   schema.ClassQueue,
		"method-id":  uint16(10),
	}))
	_, err = b.expect(schema.ChannelCloseOk)
	must(t, err)

	var perr *protocol.Error
	if err := recvErr(t, errs); !errors.As(err, &perr) || perr.Code != protocol.NotFound || perr.ClassID != schema.ClassQueue {
		t.Fatalf("expected 404, got %v", err)
	}
	if err := recvErr(t, notify); !errors.As(err, &perr) {
		t.Fatalf("notify got %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("soft error must not close the connection")
	}
}

func TestConsumerFailureClosesChannelWith541(t *testing.T) {
	cases := []struct {
		name string
		fn   ConsumerFunc
	}{
		{"panic", func(Delivery) error { panic("boom") }},
		{"error", func(Delivery) error { return errors.New("cannot handle") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Start(t)
			c, b := openPair(t, testConfig(), defaultTune())
			ch := openChannel(t, c, b)
			notify := ch.NotifyClose(make(chan error, 1))

			tags := make(chan string, 1)
			errs := make(chan error, 1)
			go func() {
				tag, err := ch.Consume(context.Background(), "jobs", "", ConsumeOptions{}, tc.fn)
				tags <- tag
				errs <- err
			}()
			f, err := b.expect(schema.BasicConsume)
			must(t, err)
			tag, _ := f.Method.Args["consumer-tag"].(string)
			must(t, b.send(ch.ID(), schema.BasicConsumeOk, schema.Args{"consumer-tag": tag}))
			must(t, recvErr(t, errs))
			if got := <-tags; got != tag {
				t.Fatalf("consumer tag=%q broker saw %q", got, tag)
			}

			must(t, b.sendContent(ch.ID(), schema.BasicDeliver, schema.Args{
				"consumer-tag": tag,
				"delivery-tag": uint64(1),
				"exchange":     "",
				"routing-key":  "jobs",
			}, schema.BasicProperties{}, []byte("payload")))

			closeFrame, err := b.expect(schema.ChannelClose)
			must(t, err)
			if code := closeFrame.Method.Args["reply-code"]; code != protocol.InternalError {
				t.Fatalf("reply-code=%v", code)
			}
			err = recvErr(t, notify)
			var perr *protocol.Error
			if !errors.Is(err, protocol.ErrConsumer) || !errors.As(err, &perr) || perr.Code != protocol.InternalError {
				t.Fatalf("expected consumer error, got %v", err)
			}
			if ch.State() != StateClosed {
				t.Fatalf("state=%s", ch.State())
			}
			c.mu.Lock()
			_, reserved := c.channels[ch.ID()]
			c.mu.Unlock()
			if !reserved {
				t.Fatalf("channel id released before close-ok")
			}
			must(t, b.send(ch.ID(), schema.ChannelCloseOk, nil))
			if c.State() != StateOpen {
				t.Fatalf("consumer failure must not close the connection")
			}
			waitReleased(t, c, ch.ID())
			again := openChannel(t, c, b)
			if again.ID() != ch.ID() {
				t.Fatalf("expected id %d to be reused, got %d", ch.ID(), again.ID())
			}
		})
	}
}

func TestDeliveryReassemblyAcrossBodyFrames(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)

	got := make(chan Delivery, 2)
	errs := make(chan error, 1)
	go func() {
		_, err := ch.Consume(context.Background(), "jobs", "worker", ConsumeOptions{NoAck: true}, func(d Delivery) error {
			got <- d
			return nil
		})
		errs <- err
	}()
	_, err := b.expect(schema.BasicConsume)
	must(t, err)
	must(t, b.send(ch.ID(), schema.BasicConsumeOk, schema.Args{"consumer-tag": "worker"}))
	must(t, recvErr(t, errs))

	big := bytes.Repeat([]byte("0123456789"), 1000)
	props := schema.BasicProperties{ContentType: "application/octet-stream", Headers: field.Table{"attempt": int32(2)}}
	must(t, b.sendContent(ch.ID(), schema.BasicDeliver, schema.Args{
		"consumer-tag": "worker",
		"delivery-tag": uint64(7),
		"redelivered":  true,
		"exchange":     "ex",
		"routing-key":  "rk",
	}, props, big))
	must(t, b.sendContent(ch.ID(), schema.BasicDeliver, schema.Args{
		"consumer-tag": "worker",
		"delivery-tag": uint64(8),
		"exchange":     "ex",
		"routing-key":  "rk",
	}, schema.BasicProperties{}, []byte{}))

	for _, want := range []struct {
		tag  uint64
		body []byte
	}{{7, big}, {8, []byte{}}} {
		select {
		case d := <-got:
			if d.DeliveryTag != want.tag || !bytes.Equal(d.Body, want.body) {
				t.Fatalf("delivery tag=%d len=%d", d.DeliveryTag, len(d.Body))
			}
			if d.Body == nil {
				t.Fatalf("body must be non-nil")
			}
			if want.tag == 7 && (!d.Redelivered || d.Properties.ContentType != "application/octet-stream" ||
				d.Properties.Headers["attempt"] != int32(2) || d.RoutingKey != "rk") {
				t.Fatalf("unexpected delivery fields: %+v", d)
			}
		case <-time.After(waitFor):
			t.Fatalf("missing delivery %d", want.tag)
		}
	}
}

func TestUnexpectedFrameInsteadOfHeader(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)
	notify := ch.NotifyClose(make(chan error, 1))

	must(t, b.send(ch.ID(), schema.BasicDeliver, schema.Args{
		"consumer-tag": "nobody",
		"delivery-tag": uint64(1),
		"exchange":     "",
		"routing-key":  "k",
	}))
	must(t, b.send(ch.ID(), schema.BasicQosOk, nil))

	f, err := b.expect(schema.ChannelClose)
	must(t, err)
	if code := f.Method.Args["reply-code"]; code != protocol.UnexpectedFrame {
		t.Fatalf("reply-code=%v", code)
	}
	if err := recvErr(t, notify); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected violation, got %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("connection state=%s", c.State())
	}
}

func TestGetOkAndGetEmpty(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)

	type result struct {
		d   Delivery
		ok  bool
		err error
	}
	res := make(chan result, 1)
	get := func() {
		d, ok, err := ch.Get(context.Background(), "jobs", false)
		res <- result{d, ok, err}
	}

	go get()
	_, err := b.expect(schema.BasicGet)
	must(t, err)
	must(t, b.sendContent(ch.ID(), schema.BasicGetOk, schema.Args{
		"delivery-tag":  uint64(3),
		"exchange":      "",
		"routing-key":   "jobs",
		"message-count": uint32(4),
	}, schema.BasicProperties{MessageID: "m-3"}, []byte("hello")))
	r := <-res
	if r.err != nil || !r.ok || string(r.d.Body) != "hello" || r.d.MessageCount != 4 || r.d.Properties.MessageID != "m-3" {
		t.Fatalf("get-ok result=%+v", r)
	}

	ackErr := make(chan error, 1)
	go func() { ackErr <- r.d.Ack(false) }()
	f, err := b.expect(schema.BasicAck)
	must(t, err)
	must(t, recvErr(t, ackErr))
	if f.Method.Args["delivery-tag"] != uint64(3) {
		t.Fatalf("ack args=%v", f.Method.Args)
	}

	go get()
	_, err = b.expect(schema.BasicGet)
	must(t, err)
	must(t, b.send(ch.ID(), schema.BasicGetEmpty, nil))
	if r := <-res; r.err != nil || r.ok {
		t.Fatalf("get-empty result=%+v", r)
	}
}

func TestReturnAndFlowNotifications(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)
	returns := ch.NotifyReturn(make(chan Return, 1))
	flows := ch.NotifyFlow(make(chan bool, 1))

	must(t, b.sendContent(ch.ID(), schema.BasicReturn, schema.Args{
		"reply-code":  protocol.NoRoute,
		"reply-text":  "NO_ROUTE",
		"exchange":    "ex",
		"routing-key": "nowhere",
	}, schema.BasicProperties{}, []byte("lost")))
	select {
	case r := <-returns:
		if r.ReplyCode != protocol.NoRoute || string(r.Body) != "lost" {
			t.Fatalf("return=%+v", r)
		}
	case <-time.After(waitFor):
		t.Fatalf("missing return")
	}

	must(t, b.send(ch.ID(), schema.ChannelFlow, schema.Args{"active": false}))
	f, err := b.expect(schema.ChannelFlowOk)
	must(t, err)
	if f.Method.Args["active"] != false {
		t.Fatalf("flow-ok=%v", f.Method.Args)
	}
	if active := <-flows; active {
		t.Fatalf("expected flow paused")
	}
}

func TestPublishFoobarWithConfirm(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)

	errs := make(chan error, 1)
	go func() { errs <- ch.Confirm(context.Background()) }()
	_, err := b.expect(schema.ConfirmSelect)
	must(t, err)
	must(t, b.send(ch.ID(), schema.ConfirmSelectOk, nil))
	must(t, recvErr(t, errs))

	d, err := ch.PublishWithDeferredConfirm(context.Background(), "", "q", false, false, Publishing{
		Properties: schema.BasicProperties{ContentType: "text/plain"},
		Body:       []byte("foobar"),
	})
	must(t, err)
	if d.DeliveryTag() != 1 {
		t.Fatalf("delivery tag=%d", d.DeliveryTag())
	}

	_, err = b.expect(schema.BasicPublish)
	must(t, err)
	header, err := b.next()
	must(t, err)
	if header.Type != frame.TypeHeader || header.Header.BodySize != 6 {
		t.Fatalf("expected 6-byte header, got %+v", header)
	}
	body, err := b.next()
	must(t, err)
	if body.Type != frame.TypeBody || string(body.Body) != "foobar" {
		t.Fatalf("expected one body frame, got %+v", body)
	}
	if err := b.quiet(50 * time.Millisecond); err != nil {
		t.Fatalf("extra frames after content: %v", err)
	}

	waited := make(chan error, 1)
	var acked bool
	go func() {
		var err error
		acked, err = ch.WaitForConfirms(context.Background())
		waited <- err
	}()
	must(t, b.send(ch.ID(), schema.BasicAck, schema.Args{"delivery-tag": uint64(1), "multiple": false}))
	must(t, recvErr(t, waited))
	if !acked || !d.Acked() || ch.LowWaterMark() != 2 || ch.Outstanding() != 0 {
		t.Fatalf("acked=%v lwm=%d outstanding=%d", acked, ch.LowWaterMark(), ch.Outstanding())
	}
}

func TestWaitForConfirmsWithMultipleAck(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)
	if _, err := ch.WaitForConfirms(context.Background()); !errors.Is(err, ErrNotConfirmMode) {
		t.Fatalf("expected not confirm mode, got %v", err)
	}

	errs := make(chan error, 1)
	go func() { errs <- ch.Confirm(context.Background()) }()
	_, err := b.expect(schema.ConfirmSelect)
	must(t, err)
	must(t, b.send(ch.ID(), schema.ConfirmSelectOk, nil))
	must(t, recvErr(t, errs))
	published := ch.NotifyPublish(make(chan Confirmation, 3))

	for i := 0; i < 3; i++ {
		must(t, ch.Publish(context.Background(), "", "q", false, false, Publishing{Body: []byte{byte(i)}}))
	}
	waited := make(chan error, 1)
	var acked bool
	go func() {
		var err error
		acked, err = ch.WaitForConfirms(context.Background())
		waited <- err
	}()
	must(t, b.send(ch.ID(), schema.BasicNack, schema.Args{"delivery-tag": uint64(2), "multiple": false, "requeue": false}))
	must(t, b.send(ch.ID(), schema.BasicAck, schema.Args{"delivery-tag": uint64(3), "multiple": true}))
	must(t, recvErr(t, waited))
	if acked {
		t.Fatalf("a nacked publish must make WaitForConfirms report false")
	}
	for tag := uint64(1); tag <= 3; tag++ {
		got := <-published
		if got.DeliveryTag != tag || got.Ack != (tag != 2) {
			t.Fatalf("confirmation %d = %+v", tag, got)
		}
	}
}

func TestPublishValidatesBeforeWriting(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)

	errs := make(chan error, 1)
	go func() { errs <- ch.Confirm(context.Background()) }()
	_, err := b.expect(schema.ConfirmSelect)
	must(t, err)
	must(t, b.send(ch.ID(), schema.ConfirmSelectOk, nil))
	must(t, recvErr(t, errs))

	if err := ch.Publish(context.Background(), "", "q", false, false, Publishing{}); !errors.Is(err, frame.ErrNilBody) {
		t.Fatalf("expected nil body error, got %v", err)
	}
	bad := Publishing{
		Properties: schema.BasicProperties{Headers: field.Table{"fn": func() {}}},
		Body:       []byte("x"),
	}
	if err := ch.Publish(context.Background(), "", "q", false, false, bad); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	long := Publishing{Body: []byte("x")}
	if err := ch.Publish(context.Background(), string(bytes.Repeat([]byte("e"), 300)), "q", false, false, long); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for long exchange name, got %v", err)
	}
	if err := b.quiet(50 * time.Millisecond); err != nil {
		t.Fatalf("rejected publish reached the wire: %v", err)
	}

	d, err := ch.PublishWithDeferredConfirm(context.Background(), "", "q", false, false, Publishing{Body: []byte{}})
	must(t, err)
	if d.DeliveryTag() != 1 {
		t.Fatalf("rejected publishes must not consume tags, got %d", d.DeliveryTag())
	}
	_, err = b.expect(schema.BasicPublish)
	must(t, err)
	header, err := b.next()
	must(t, err)
	if header.Type != frame.TypeHeader || header.Header.BodySize != 0 {
		t.Fatalf("header=%+v", header)
	}
	if err := b.quiet(50 * time.Millisecond); err != nil {
		t.Fatalf("empty body must not produce a body frame: %v", err)
	}
}

func TestChannelCloseFailsPendingConfirms(t *testing.T) {
	testlog.Start(t)
	c, b := openPair(t, testConfig(), defaultTune())
	ch := openChannel(t, c, b)

	errs := make(chan error, 1)
	go func() { errs <- ch.Confirm(context.Background()) }()
	_, err := b.expect(schema.ConfirmSelect)
	must(t, err)
	must(t, b.send(ch.ID(), schema.ConfirmSelectOk, nil))
	must(t, recvErr(t, errs))

	d, err := ch.PublishWithDeferredConfirm(context.Background(), "", "q", false, false, Publishing{Body: []byte("a")})
	must(t, err)
	must(t, b.send(ch.ID(), schema.ChannelClose, schema.Args{"reply-code": protocol.PreconditionFailed}))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if _, err := d.Wait(ctx); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}
