package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/danmuck/netwire/internal/protocol/frame"
	"github.com/danmuck/netwire/internal/protocol/schema"
)

func (ch *Channel) call(ctx context.Context, id uint32, args schema.Args, expect ...uint32) (rpcResult, error) {
	return ch.rpc(ctx, StateOpen, methodOf(id, args), expect...)
}

func (ch *Channel) ExchangeDeclare(ctx context.Context, name, kind string, opts ExchangeOptions) error {
	_, err := ch.call(ctx, schema.ExchangeDeclare, schema.Args{
		"exchange":    name,
		"type":        kind,
		"passive":     opts.Passive,
		"durable":     opts.Durable,
		"auto-delete": opts.AutoDelete,
		"internal":    opts.Internal,
		"arguments":   tableOrEmpty(opts.Args),
	}, schema.ExchangeDeclareOk)
	return err
}

func (ch *Channel) ExchangeDelete(ctx context.Context, name string, ifUnused bool) error {
	_, err := ch.call(ctx, schema.ExchangeDelete, schema.Args{
		"exchange":  name,
		"if-unused": ifUnused,
	}, schema.ExchangeDeleteOk)
	return err
}

func (ch *Channel) ExchangeBind(ctx context.Context, destination, key, source string, args map[string]any) error {
	_, err := ch.call(ctx, schema.ExchangeBind, schema.Args{
		"destination": destination,
		"source":      source,
		"routing-key": key,
		"arguments":   tableOrEmpty(args),
	}, schema.ExchangeBindOk)
	return err
}

func (ch *Channel) ExchangeUnbind(ctx context.Context, destination, key, source string, args map[string]any) error {
	_, err := ch.call(ctx, schema.ExchangeUnbind, schema.Args{
		"destination": destination,
		"source":      source,
		"routing-key": key,
		"arguments":   tableOrEmpty(args),
	}, schema.ExchangeUnbindOk)
	return err
}

func (ch *Channel) QueueDeclare(ctx context.Context, name string, opts QueueOptions) (Queue, error) {
	r, err := ch.call(ctx, schema.QueueDeclare, schema.Args{
		"queue":       name,
		"passive":     opts.Passive,
		"durable":     opts.Durable,
		"exclusive":   opts.Exclusive,
		"auto-delete": opts.AutoDelete,
		"arguments":   tableOrEmpty(opts.Args),
	}, schema.QueueDeclareOk)
	if err != nil {
		return Queue{}, err
	}
	var q Queue
	q.Name, _ = r.method.Args["queue"].(string)
	q.Messages, _ = r.method.Args["message-count"].(uint32)
	q.Consumers, _ = r.method.Args["consumer-count"].(uint32)
	return q, nil
}

func (ch *Channel) QueueBind(ctx context.Context, queue, key, exchange string, args map[string]any) error {
	_, err := ch.call(ctx, schema.QueueBind, schema.Args{
		"queue":       queue,
		"exchange":    exchange,
		"routing-key": key,
		"arguments":   tableOrEmpty(args),
	}, schema.QueueBindOk)
	return err
}

func (ch *Channel) QueueUnbind(ctx context.Context, queue, key, exchange string, args map[string]any) error {
	_, err := ch.call(ctx, schema.QueueUnbind, schema.Args{
		"queue":       queue,
		"exchange":    exchange,
		"routing-key": key,
		"arguments":   tableOrEmpty(args),
	}, schema.QueueUnbindOk)
	return err
}

// QueuePurge returns the number of messages purged.
func (ch *Channel) QueuePurge(ctx context.Context, queue string) (uint32, error) {
	r, err := ch.call(ctx, schema.QueuePurge, schema.Args{"queue": queue}, schema.QueuePurgeOk)
	if err != nil {
		return 0, err
	}
	n, _ := r.method.Args["message-count"].(uint32)
	return n, nil
}

// QueueDelete returns the number of messages deleted with the queue.
func (ch *Channel) QueueDelete(ctx context.Context, queue string, ifUnused, ifEmpty bool) (uint32, error) {
	r, err := ch.call(ctx, schema.QueueDelete, schema.Args{
		"queue":     queue,
		"if-unused": ifUnused,
		"if-empty":  ifEmpty,
	}, schema.QueueDeleteOk)
	if err != nil {
		return 0, err
	}
	n, _ := r.method.Args["message-count"].(uint32)
	return n, nil
}

func (ch *Channel) Qos(ctx context.Context, prefetchCount uint16, prefetchSize uint32, global bool) error {
	_, err := ch.call(ctx, schema.BasicQos, schema.Args{
		"prefetch-size":  prefetchSize,
		"prefetch-count": prefetchCount,
		"global":         global,
	}, schema.BasicQosOk)
	return err
}

// Consume starts a consumer and returns its tag. An empty tag is replaced by
// a channel-unique one so deliveries can be routed before consume-ok.
func (ch *Channel) Consume(ctx context.Context, queue, consumerTag string, opts ConsumeOptions, fn ConsumerFunc) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("%w: nil consumer", ErrInvalidConsumer)
	}
	ch.mu.Lock()
	if consumerTag == "" {
		ch.tagSeq++
		consumerTag = "ctag-" + strconv.Itoa(int(ch.id)) + "-" + strconv.FormatUint(ch.tagSeq, 10)
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		ch.mu.Unlock()
		return "", fmt.Errorf("%w: duplicate consumer tag %q", ErrInvalidConsumer, consumerTag)
	}
	ch.consumers[consumerTag] = fn
	ch.mu.Unlock()

	_, err := ch.call(ctx, schema.BasicConsume, schema.Args{
		"queue":        queue,
		"consumer-tag": consumerTag,
		"no-local":     opts.NoLocal,
		"no-ack":       opts.NoAck,
		"exclusive":    opts.Exclusive,
		"arguments":    tableOrEmpty(opts.Args),
	}, schema.BasicConsumeOk)
	if err != nil {
		ch.mu.Lock()
		delete(ch.consumers, consumerTag)
		ch.mu.Unlock()
		return "", err
	}
	return consumerTag, nil
}

// Cancel stops a consumer. Deliveries already queued are still dispatched.
func (ch *Channel) Cancel(ctx context.Context, consumerTag string) error {
	_, err := ch.call(ctx, schema.BasicCancel, schema.Args{"consumer-tag": consumerTag}, schema.BasicCancelOk)
	ch.mu.Lock()
	delete(ch.consumers, consumerTag)
	ch.mu.Unlock()
	return err
}

// Get fetches one message. ok is false when the queue is empty.
func (ch *Channel) Get(ctx context.Context, queue string, autoAck bool) (Delivery, bool, error) {
	r, err := ch.call(ctx, schema.BasicGet, schema.Args{
		"queue":  queue,
		"no-ack": autoAck,
	}, schema.BasicGetOk, schema.BasicGetEmpty)
	if err != nil {
		return Delivery{}, false, err
	}
	if r.method.ID() == schema.BasicGetEmpty {
		return Delivery{}, false, nil
	}
	d := deliveryFrom(r.method, r.props, r.body)
	d.channel = ch
	return d, true, nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.send(schema.BasicAck, schema.Args{"delivery-tag": tag, "multiple": multiple})
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.send(schema.BasicNack, schema.Args{"delivery-tag": tag, "multiple": multiple, "requeue": requeue})
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.send(schema.BasicReject, schema.Args{"delivery-tag": tag, "requeue": requeue})
}

func (ch *Channel) Recover(ctx context.Context, requeue bool) error {
	_, err := ch.call(ctx, schema.BasicRecover, schema.Args{"requeue": requeue}, schema.BasicRecoverOk)
	return err
}

// Flow asks the server to pause (false) or resume (true) deliveries.
func (ch *Channel) Flow(ctx context.Context, active bool) (bool, error) {
	r, err := ch.call(ctx, schema.ChannelFlow, schema.Args{"active": active}, schema.ChannelFlowOk)
	if err != nil {
		return false, err
	}
	got, _ := r.method.Args["active"].(bool)
	return got, nil
}

func (ch *Channel) Tx(ctx context.Context) error {
	_, err := ch.call(ctx, schema.TxSelect, nil, schema.TxSelectOk)
	return err
}

func (ch *Channel) TxCommit(ctx context.Context) error {
	_, err := ch.call(ctx, schema.TxCommit, nil, schema.TxCommitOk)
	return err
}

func (ch *Channel) TxRollback(ctx context.Context) error {
	_, err := ch.call(ctx, schema.TxRollback, nil, schema.TxRollbackOk)
	return err
}

// Confirm puts the channel in confirm mode. Publishes after it returns are
// numbered from delivery tag 1.
func (ch *Channel) Confirm(ctx context.Context) error {
	if ch.confirming.Load() {
		return nil
	}
	if _, err := ch.call(ctx, schema.ConfirmSelect, nil, schema.ConfirmSelectOk); err != nil {
		return err
	}
	ch.confirming.Store(true)
	return nil
}

// Publish sends one message. Arguments and properties are validated and every
// frame is encoded before anything is queued.
func (ch *Channel) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg Publishing) error {
	_, err := ch.PublishWithDeferredConfirm(ctx, exchange, key, mandatory, immediate, msg)
	return err
}

// PublishWithDeferredConfirm is Publish returning the confirm handle for the
// message. The handle is nil unless the channel is in confirm mode.
func (ch *Channel) PublishWithDeferredConfirm(ctx context.Context, exchange, key string, mandatory, immediate bool, msg Publishing) (*DeferredConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ch.State() != StateOpen {
		return nil, ch.stateError()
	}
	reg := ch.conn.reg
	head, err := frame.EncodeMethod(reg, ch.id, methodOf(schema.BasicPublish, schema.Args{
		"exchange":    exchange,
		"routing-key": key,
		"mandatory":   mandatory,
		"immediate":   immediate,
	}), ch.conn.limits())
	if err != nil {
		return nil, err
	}
	content, err := frame.EncodeContent(reg, ch.id, schema.ClassBasic, msg.Properties.Args(), msg.Body, ch.conn.tune.FrameMax)
	if err != nil {
		return nil, err
	}
	frames := append([][]byte{head}, content...)

	ch.pubMu.Lock()
	defer ch.pubMu.Unlock()
	var d *DeferredConfirmation
	if ch.confirming.Load() {
		d = ch.confirm.publish()
	}
	if err := ch.out.send(frames, ch.conn.done); err != nil {
		if d != nil {
			ch.confirm.unpublish(d)
		}
		return nil, ch.closedError()
	}
	return d, nil
}

// WaitForConfirms blocks until every publish made so far is confirmed and
// reports whether all of them were acked.
func (ch *Channel) WaitForConfirms(ctx context.Context) (bool, error) {
	if !ch.confirming.Load() {
		return false, ErrNotConfirmMode
	}
	all := true
	for _, d := range ch.confirm.unresolved() {
		ack, err := d.Wait(ctx)
		if err != nil {
			return false, err
		}
		all = all && ack
	}
	return all, nil
}

// LowWaterMark is the lowest delivery tag not yet confirmed.
func (ch *Channel) LowWaterMark() uint64 {
	return ch.confirm.lowWaterMark()
}

// Outstanding is the number of publishes awaiting a confirm.
func (ch *Channel) Outstanding() int {
	return ch.confirm.outstanding()
}
