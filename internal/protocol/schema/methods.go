package schema

import "github.com/danmuck/netwire/internal/protocol/field"

// Class ids.
const (
	ClassConnection uint16 = 10
	ClassChannel    uint16 = 20
	ClassExchange   uint16 = 40
	ClassQueue      uint16 = 50
	ClassBasic      uint16 = 60
	ClassConfirm    uint16 = 85
	ClassTx         uint16 = 90
)

// Method ids, packed with ID.
var (
	ConnectionStart     = ID(10, 10)
	ConnectionStartOk   = ID(10, 11)
	ConnectionSecure    = ID(10, 20)
	ConnectionSecureOk  = ID(10, 21)
	ConnectionTune      = ID(10, 30)
	ConnectionTuneOk    = ID(10, 31)
	ConnectionOpen      = ID(10, 40)
	ConnectionOpenOk    = ID(10, 41)
	ConnectionClose     = ID(10, 50)
	ConnectionCloseOk   = ID(10, 51)
	ConnectionBlocked   = ID(10, 60)
	ConnectionUnblocked = ID(10, 61)

	ChannelOpen    = ID(20, 10)
	ChannelOpenOk  = ID(20, 11)
	ChannelFlow    = ID(20, 20)
	ChannelFlowOk  = ID(20, 21)
	ChannelClose   = ID(20, 40)
	ChannelCloseOk = ID(20, 41)

	ExchangeDeclare   = ID(40, 10)
	ExchangeDeclareOk = ID(40, 11)
	ExchangeDelete    = ID(40, 20)
	ExchangeDeleteOk  = ID(40, 21)
	ExchangeBind      = ID(40, 30)
	ExchangeBindOk    = ID(40, 31)
	ExchangeUnbind    = ID(40, 40)
	ExchangeUnbindOk  = ID(40, 51)

	QueueDeclare   = ID(50, 10)
	QueueDeclareOk = ID(50, 11)
	QueueBind      = ID(50, 20)
	QueueBindOk    = ID(50, 21)
	QueuePurge     = ID(50, 30)
	QueuePurgeOk   = ID(50, 31)
	QueueDelete    = ID(50, 40)
	QueueDeleteOk  = ID(50, 41)
	QueueUnbind    = ID(50, 50)
	QueueUnbindOk  = ID(50, 51)

	BasicQos          = ID(60, 10)
	BasicQosOk        = ID(60, 11)
	BasicConsume      = ID(60, 20)
	BasicConsumeOk    = ID(60, 21)
	BasicCancel       = ID(60, 30)
	BasicCancelOk     = ID(60, 31)
	BasicPublish      = ID(60, 40)
	BasicReturn       = ID(60, 50)
	BasicDeliver      = ID(60, 60)
	BasicGet          = ID(60, 70)
	BasicGetOk        = ID(60, 71)
	BasicGetEmpty     = ID(60, 72)
	BasicAck          = ID(60, 80)
	BasicReject       = ID(60, 90)
	BasicRecoverAsync = ID(60, 100)
	BasicRecover      = ID(60, 110)
	BasicRecoverOk    = ID(60, 111)
	BasicNack         = ID(60, 120)

	ConfirmSelect   = ID(85, 10)
	ConfirmSelectOk = ID(85, 11)

	TxSelect     = ID(90, 10)
	TxSelectOk   = ID(90, 11)
	TxCommit     = ID(90, 20)
	TxCommitOk   = ID(90, 21)
	TxRollback   = ID(90, 30)
	TxRollbackOk = ID(90, 31)
)

func f(name string, t Type) Field {
	return Field{Name: name, Type: t}
}

func fd(name string, t Type, def any) Field {
	return Field{Name: name, Type: t, Default: def}
}

func method(id uint32, name string, fields ...Field) *MethodSpec {
	c, m := SplitID(id)
	return &MethodSpec{ClassID: c, MethodID: m, Name: name, Fields: fields}
}

func response(id uint32, name string, fields ...Field) *MethodSpec {
	spec := method(id, name, fields...)
	spec.Response = true
	return spec
}

func content(spec *MethodSpec) *MethodSpec {
	spec.Content = true
	return spec
}

var (
	reserved1Short = fd("reserved1", Short, uint16(0))
	reserved1Str   = fd("reserved1", ShortStr, "")
	noWait         = fd("nowait", Bit, false)
	arguments      = fd("arguments", Table, field.Table{})
	closeFields    = []Field{
		f("reply-code", Short),
		fd("reply-text", ShortStr, ""),
		fd("class-id", Short, uint16(0)),
		fd("method-id", Short, uint16(0)),
	}
)

var methodTable = []*MethodSpec{
	method(ConnectionStart, "connection.start",
		fd("version-major", Octet, uint8(0)),
		fd("version-minor", Octet, uint8(9)),
		fd("server-properties", Table, field.Table{}),
		fd("mechanisms", LongStr, "PLAIN"),
		fd("locales", LongStr, "en_US")),
	method(ConnectionStartOk, "connection.start-ok",
		fd("client-properties", Table, field.Table{}),
		fd("mechanism", ShortStr, "PLAIN"),
		f("response", LongStr),
		fd("locale", ShortStr, "en_US")),
	method(ConnectionSecure, "connection.secure", f("challenge", LongStr)),
	method(ConnectionSecureOk, "connection.secure-ok", f("response", LongStr)),
	method(ConnectionTune, "connection.tune",
		fd("channel-max", Short, uint16(0)),
		fd("frame-max", Long, uint32(0)),
		fd("heartbeat", Short, uint16(0))),
	method(ConnectionTuneOk, "connection.tune-ok",
		fd("channel-max", Short, uint16(0)),
		fd("frame-max", Long, uint32(0)),
		fd("heartbeat", Short, uint16(0))),
	method(ConnectionOpen, "connection.open",
		fd("virtual-host", ShortStr, "/"),
		reserved1Str,
		fd("reserved2", Bit, false)),
	response(ConnectionOpenOk, "connection.open-ok", reserved1Str),
	method(ConnectionClose, "connection.close", closeFields...),
	response(ConnectionCloseOk, "connection.close-ok"),
	method(ConnectionBlocked, "connection.blocked", fd("reason", ShortStr, "")),
	method(ConnectionUnblocked, "connection.unblocked"),

	method(ChannelOpen, "channel.open", reserved1Str),
	response(ChannelOpenOk, "channel.open-ok", fd("reserved1", LongStr, "")),
	method(ChannelFlow, "channel.flow", f("active", Bit)),
	response(ChannelFlowOk, "channel.flow-ok", f("active", Bit)),
	method(ChannelClose, "channel.close", closeFields...),
	response(ChannelCloseOk, "channel.close-ok"),

	method(ExchangeDeclare, "exchange.declare",
		reserved1Short,
		f("exchange", ShortStr),
		fd("type", ShortStr, "direct"),
		fd("passive", Bit, false),
		fd("durable", Bit, false),
		fd("auto-delete", Bit, false),
		fd("internal", Bit, false),
		noWait,
		arguments),
	response(ExchangeDeclareOk, "exchange.declare-ok"),
	method(ExchangeDelete, "exchange.delete",
		reserved1Short,
		f("exchange", ShortStr),
		fd("if-unused", Bit, false),
		noWait),
	response(ExchangeDeleteOk, "exchange.delete-ok"),
	method(ExchangeBind, "exchange.bind",
		reserved1Short,
		f("destination", ShortStr),
		f("source", ShortStr),
		fd("routing-key", ShortStr, ""),
		noWait,
		arguments),
	response(ExchangeBindOk, "exchange.bind-ok"),
	method(ExchangeUnbind, "exchange.unbind",
		reserved1Short,
		f("destination", ShortStr),
		f("source", ShortStr),
		fd("routing-key", ShortStr, ""),
		noWait,
		arguments),
	response(ExchangeUnbindOk, "exchange.unbind-ok"),

	method(QueueDeclare, "queue.declare",
		reserved1Short,
		fd("queue", ShortStr, ""),
		fd("passive", Bit, false),
		fd("durable", Bit, false),
		fd("exclusive", Bit, false),
		fd("auto-delete", Bit, false),
		noWait,
		arguments),
	response(QueueDeclareOk, "queue.declare-ok",
		f("queue", ShortStr),
		f("message-count", Long),
		f("consumer-count", Long)),
	method(QueueBind, "queue.bind",
		reserved1Short,
		fd("queue", ShortStr, ""),
		f("exchange", ShortStr),
		fd("routing-key", ShortStr, ""),
		noWait,
		arguments),
	response(QueueBindOk, "queue.bind-ok"),
	method(QueuePurge, "queue.purge",
		reserved1Short,
		fd("queue", ShortStr, ""),
		noWait),
	response(QueuePurgeOk, "queue.purge-ok", f("message-count", Long)),
	method(QueueDelete, "queue.delete",
		reserved1Short,
		fd("queue", ShortStr, ""),
		fd("if-unused", Bit, false),
		fd("if-empty", Bit, false),
		noWait),
	response(QueueDeleteOk, "queue.delete-ok", f("message-count", Long)),
	method(QueueUnbind, "queue.unbind",
		reserved1Short,
		fd("queue", ShortStr, ""),
		f("exchange", ShortStr),
		fd("routing-key", ShortStr, ""),
		arguments),
	response(QueueUnbindOk, "queue.unbind-ok"),

	method(BasicQos, "basic.qos",
		fd("prefetch-size", Long, uint32(0)),
		fd("prefetch-count", Short, uint16(0)),
		fd("global", Bit, false)),
	response(BasicQosOk, "basic.qos-ok"),
	method(BasicConsume, "basic.consume",
		reserved1Short,
		fd("queue", ShortStr, ""),
		fd("consumer-tag", ShortStr, ""),
		fd("no-local", Bit, false),
		fd("no-ack", Bit, false),
		fd("exclusive", Bit, false),
		noWait,
		arguments),
	response(BasicConsumeOk, "basic.consume-ok", f("consumer-tag", ShortStr)),
	method(BasicCancel, "basic.cancel",
		f("consumer-tag", ShortStr),
		noWait),
	response(BasicCancelOk, "basic.cancel-ok", f("consumer-tag", ShortStr)),
	content(method(BasicPublish, "basic.publish",
		reserved1Short,
		fd("exchange", ShortStr, ""),
		fd("routing-key", ShortStr, ""),
		fd("mandatory", Bit, false),
		fd("immediate", Bit, false))),
	content(method(BasicReturn, "basic.return",
		f("reply-code", Short),
		fd("reply-text", ShortStr, ""),
		f("exchange", ShortStr),
		f("routing-key", ShortStr))),
	content(method(BasicDeliver, "basic.deliver",
		f("consumer-tag", ShortStr),
		f("delivery-tag", LongLong),
		fd("redelivered", Bit, false),
		f("exchange", ShortStr),
		f("routing-key", ShortStr))),
	method(BasicGet, "basic.get",
		reserved1Short,
		fd("queue", ShortStr, ""),
		fd("no-ack", Bit, false)),
	content(response(BasicGetOk, "basic.get-ok",
		f("delivery-tag", LongLong),
		fd("redelivered", Bit, false),
		f("exchange", ShortStr),
		f("routing-key", ShortStr),
		f("message-count", Long))),
	response(BasicGetEmpty, "basic.get-empty", reserved1Str),
	method(BasicAck, "basic.ack",
		fd("delivery-tag", LongLong, uint64(0)),
		fd("multiple", Bit, false)),
	method(BasicReject, "basic.reject",
		f("delivery-tag", LongLong),
		fd("requeue", Bit, true)),
	method(BasicRecoverAsync, "basic.recover-async", fd("requeue", Bit, false)),
	method(BasicRecover, "basic.recover", fd("requeue", Bit, false)),
	response(BasicRecoverOk, "basic.recover-ok"),
	method(BasicNack, "basic.nack",
		fd("delivery-tag", LongLong, uint64(0)),
		fd("multiple", Bit, false),
		fd("requeue", Bit, true)),

	method(ConfirmSelect, "confirm.select", noWait),
	response(ConfirmSelectOk, "confirm.select-ok"),

	method(TxSelect, "tx.select"),
	response(TxSelectOk, "tx.select-ok"),
	method(TxCommit, "tx.commit"),
	response(TxCommitOk, "tx.commit-ok"),
	method(TxRollback, "tx.rollback"),
	response(TxRollbackOk, "tx.rollback-ok"),
}

// Basic content properties, in presence-flag order.
var basicProperties = &PropertySpec{
	ClassID: ClassBasic,
	Name:    "basic",
	Fields: []Field{
		f("content-type", ShortStr),
		f("content-encoding", ShortStr),
		f("headers", Table),
		f("delivery-mode", Octet),
		f("priority", Octet),
		f("correlation-id", ShortStr),
		f("reply-to", ShortStr),
		f("expiration", ShortStr),
		f("message-id", ShortStr),
		f("timestamp", Timestamp),
		f("type", ShortStr),
		f("user-id", ShortStr),
		f("app-id", ShortStr),
		f("cluster-id", ShortStr),
	},
}

// Default is the AMQP 0-9-1 registry, built once at package init.
var Default = newRegistry(methodTable, []*PropertySpec{basicProperties})
