package session

import (
	"github.com/danmuck/netwire/internal/protocol/field"
	"github.com/danmuck/netwire/internal/protocol/schema"
)

// Publishing is an outgoing message. Body must be non-nil; use []byte{} for
// an empty message.
type Publishing struct {
	Properties schema.BasicProperties
	Body       []byte
}

// Delivery is a message received through basic.deliver or basic.get-ok.
type Delivery struct {
	ConsumerTag  string
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
	Properties   schema.BasicProperties
	Body         []byte

	channel *Channel
}

func (d Delivery) Ack(multiple bool) error {
	return d.channel.Ack(d.DeliveryTag, multiple)
}

func (d Delivery) Nack(multiple, requeue bool) error {
	return d.channel.Nack(d.DeliveryTag, multiple, requeue)
}

func (d Delivery) Reject(requeue bool) error {
	return d.channel.Reject(d.DeliveryTag, requeue)
}

// Return is an unroutable mandatory or immediate publish sent back by the
// server.
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties schema.BasicProperties
	Body       []byte
}

// ConsumerFunc handles one delivery. Returning an error, or panicking, is a
// consumer failure: the channel is closed with internal-error (541).
type ConsumerFunc func(Delivery) error

type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
	Passive    bool
	Args       field.Table
}

type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Passive    bool
	Args       field.Table
}

type ConsumeOptions struct {
	NoAck     bool
	Exclusive bool
	NoLocal   bool
	Args      field.Table
}

// Queue is the server's answer to queue.declare.
type Queue struct {
	Name      string
	Messages  uint32
	Consumers uint32
}

func tableOrEmpty(t field.Table) field.Table {
	if t == nil {
		return field.Table{}
	}
	return t
}
