// Package transport owns the link to the message broker.
//
// The RPC layer only needs a handful of broker primitives, captured by the Dialer,
// Connection and Channel interfaces below. AMQPDialer implements them on top of
// github.com/rabbitmq/amqp091-go; transporttest implements them in memory.
//
// Driver is the Connection Manager: it dials with a fixed-delay retry loop, caches the
// connection and a single channel, and tears both down on Close.
//
//	Driver.Channel ──► Driver.Connection ──► Dialer.Dial (retried until it succeeds)
//	      │                    │
//	      └─ cached Channel    └─ cached Connection
package transport

import (
	"context"

	"amqp-rpc/protocol"
)

// Dialer opens broker connections.
type Dialer interface {
	Dial(uri string) (Connection, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(uri string) (Connection, error)

func (f DialFunc) Dial(uri string) (Connection, error) {
	return f(uri)
}

// Connection is a live link to the broker.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel is a logical sub-connection used to declare queues, publish and consume.
// Implementations must be safe for concurrent use.
type Channel interface {
	Qos(prefetch int) error
	// QueueDeclare declares a queue and returns its name. An empty name asks the
	// broker to generate one.
	QueueDeclare(name string, opts protocol.QueueOptions) (string, error)
	// Consume starts delivering messages from queue with manual acknowledgement.
	// The returned channel is closed when the consumer is cancelled or the channel closes.
	Consume(queue, consumerTag string) (<-chan Delivery, error)
	Cancel(consumerTag string) error
	// Publish sends to queue through the default exchange.
	Publish(ctx context.Context, queue string, msg Publishing) error
	Close() error
}

// Publishing is an outbound message.
type Publishing struct {
	Header protocol.Header
	Body   []byte
}

// Acknowledger settles a delivery.
type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}

// Delivery is an inbound message awaiting acknowledgement.
type Delivery struct {
	Header       protocol.Header
	Body         []byte
	Redelivered  bool
	Acknowledger Acknowledger
}

// Ack acknowledges the delivery.
func (d Delivery) Ack() error {
	return d.Acknowledger.Ack()
}

// Reject rejects the delivery, optionally putting it back on the queue.
func (d Delivery) Reject(requeue bool) error {
	return d.Acknowledger.Reject(requeue)
}
