package transport

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"amqp-rpc/protocol"
)

// AMQPDialer connects to RabbitMQ (or any AMQP 0-9-1 broker) with amqp091-go.
// A zero Config dials with the library defaults.
type AMQPDialer struct {
	Config *amqp.Config
}

func (d AMQPDialer) Dial(uri string) (Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	if d.Config != nil {
		conn, err = amqp.DialConfig(uri, *d.Config)
	} else {
		conn, err = amqp.Dial(uri)
	}
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) Qos(prefetch int) error {
	return c.ch.Qos(prefetch, 0, false)
}

func (c *amqpChannel) QueueDeclare(name string, opts protocol.QueueOptions) (string, error) {
	var args amqp.Table
	if opts.MessageTTL > 0 {
		args = amqp.Table{protocol.MessageTTLArg: protocol.TTLMillis(opts.MessageTTL)}
	}
	q, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, args)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *amqpChannel) Consume(queue, consumerTag string) (<-chan Delivery, error) {
	src, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range src {
			out <- fromAMQP(d)
		}
	}()
	return out, nil
}

func (c *amqpChannel) Cancel(consumerTag string) error {
	return c.ch.Cancel(consumerTag, false)
}

func (c *amqpChannel) Publish(ctx context.Context, queue string, msg Publishing) error {
	return c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		Type:          msg.Header.MsgType.String(),
		ContentType:   msg.Header.ContentType,
		CorrelationId: msg.Header.CorrelationID,
		ReplyTo:       msg.Header.ReplyTo,
		Body:          msg.Body,
	})
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

type amqpAcknowledger struct {
	d amqp.Delivery
}

func (a amqpAcknowledger) Ack() error {
	return a.d.Ack(false)
}

func (a amqpAcknowledger) Reject(requeue bool) error {
	return a.d.Reject(requeue)
}

func fromAMQP(d amqp.Delivery) Delivery {
	return Delivery{
		Header: protocol.Header{
			MsgType:       protocol.ParseMsgType(d.Type),
			ContentType:   d.ContentType,
			CorrelationID: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
		},
		Body:         d.Body,
		Redelivered:  d.Redelivered,
		Acknowledger: amqpAcknowledger{d: d},
	}
}
