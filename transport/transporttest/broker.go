// Package transporttest provides an in-memory broker implementing the transport
// interfaces, with the delivery semantics the RPC layer relies on: named queues on a
// default exchange, round-robin dispatch between consumers, manual ack, reject with or
// without requeue, and requeue of unacknowledged messages when a channel closes.
package transporttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"amqp-rpc/protocol"
	"amqp-rpc/transport"
)

// QueueStats counts what happened to the messages of one queue.
type QueueStats struct {
	Ready     int // Waiting for a consumer
	Unacked   int // Delivered, not yet settled
	Consumers int
	Published int
	Acked     int
	Rejected  int // Rejected without requeue
	Requeued  int
}

// Broker is an in-memory message broker. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	published []Published
	dropped   int
	dials     int
	failDials int
	dialErr   error
	chanErr   error
	nextName  int
	nextTag   uint64
}

// Published is a message accepted by the broker, in publish order.
type Published struct {
	Queue string
	Msg   transport.Publishing
}

type queue struct {
	name      string
	opts      protocol.QueueOptions
	owner     *conn // Set for exclusive queues
	ready     []*message
	consumers []*consumer
	next      int
	stats     QueueStats
}

type message struct {
	pub         transport.Publishing
	redelivered bool
}

type inflight struct {
	q   *queue
	msg *message
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// FailDials makes the next n dials fail with err.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
	b.dialErr = err
}

// FailChannel makes the next Connection.Channel call fail with err.
func (b *Broker) FailChannel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chanErr = err
}

// Dials returns the number of dial attempts, failed ones included.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Dial implements transport.Dialer.
func (b *Broker) Dial(uri string) (transport.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, b.dialErr
	}
	return &conn{b: b}, nil
}

// Published returns the messages published to queue, including dropped ones.
func (b *Broker) Published(queue string) []transport.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []transport.Publishing
	for _, p := range b.published {
		if p.Queue == queue {
			out = append(out, p.Msg)
		}
	}
	return out
}

// AllPublished returns every message published since the broker was created.
func (b *Broker) AllPublished() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Dropped returns the number of messages published to a queue that did not exist.
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// HasQueue reports whether a queue is declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueOptions returns the declaration options of a queue.
func (b *Broker) QueueOptions(name string) (protocol.QueueOptions, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return protocol.QueueOptions{}, false
	}
	return q.opts, true
}

// Stats returns the counters of a queue. Unknown queues give zero stats.
func (b *Broker) Stats(name string) QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueStats{}
	}
	s := q.stats
	s.Ready = len(q.ready)
	s.Consumers = len(q.consumers)
	return s
}

// DeleteQueue removes a queue and ends the delivery streams of its consumers, as a
// broker does when a queue is deleted under a consumer.
func (b *Broker) DeleteQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return
	}
	for len(q.consumers) > 0 {
		b.removeConsumerLocked(q.consumers[0])
	}
	delete(b.queues, name)
}

// Publish injects a message as if a foreign client had published it.
func (b *Broker) Publish(queue string, msg transport.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(queue, msg)
}

func (b *Broker) publishLocked(name string, msg transport.Publishing) {
	msg.Body = append([]byte(nil), msg.Body...)
	b.published = append(b.published, Published{Queue: name, Msg: msg})
	q, ok := b.queues[name]
	if !ok {
		b.dropped++
		return
	}
	q.stats.Published++
	q.ready = append(q.ready, &message{pub: msg})
	b.dispatchLocked(q)
}

// dispatchLocked hands ready messages to consumers in round-robin order.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		m := q.ready[0]
		q.ready = q.ready[1:]
		c := q.consumers[q.next%len(q.consumers)]
		q.next++

		b.nextTag++
		tag := b.nextTag
		c.ch.unacked[tag] = inflight{q: q, msg: m}
		q.stats.Unacked++
		c.push(transport.Delivery{
			Header:       m.pub.Header,
			Body:         m.pub.Body,
			Redelivered:  m.redelivered,
			Acknowledger: &acknowledger{b: b, ch: c.ch, tag: tag},
		})
	}
}

func (b *Broker) requeueLocked(in inflight) {
	in.msg.redelivered = true
	in.q.stats.Unacked--
	in.q.stats.Requeued++
	in.q.ready = append([]*message{in.msg}, in.q.ready...)
}

func (b *Broker) removeConsumerLocked(c *consumer) {
	q := c.q
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	delete(c.ch.consumers, c.tag)
	left := c.stop()
	// Requeueing prepends, so walk backwards to keep the original order.
	for i := len(left) - 1; i >= 0; i-- {
		tag := left[i].Acknowledger.(*acknowledger).tag
		if in, ok := c.ch.unacked[tag]; ok {
			delete(c.ch.unacked, tag)
			b.requeueLocked(in)
		}
	}
	b.dispatchLocked(q)
}

type conn struct {
	b        *Broker
	closed   bool
	channels []*channel
}

func (c *conn) Channel() (transport.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("connection closed")
	}
	if err := c.b.chanErr; err != nil {
		c.b.chanErr = nil
		return nil, err
	}
	ch := &channel{
		b:         c.b,
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]inflight),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection already closed")
	}
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	for name, q := range c.b.queues {
		if q.owner == c {
			delete(c.b.queues, name)
		}
	}
	c.closed = true
	return nil
}

type channel struct {
	b         *Broker
	conn      *conn
	closed    bool
	consumers map[string]*consumer
	unacked   map[uint64]inflight
	nextTag   int
}

func (ch *channel) Qos(prefetch int) error {
	return nil
}

func (ch *channel) QueueDeclare(name string, opts protocol.QueueOptions) (string, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return "", fmt.Errorf("channel closed")
	}
	if name == "" {
		b.nextName++
		name = fmt.Sprintf("amq.gen-%d", b.nextName)
	}
	if q, ok := b.queues[name]; ok {
		if q.opts != opts {
			return "", fmt.Errorf("PRECONDITION_FAILED - inequivalent arguments for queue %q", name)
		}
		if q.owner != nil && q.owner != ch.conn {
			return "", fmt.Errorf("RESOURCE_LOCKED - queue %q is exclusive to another connection", name)
		}
		return name, nil
	}
	q := &queue{name: name, opts: opts}
	if opts.Exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return name, nil
}

func (ch *channel) Consume(name, consumerTag string) (<-chan transport.Delivery, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, fmt.Errorf("channel closed")
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("NOT_FOUND - no queue %q", name)
	}
	if consumerTag == "" {
		ch.nextTag++
		consumerTag = fmt.Sprintf("ctag-%d", ch.nextTag)
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		return nil, fmt.Errorf("NOT_ALLOWED - consumer tag %q reused", consumerTag)
	}
	c := newConsumer(consumerTag, q, ch)
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)
	return c.out, nil
}

func (ch *channel) Cancel(consumerTag string) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return fmt.Errorf("unknown consumer %q", consumerTag)
	}
	b.removeConsumerLocked(c)
	return nil
}

func (ch *channel) Publish(ctx context.Context, queue string, msg transport.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("channel closed")
	}
	b.publishLocked(queue, msg)
	return nil
}

func (ch *channel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("channel already closed")
	}
	ch.closeLocked()
	return nil
}

func (ch *channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	for _, c := range ch.consumers {
		ch.b.removeConsumerLocked(c)
	}
	// Unacknowledged messages go back to their queues, oldest first.
	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	touched := make(map[*queue]bool)
	for _, tag := range tags {
		in := ch.unacked[tag]
		delete(ch.unacked, tag)
		ch.b.requeueLocked(in)
		touched[in.q] = true
	}
	for q := range touched {
		ch.b.dispatchLocked(q)
	}
}

type acknowledger struct {
	b   *Broker
	ch  *channel
	tag uint64
}

func (a *acknowledger) settle() (inflight, error) {
	if a.ch.closed {
		return inflight{}, fmt.Errorf("channel closed")
	}
	in, ok := a.ch.unacked[a.tag]
	if !ok {
		return inflight{}, fmt.Errorf("PRECONDITION_FAILED - unknown delivery tag %d", a.tag)
	}
	delete(a.ch.unacked, a.tag)
	return in, nil
}

func (a *acknowledger) Ack() error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	in, err := a.settle()
	if err != nil {
		return err
	}
	in.q.stats.Unacked--
	in.q.stats.Acked++
	return nil
}

func (a *acknowledger) Reject(requeue bool) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	in, err := a.settle()
	if err != nil {
		return err
	}
	if !requeue {
		in.q.stats.Unacked--
		in.q.stats.Rejected++
		return nil
	}
	a.b.requeueLocked(in)
	a.b.dispatchLocked(in.q)
	return nil
}

// consumer buffers dispatched deliveries and pumps them to its output channel,
// so dispatch never blocks on a slow reader.
type consumer struct {
	tag string
	q   *queue
	ch  *channel
	out chan transport.Delivery

	mu     sync.Mutex
	cond   *sync.Cond
	inbox  []transport.Delivery
	held   *transport.Delivery // Popped by pump, not yet received by the reader
	closed bool
	done   chan struct{}
	exited chan struct{}
}

func newConsumer(tag string, q *queue, ch *channel) *consumer {
	c := &consumer{
		tag:    tag,
		q:      q,
		ch:     ch,
		out:    make(chan transport.Delivery),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.pump()
	return c
}

func (c *consumer) push(d transport.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, d)
	c.cond.Signal()
}

// stop ends the pump and returns the deliveries the reader never received, oldest
// first.
func (c *consumer) stop() []transport.Delivery {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.cond.Broadcast()
	c.mu.Unlock()

	// The pump never takes the broker lock, so waiting here is safe under it.
	<-c.exited

	c.mu.Lock()
	defer c.mu.Unlock()
	left := c.inbox
	if c.held != nil {
		left = append([]transport.Delivery{*c.held}, left...)
	}
	c.inbox, c.held = nil, nil
	return left
}

func (c *consumer) pump() {
	defer close(c.exited)
	defer close(c.out)
	for {
		c.mu.Lock()
		for len(c.inbox) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		d := c.inbox[0]
		c.inbox = c.inbox[1:]
		c.held = &d
		c.mu.Unlock()

		select {
		case c.out <- d:
			c.mu.Lock()
			c.held = nil
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// holding reports whether the pump has a delivery the reader has not received.
func (c *consumer) holding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held != nil
}

// Eventually polls cond every few milliseconds until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
