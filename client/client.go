// Package client implements the RPC client.
//
// A call is published to the queue named after the command, tagged with a fresh
// correlation id and the client's reply queue. The reply listener matches replies to
// waiting calls by correlation id:
//
//	Call ──register pending[id]──► Publish(queue=<command>, correlation_id=id, reply_to=R)
//	listen(R) ──reply(correlation_id=id)──► pending[id] ──► Call returns
//
// In exclusive reply mode R is a broker-named queue only this client reads. In
// per-command mode R is the shared "reply-<command>" queue; replies addressed to other
// clients are requeued for them.
package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"amqp-rpc/codec"
	"amqp-rpc/config"
	"amqp-rpc/message"
	"amqp-rpc/protocol"
	"amqp-rpc/rpcerrors"
	"amqp-rpc/transport"
)

const (
	// abandonedCap bounds the ids remembered for calls that gave up waiting.
	abandonedCap = 1024
	// requeueTableCap bounds the foreign ids tracked for the requeue limit.
	requeueTableCap = 4096
)

// Client sends commands and waits for their replies. It is safe for concurrent use.
type Client struct {
	cfg     config.Config
	driver  *transport.Driver
	logger  *zap.Logger
	limiter *rate.Limiter // Throttles requeues of foreign replies

	ctx    context.Context // Listener lifetime, cancelled by Close
	cancel context.CancelFunc

	mu         sync.Mutex // Guards the fields below
	started    bool
	closed     bool
	ch         transport.Channel
	replyQueue string          // Exclusive mode reply queue
	listening  map[string]bool // Reply queues with a listener
	declared   map[string]bool // Queues this client declared
	pending    map[string]*call
	abandoned  map[string]struct{}
	abandonLog []string // Insertion order of abandoned, oldest first
	requeues   map[string]int

	listeners sync.WaitGroup
}

type call struct {
	replyTo string
	done    chan result // Buffered, receives exactly one result
}

type result struct {
	res *message.CommandResult
	err error
}

type options struct {
	dialer transport.Dialer
	logger *zap.Logger
	clock  clock.Clock
}

// Option customizes a Client.
type Option func(*options)

// WithDialer sets how broker connections are opened. The default dials RabbitMQ.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock driving the reconnect delay.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// New validates cfg and returns a client that is not yet connected. Configuration
// errors are reported here, before any network activity.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	o := options{
		logger: zap.NewNop(),
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	driver, err := transport.NewDriver(cfg, o.dialer,
		transport.WithLogger(o.logger),
		transport.WithClock(o.clock))
	if err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	burst := int(cfg.RequeueRate)
	if burst < 1 {
		burst = 1
	}
	c := &Client{
		cfg:       cfg,
		driver:    driver,
		logger:    o.logger.With(zap.String("component", "client")),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequeueRate), burst),
		listening: make(map[string]bool),
		declared:  make(map[string]bool),
		pending:   make(map[string]*call),
		abandoned: make(map[string]struct{}),
		requeues:  make(map[string]int),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start connects to the broker. In exclusive reply mode it also declares the client's
// reply queue and starts listening on it. It blocks until the broker is reachable, ctx
// is done or the client is closed.
func (c *Client) Start(ctx context.Context) error {
	ch, err := c.driver.Channel(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return rpcerrors.ErrClosed
	}
	if c.started {
		return nil
	}
	c.ch = ch
	if c.cfg.ReplyMode == config.ReplyModeExclusive {
		if err := c.openReplyQueueLocked(); err != nil {
			return err
		}
	}
	c.started = true
	c.logger.Info("client started", zap.String("reply_mode", string(c.cfg.ReplyMode)))
	return nil
}

// Call runs command remotely with args and waits for the reply. On success the reply
// data is unmarshaled into reply, unless reply is nil. A handler failure is returned as
// a *rpcerrors.RemoteError.
//
// Call waits until the reply arrives, ctx is done, the configured CallTimeout elapses
// or the client is closed.
func (c *Client) Call(ctx context.Context, command string, reply any, args ...any) error {
	body, err := codec.EncodeCommand(command, args...)
	if err != nil {
		return err
	}
	ch, replyTo, err := c.prepare(command)
	if err != nil {
		return err
	}
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	done, err := c.addPending(id, replyTo)
	if err != nil {
		return err
	}
	logger := c.logger.With(zap.String("command", command), zap.String("correlation_id", id))
	err = ch.Publish(ctx, command, transport.Publishing{
		Header: protocol.RequestHeader(id, replyTo, codec.Default.ContentType()),
		Body:   body,
	})
	if err != nil {
		c.abandon(id)
		logger.Error("publishing command failed", zap.Error(err))
		return rpcerrors.Wrap(rpcerrors.ErrChannel, errors.Annotatef(err, "publishing %q", command))
	}
	logger.Debug("command sent")

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		return unpack(r.res, reply)
	case <-ctx.Done():
		c.abandon(id)
		logger.Debug("call abandoned", zap.Error(ctx.Err()))
		return errors.Annotatef(ctx.Err(), "waiting for reply to %q", command)
	}
}

// SendRaw publishes data as a bare JSON message to queue. Nothing is replied.
func (c *Client) SendRaw(ctx context.Context, queue string, data any) error {
	if queue == "" {
		return rpcerrors.Newf(rpcerrors.ErrValidation, "queue name must not be empty")
	}
	body, err := json.Marshal(data)
	if err != nil {
		return rpcerrors.Wrap(rpcerrors.ErrValidation, errors.Annotate(err, "encoding payload"))
	}

	c.mu.Lock()
	ch, err := c.channelLocked()
	if err == nil {
		err = c.declareLocked(queue, protocol.CommandQueue())
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	err = ch.Publish(ctx, queue, transport.Publishing{
		Header: protocol.RawHeader(codec.Default.ContentType()),
		Body:   body,
	})
	if err != nil {
		return rpcerrors.Wrap(rpcerrors.ErrChannel, errors.Annotatef(err, "publishing to %q", queue))
	}
	return nil
}

// Close fails every pending call with ErrClosed and closes the connection. Closing a
// client that never started is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*call)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- result{err: rpcerrors.ErrClosed}
	}
	c.cancel()
	err := c.driver.Close()
	if err != nil {
		// The consumer streams may still be open; do not wait for listeners.
		return err
	}
	c.listeners.Wait()
	return nil
}

// prepare declares the command queue and the caller's reply queue on first use and
// returns the channel and reply queue name for a call. A reply queue whose listener
// has stopped is declared and consumed again.
func (c *Client) prepare(command string) (transport.Channel, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channelLocked()
	if err != nil {
		return nil, "", err
	}
	if err := c.declareLocked(command, protocol.CommandQueue()); err != nil {
		return nil, "", err
	}
	if c.cfg.ReplyMode == config.ReplyModeExclusive {
		if !c.listening[c.replyQueue] {
			c.logger.Warn("replacing reply queue", zap.String("queue", c.replyQueue))
			if err := c.openReplyQueueLocked(); err != nil {
				return nil, "", err
			}
		}
		return ch, c.replyQueue, nil
	}
	replyTo := protocol.ReplyQueueName(command)
	if !c.listening[replyTo] {
		if err := c.declareLocked(replyTo, protocol.SharedReplyQueue(c.cfg.ReplyTTL)); err != nil {
			return nil, "", err
		}
		if err := c.listenLocked(replyTo); err != nil {
			return nil, "", err
		}
	}
	return ch, replyTo, nil
}

// openReplyQueueLocked declares a broker-named exclusive reply queue and listens on it.
func (c *Client) openReplyQueueLocked() error {
	queue, err := c.ch.QueueDeclare("", protocol.ExclusiveReplyQueue(c.cfg.ReplyTTL))
	if err != nil {
		return rpcerrors.Wrap(rpcerrors.ErrChannel, errors.Annotate(err, "declaring reply queue"))
	}
	if err := c.listenLocked(queue); err != nil {
		return err
	}
	c.replyQueue = queue
	return nil
}

func (c *Client) channelLocked() (transport.Channel, error) {
	switch {
	case c.closed:
		return nil, rpcerrors.ErrClosed
	case !c.started:
		return nil, rpcerrors.ErrNoChannel
	}
	return c.ch, nil
}

func (c *Client) declareLocked(queue string, opts protocol.QueueOptions) error {
	if c.declared[queue] {
		return nil
	}
	if _, err := c.ch.QueueDeclare(queue, opts); err != nil {
		return rpcerrors.Wrap(rpcerrors.ErrChannel, errors.Annotatef(err, "declaring queue %q", queue))
	}
	c.declared[queue] = true
	return nil
}

func (c *Client) listenLocked(queue string) error {
	tag := "amqp-rpc-client-" + uuid.NewString()
	deliveries, err := c.ch.Consume(queue, tag)
	if err != nil {
		return rpcerrors.Wrap(rpcerrors.ErrChannel, errors.Annotatef(err, "consuming reply queue %q", queue))
	}
	c.listening[queue] = true
	c.listeners.Add(1)
	go c.listen(queue, deliveries)
	return nil
}

func (c *Client) addPending(id, replyTo string) (<-chan result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rpcerrors.ErrClosed
	}
	// The listener may have stopped since prepare; nothing would resolve the call.
	if !c.listening[replyTo] {
		return nil, rpcerrors.Newf(rpcerrors.ErrChannel, "reply queue %q stopped delivering", replyTo)
	}
	p := &call{replyTo: replyTo, done: make(chan result, 1)}
	c.pending[id] = p
	return p.done, nil
}

// abandon forgets a call that stopped waiting. Its reply, if it ever comes, is dropped.
func (c *Client) abandon(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)
	c.abandoned[id] = struct{}{}
	c.abandonLog = append(c.abandonLog, id)
	if len(c.abandonLog) > abandonedCap {
		delete(c.abandoned, c.abandonLog[0])
		c.abandonLog = c.abandonLog[1:]
	}
}

// pendingCount returns the number of calls waiting for a reply.
func (c *Client) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// listen resolves pending calls from one reply queue until its stream closes.
func (c *Client) listen(queue string, deliveries <-chan transport.Delivery) {
	defer c.listeners.Done()
	logger := c.logger.With(zap.String("queue", queue))
	for d := range deliveries {
		c.handleReply(logger, d)
	}

	select {
	case <-c.ctx.Done():
		return
	default:
	}
	logger.Error("reply stream closed unexpectedly")
	c.mu.Lock()
	delete(c.listening, queue)
	delete(c.declared, queue)
	var failed []*call
	for id, p := range c.pending {
		if p.replyTo == queue {
			delete(c.pending, id)
			failed = append(failed, p)
		}
	}
	c.mu.Unlock()
	for _, p := range failed {
		p.done <- result{err: rpcerrors.Newf(rpcerrors.ErrChannel, "reply queue %q stopped delivering", queue)}
	}
}

func (c *Client) handleReply(logger *zap.Logger, d transport.Delivery) {
	id := d.Header.CorrelationID
	logger = logger.With(zap.String("correlation_id", id))

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		delete(c.requeues, id)
	}
	c.mu.Unlock()
	if !ok {
		c.handleUnknown(logger, d)
		return
	}

	if err := d.Ack(); err != nil {
		logger.Error("acknowledging reply failed", zap.Error(err))
	}
	res, err := codec.DecodeResult(d.Body)
	if err != nil {
		logger.Warn("undecodable reply", zap.Error(err))
		p.done <- result{err: err}
		return
	}
	p.done <- result{res: res}
}

// handleUnknown settles a reply no pending call is waiting for.
func (c *Client) handleUnknown(logger *zap.Logger, d transport.Delivery) {
	id := d.Header.CorrelationID

	c.mu.Lock()
	_, mine := c.abandoned[id]
	delete(c.abandoned, id)
	drop := mine || c.cfg.ReplyMode == config.ReplyModeExclusive
	n := 0
	if !drop {
		n = c.requeues[id] + 1
		if n > c.cfg.MaxRequeues {
			delete(c.requeues, id)
			drop = true
		} else {
			if len(c.requeues) >= requeueTableCap {
				c.requeues = make(map[string]int)
			}
			c.requeues[id] = n
		}
	}
	c.mu.Unlock()

	if drop {
		logger.Warn("dropping reply without a waiting call", zap.Bool("abandoned", mine))
		if err := d.Reject(false); err != nil {
			logger.Error("rejecting reply failed", zap.Error(err))
		}
		return
	}

	// Another client sharing the queue may be waiting for it.
	if err := c.limiter.Wait(c.ctx); err != nil {
		// Closing; the broker puts the message back when the channel goes away.
		return
	}
	logger.Debug("requeueing foreign reply", zap.Int("attempt", n))
	if err := d.Reject(true); err != nil {
		logger.Error("requeueing reply failed", zap.Error(err))
	}
}

func unpack(res *message.CommandResult, reply any) error {
	if res.Failed() {
		return rpcerrors.FromDescriptor(res.Error)
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(res.Data, reply); err != nil {
		return rpcerrors.Wrap(rpcerrors.ErrDecode, errors.Annotate(err, "decoding reply data"))
	}
	return nil
}
