// Package server implements the RPC server: it consumes command queues, runs handlers
// through a middleware chain and publishes the result to the caller's reply queue.
//
// Request processing pipeline:
//
//	Consume(queue=<command>) → consume loop (one goroutine per queue)
//	  → for each delivery: go handleCommand (bounded by MaxConcurrentHandlers)
//	    → codec.DecodeCommand → Middleware Chain → HandlerFunc → ack/reject
//	      → codec.EncodeResult → Publish(queue=reply_to, correlation_id)
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"amqp-rpc/codec"
	"amqp-rpc/config"
	"amqp-rpc/message"
	"amqp-rpc/middleware"
	"amqp-rpc/protocol"
	"amqp-rpc/registry"
	"amqp-rpc/rpcerrors"
	"amqp-rpc/transport"
)

// DecodeErrorName names the failure replied to a command that could not be decoded.
const DecodeErrorName = "DecodeError"

// HandlerFunc answers a command. The returned value is JSON-encoded as the reply data;
// a returned error becomes a failure reply.
type HandlerFunc func(ctx context.Context, args message.Args) (any, error)

// RawHandlerFunc consumes a fire-and-forget message.
type RawHandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Server answers commands published to the broker.
type Server struct {
	cfg      config.Config
	driver   *transport.Driver
	logger   *zap.Logger
	clock    clock.Clock
	registry registry.Registry // nil when the catalog is not used
	instance string            // Id registered in the catalog and used in consumer tags
	sem      *semaphore.Weighted

	ctx    context.Context // Handler context, cancelled by Close
	cancel context.CancelFunc

	mu          sync.Mutex // Guards the fields below
	started     bool
	closed      bool
	ch          transport.Channel
	middlewares []middleware.Middleware
	chain       middleware.Middleware // Built from middlewares on the first AddHandler
	queues      map[string]bool       // Queues with a handler
	consumers   []string              // Consumer tags
	commands    []string              // Commands registered in the catalog

	loops    sync.WaitGroup // Consume loops
	inflight sync.WaitGroup // Handler goroutines
}

type options struct {
	dialer   transport.Dialer
	logger   *zap.Logger
	clock    clock.Clock
	registry registry.Registry
	instance string
}

// Option customizes a Server.
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

// WithClock sets the clock used for reconnect delays and shutdown timeouts.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithRegistry publishes every added command in reg under the given instance id. An
// empty id is replaced by a random one.
func WithRegistry(reg registry.Registry, instance string) Option {
	return func(o *options) {
		o.registry = reg
		o.instance = instance
	}
}

// New validates cfg and returns a server that is not yet connected.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	o := options{
		logger: zap.NewNop(),
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.instance == "" {
		o.instance = uuid.NewString()
	}
	logger := o.logger.With(zap.String("component", "server"), zap.String("instance", o.instance))
	driver, err := transport.NewDriver(cfg, o.dialer,
		transport.WithLogger(o.logger),
		transport.WithClock(o.clock))
	if err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	s := &Server{
		cfg:      cfg,
		driver:   driver,
		logger:   logger,
		clock:    o.clock,
		registry: o.registry,
		instance: o.instance,
		queues:   make(map[string]bool),
	}
	if cfg.MaxConcurrentHandlers > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxConcurrentHandlers)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Use registers a middleware. Middlewares apply in the order they are added and must be
// registered before the first handler.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chain != nil {
		s.logger.Warn("middleware added after the first handler is ignored")
		return
	}
	s.middlewares = append(s.middlewares, mw)
}

// Start connects to the broker and opens the server's channel. It blocks until the
// broker is reachable, ctx is done or the server is closed.
func (s *Server) Start(ctx context.Context) error {
	ch, err := s.driver.Channel(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = ch
	s.started = true
	return nil
}

// AddHandler declares the command's queue and starts answering it with h.
func (s *Server) AddHandler(ctx context.Context, command string, h HandlerFunc) error {
	if h == nil {
		return rpcerrors.Newf(rpcerrors.ErrValidation, "handler for %q is nil", command)
	}
	mw, err := s.reserve(command)
	if err != nil {
		return err
	}
	chain := mw(s.invoke(h))
	if err := s.consume(command, func(d transport.Delivery) { s.handleCommand(chain, command, d) }); err != nil {
		s.release(command)
		return err
	}
	s.register(ctx, command)
	s.logger.Info("handler added", zap.String("command", command))
	return nil
}

// AddNoReplyHandler consumes queue with h. Messages are acknowledged when h succeeds and
// rejected otherwise; nothing is ever replied.
func (s *Server) AddNoReplyHandler(ctx context.Context, queue string, h RawHandlerFunc) error {
	if h == nil {
		return rpcerrors.Newf(rpcerrors.ErrValidation, "handler for %q is nil", queue)
	}
	if _, err := s.reserve(queue); err != nil {
		return err
	}
	if err := s.consume(queue, func(d transport.Delivery) { s.handleRaw(h, queue, d) }); err != nil {
		s.release(queue)
		return err
	}
	s.logger.Info("no-reply handler added", zap.String("queue", queue))
	return nil
}

// reserve claims a queue name for a new handler and returns the middleware chain.
func (s *Server) reserve(queue string) (middleware.Middleware, error) {
	if queue == "" {
		return nil, rpcerrors.Newf(rpcerrors.ErrValidation, "command name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, rpcerrors.ErrClosed
	case !s.started:
		return nil, rpcerrors.ErrNoChannel
	case s.queues[queue]:
		return nil, rpcerrors.Newf(rpcerrors.ErrValidation, "a handler for %q is already registered", queue)
	}
	if s.chain == nil {
		// Panics are always contained; user middlewares wrap the recovery.
		s.chain = middleware.Chain(append(s.middlewares, middleware.RecoverMiddleware())...)
	}
	s.queues[queue] = true
	return s.chain, nil
}

func (s *Server) release(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, queue)
}

// consume declares queue and starts its consume loop.
func (s *Server) consume(queue string, handle func(transport.Delivery)) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	if _, err := ch.QueueDeclare(queue, protocol.CommandQueue()); err != nil {
		return rpcerrors.Wrap(rpcerrors.ErrChannel, errors.Annotatef(err, "declaring queue %q", queue))
	}
	tag := fmt.Sprintf("%s-%s-%s", queue, s.instance, uuid.NewString()[:8])
	deliveries, err := ch.Consume(queue, tag)
	if err != nil {
		return rpcerrors.Wrap(rpcerrors.ErrChannel, errors.Annotatef(err, "consuming queue %q", queue))
	}

	s.mu.Lock()
	s.consumers = append(s.consumers, tag)
	s.mu.Unlock()

	s.loops.Add(1)
	go s.loop(queue, deliveries, handle)
	return nil
}

// loop dispatches each delivery of one queue to its own goroutine.
func (s *Server) loop(queue string, deliveries <-chan transport.Delivery, handle func(transport.Delivery)) {
	defer s.loops.Done()
	logger := s.logger.With(zap.String("queue", queue))
	for d := range deliveries {
		if s.sem != nil {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				// Closing: hand the message back for another server.
				_ = d.Reject(true)
				continue
			}
		}
		s.inflight.Add(1)
		go func(d transport.Delivery) {
			defer s.inflight.Done()
			if s.sem != nil {
				defer s.sem.Release(1)
			}
			handle(d)
		}(d)
	}
	logger.Debug("consumer stopped")
}

// invoke adapts a HandlerFunc to the middleware chain.
func (s *Server) invoke(h HandlerFunc) middleware.HandlerFunc {
	return func(ctx context.Context, cmd *message.Command) *message.CommandResult {
		v, err := h(ctx, cmd.Args)
		if err != nil {
			return message.Failure(rpcerrors.Describe(err))
		}
		res, err := message.Success(v)
		if err != nil {
			return message.Failure(rpcerrors.Describe(fmt.Errorf("encoding result of %q: %w", cmd.Name, err)))
		}
		return res
	}
}

func (s *Server) handleCommand(chain middleware.HandlerFunc, queue string, d transport.Delivery) {
	logger := s.logger.With(
		zap.String("queue", queue),
		zap.String("correlation_id", d.Header.CorrelationID))

	var res *message.CommandResult
	cmd, err := codec.DecodeCommand(d.Body)
	if err != nil {
		logger.Warn("rejecting undecodable command", zap.Error(err))
		res = message.Failure(&message.ErrorDescriptor{Name: DecodeErrorName, Message: err.Error()})
	} else {
		logger.Debug("handling command", zap.String("command", cmd.Name))
		res = chain(s.ctx, cmd)
	}

	if res.Failed() {
		err = d.Reject(false)
	} else {
		err = d.Ack()
	}
	if err != nil {
		logger.Error("settling delivery failed", zap.Error(err))
	}
	s.reply(logger, d.Header, res)
}

// reply publishes res to the caller's reply queue, when the request names one.
func (s *Server) reply(logger *zap.Logger, req protocol.Header, res *message.CommandResult) {
	if err := req.CanReply(); err != nil {
		logger.Warn("not replying", zap.Error(err))
		return
	}
	body, err := codec.EncodeResult(res)
	if err != nil {
		logger.Error("encoding reply failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	err = ch.Publish(s.ctx, req.ReplyTo, transport.Publishing{
		Header: protocol.ReplyHeader(req.CorrelationID, codec.Default.ContentType()),
		Body:   body,
	})
	if err != nil {
		logger.Error("publishing reply failed", zap.String("reply_to", req.ReplyTo), zap.Error(err))
	}
}

func (s *Server) handleRaw(h RawHandlerFunc, queue string, d transport.Delivery) {
	logger := s.logger.With(zap.String("queue", queue))
	if !json.Valid(d.Body) {
		logger.Warn("rejecting message with invalid JSON payload")
		if err := d.Reject(false); err != nil {
			logger.Error("rejecting delivery failed", zap.Error(err))
		}
		return
	}
	settle := d.Ack
	if err := runRaw(s.ctx, h, d.Body); err != nil {
		logger.Warn("no-reply handler failed", zap.Error(err))
		settle = func() error { return d.Reject(false) }
	}
	if err := settle(); err != nil {
		logger.Error("settling delivery failed", zap.Error(err))
	}
}

func runRaw(ctx context.Context, h RawHandlerFunc, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}

func (s *Server) register(ctx context.Context, command string) {
	if s.registry == nil {
		return
	}
	inst := registry.Instance{ID: s.instance, Queue: command}
	if err := s.registry.Register(ctx, command, inst, s.cfg.RegistryTTL); err != nil {
		s.logger.Warn("registering command failed", zap.String("command", command), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()
}

// Shutdown stops consuming, deregisters the server's commands, waits up to timeout for
// in-flight handlers and closes the connection. A server that was never started is left
// untouched.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return s.Close()
	}
	s.closed = true
	ch, tags, commands := s.ch, s.consumers, s.commands
	s.mu.Unlock()

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, command := range commands {
			if err := s.registry.Deregister(ctx, command, s.instance); err != nil {
				s.logger.Warn("deregistering command failed", zap.String("command", command), zap.Error(err))
			}
		}
		cancel()
	}
	for _, tag := range tags {
		if err := ch.Cancel(tag); err != nil {
			s.logger.Warn("cancelling consumer failed", zap.String("consumer", tag), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		s.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-s.clock.After(timeout):
		err = errors.Errorf("timeout waiting for in-flight handlers to finish")
	}
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection immediately. Handlers still running see their context
// cancelled and can no longer settle their delivery. Close is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.driver.Close()
	s.loops.Wait()
	return err
}
