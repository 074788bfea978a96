package transport

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"amqp-rpc/config"
	"amqp-rpc/rpcerrors"
)

// retryForever makes retry.Call loop until it succeeds or is stopped.
const retryForever = -1

// State is the lifecycle stage of a Driver.
type State int

const (
	StateIdle       State = iota // Nothing opened yet
	StateConnecting              // Dial loop running
	StateConnected               // Connection cached
	StateClosed                  // Close called; the driver cannot be reused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Driver owns one broker connection and one channel.
//
// The connection is dialed on first use and retried with a fixed delay until it
// succeeds; dial errors are logged, never returned. The only ways out of the retry loop
// are the caller's context and Close.
type Driver struct {
	cfg    config.Config
	dialer Dialer
	clock  clock.Clock
	logger *zap.Logger

	acquireMu sync.Mutex // Serializes dialing: at most one attempt in flight
	channelMu sync.Mutex // Serializes channel creation

	mu      sync.Mutex // Guards the fields below
	state   State
	conn    Connection
	ch      Channel
	closing chan struct{} // Closed by Close to interrupt the dial loop
}

// DriverOption customizes a Driver.
type DriverOption func(*Driver)

// WithLogger sets the logger for connection events.
func WithLogger(logger *zap.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithClock sets the clock driving the reconnect delay.
func WithClock(clk clock.Clock) DriverOption {
	return func(d *Driver) {
		d.clock = clk
	}
}

// NewDriver validates cfg and returns an idle Driver. No network I/O happens here.
func NewDriver(cfg config.Config, dialer Dialer, opts ...DriverOption) (*Driver, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = AMQPDialer{}
	}
	d := &Driver{
		cfg:     cfg,
		dialer:  dialer,
		clock:   clock.WallClock,
		logger:  zap.NewNop(),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "driver"))
	return d, nil
}

// State returns the current lifecycle stage.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Connection returns the cached connection, dialing it first if needed.
// It fails only with ErrClosed or the context's error.
func (d *Driver) Connection(ctx context.Context) (Connection, error) {
	d.acquireMu.Lock()
	defer d.acquireMu.Unlock()

	d.mu.Lock()
	switch d.state {
	case StateClosed:
		d.mu.Unlock()
		return nil, rpcerrors.ErrClosed
	case StateConnected:
		conn := d.conn
		d.mu.Unlock()
		return conn, nil
	}
	d.state = StateConnecting
	d.mu.Unlock()

	conn, err := d.dial(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateClosed {
		// Close raced with a successful dial.
		if conn != nil {
			_ = conn.Close()
		}
		return nil, rpcerrors.ErrClosed
	}
	if err != nil {
		d.state = StateIdle
		return nil, err
	}
	d.conn = conn
	d.state = StateConnected
	d.logger.Info("connected to broker")
	return conn, nil
}

// dial runs the fixed-delay retry loop.
func (d *Driver) dial(ctx context.Context) (Connection, error) {
	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.closing:
			cancel()
		case <-stopCtx.Done():
		}
	}()

	var conn Connection
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := d.dialer.Dial(d.cfg.URI)
			if err != nil {
				return rpcerrors.Wrap(rpcerrors.ErrConnection, err)
			}
			conn = c
			return nil
		},
		NotifyFunc: func(lastErr error, attempt int) {
			d.logger.Warn("broker connection failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", d.cfg.ReconnectDelay),
				zap.Error(lastErr))
		},
		Attempts: retryForever,
		Delay:    d.cfg.ReconnectDelay,
		Clock:    d.clock,
		Stop:     stopCtx.Done(),
	})
	if err == nil {
		return conn, nil
	}
	select {
	case <-d.closing:
		return nil, rpcerrors.ErrClosed
	default:
	}
	if ctx.Err() != nil {
		return nil, errors.Annotate(ctx.Err(), "connecting to broker")
	}
	return nil, errors.Trace(err)
}

// Channel returns the driver's channel, creating it once. Channel creation failures
// are returned as ErrChannel and not retried.
func (d *Driver) Channel(ctx context.Context) (Channel, error) {
	d.channelMu.Lock()
	defer d.channelMu.Unlock()

	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return nil, rpcerrors.ErrClosed
	}
	if d.ch != nil {
		ch := d.ch
		d.mu.Unlock()
		return ch, nil
	}
	d.mu.Unlock()

	conn, err := d.Connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, rpcerrors.Wrap(rpcerrors.ErrChannel, err)
	}
	if d.cfg.Prefetch > 0 {
		if err := ch.Qos(d.cfg.Prefetch); err != nil {
			_ = ch.Close()
			return nil, rpcerrors.Wrap(rpcerrors.ErrChannel, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateClosed {
		_ = ch.Close()
		return nil, rpcerrors.ErrClosed
	}
	d.ch = ch
	return ch, nil
}

// Close closes the channel, then the connection. Closing an idle or already closed
// driver is a no-op.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = StateClosed
	close(d.closing)
	ch, conn := d.ch, d.conn
	d.ch, d.conn = nil, nil
	d.mu.Unlock()

	var firstErr error
	if ch != nil {
		if err := ch.Close(); err != nil {
			firstErr = errors.Annotate(err, "closing channel")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Annotate(err, "closing connection")
		}
	}
	d.logger.Debug("driver closed")
	return firstErr
}
