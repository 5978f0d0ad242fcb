// Package source maintains one resilient subscription to a publisher.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/logging"
	"github.com/jito-foundation/solana-accountsdb-connector/metrics"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
	"github.com/jito-foundation/solana-accountsdb-connector/wire"
)

// State is the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

var (
	errStreamClosed     = errors.New("stream closed by publisher")
	errHeartbeatTimeout = errors.New("no message within heartbeat timeout")
	errQueueOverflow    = errors.New("inbound queue overflowed")
)

// Stream is an open subscription.
type Stream interface {
	Recv() (*wire.Update, error)
	Close() error
}

// Connector opens subscriptions. Each call is a fresh connection.
type Connector interface {
	Connect(ctx context.Context) (Stream, error)
}

// Options configures a Connection.
type Options struct {
	Name string
	// RetrySleep is the fixed delay between connection attempts.
	RetrySleep time.Duration
	// QueueSize bounds the events waiting for the reconciler. Overflow
	// forces a reconnect.
	QueueSize int
	// HeartbeatTimeout drops a silent stream; 0 disables the watchdog.
	HeartbeatTimeout time.Duration
}

// Status is a point-in-time view of a Connection for health reporting.
type Status struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	Connects         uint64    `json:"connects"`
	HighestWriteSlot uint64    `json:"highest_write_slot"`
	LastMessage      time.Time `json:"last_message"`
	LastError        string    `json:"last_error,omitempty"`
}

// Connection keeps one publisher subscription alive, reconnecting forever
// until its context ends, and exposes the received account writes and slot
// updates on a bounded channel.
type Connection struct {
	name             string
	connector        Connector
	backoff          backoff.BackOff
	heartbeatTimeout time.Duration

	updates chan types.Update
	state   atomic.Int32

	mu               sync.RWMutex
	connects         uint64
	highestWriteSlot uint64
	lastMessage      time.Time
	lastError        error

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewConnection creates a disconnected Connection; call Run to start it.
func NewConnection(opts Options, connector Connector, logger *zap.Logger, m *metrics.Collector) *Connection {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.RetrySleep <= 0 {
		opts.RetrySleep = time.Second
	}
	return &Connection{
		name:             opts.Name,
		connector:        connector,
		backoff:          backoff.NewConstantBackOff(opts.RetrySleep),
		heartbeatTimeout: opts.HeartbeatTimeout,
		updates:          make(chan types.Update, opts.QueueSize),
		logger:           logging.Component(logger, "source").With(zap.String("source", opts.Name)),
		metrics:          m,
	}
}

// Name identifies the source in logs and metrics.
func (c *Connection) Name() string {
	return c.name
}

// Updates delivers account writes and slot updates in the order the
// publisher sent them. It is closed when Run returns.
func (c *Connection) Updates() <-chan types.Update {
	return c.updates
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Status returns a snapshot for health reporting.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Name:             c.name,
		State:            c.State().String(),
		Connects:         c.connects,
		HighestWriteSlot: c.highestWriteSlot,
		LastMessage:      c.lastMessage,
	}
	if c.lastError != nil {
		st.LastError = c.lastError.Error()
	}
	return st
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.SetSourceState(c.name, int(s))
}

// Run connects and streams until ctx is done, reconnecting after every
// failure with a fixed delay. It returns ctx.Err().
func (c *Connection) Run(ctx context.Context) error {
	defer close(c.updates)
	defer c.setState(StateDisconnected)

	for {
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			c.logger.Info("source stopped")
			return ctx.Err()
		}

		c.mu.Lock()
		c.lastError = err
		c.mu.Unlock()
		c.setState(StateBackoff)

		wait := c.backoff.NextBackOff()
		c.logger.Warn("source disconnected, retrying",
			zap.Error(err),
			zap.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			c.logger.Info("source stopped")
			return ctx.Err()
		case <-time.After(wait):
		}
		c.metrics.RecordReconnect(c.name)
	}
}

func (c *Connection) streamOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	stream, err := c.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer stream.Close()

	var timedOut atomic.Bool
	touch := func() {}
	if c.heartbeatTimeout > 0 {
		watchdog := time.AfterFunc(c.heartbeatTimeout, func() {
			timedOut.Store(true)
			stream.Close()
		})
		defer watchdog.Stop()
		touch = func() { watchdog.Reset(c.heartbeatTimeout) }
	}
	return c.consume(ctx, stream, touch, &timedOut)
}

func (c *Connection) consume(ctx context.Context, stream Stream, touch func(), timedOut *atomic.Bool) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			switch {
			case timedOut.Load():
				return errHeartbeatTimeout
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF):
				return errStreamClosed
			default:
				return fmt.Errorf("recv: %w", err)
			}
		}
		touch()

		if c.State() != StateStreaming {
			c.markStreaming()
		}
		c.mu.Lock()
		c.lastMessage = time.Now()
		c.mu.Unlock()

		u, err := msg.ToUpdate()
		if err != nil {
			c.logger.Error("dropping malformed event", zap.Error(err))
			c.metrics.RecordMalformed("consumer")
			continue
		}
		c.metrics.RecordSourceEvent(c.name, u.Kind.String())

		switch u.Kind {
		case types.KindInitialMarker:
			c.mu.Lock()
			c.highestWriteSlot = u.HighestWriteSlot
			c.mu.Unlock()
			c.logger.Info("subscribed", zap.Uint64("highest_write_slot", u.HighestWriteSlot))
		case types.KindPing:
		default:
			select {
			case c.updates <- u:
			default:
				c.metrics.RecordSourceOverflow(c.name)
				return errQueueOverflow
			}
		}
	}
}

func (c *Connection) markStreaming() {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	c.backoff.Reset()
	c.setState(StateStreaming)
}
