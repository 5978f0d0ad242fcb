// Package sink is the downstream side of the consumer: a bounded batch
// queue in front of a Sink implementation.
package sink

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/logging"
	"github.com/jito-foundation/solana-accountsdb-connector/metrics"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// ErrQueueClosed is returned when submitting to a closed queue.
var ErrQueueClosed = errors.New("sink queue closed")

// Sink persists ordered batches of account writes and slot updates.
type Sink interface {
	WriteBatch(ctx context.Context, batch []types.Update) error
	Close() error
}

// Queue holds at most size batches for the sink. A full queue is the
// busy signal: TrySubmit fails and Submit blocks.
type Queue struct {
	ch     chan []types.Update
	closed atomic.Bool
	sink   Sink

	retryInitial time.Duration
	retryMax     time.Duration

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewQueue creates a queue draining into s.
func NewQueue(size int, s Sink, logger *zap.Logger, m *metrics.Collector) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		ch:           make(chan []types.Update, size),
		sink:         s,
		retryInitial: 100 * time.Millisecond,
		retryMax:     10 * time.Second,
		logger:       logging.Component(logger, "sink"),
		metrics:      m,
	}
}

// TrySubmit enqueues batch without blocking and reports whether the queue
// accepted it.
func (q *Queue) TrySubmit(batch []types.Update) bool {
	if q.closed.Load() {
		return false
	}
	select {
	case q.ch <- batch:
		q.metrics.SetSinkQueueDepth(len(q.ch))
		return true
	default:
		return false
	}
}

// Submit enqueues batch, waiting while the queue is full.
func (q *Queue) Submit(ctx context.Context, batch []types.Update) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- batch:
		q.metrics.SetSinkQueueDepth(len(q.ch))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of waiting batches.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting batches once the producer is finished. Run drains
// what is queued and returns. Only the producer may call Close.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

// Run writes queued batches in order. A failed write is retried with
// exponential backoff until it succeeds; batches are never dropped.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-q.ch:
			if !ok {
				return nil
			}
			q.metrics.SetSinkQueueDepth(len(q.ch))
			if err := q.write(ctx, batch); err != nil {
				return err
			}
		}
	}
}

func (q *Queue) write(ctx context.Context, batch []types.Update) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.retryInitial
	policy.MaxInterval = q.retryMax
	policy.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := q.sink.WriteBatch(ctx, batch)
		q.metrics.RecordSinkBatch(len(batch), err)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		q.logger.Warn("sink write failed, retrying",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
			zap.Duration("retry_in", next))
	})
}
