// Package reconciler merges several redundant source streams into one
// deduplicated, monotonic stream for the sink.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/logging"
	"github.com/jito-foundation/solana-accountsdb-connector/metrics"
	"github.com/jito-foundation/solana-accountsdb-connector/sink"
	"github.com/jito-foundation/solana-accountsdb-connector/snapshot"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// Input is one source's ordered event stream. *source.Connection
// implements it.
type Input interface {
	Name() string
	Updates() <-chan types.Update
}

// Bootstrapper produces the baseline that gates delta admission.
// *snapshot.Bootstrapper implements it.
type Bootstrapper interface {
	Run(ctx context.Context) (*snapshot.Baseline, error)
}

// Options tunes batching and the pre-baseline buffer.
type Options struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	// PendingBufferSize bounds the deltas held while the baseline is
	// fetched. Overflow discards them and waits for a baseline recent
	// enough to cover them.
	PendingBufferSize int
	// RefetchDelay spaces baseline fetches that came back older than the
	// discarded deltas.
	RefetchDelay time.Duration
}

type bootResult struct {
	baseline *snapshot.Baseline
	err      error
}

// Reconciler forwards an account write only if its write_version is
// greater than the last forwarded for that pubkey, and a slot update only
// if its status is later than the last forwarded for that slot. Both rules
// apply across all inputs, with no input preferred. Each input's own order
// is preserved.
type Reconciler struct {
	inputs       []Input
	queue        *sink.Queue
	bootstrapper Bootstrapper
	opts         Options

	accountVersions map[types.AccountKey]uint64
	slotStatuses    map[uint64]types.SlotStatus

	ready        bool
	hasBaseline  bool
	baselineSlot uint64
	preBuffer    []types.Update
	// minBaselineSlot is the lowest baseline slot that still covers every
	// delta discarded on overflow.
	minBaselineSlot uint64

	pending []types.Update

	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New creates a reconciler. bootstrapper may be nil, in which case deltas
// are admitted immediately.
func New(inputs []Input, queue *sink.Queue, bootstrapper Bootstrapper, opts Options, logger *zap.Logger, m *metrics.Collector) *Reconciler {
	if opts.MaxBatchSize < 1 {
		opts.MaxBatchSize = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}
	if opts.PendingBufferSize < 1 {
		opts.PendingBufferSize = 1
	}
	if opts.RefetchDelay <= 0 {
		opts.RefetchDelay = 400 * time.Millisecond
	}
	return &Reconciler{
		inputs:          inputs,
		queue:           queue,
		bootstrapper:    bootstrapper,
		opts:            opts,
		accountVersions: make(map[types.AccountKey]uint64),
		slotStatuses:    make(map[uint64]types.SlotStatus),
		logger:          logging.Component(logger, "reconciler"),
		metrics:         m,
	}
}

// Run reads all inputs until ctx ends or every input is closed. It returns
// nil in the latter case after handing every accepted event to the queue.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	merged := r.fanIn(ctx)

	var baseline <-chan bootResult
	if r.bootstrapper == nil {
		r.ready = true
	} else {
		baseline = r.startBootstrap(ctx, 0)
	}

	r.logger.Info("reconciler started",
		zap.Int("sources", len(r.inputs)),
		zap.Bool("snapshot", r.bootstrapper != nil))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := r.flush(ctx, false); err != nil {
				return err
			}

		case res := <-baseline:
			baseline = nil
			if res.err != nil {
				return fmt.Errorf("snapshot bootstrap: %w", res.err)
			}
			if res.baseline.Slot < r.minBaselineSlot {
				r.logger.Info("baseline older than discarded deltas, refetching",
					zap.Uint64("slot", res.baseline.Slot),
					zap.Uint64("min_slot", r.minBaselineSlot))
				baseline = r.startBootstrap(ctx, r.opts.RefetchDelay)
				continue
			}
			r.applyBaseline(res.baseline)
			if err := r.flush(ctx, true); err != nil {
				return err
			}

		case u, ok := <-merged:
			if !ok {
				return r.flush(ctx, true)
			}
			r.handle(u)
			if len(r.pending) >= r.opts.MaxBatchSize {
				if err := r.flush(ctx, true); err != nil {
					return err
				}
			}
		}
	}
}

// fanIn forwards every input into one unbuffered channel, which is closed
// once all inputs are. A forwarder blocks while the reconciler is busy, so
// sink backpressure reaches each source's queue.
func (r *Reconciler) fanIn(ctx context.Context) <-chan types.Update {
	merged := make(chan types.Update)

	var inputs sync.WaitGroup
	for _, in := range r.inputs {
		inputs.Add(1)
		r.wg.Add(1)
		go func(in Input) {
			defer r.wg.Done()
			defer inputs.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case u, ok := <-in.Updates():
					if !ok {
						r.logger.Info("source input closed", zap.String("source", in.Name()))
						return
					}
					select {
					case merged <- u:
					case <-ctx.Done():
						return
					}
				}
			}
		}(in)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		inputs.Wait()
		close(merged)
	}()
	return merged
}

func (r *Reconciler) startBootstrap(ctx context.Context, delay time.Duration) <-chan bootResult {
	ch := make(chan bootResult, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				ch <- bootResult{err: ctx.Err()}
				return
			case <-t.C:
			}
		}
		b, err := r.bootstrapper.Run(ctx)
		ch <- bootResult{baseline: b, err: err}
	}()
	return ch
}

// handle applies the dedup rules to one event.
func (r *Reconciler) handle(u types.Update) {
	switch u.Kind {
	case types.KindAccountWrite:
		w := u.AccountWrite
		if r.hasBaseline && w.Slot <= r.baselineSlot {
			r.metrics.RecordBaselineDropped()
			return
		}
		if last, seen := r.accountVersions[w.Pubkey]; seen && w.WriteVersion <= last {
			r.metrics.RecordDuplicate(u.Kind.String())
			return
		}
		r.commitAccount(w.Pubkey, w.WriteVersion)
		r.accept(u)

	case types.KindSlotUpdate:
		s := u.SlotUpdate
		if r.hasBaseline && s.Slot < r.baselineSlot {
			r.metrics.RecordBaselineDropped()
			return
		}
		if last, seen := r.slotStatuses[s.Slot]; seen && s.Status <= last {
			r.metrics.RecordDuplicate(u.Kind.String())
			return
		}
		r.commitSlot(s.Slot, s.Status)
		r.accept(u)
	}
}

func (r *Reconciler) commitAccount(k types.AccountKey, version uint64) {
	if last, seen := r.accountVersions[k]; seen && version <= last {
		panic(fmt.Sprintf("reconciler: write_version for %s would move from %d to %d", k, last, version))
	}
	r.accountVersions[k] = version
}

func (r *Reconciler) commitSlot(slot uint64, status types.SlotStatus) {
	if last, seen := r.slotStatuses[slot]; seen && status <= last {
		panic(fmt.Sprintf("reconciler: status of slot %d would move from %s to %s", slot, last, status))
	}
	r.slotStatuses[slot] = status
}

func (r *Reconciler) accept(u types.Update) {
	if r.ready {
		r.pending = append(r.pending, u)
		return
	}

	r.preBuffer = append(r.preBuffer, u)
	if len(r.preBuffer) <= r.opts.PendingBufferSize {
		return
	}

	// A baseline at slot S covers account writes up to S and slot updates
	// below S; only such a baseline may replace the discarded deltas.
	for _, d := range r.preBuffer {
		r.minBaselineSlot = max(r.minBaselineSlot, coveringSlot(d))
	}
	r.logger.Warn("pre-baseline buffer overflowed, resyncing",
		zap.Int("pending_buffer_size", r.opts.PendingBufferSize),
		zap.Uint64("min_baseline_slot", r.minBaselineSlot))
	r.metrics.RecordResync()
	r.preBuffer = nil
	r.accountVersions = make(map[types.AccountKey]uint64)
	r.slotStatuses = make(map[uint64]types.SlotStatus)
}

// coveringSlot is the lowest baseline slot whose admission rules drop u.
func coveringSlot(u types.Update) uint64 {
	switch u.Kind {
	case types.KindAccountWrite:
		return u.AccountWrite.Slot
	case types.KindSlotUpdate:
		return u.SlotUpdate.Slot + 1
	}
	return 0
}

// applyBaseline emits the baseline and then the buffered deltas it does not
// already cover, in arrival order.
func (r *Reconciler) applyBaseline(b *snapshot.Baseline) {
	r.ready = true
	r.hasBaseline = true
	r.baselineSlot = b.Slot

	for _, w := range b.Accounts {
		if _, seen := r.accountVersions[w.Pubkey]; !seen {
			r.accountVersions[w.Pubkey] = w.WriteVersion
		}
		r.pending = append(r.pending, types.NewAccountWriteUpdate(w))
	}

	replayed := 0
	for _, u := range r.preBuffer {
		switch {
		case u.Kind == types.KindAccountWrite && u.AccountWrite.Slot <= b.Slot,
			u.Kind == types.KindSlotUpdate && u.SlotUpdate.Slot < b.Slot:
			r.metrics.RecordBaselineDropped()
		default:
			r.pending = append(r.pending, u)
			replayed++
		}
	}

	r.logger.Info("baseline applied",
		zap.Uint64("slot", b.Slot),
		zap.Int("accounts", len(b.Accounts)),
		zap.Int("buffered", len(r.preBuffer)),
		zap.Int("replayed", replayed))
	r.preBuffer = nil
}

// flush hands pending events to the queue in batches of at most
// MaxBatchSize. With block false it stops at the first busy signal.
func (r *Reconciler) flush(ctx context.Context, block bool) error {
	for len(r.pending) > 0 {
		n := min(len(r.pending), r.opts.MaxBatchSize)
		batch := make([]types.Update, n)
		copy(batch, r.pending[:n])

		if block {
			if err := r.queue.Submit(ctx, batch); err != nil {
				return err
			}
		} else if !r.queue.TrySubmit(batch) {
			return nil
		}

		for _, u := range batch {
			r.metrics.RecordForwarded(u.Kind.String())
		}
		r.pending = r.pending[n:]
	}
	r.pending = nil
	return nil
}
