package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/sink"
	"github.com/jito-foundation/solana-accountsdb-connector/snapshot"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeInput struct {
	name string
	ch   chan types.Update
}

func newInput(name string, size int) *fakeInput {
	return &fakeInput{name: name, ch: make(chan types.Update, size)}
}

func (f *fakeInput) Name() string                 { return f.name }
func (f *fakeInput) Updates() <-chan types.Update { return f.ch }

// recordingSink stores every written event. While gate is non-nil each
// write waits for it to be closed.
type recordingSink struct {
	mu     sync.Mutex
	events []types.Update
	gate   chan struct{}
}

func (s *recordingSink) WriteBatch(ctx context.Context, batch []types.Update) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) written() []types.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Update(nil), s.events...)
}

type gatedBootstrapper struct {
	calls     atomic.Int32
	releases  []chan struct{}
	baselines []*snapshot.Baseline
}

func (b *gatedBootstrapper) Run(ctx context.Context) (*snapshot.Baseline, error) {
	i := int(b.calls.Add(1)) - 1
	if i >= len(b.baselines) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-b.releases[i]:
		return b.baselines[i], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type harness struct {
	sink     *recordingSink
	queue    *sink.Queue
	recDone  chan error
	sinkDone chan error
}

func start(t *testing.T, ctx context.Context, inputs []Input, boot Bootstrapper, opts Options, s *recordingSink) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		sink:     s,
		queue:    sink.NewQueue(2, s, logger, nil),
		recDone:  make(chan error, 1),
		sinkDone: make(chan error, 1),
	}
	r := New(inputs, h.queue, boot, opts, logger, nil)
	go func() { h.sinkDone <- h.queue.Run(ctx) }()
	go func() {
		err := r.Run(ctx)
		h.queue.Close()
		h.recDone <- err
	}()
	return h
}

// wait returns the reconciler's error once the sink has drained.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	var err error
	select {
	case err = <-h.recDone:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop")
	}
	select {
	case <-h.sinkDone:
	case <-time.After(5 * time.Second):
		t.Fatal("sink queue did not drain")
	}
	return err
}

func testOptions() Options {
	return Options{
		MaxBatchSize:      4,
		FlushInterval:     5 * time.Millisecond,
		PendingBufferSize: 64,
		RefetchDelay:      time.Millisecond,
	}
}

func key(b byte) types.AccountKey {
	var k types.AccountKey
	k[0] = b
	return k
}

func write(k types.AccountKey, slot, version uint64) types.Update {
	return types.NewAccountWriteUpdate(types.AccountWrite{
		Pubkey:       k,
		Owner:        key(0xee),
		Slot:         slot,
		WriteVersion: version,
		Lamports:     version,
	})
}

func slotUpdate(slot uint64, status types.SlotStatus) types.Update {
	return types.NewSlotUpdate(types.SlotUpdate{Slot: slot, Status: status})
}

func TestDuplicateAcrossSourcesForwardedOnce(t *testing.T) {
	a, b := newInput("a", 8), newInput("b", 8)
	for _, in := range []*fakeInput{a, b} {
		in.ch <- write(key(1), 100, 5)
		in.ch <- slotUpdate(100, types.SlotConfirmed)
		close(in.ch)
	}

	h := start(t, context.Background(), []Input{a, b}, nil, testOptions(), &recordingSink{})
	require.NoError(t, h.wait(t))

	got := h.sink.written()
	require.Len(t, got, 2)
	kinds := map[types.UpdateKind]int{}
	for _, u := range got {
		kinds[u.Kind]++
	}
	assert.Equal(t, 1, kinds[types.KindAccountWrite])
	assert.Equal(t, 1, kinds[types.KindSlotUpdate])
}

func TestStaleWriteVersionDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := newInput("a", 1), newInput("b", 1)
	h := start(t, ctx, []Input{a, b}, nil, testOptions(), &recordingSink{})

	a.ch <- write(key(1), 100, 5)
	require.Eventually(t, func() bool { return len(h.sink.written()) == 1 }, 2*time.Second, time.Millisecond)

	b.ch <- write(key(1), 100, 3)
	b.ch <- write(key(1), 101, 5)
	b.ch <- write(key(1), 102, 6)
	require.Eventually(t, func() bool { return len(h.sink.written()) == 2 }, 2*time.Second, time.Millisecond)

	close(a.ch)
	close(b.ch)
	require.NoError(t, h.wait(t))

	got := h.sink.written()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].AccountWrite.WriteVersion)
	assert.Equal(t, uint64(6), got[1].AccountWrite.WriteVersion)
}

func TestSlotStatusOnlyAdvances(t *testing.T) {
	a, b := newInput("a", 8), newInput("b", 8)
	a.ch <- slotUpdate(200, types.SlotProcessed)
	a.ch <- slotUpdate(200, types.SlotConfirmed)
	close(a.ch)
	b.ch <- slotUpdate(200, types.SlotProcessed)
	b.ch <- slotUpdate(200, types.SlotConfirmed)
	b.ch <- slotUpdate(200, types.SlotRooted)
	close(b.ch)

	h := start(t, context.Background(), []Input{a, b}, nil, testOptions(), &recordingSink{})
	require.NoError(t, h.wait(t))

	var statuses []types.SlotStatus
	for _, u := range h.sink.written() {
		statuses = append(statuses, u.SlotUpdate.Status)
	}
	assert.Equal(t, []types.SlotStatus{types.SlotProcessed, types.SlotConfirmed, types.SlotRooted}, statuses)
}

func TestInterleavedSourcesStayMonotonic(t *testing.T) {
	const (
		sources = 3
		keys    = 16
		writes  = 40
	)
	rng := rand.New(rand.NewSource(7))

	var inputs []Input
	for s := 0; s < sources; s++ {
		in := newInput(fmt.Sprintf("source-%d", s), keys*writes)
		// Each source sees the same per-key history with random gaps,
		// but always the final version.
		for v := uint64(1); v <= writes; v++ {
			for k := byte(0); k < keys; k++ {
				if v < writes && rng.Intn(3) == 0 {
					continue
				}
				in.ch <- write(key(k), 1000+v, v)
			}
		}
		close(in.ch)
		inputs = append(inputs, in)
	}

	h := start(t, context.Background(), inputs, nil, testOptions(), &recordingSink{})
	require.NoError(t, h.wait(t))

	last := map[types.AccountKey]uint64{}
	for _, u := range h.sink.written() {
		w := u.AccountWrite
		prev, seen := last[w.Pubkey]
		require.False(t, seen && w.WriteVersion <= prev, "version for %s went %d -> %d", w.Pubkey, prev, w.WriteVersion)
		last[w.Pubkey] = w.WriteVersion
	}
	require.Len(t, last, keys)
	for k, v := range last {
		assert.Equal(t, uint64(writes), v, "final version for %s", k)
	}
}

func TestBaselineGatesDeltas(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boot := &gatedBootstrapper{
		releases: []chan struct{}{make(chan struct{})},
		baselines: []*snapshot.Baseline{{
			Slot: 100,
			Accounts: []types.AccountWrite{
				{Pubkey: key(1), Slot: 100, IsStartup: true},
				{Pubkey: key(2), Slot: 100, IsStartup: true},
			},
		}},
	}
	a := newInput("a", 0)
	h := start(t, ctx, []Input{a}, boot, testOptions(), &recordingSink{})

	// Unbuffered sends return only once the reconciler has taken them.
	a.ch <- write(key(1), 99, 5)
	a.ch <- slotUpdate(99, types.SlotRooted)
	a.ch <- write(key(1), 101, 6)
	a.ch <- slotUpdate(100, types.SlotConfirmed)
	a.ch <- write(key(3), 100, 7)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sink.written(), "nothing is forwarded before the baseline")

	close(boot.releases[0])
	require.Eventually(t, func() bool { return len(h.sink.written()) == 4 }, 2*time.Second, time.Millisecond)

	a.ch <- write(key(2), 100, 9)
	a.ch <- write(key(2), 102, 10)
	a.ch <- slotUpdate(99, types.SlotRooted)
	close(a.ch)
	require.NoError(t, h.wait(t))

	got := h.sink.written()
	require.Len(t, got, 5)
	assert.True(t, got[0].AccountWrite.IsStartup)
	assert.Equal(t, key(1), got[0].AccountWrite.Pubkey)
	assert.True(t, got[1].AccountWrite.IsStartup)
	assert.Equal(t, key(2), got[1].AccountWrite.Pubkey)
	assert.Equal(t, uint64(6), got[2].AccountWrite.WriteVersion)
	assert.Equal(t, types.SlotConfirmed, got[3].SlotUpdate.Status)
	assert.Equal(t, uint64(100), got[3].SlotUpdate.Slot)
	assert.Equal(t, uint64(10), got[4].AccountWrite.WriteVersion)
}

func TestPendingOverflowResyncs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boot := &gatedBootstrapper{
		releases: []chan struct{}{make(chan struct{}), make(chan struct{})},
		baselines: []*snapshot.Baseline{
			{Slot: 10, Accounts: []types.AccountWrite{{Pubkey: key(9), Slot: 10}}},
			{Slot: 50, Accounts: []types.AccountWrite{{Pubkey: key(8), Slot: 50}}},
		},
	}
	opts := testOptions()
	opts.PendingBufferSize = 2
	a := newInput("a", 0)
	h := start(t, ctx, []Input{a}, boot, opts, &recordingSink{})

	a.ch <- write(key(1), 20, 1)
	a.ch <- write(key(2), 20, 1)
	a.ch <- write(key(3), 20, 1)
	a.ch <- write(key(4), 60, 1)

	close(boot.releases[0])
	require.Eventually(t, func() bool { return boot.calls.Load() == 2 }, 2*time.Second, time.Millisecond)
	assert.Empty(t, h.sink.written(), "stale baseline is discarded")

	close(boot.releases[1])
	require.Eventually(t, func() bool { return len(h.sink.written()) == 2 }, 2*time.Second, time.Millisecond)
	close(a.ch)
	require.NoError(t, h.wait(t))

	got := h.sink.written()
	require.Len(t, got, 2)
	assert.Equal(t, key(8), got[0].AccountWrite.Pubkey)
	assert.Equal(t, key(4), got[1].AccountWrite.Pubkey)
}

func TestResyncWaitsForBaselineCoveringDiscardedDeltas(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	released := func() chan struct{} {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	first := make(chan struct{})
	boot := &gatedBootstrapper{
		releases: []chan struct{}{first, released(), released()},
		baselines: []*snapshot.Baseline{
			{Slot: 100, Accounts: []types.AccountWrite{{Pubkey: key(9), Slot: 100}}},
			{Slot: 103, Accounts: []types.AccountWrite{{Pubkey: key(9), Slot: 103}}},
			{Slot: 107, Accounts: []types.AccountWrite{
				{Pubkey: key(1), Slot: 107, WriteVersion: 0, Lamports: 50},
				{Pubkey: key(2), Slot: 107, WriteVersion: 0, Lamports: 51},
				{Pubkey: key(9), Slot: 107},
			}},
		},
	}
	opts := testOptions()
	opts.PendingBufferSize = 1
	a := newInput("a", 0)
	h := start(t, ctx, []Input{a}, boot, opts, &recordingSink{})

	a.ch <- write(key(1), 105, 50)
	a.ch <- write(key(2), 106, 51)
	a.ch <- write(key(3), 108, 52)
	close(first)

	require.Eventually(t, func() bool { return len(h.sink.written()) == 4 }, 2*time.Second, time.Millisecond)
	close(a.ch)
	require.NoError(t, h.wait(t))

	assert.Equal(t, int32(3), boot.calls.Load(), "baselines older than slot 106 are refetched")
	got := h.sink.written()
	require.Len(t, got, 4)
	var keys []types.AccountKey
	for _, u := range got {
		keys = append(keys, u.AccountWrite.Pubkey)
	}
	assert.Equal(t, []types.AccountKey{key(1), key(2), key(9), key(3)}, keys)
	assert.Equal(t, uint64(51), got[1].AccountWrite.Lamports)
}

func TestSlotUpdateAtBaselineSlotForcesNewerBaseline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, second := make(chan struct{}), make(chan struct{})
	boot := &gatedBootstrapper{
		releases: []chan struct{}{first, second},
		baselines: []*snapshot.Baseline{
			{Slot: 200},
			{Slot: 201},
		},
	}
	opts := testOptions()
	opts.PendingBufferSize = 1
	a := newInput("a", 0)
	h := start(t, ctx, []Input{a}, boot, opts, &recordingSink{})

	a.ch <- slotUpdate(199, types.SlotRooted)
	a.ch <- slotUpdate(200, types.SlotConfirmed)
	// Taking this one means the overflow above has been handled.
	a.ch <- slotUpdate(198, types.SlotProcessed)
	close(first)
	require.Eventually(t, func() bool { return boot.calls.Load() == 2 }, 2*time.Second, time.Millisecond)
	close(second)

	a.ch <- slotUpdate(201, types.SlotProcessed)
	require.Eventually(t, func() bool { return len(h.sink.written()) == 1 }, 2*time.Second, time.Millisecond)
	close(a.ch)
	require.NoError(t, h.wait(t))

	assert.Equal(t, uint64(201), h.sink.written()[0].SlotUpdate.Slot)
}

func TestConfirmedThenRootedAcrossSources(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := newInput("a", 1), newInput("b", 1)
	h := start(t, ctx, []Input{a, b}, nil, testOptions(), &recordingSink{})

	a.ch <- slotUpdate(100, types.SlotConfirmed)
	require.Eventually(t, func() bool { return len(h.sink.written()) == 1 }, 2*time.Second, time.Millisecond)
	b.ch <- slotUpdate(100, types.SlotConfirmed)
	a.ch <- slotUpdate(100, types.SlotRooted)
	close(a.ch)
	close(b.ch)
	require.NoError(t, h.wait(t))

	var statuses []types.SlotStatus
	for _, u := range h.sink.written() {
		statuses = append(statuses, u.SlotUpdate.Status)
	}
	assert.Equal(t, []types.SlotStatus{types.SlotConfirmed, types.SlotRooted}, statuses)
}

func TestSameSourceOlderWriteVersionDropped(t *testing.T) {
	a := newInput("a", 2)
	a.ch <- write(key(1), 100, 5)
	a.ch <- write(key(1), 100, 3)
	close(a.ch)

	h := start(t, context.Background(), []Input{a}, nil, testOptions(), &recordingSink{})
	require.NoError(t, h.wait(t))

	got := h.sink.written()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(5), got[0].AccountWrite.WriteVersion)
}

func TestEventsAreBatchedUpToMaxBatchSize(t *testing.T) {
	const total = 12
	a := newInput("a", total)
	for i := 0; i < total; i++ {
		a.ch <- write(key(byte(i)), 100, 1)
	}
	close(a.ch)

	s := &batchCountingSink{}
	logger := zap.NewNop()
	q := sink.NewQueue(4, s, logger, nil)
	opts := testOptions()
	opts.FlushInterval = time.Hour
	r := New([]Input{a}, q, nil, opts, logger, nil)

	sinkDone := make(chan error, 1)
	go func() { sinkDone <- q.Run(context.Background()) }()
	require.NoError(t, r.Run(context.Background()))
	q.Close()
	require.NoError(t, <-sinkDone)

	assert.Equal(t, []int{4, 4, 4}, s.sizes())
}

type batchCountingSink struct {
	mu     sync.Mutex
	counts []int
}

func (s *batchCountingSink) WriteBatch(_ context.Context, batch []types.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, len(batch))
	return nil
}

func (s *batchCountingSink) Close() error { return nil }

func (s *batchCountingSink) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.counts...)
}

func TestSlowSinkBackpressuresSources(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 40
	s := &recordingSink{gate: make(chan struct{})}
	opts := testOptions()
	opts.MaxBatchSize = 2
	a := newInput("a", 0)
	h := start(t, ctx, []Input{a}, nil, opts, s)

	var sent atomic.Int32
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for i := 0; i < total; i++ {
			select {
			case a.ch <- write(key(byte(i)), 100, 1):
				sent.Add(1)
			case <-ctx.Done():
				return
			}
		}
		close(a.ch)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Less(t, int(sent.Load()), total, "producer blocks behind a stalled sink")

	close(s.gate)
	require.NoError(t, h.wait(t))
	<-sendDone

	got := s.written()
	require.Len(t, got, total)
	seen := map[types.AccountKey]bool{}
	for _, u := range got {
		seen[u.AccountWrite.Pubkey] = true
	}
	assert.Len(t, seen, total)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newInput("a", 0)
	boot := &gatedBootstrapper{}
	h := start(t, ctx, []Input{a}, boot, testOptions(), &recordingSink{})

	cancel()
	err := h.wait(t)
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestBootstrapFailureStopsRun(t *testing.T) {
	a := newInput("a", 0)
	h := start(t, context.Background(), []Input{a}, failingBootstrapper{}, testOptions(), &recordingSink{})
	err := h.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot bootstrap")
}

type failingBootstrapper struct{}

func (failingBootstrapper) Run(context.Context) (*snapshot.Baseline, error) {
	return nil, errors.New("rpc unreachable")
}
