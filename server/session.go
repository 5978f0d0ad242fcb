package server

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// SessionState is the lifecycle of one subscriber session.
type SessionState int32

const (
	SessionInit SessionState = iota
	SessionStreaming
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionInit:
		return "init"
	case SessionStreaming:
		return "streaming"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// SessionOptions tunes one subscriber's session.
type SessionOptions struct {
	// BufferSize bounds the updates waiting to be sent.
	BufferSize int
	// SkipVoteAccounts drops account writes owned by the vote program.
	SkipVoteAccounts bool
}

// Session relays hub updates to one subscriber. The first update it sends
// is always the initial marker carrying the highest write slot observed at
// subscribe time.
type Session struct {
	ID string

	sub        *Subscription
	slots      *SlotTracker
	bufferSize int
	skipVote   bool
	logger     *zap.Logger

	state atomic.Int32
}

func newSession(sub *Subscription, slots *SlotTracker, opts SessionOptions, logger *zap.Logger) *Session {
	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	id := uuid.NewString()
	return &Session{
		ID:         id,
		sub:        sub,
		slots:      slots,
		bufferSize: opts.BufferSize,
		skipVote:   opts.SkipVoteAccounts,
		logger:     logger.With(zap.String("session_id", id)),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) transition(from, to SessionState) {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("session %s: illegal transition %s -> %s from state %s", s.ID, from, to, s.State()))
	}
}

// Run sends the initial marker and then every hub update through send, in
// publish order, until send fails, ctx ends or the subscription ends with
// ErrLagged or ErrHubClosed. The session is Closed when Run returns.
func (s *Session) Run(ctx context.Context, send func(types.Update) error) error {
	defer s.close()

	marker := s.slots.Highest()
	if err := send(types.InitialMarker(marker)); err != nil {
		return fmt.Errorf("send initial marker: %w", err)
	}
	s.transition(SessionInit, SessionStreaming)
	s.logger.Debug("session streaming", zap.Uint64("highest_write_slot", marker))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan types.Update, s.bufferSize)
	relayDone := make(chan error, 1)
	go func() {
		relayDone <- s.relay(ctx, queue)
	}()

	for u := range queue {
		if err := send(u); err != nil {
			cancel()
			<-relayDone
			return err
		}
	}
	return <-relayDone
}

// relay moves updates from the hub subscription into the bounded outbound
// queue and closes it on exit.
func (s *Session) relay(ctx context.Context, queue chan<- types.Update) error {
	defer close(queue)
	for {
		u, err := s.sub.Recv(ctx)
		if err != nil {
			return err
		}
		if s.skipVote && u.Kind == types.KindAccountWrite && u.AccountWrite.Owner == types.VoteProgramID {
			continue
		}
		select {
		case queue <- u:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) close() {
	if SessionState(s.state.Swap(int32(SessionClosed))) == SessionClosed {
		panic(fmt.Sprintf("session %s closed twice", s.ID))
	}
	s.sub.Close()
}
