package server

import (
	"context"
	"errors"
	"sync"

	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

var (
	// ErrLagged means the subscriber fell more than the buffer capacity
	// behind and events were lost. The subscription is unusable.
	ErrLagged = errors.New("subscriber lagged behind the broadcast buffer")

	// ErrHubClosed means the publisher is shutting down.
	ErrHubClosed = errors.New("broadcast hub closed")
)

// Hub fans every published update out to all subscriptions. Each
// subscription has a private ring buffer of fixed capacity; Publish never
// blocks on a slow subscriber; it marks the subscriber lagged instead.
type Hub struct {
	capacity int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewHub creates a hub whose subscribers buffer up to capacity updates.
func NewHub(capacity int) *Hub {
	if capacity < 1 {
		capacity = 1
	}
	return &Hub{
		capacity: capacity,
		subs:     make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new subscription that receives every update
// published after this call returns.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{
		hub:    h,
		id:     h.nextID,
		ring:   make([]types.Update, h.capacity),
		notify: make(chan struct{}, 1),
	}
	if h.closed {
		s.closed = true
		return s
	}
	h.subs[s.id] = s
	return s
}

// Publish appends u to every live subscription and returns how many
// accepted it.
func (h *Hub) Publish(u types.Update) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0
	}
	n := 0
	for _, s := range h.subs {
		if s.push(u) {
			n++
		}
	}
	return n
}

// Len returns the number of registered subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close wakes every subscription with ErrHubClosed once its buffer is
// drained. Later Subscribe calls return already-closed subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		s.shutdown()
		delete(h.subs, id)
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Subscription is one subscriber's view of the hub.
type Subscription struct {
	hub *Hub
	id  uint64

	mu     sync.Mutex
	ring   []types.Update
	head   int
	size   int
	lagged bool
	closed bool

	notify chan struct{}
}

func (s *Subscription) push(u types.Update) bool {
	s.mu.Lock()
	if s.closed || s.lagged {
		s.mu.Unlock()
		return false
	}
	if s.size == len(s.ring) {
		s.lagged = true
		s.ring = nil
		s.size = 0
		s.mu.Unlock()
		s.signal()
		return false
	}
	s.ring[(s.head+s.size)%len(s.ring)] = u
	s.size++
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Recv returns the next update in publish order. It returns ErrLagged as
// soon as the buffer has overflowed, and ErrHubClosed after the hub closed
// and the buffer is drained.
func (s *Subscription) Recv(ctx context.Context) (types.Update, error) {
	for {
		s.mu.Lock()
		switch {
		case s.lagged:
			s.mu.Unlock()
			return types.Update{}, ErrLagged
		case s.size > 0:
			u := s.ring[s.head]
			s.ring[s.head] = types.Update{}
			s.head = (s.head + 1) % len(s.ring)
			s.size--
			s.mu.Unlock()
			return u, nil
		case s.closed:
			s.mu.Unlock()
			return types.Update{}, ErrHubClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return types.Update{}, ctx.Err()
		}
	}
}

// Lagged reports whether the subscription overflowed.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Close unregisters the subscription. Pending Recv calls return
// ErrHubClosed.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
	s.shutdown()
}
