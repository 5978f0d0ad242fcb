package selector

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// ActiveSet remembers every account that has ever been streamed so that
// later writes keep flowing after the account stops matching the
// selector, for example after an ownership change.
//
// With capacity 0 the set grows without bound. A positive capacity bounds
// memory by evicting the least recently inserted key; onEvict is called for
// each eviction.
type ActiveSet struct {
	mu   sync.RWMutex
	keys map[types.AccountKey]struct{}

	bounded *lru.Cache
}

// NewActiveSet creates an empty set.
func NewActiveSet(capacity int, onEvict func(types.AccountKey)) (*ActiveSet, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("active set capacity must be >= 0, got %d", capacity)
	}
	if capacity == 0 {
		return &ActiveSet{keys: make(map[types.AccountKey]struct{})}, nil
	}

	cache, err := lru.NewWithEvict(capacity, func(key, _ interface{}) {
		if onEvict != nil {
			onEvict(key.(types.AccountKey))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create bounded active set: %w", err)
	}
	return &ActiveSet{bounded: cache}, nil
}

// Contains is the hot path and only takes a read lock. It does not refresh
// recency in bounded mode.
func (a *ActiveSet) Contains(k types.AccountKey) bool {
	if a.bounded != nil {
		return a.bounded.Contains(k)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.keys[k]
	return ok
}

// Insert adds k and reports whether it was newly added.
func (a *ActiveSet) Insert(k types.AccountKey) bool {
	if a.bounded != nil {
		ok, _ := a.bounded.ContainsOrAdd(k, struct{}{})
		return !ok
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.keys[k]; ok {
		return false
	}
	a.keys[k] = struct{}{}
	return true
}

func (a *ActiveSet) Len() int {
	if a.bounded != nil {
		return a.bounded.Len()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}
