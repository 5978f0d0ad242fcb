// Package selector decides which accounts the publisher streams.
package selector

import (
	"errors"
	"fmt"

	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// SelectAllMarker in Config.Accounts selects every account.
const SelectAllMarker = "*"

// ErrVoteOwnerConflict is returned when vote accounts are both excluded and
// explicitly selected by owner.
var ErrVoteOwnerConflict = errors.New("vote program listed as owner while vote accounts are excluded")

// Config is the accounts_selector section of the publisher configuration.
type Config struct {
	Accounts            []string `yaml:"accounts"`
	Owners              []string `yaml:"owners"`
	ExcludeVoteAccounts bool     `yaml:"exclude_vote_accounts"`
}

// DefaultConfig selects every account except vote accounts.
func DefaultConfig() Config {
	return Config{
		Accounts:            []string{SelectAllMarker},
		ExcludeVoteAccounts: true,
	}
}

// Selector is an immutable predicate over (pubkey, owner).
type Selector struct {
	accounts    map[types.AccountKey]struct{}
	owners      map[types.AccountKey]struct{}
	selectAll   bool
	excludeVote bool
}

// New validates cfg and builds a Selector.
func New(cfg Config) (*Selector, error) {
	s := &Selector{
		accounts:    make(map[types.AccountKey]struct{}, len(cfg.Accounts)),
		owners:      make(map[types.AccountKey]struct{}, len(cfg.Owners)),
		excludeVote: cfg.ExcludeVoteAccounts,
	}

	for _, a := range cfg.Accounts {
		if a == SelectAllMarker {
			s.selectAll = true
			continue
		}
		k, err := types.ParseAccountKey(a)
		if err != nil {
			return nil, fmt.Errorf("accounts_selector.accounts: %w", err)
		}
		s.accounts[k] = struct{}{}
	}

	for _, o := range cfg.Owners {
		k, err := types.ParseAccountKey(o)
		if err != nil {
			return nil, fmt.Errorf("accounts_selector.owners: %w", err)
		}
		if s.excludeVote && k == types.VoteProgramID {
			return nil, ErrVoteOwnerConflict
		}
		s.owners[k] = struct{}{}
	}

	return s, nil
}

// IsSelected reports whether a write to pubkey, owned by owner, should be
// streamed.
func (s *Selector) IsSelected(pubkey, owner types.AccountKey) bool {
	if s.excludeVote && owner == types.VoteProgramID {
		return false
	}
	if s.selectAll {
		return true
	}
	if _, ok := s.accounts[pubkey]; ok {
		return true
	}
	_, ok := s.owners[owner]
	return ok
}

// SelectAll reports whether the selector is in select-all mode.
func (s *Selector) SelectAll() bool {
	return s.selectAll
}
