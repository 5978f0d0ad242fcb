// Package snapshot loads a full account baseline so that a consumer can
// start from a consistent state before applying streamed deltas.
package snapshot

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"

	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// Baseline is the state of every tracked account as of Slot.
type Baseline struct {
	Slot     uint64
	Accounts []types.AccountWrite
	// Skipped counts entries that could not be decoded.
	Skipped int
}

// Fetcher performs one full snapshot fetch.
type Fetcher interface {
	Fetch(ctx context.Context) (*Baseline, error)
}

// RPCFetcher fetches a program's accounts with getProgramAccounts.
type RPCFetcher struct {
	url        string
	programID  types.AccountKey
	commitment string
	timeout    time.Duration
}

// NewRPCFetcher creates a fetcher for programID's accounts.
func NewRPCFetcher(url string, programID types.AccountKey, commitment string, timeout time.Duration) *RPCFetcher {
	return &RPCFetcher{
		url:        url,
		programID:  programID,
		commitment: commitment,
		timeout:    timeout,
	}
}

type programAccountsResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value []keyedAccount `json:"value"`
}

type keyedAccount struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data       []string `json:"data"`
		Executable bool     `json:"executable"`
		Lamports   uint64   `json:"lamports"`
		Owner      string   `json:"owner"`
		RentEpoch  uint64   `json:"rentEpoch"`
	} `json:"account"`
}

// Fetch calls getProgramAccounts with context so that the baseline slot is
// known.
func (f *RPCFetcher) Fetch(ctx context.Context) (*Baseline, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	cli := jrpc2.NewClient(jhttp.NewChannel(f.url, nil), nil)
	defer cli.Close()

	params := []any{
		f.programID.String(),
		map[string]any{
			"encoding":    "base64",
			"commitment":  f.commitment,
			"withContext": true,
		},
	}
	var res programAccountsResult
	if err := cli.CallResult(ctx, "getProgramAccounts", params, &res); err != nil {
		return nil, fmt.Errorf("getProgramAccounts %s: %w", f.programID, err)
	}

	b := &Baseline{Slot: res.Context.Slot, Accounts: make([]types.AccountWrite, 0, len(res.Value))}
	for _, ka := range res.Value {
		w, err := ka.toAccountWrite(res.Context.Slot)
		if err != nil {
			b.Skipped++
			continue
		}
		b.Accounts = append(b.Accounts, w)
	}
	return b, nil
}

func (ka keyedAccount) toAccountWrite(slot uint64) (types.AccountWrite, error) {
	pubkey, err := types.ParseAccountKey(ka.Pubkey)
	if err != nil {
		return types.AccountWrite{}, err
	}
	owner, err := types.ParseAccountKey(ka.Account.Owner)
	if err != nil {
		return types.AccountWrite{}, err
	}
	if len(ka.Account.Data) != 2 || ka.Account.Data[1] != "base64" {
		return types.AccountWrite{}, fmt.Errorf("account %s: unexpected data encoding", ka.Pubkey)
	}
	data, err := base64.StdEncoding.DecodeString(ka.Account.Data[0])
	if err != nil {
		return types.AccountWrite{}, fmt.Errorf("account %s: %w", ka.Pubkey, err)
	}
	return types.AccountWrite{
		Pubkey:     pubkey,
		Owner:      owner,
		Slot:       slot,
		Lamports:   ka.Account.Lamports,
		RentEpoch:  ka.Account.RentEpoch,
		Executable: ka.Account.Executable,
		Data:       data,
		IsStartup:  true,
	}, nil
}
