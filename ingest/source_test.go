package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/server"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

type recordingHandler struct {
	accounts []server.AccountInfo
	slots    []types.SlotUpdate
	startup  int
	err      error
}

func (h *recordingHandler) UpdateAccount(info server.AccountInfo, slot uint64, isStartup bool) error {
	h.accounts = append(h.accounts, info)
	return h.err
}

func (h *recordingHandler) UpdateSlotStatus(slot uint64, parent *uint64, status types.SlotStatus) error {
	h.slots = append(h.slots, types.SlotUpdate{Slot: slot, Parent: parent, Status: status})
	return h.err
}

func (h *recordingHandler) NotifyEndOfStartup() error {
	h.startup++
	return h.err
}

const feed = `{"type":"account","pubkey":"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA","owner":"11111111111111111111111111111111","slot":3,"write_version":9,"data":"AQID","is_startup":true}
{"type":"end_of_startup"}
not json at all

{"type":"slot","slot":4,"parent":3,"status":"rooted"}
{"type":"slot","slot":5,"status":"bogus"}
{"type":"account","pubkey":"0OIl","owner":"11111111111111111111111111111111","slot":5}
{"type":"account","pubkey":"2","owner":"11111111111111111111111111111111","slot":6}
{"type":"mystery"}
`

func TestJSONLinesSourceDispatches(t *testing.T) {
	require := require.New(t)
	h := &recordingHandler{}

	err := NewJSONLinesSource(strings.NewReader(feed), zap.NewNop()).Run(context.Background(), h)
	require.NoError(err)

	require.Len(h.accounts, 2)
	require.Len(h.accounts[0].Pubkey, 32)
	require.Equal([]byte{1, 2, 3}, h.accounts[0].Data)
	require.Equal(uint64(9), h.accounts[0].WriteVersion)
	// short keys are forwarded so the publisher can reject them
	require.Len(h.accounts[1].Pubkey, 1)

	require.Equal(1, h.startup)
	require.Len(h.slots, 1)
	require.Equal(types.SlotRooted, h.slots[0].Status)
	require.Equal(uint64(3), *h.slots[0].Parent)
}

func TestJSONLinesSourceStopsOnHandlerError(t *testing.T) {
	h := &recordingHandler{err: errors.New("closed")}
	err := NewJSONLinesSource(strings.NewReader(feed), zap.NewNop()).Run(context.Background(), h)
	require.ErrorIs(t, err, h.err)
	require.Len(t, h.accounts, 1)
}
