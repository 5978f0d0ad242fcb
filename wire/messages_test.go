package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	grpcencoding "google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

func testKey(b byte) types.AccountKey {
	var k types.AccountKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestUpdateConversionPreservesAccountWrite(t *testing.T) {
	require := require.New(t)

	in := types.NewAccountWriteUpdate(types.AccountWrite{
		Pubkey:       testKey(1),
		Owner:        testKey(2),
		Slot:         42,
		WriteVersion: 7,
		Lamports:     1_000_000,
		RentEpoch:    361,
		Executable:   true,
		Data:         []byte{0xde, 0xad, 0xbe, 0xef},
		TxSignature:  "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW",
		IsStartup:    true,
	})

	msg, err := FromUpdate(in)
	require.NoError(err)
	raw, err := msg.MarshalBinary()
	require.NoError(err)

	var decoded Update
	require.NoError(decoded.UnmarshalBinary(raw))
	out, err := decoded.ToUpdate()
	require.NoError(err)
	require.Equal(in, out)
}

func TestSlotUpdateOptionalParent(t *testing.T) {
	require := require.New(t)

	parent := uint64(0)
	for _, p := range []*uint64{nil, &parent} {
		msg, err := FromUpdate(types.NewSlotUpdate(types.SlotUpdate{Slot: 9, Parent: p, Status: types.SlotRooted}))
		require.NoError(err)
		raw, err := msg.MarshalBinary()
		require.NoError(err)

		var decoded Update
		require.NoError(decoded.UnmarshalBinary(raw))
		out, err := decoded.ToUpdate()
		require.NoError(err)
		require.Equal(types.KindSlotUpdate, out.Kind)
		require.Equal(p == nil, out.SlotUpdate.Parent == nil, "parent presence must survive encoding")
		require.Equal(types.SlotRooted, out.SlotUpdate.Status)
	}
}

func TestEmptyPayloadsKeepPresence(t *testing.T) {
	require := require.New(t)

	raw, err := (&Update{Ping: &Ping{}}).MarshalBinary()
	require.NoError(err)
	var decoded Update
	require.NoError(decoded.UnmarshalBinary(raw))
	require.NotNil(decoded.Ping)

	raw, err = (&Update{SubscribeResponse: &SubscribeResponse{}}).MarshalBinary()
	require.NoError(err)
	require.NoError(decoded.UnmarshalBinary(raw))
	out, err := decoded.ToUpdate()
	require.NoError(err)
	require.Equal(types.InitialMarker(0), out)

	_, err = (&Update{}).MarshalBinary()
	require.ErrorIs(err, ErrEmptyUpdate)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	require := require.New(t)

	inner := (&SlotUpdate{Slot: 3, Status: 1}).appendTo(nil)
	inner = protowire.AppendTag(inner, 99, protowire.BytesType)
	inner = protowire.AppendString(inner, "future field")

	raw := appendMessage(nil, fieldUpdateSlotUpdate, inner)
	raw = protowire.AppendTag(raw, 50, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 12345)

	var decoded Update
	require.NoError(decoded.UnmarshalBinary(raw))
	require.NotNil(decoded.SlotUpdate)
	require.Equal(uint64(3), decoded.SlotUpdate.Slot)
}

func TestToUpdateRejectsMalformedInput(t *testing.T) {
	msg := &Update{AccountWrite: &AccountWrite{Pubkey: make([]byte, 31), Owner: make([]byte, 32)}}
	_, err := msg.ToUpdate()
	if !errors.Is(err, types.ErrMalformedKey) {
		t.Fatalf("expected ErrMalformedKey, got %v", err)
	}

	msg = &Update{SlotUpdate: &SlotUpdate{Slot: 1, Status: 7}}
	if _, err := msg.ToUpdate(); err == nil {
		t.Fatalf("expected error for unknown slot status")
	}
}

func TestTruncatedInputFails(t *testing.T) {
	raw, err := (&Update{AccountWrite: &AccountWrite{Pubkey: make([]byte, 32), Slot: 5}}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var decoded Update
	if err := decoded.UnmarshalBinary(raw[:len(raw)-3]); err == nil {
		t.Fatalf("expected error decoding truncated message")
	}
}

func TestZstdCompressorRoundTrip(t *testing.T) {
	require := require.New(t)
	c := &zstdCompressor{}
	payload := bytes.Repeat([]byte("account-state "), 512)

	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		w, err := c.Compress(&buf)
		require.NoError(err)
		_, err = w.Write(payload)
		require.NoError(err)
		require.NoError(w.Close())
		require.Less(buf.Len(), len(payload))

		r, err := c.Decompress(&buf)
		require.NoError(err)
		got, err := io.ReadAll(r)
		require.NoError(err)
		require.Equal(payload, got)
	}
}

func TestSubscribeRequestCarriesFlags(t *testing.T) {
	require := require.New(t)

	in := SubscribeRequest{ClientName: "indexer", Partial: true, SkipVoteAccounts: true}
	raw, err := in.MarshalBinary()
	require.NoError(err)

	var out SubscribeRequest
	require.NoError(out.UnmarshalBinary(raw))
	require.Equal(in, out)
}

func TestCodecFallsBackToProtoMessages(t *testing.T) {
	require := require.New(t)

	c := codec{name: protoCodecName}
	data, err := c.Marshal(wrapperspb.String("hello"))
	require.NoError(err)

	var out wrapperspb.StringValue
	require.NoError(c.Unmarshal(data, &out))
	require.Equal("hello", out.GetValue())

	_, err = c.Marshal(42)
	require.Error(err)
}

func TestCodecRegisteredForStandardContentType(t *testing.T) {
	require.Equal(t, protoCodecName, grpcencoding.GetCodecV2(protoCodecName).Name())
	_, isWire := grpcencoding.GetCodecV2(protoCodecName).(codec)
	require.True(t, isWire)
}
