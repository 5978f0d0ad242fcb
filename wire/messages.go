// Package wire implements the accountstream gRPC contract: the messages of
// protos/account_stream.proto encoded with protowire, a gRPC codec that
// carries them, and the service descriptor for the Subscribe stream.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// Field numbers from protos/account_stream.proto.
const (
	fieldSubscribeClientName       protowire.Number = 1
	fieldSubscribePartial          protowire.Number = 2
	fieldSubscribeSkipVoteAccounts protowire.Number = 3

	fieldAccountPubkey       protowire.Number = 1
	fieldAccountOwner        protowire.Number = 2
	fieldAccountTxSignature  protowire.Number = 3
	fieldAccountSlot         protowire.Number = 4
	fieldAccountWriteVersion protowire.Number = 5
	fieldAccountIsStartup    protowire.Number = 6
	fieldAccountLamports     protowire.Number = 7
	fieldAccountRentEpoch    protowire.Number = 8
	fieldAccountData         protowire.Number = 9
	fieldAccountExecutable   protowire.Number = 10

	fieldSlotSlot   protowire.Number = 1
	fieldSlotParent protowire.Number = 2
	fieldSlotStatus protowire.Number = 3

	fieldResponseHighestWriteSlot protowire.Number = 1

	fieldUpdateAccountWrite      protowire.Number = 1
	fieldUpdateSlotUpdate        protowire.Number = 2
	fieldUpdatePing              protowire.Number = 3
	fieldUpdateSubscribeResponse protowire.Number = 4
)

// ErrEmptyUpdate is returned when an Update carries no variant.
var ErrEmptyUpdate = errors.New("update has no payload")

// SubscribeRequest opens a subscription. Partial subscribers receive account
// writes without owner, data, lamports, rent epoch and executable flag.
type SubscribeRequest struct {
	ClientName       string
	Partial          bool
	SkipVoteAccounts bool
}

// AccountWrite is the wire form of types.AccountWrite. Keys are kept as
// raw bytes so that receivers can reject malformed lengths per event.
type AccountWrite struct {
	Pubkey       []byte
	Owner        []byte
	TxSignature  *string
	Slot         uint64
	WriteVersion uint64
	IsStartup    bool
	Lamports     uint64
	RentEpoch    uint64
	Data         []byte
	Executable   bool
}

// SlotUpdate is the wire form of types.SlotUpdate.
type SlotUpdate struct {
	Slot   uint64
	Parent *uint64
	Status int32
}

// Ping is the heartbeat message.
type Ping struct{}

// SubscribeResponse is the initial marker sent once per subscription.
type SubscribeResponse struct {
	HighestWriteSlot uint64
}

// Update is a oneof over the four payloads. Exactly one field is non-nil
// on a well formed message.
type Update struct {
	AccountWrite      *AccountWrite
	SlotUpdate        *SlotUpdate
	Ping              *Ping
	SubscribeResponse *SubscribeResponse
}

func (m *SubscribeRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	if m.ClientName != "" {
		b = protowire.AppendTag(b, fieldSubscribeClientName, protowire.BytesType)
		b = protowire.AppendString(b, m.ClientName)
	}
	b = appendBool(b, fieldSubscribePartial, m.Partial)
	b = appendBool(b, fieldSubscribeSkipVoteAccounts, m.SkipVoteAccounts)
	return b, nil
}

func (m *SubscribeRequest) UnmarshalBinary(b []byte) error {
	*m = SubscribeRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldSubscribeClientName:
			v, n, err := consumeBytes(typ, b)
			m.ClientName = string(v)
			return n, err
		case fieldSubscribePartial:
			v, n, err := consumeVarint(typ, b)
			m.Partial = protowire.DecodeBool(v)
			return n, err
		case fieldSubscribeSkipVoteAccounts:
			v, n, err := consumeVarint(typ, b)
			m.SkipVoteAccounts = protowire.DecodeBool(v)
			return n, err
		}
		return -1, nil
	})
}

// StripToPartial clears the fields a partial subscriber does not receive.
func (m *AccountWrite) StripToPartial() {
	m.Owner = nil
	m.Data = nil
	m.Lamports = 0
	m.RentEpoch = 0
	m.Executable = false
}

func (m *AccountWrite) appendTo(b []byte) []byte {
	b = appendBytes(b, fieldAccountPubkey, m.Pubkey)
	b = appendBytes(b, fieldAccountOwner, m.Owner)
	if m.TxSignature != nil {
		b = protowire.AppendTag(b, fieldAccountTxSignature, protowire.BytesType)
		b = protowire.AppendString(b, *m.TxSignature)
	}
	b = appendVarint(b, fieldAccountSlot, m.Slot)
	b = appendVarint(b, fieldAccountWriteVersion, m.WriteVersion)
	b = appendBool(b, fieldAccountIsStartup, m.IsStartup)
	b = appendVarint(b, fieldAccountLamports, m.Lamports)
	b = appendVarint(b, fieldAccountRentEpoch, m.RentEpoch)
	b = appendBytes(b, fieldAccountData, m.Data)
	b = appendBool(b, fieldAccountExecutable, m.Executable)
	return b
}

func (m *AccountWrite) unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldAccountPubkey:
			v, n, err := consumeBytes(typ, b)
			m.Pubkey = cloneBytes(v)
			return n, err
		case fieldAccountOwner:
			v, n, err := consumeBytes(typ, b)
			m.Owner = cloneBytes(v)
			return n, err
		case fieldAccountTxSignature:
			v, n, err := consumeBytes(typ, b)
			sig := string(v)
			m.TxSignature = &sig
			return n, err
		case fieldAccountSlot:
			return consumeVarintInto(typ, b, &m.Slot)
		case fieldAccountWriteVersion:
			return consumeVarintInto(typ, b, &m.WriteVersion)
		case fieldAccountIsStartup:
			v, n, err := consumeVarint(typ, b)
			m.IsStartup = protowire.DecodeBool(v)
			return n, err
		case fieldAccountLamports:
			return consumeVarintInto(typ, b, &m.Lamports)
		case fieldAccountRentEpoch:
			return consumeVarintInto(typ, b, &m.RentEpoch)
		case fieldAccountData:
			v, n, err := consumeBytes(typ, b)
			m.Data = cloneBytes(v)
			return n, err
		case fieldAccountExecutable:
			v, n, err := consumeVarint(typ, b)
			m.Executable = protowire.DecodeBool(v)
			return n, err
		}
		return -1, nil
	})
}

func (m *SlotUpdate) appendTo(b []byte) []byte {
	b = appendVarint(b, fieldSlotSlot, m.Slot)
	if m.Parent != nil {
		b = protowire.AppendTag(b, fieldSlotParent, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.Parent)
	}
	b = appendVarint(b, fieldSlotStatus, uint64(m.Status))
	return b
}

func (m *SlotUpdate) unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldSlotSlot:
			return consumeVarintInto(typ, b, &m.Slot)
		case fieldSlotParent:
			v, n, err := consumeVarint(typ, b)
			m.Parent = &v
			return n, err
		case fieldSlotStatus:
			v, n, err := consumeVarint(typ, b)
			m.Status = int32(v)
			return n, err
		}
		return -1, nil
	})
}

func (m *Update) MarshalBinary() ([]byte, error) {
	var b []byte
	switch {
	case m.AccountWrite != nil:
		b = appendMessage(b, fieldUpdateAccountWrite, m.AccountWrite.appendTo(nil))
	case m.SlotUpdate != nil:
		b = appendMessage(b, fieldUpdateSlotUpdate, m.SlotUpdate.appendTo(nil))
	case m.Ping != nil:
		b = appendMessage(b, fieldUpdatePing, nil)
	case m.SubscribeResponse != nil:
		b = appendMessage(b, fieldUpdateSubscribeResponse,
			appendVarint(nil, fieldResponseHighestWriteSlot, m.SubscribeResponse.HighestWriteSlot))
	default:
		return nil, ErrEmptyUpdate
	}
	return b, nil
}

func (m *Update) UnmarshalBinary(b []byte) error {
	*m = Update{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldUpdateAccountWrite:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			m.clearOneof()
			m.AccountWrite = &AccountWrite{}
			return n, m.AccountWrite.unmarshal(v)
		case fieldUpdateSlotUpdate:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			m.clearOneof()
			m.SlotUpdate = &SlotUpdate{}
			return n, m.SlotUpdate.unmarshal(v)
		case fieldUpdatePing:
			_, n, err := consumeBytes(typ, b)
			m.clearOneof()
			m.Ping = &Ping{}
			return n, err
		case fieldUpdateSubscribeResponse:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			m.clearOneof()
			m.SubscribeResponse = &SubscribeResponse{}
			return n, consumeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == fieldResponseHighestWriteSlot {
					return consumeVarintInto(typ, b, &m.SubscribeResponse.HighestWriteSlot)
				}
				return -1, nil
			})
		}
		return -1, nil
	})
}

// last oneof field on the wire wins
func (m *Update) clearOneof() {
	*m = Update{}
}

// FromUpdate converts a domain update to its wire form.
func FromUpdate(u types.Update) (*Update, error) {
	switch u.Kind {
	case types.KindAccountWrite:
		w := u.AccountWrite
		aw := &AccountWrite{
			Pubkey:       w.Pubkey.Bytes(),
			Owner:        w.Owner.Bytes(),
			Slot:         w.Slot,
			WriteVersion: w.WriteVersion,
			IsStartup:    w.IsStartup,
			Lamports:     w.Lamports,
			RentEpoch:    w.RentEpoch,
			Data:         w.Data,
			Executable:   w.Executable,
		}
		if w.TxSignature != "" {
			sig := w.TxSignature
			aw.TxSignature = &sig
		}
		return &Update{AccountWrite: aw}, nil
	case types.KindSlotUpdate:
		s := u.SlotUpdate
		return &Update{SlotUpdate: &SlotUpdate{Slot: s.Slot, Parent: s.Parent, Status: int32(s.Status)}}, nil
	case types.KindPing:
		return &Update{Ping: &Ping{}}, nil
	case types.KindInitialMarker:
		return &Update{SubscribeResponse: &SubscribeResponse{HighestWriteSlot: u.HighestWriteSlot}}, nil
	default:
		return nil, fmt.Errorf("unsupported update kind %s", u.Kind)
	}
}

// ToUpdate converts a received message to its domain form. Keys that are
// not 32 bytes yield an error wrapping types.ErrMalformedKey; unknown slot
// statuses are rejected as well.
func (m *Update) ToUpdate() (types.Update, error) {
	switch {
	case m.AccountWrite != nil:
		aw := m.AccountWrite
		pubkey, err := types.AccountKeyFromBytes(aw.Pubkey)
		if err != nil {
			return types.Update{}, fmt.Errorf("pubkey: %w", err)
		}
		owner, err := types.AccountKeyFromBytes(aw.Owner)
		if err != nil {
			return types.Update{}, fmt.Errorf("owner: %w", err)
		}
		w := types.AccountWrite{
			Pubkey:       pubkey,
			Owner:        owner,
			Slot:         aw.Slot,
			WriteVersion: aw.WriteVersion,
			Lamports:     aw.Lamports,
			RentEpoch:    aw.RentEpoch,
			Executable:   aw.Executable,
			Data:         aw.Data,
			IsStartup:    aw.IsStartup,
		}
		if aw.TxSignature != nil {
			w.TxSignature = *aw.TxSignature
		}
		return types.NewAccountWriteUpdate(w), nil
	case m.SlotUpdate != nil:
		status := types.SlotStatus(m.SlotUpdate.Status)
		if !status.Valid() {
			return types.Update{}, fmt.Errorf("slot %d: invalid status %d", m.SlotUpdate.Slot, m.SlotUpdate.Status)
		}
		return types.NewSlotUpdate(types.SlotUpdate{
			Slot:   m.SlotUpdate.Slot,
			Parent: m.SlotUpdate.Parent,
			Status: status,
		}), nil
	case m.Ping != nil:
		return types.PingUpdate(), nil
	case m.SubscribeResponse != nil:
		return types.InitialMarker(m.SubscribeResponse.HighestWriteSlot), nil
	default:
		return types.Update{}, ErrEmptyUpdate
	}
}
