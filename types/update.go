package types

import "fmt"

// UpdateKind tags the variant held by an Update.
type UpdateKind int

const (
	KindAccountWrite UpdateKind = iota + 1
	KindSlotUpdate
	KindPing
	KindInitialMarker
)

func (k UpdateKind) String() string {
	switch k {
	case KindAccountWrite:
		return "account_write"
	case KindSlotUpdate:
		return "slot_update"
	case KindPing:
		return "ping"
	case KindInitialMarker:
		return "initial_marker"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Update is the unit carried from publisher to subscriber. Exactly one of
// the payload fields is meaningful, selected by Kind.
type Update struct {
	Kind         UpdateKind
	AccountWrite *AccountWrite
	SlotUpdate   *SlotUpdate
	// HighestWriteSlot is set for KindInitialMarker.
	HighestWriteSlot uint64
}

// NewAccountWriteUpdate wraps w.
func NewAccountWriteUpdate(w AccountWrite) Update {
	return Update{Kind: KindAccountWrite, AccountWrite: &w}
}

// NewSlotUpdate wraps s.
func NewSlotUpdate(s SlotUpdate) Update {
	return Update{Kind: KindSlotUpdate, SlotUpdate: &s}
}

// PingUpdate is the heartbeat.
func PingUpdate() Update {
	return Update{Kind: KindPing}
}

// InitialMarker is the first message of every subscription.
func InitialMarker(highestWriteSlot uint64) Update {
	return Update{Kind: KindInitialMarker, HighestWriteSlot: highestWriteSlot}
}
