package types

import (
	"fmt"
	"strings"
)

// SlotStatus is the commitment level of a slot. Values are ordered:
// Processed < Confirmed < Rooted.
type SlotStatus int32

const (
	SlotProcessed SlotStatus = 0
	SlotConfirmed SlotStatus = 1
	SlotRooted    SlotStatus = 2
)

// Valid reports whether s is one of the known statuses.
func (s SlotStatus) Valid() bool {
	return s >= SlotProcessed && s <= SlotRooted
}

func (s SlotStatus) String() string {
	switch s {
	case SlotProcessed:
		return "processed"
	case SlotConfirmed:
		return "confirmed"
	case SlotRooted:
		return "rooted"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ParseSlotStatus accepts the lower-case names produced by String.
func ParseSlotStatus(s string) (SlotStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "processed":
		return SlotProcessed, nil
	case "confirmed":
		return SlotConfirmed, nil
	case "rooted", "finalized":
		return SlotRooted, nil
	default:
		return 0, fmt.Errorf("unknown slot status %q", s)
	}
}

// SlotUpdate reports a slot's commitment level.
type SlotUpdate struct {
	Slot   uint64
	Parent *uint64
	Status SlotStatus
}
