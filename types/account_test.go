package types

import (
	"errors"
	"testing"
)

func TestAccountKeyFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{"exact length", make([]byte, 32), false},
		{"short", make([]byte, 31), true},
		{"long", make([]byte, 33), true},
		{"empty", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AccountKeyFromBytes(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedKey) {
					t.Fatalf("expected ErrMalformedKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseAccountKeyRoundTrip(t *testing.T) {
	s := VoteProgramID.String()
	if s != "Vote111111111111111111111111111111111111111" {
		t.Fatalf("unexpected vote program text %q", s)
	}
	k, err := ParseAccountKey(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if k != VoteProgramID {
		t.Errorf("round trip mismatch")
	}

	if _, err := ParseAccountKey("not-base58-0OIl"); err == nil {
		t.Errorf("expected error for invalid base58")
	}
}

func TestSlotStatusOrdering(t *testing.T) {
	if !(SlotProcessed < SlotConfirmed && SlotConfirmed < SlotRooted) {
		t.Fatalf("statuses are not ordered")
	}
	if SlotStatus(3).Valid() {
		t.Errorf("status 3 should be invalid")
	}
	st, err := ParseSlotStatus("Finalized")
	if err != nil || st != SlotRooted {
		t.Errorf("ParseSlotStatus(Finalized) = %v, %v", st, err)
	}
}
