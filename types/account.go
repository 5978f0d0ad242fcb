package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// AccountKeyLength is the byte length of every account and program key.
const AccountKeyLength = 32

// ErrMalformedKey is returned when a key is not exactly AccountKeyLength bytes.
var ErrMalformedKey = errors.New("malformed account key")

// AccountKey identifies an account or program.
type AccountKey [AccountKeyLength]byte

// VoteProgramID owns every validator vote account.
var VoteProgramID = MustParseAccountKey("Vote111111111111111111111111111111111111111")

// AccountKeyFromBytes copies b into an AccountKey. Any length other than
// AccountKeyLength yields ErrMalformedKey.
func AccountKeyFromBytes(b []byte) (AccountKey, error) {
	var k AccountKey
	if len(b) != AccountKeyLength {
		return k, fmt.Errorf("%w: got %d bytes", ErrMalformedKey, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ParseAccountKey decodes the base58 text form of a key.
func ParseAccountKey(s string) (AccountKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return AccountKey{}, fmt.Errorf("decode %q: %w", s, err)
	}
	return AccountKeyFromBytes(raw)
}

// MustParseAccountKey is ParseAccountKey for package-level constants.
func MustParseAccountKey(s string) AccountKey {
	k, err := ParseAccountKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k AccountKey) String() string {
	return base58.Encode(k[:])
}

// Bytes returns a copy of the key bytes.
func (k AccountKey) Bytes() []byte {
	b := make([]byte, AccountKeyLength)
	copy(b, k[:])
	return b
}

// AccountWrite is one observed change to an account's state.
type AccountWrite struct {
	Pubkey       AccountKey
	Owner        AccountKey
	Slot         uint64
	WriteVersion uint64
	Lamports     uint64
	RentEpoch    uint64
	Executable   bool
	Data         []byte
	// TxSignature is empty when the write was not caused by a transaction.
	TxSignature string
	IsStartup   bool
}
