// Package ingest feeds host events into the publisher.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/logging"
	"github.com/jito-foundation/solana-accountsdb-connector/server"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// maxLineSize bounds a single event line; account data can be large.
const maxLineSize = 16 << 20

// Handler receives host events. *server.Publisher implements it.
type Handler interface {
	UpdateAccount(info server.AccountInfo, slot uint64, isStartup bool) error
	UpdateSlotStatus(slot uint64, parent *uint64, status types.SlotStatus) error
	NotifyEndOfStartup() error
}

// EventSource produces host events until it is exhausted or ctx ends.
type EventSource interface {
	Run(ctx context.Context, h Handler) error
}

// Event is one line of the JSON-lines feed.
type Event struct {
	Type string `json:"type"`

	Pubkey       string `json:"pubkey,omitempty"`
	Owner        string `json:"owner,omitempty"`
	WriteVersion uint64 `json:"write_version,omitempty"`
	Lamports     uint64 `json:"lamports,omitempty"`
	RentEpoch    uint64 `json:"rent_epoch,omitempty"`
	Executable   bool   `json:"executable,omitempty"`
	Data         []byte `json:"data,omitempty"`
	TxSignature  string `json:"tx_signature,omitempty"`
	IsStartup    bool   `json:"is_startup,omitempty"`

	Slot   uint64  `json:"slot"`
	Parent *uint64 `json:"parent,omitempty"`
	Status string  `json:"status,omitempty"`
}

const (
	EventAccount      = "account"
	EventSlot         = "slot"
	EventEndOfStartup = "end_of_startup"
)

// JSONLinesSource reads newline-delimited Event objects.
type JSONLinesSource struct {
	r      io.Reader
	closer io.Closer
	logger *zap.Logger
}

// NewJSONLinesSource reads events from r.
func NewJSONLinesSource(r io.Reader, logger *zap.Logger) *JSONLinesSource {
	return &JSONLinesSource{r: r, logger: logging.Component(logger, "ingest")}
}

// OpenJSONLines opens path, or stdin for "-".
func OpenJSONLines(path string, logger *zap.Logger) (*JSONLinesSource, error) {
	if path == "-" || path == "" {
		return NewJSONLinesSource(os.Stdin, logger), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	s := NewJSONLinesSource(f, logger)
	s.closer = f
	return s, nil
}

// Run decodes events until EOF. Undecodable lines are logged and skipped;
// a handler error stops the feed.
func (s *JSONLinesSource) Run(ctx context.Context, h Handler) error {
	if s.closer != nil {
		defer s.closer.Close()
	}

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Warn("skipping undecodable event", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err := s.dispatch(ev, h); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	s.logger.Info("event feed exhausted", zap.Int("lines", line))
	return nil
}

func (s *JSONLinesSource) dispatch(ev Event, h Handler) error {
	switch ev.Type {
	case EventAccount:
		pubkey, err := base58.Decode(ev.Pubkey)
		if err != nil {
			s.logger.Warn("skipping account event with invalid pubkey", zap.String("pubkey", ev.Pubkey), zap.Error(err))
			return nil
		}
		owner, err := base58.Decode(ev.Owner)
		if err != nil {
			s.logger.Warn("skipping account event with invalid owner", zap.String("owner", ev.Owner), zap.Error(err))
			return nil
		}
		return h.UpdateAccount(server.AccountInfo{
			Pubkey:       pubkey,
			Owner:        owner,
			Lamports:     ev.Lamports,
			RentEpoch:    ev.RentEpoch,
			Executable:   ev.Executable,
			Data:         ev.Data,
			WriteVersion: ev.WriteVersion,
			TxSignature:  ev.TxSignature,
		}, ev.Slot, ev.IsStartup)
	case EventSlot:
		status, err := types.ParseSlotStatus(ev.Status)
		if err != nil {
			s.logger.Warn("skipping slot event", zap.Uint64("slot", ev.Slot), zap.Error(err))
			return nil
		}
		return h.UpdateSlotStatus(ev.Slot, ev.Parent, status)
	case EventEndOfStartup:
		return h.NotifyEndOfStartup()
	default:
		s.logger.Warn("skipping event of unknown type", zap.String("type", ev.Type))
		return nil
	}
}
