package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/logging"
	"github.com/jito-foundation/solana-accountsdb-connector/metrics"
	"github.com/jito-foundation/solana-accountsdb-connector/selector"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// AccountInfo is an account write as reported by the host, before key
// validation.
type AccountInfo struct {
	Pubkey       []byte
	Owner        []byte
	Lamports     uint64
	RentEpoch    uint64
	Executable   bool
	Data         []byte
	WriteVersion uint64
	TxSignature  string
}

// PublisherConfig sizes the publisher.
type PublisherConfig struct {
	Selector               selector.Config
	ActiveAccountsCapacity int
	BroadcastBufferSize    int
	HeartbeatInterval      time.Duration
}

// Publisher turns host callbacks into broadcast updates. It owns the
// selector, the active account set, the slot tracker and the hub.
type Publisher struct {
	selector *selector.Selector
	active   *selector.ActiveSet
	slots    *SlotTracker
	hub      *Hub

	heartbeatInterval time.Duration
	startupDone       atomic.Bool

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewPublisher validates cfg and builds a Publisher.
func NewPublisher(cfg PublisherConfig, logger *zap.Logger, m *metrics.Collector) (*Publisher, error) {
	sel, err := selector.New(cfg.Selector)
	if err != nil {
		return nil, fmt.Errorf("invalid accounts selector: %w", err)
	}

	logger = logging.Component(logger, "publisher")
	active, err := selector.NewActiveSet(cfg.ActiveAccountsCapacity, func(k types.AccountKey) {
		logger.Debug("evicted account from active set", zap.Stringer("pubkey", k))
		m.RecordActiveEviction()
	})
	if err != nil {
		return nil, err
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	logger.Info("publisher configured",
		zap.Bool("select_all", sel.SelectAll()),
		zap.Bool("exclude_vote_accounts", cfg.Selector.ExcludeVoteAccounts),
		zap.Int("broadcast_buffer_size", cfg.BroadcastBufferSize),
		zap.Int("active_accounts_capacity", cfg.ActiveAccountsCapacity))

	return &Publisher{
		selector:          sel,
		active:            active,
		slots:             &SlotTracker{},
		hub:               NewHub(cfg.BroadcastBufferSize),
		heartbeatInterval: interval,
		logger:            logger,
		metrics:           m,
	}, nil
}

// UpdateAccount handles one account write. Writes are streamed when the
// account is selected or was streamed before; malformed keys are dropped.
func (p *Publisher) UpdateAccount(info AccountInfo, slot uint64, isStartup bool) error {
	pubkey, err := types.AccountKeyFromBytes(info.Pubkey)
	if err != nil {
		p.logger.Error("dropping account write", zap.Error(err), zap.String("field", "pubkey"), zap.Uint64("slot", slot))
		p.metrics.RecordMalformed("publisher")
		return nil
	}
	owner, err := types.AccountKeyFromBytes(info.Owner)
	if err != nil {
		p.logger.Error("dropping account write", zap.Error(err), zap.String("field", "owner"),
			zap.Stringer("pubkey", pubkey), zap.Uint64("slot", slot))
		p.metrics.RecordMalformed("publisher")
		return nil
	}

	if !p.active.Contains(pubkey) {
		if !p.selector.IsSelected(pubkey, owner) {
			p.metrics.RecordFiltered()
			return nil
		}
		if p.active.Insert(pubkey) {
			p.metrics.SetActiveAccounts(p.active.Len())
		}
	}

	p.slots.Observe(slot)
	p.metrics.SetHighestWriteSlot(p.slots.Highest())

	p.hub.Publish(types.NewAccountWriteUpdate(types.AccountWrite{
		Pubkey:       pubkey,
		Owner:        owner,
		Slot:         slot,
		WriteVersion: info.WriteVersion,
		Lamports:     info.Lamports,
		RentEpoch:    info.RentEpoch,
		Executable:   info.Executable,
		Data:         info.Data,
		TxSignature:  info.TxSignature,
		IsStartup:    isStartup,
	}))
	p.metrics.RecordPublished(types.KindAccountWrite.String())
	return nil
}

// UpdateSlotStatus broadcasts a slot status change.
func (p *Publisher) UpdateSlotStatus(slot uint64, parent *uint64, status types.SlotStatus) error {
	if !status.Valid() {
		p.logger.Error("dropping slot update with unknown status",
			zap.Uint64("slot", slot), zap.Int32("status", int32(status)))
		p.metrics.RecordMalformed("publisher")
		return nil
	}
	p.hub.Publish(types.NewSlotUpdate(types.SlotUpdate{Slot: slot, Parent: parent, Status: status}))
	p.metrics.RecordPublished(types.KindSlotUpdate.String())
	return nil
}

// NotifyEndOfStartup marks the end of the startup account replay.
func (p *Publisher) NotifyEndOfStartup() error {
	if p.startupDone.CompareAndSwap(false, true) {
		p.logger.Info("startup replay finished",
			zap.Int("active_accounts", p.active.Len()),
			zap.Uint64("highest_write_slot", p.slots.Highest()))
	}
	return nil
}

// RunHeartbeat publishes a Ping immediately and then every heartbeat
// interval until ctx is done.
func (p *Publisher) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		p.hub.Publish(types.PingUpdate())
		p.metrics.RecordHeartbeat()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// NewSession subscribes to the hub and returns a session ready to Run.
func (p *Publisher) NewSession(opts SessionOptions, logger *zap.Logger) *Session {
	return newSession(p.hub.Subscribe(), p.slots, opts, logger)
}

// HighestWriteSlot returns the highest slot of any streamed write.
func (p *Publisher) HighestWriteSlot() uint64 {
	return p.slots.Highest()
}

// Subscribers returns the number of open subscriptions.
func (p *Publisher) Subscribers() int {
	return p.hub.Len()
}

// Close ends every session with ErrHubClosed.
func (p *Publisher) Close() {
	p.hub.Close()
	p.logger.Info("publisher closed")
}
